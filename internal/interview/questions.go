package interview

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Question is one interview prompt and the analysis context sent before the
// candidate answers it.
type Question struct {
	ID       int    `yaml:"id" json:"id"`
	Category string `yaml:"category" json:"category"`
	Text     string `yaml:"text" json:"text"`
	Context  string `yaml:"context" json:"context"`
}

//go:embed questions.yaml
var defaultQuestions []byte

// DefaultQuestions returns the built-in question bank.
func DefaultQuestions() []Question {
	qs, err := ParseQuestions(defaultQuestions)
	if err != nil {
		panic(fmt.Sprintf("interview: invalid embedded questions: %v", err))
	}
	return qs
}

// LoadQuestions reads a YAML question bank. An empty path selects the
// built-in bank.
func LoadQuestions(path string) ([]Question, error) {
	if path == "" {
		return DefaultQuestions(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read questions: %w", err)
	}
	return ParseQuestions(data)
}

// ParseQuestions decodes and checks a YAML question list.
func ParseQuestions(data []byte) ([]Question, error) {
	var qs []Question
	if err := yaml.Unmarshal(data, &qs); err != nil {
		return nil, fmt.Errorf("failed to parse questions: %w", err)
	}
	if len(qs) == 0 {
		return nil, fmt.Errorf("question bank is empty")
	}

	seen := make(map[int]bool, len(qs))
	for i, q := range qs {
		if strings.TrimSpace(q.Text) == "" {
			return nil, fmt.Errorf("question %d has no text", i+1)
		}
		if seen[q.ID] {
			return nil, fmt.Errorf("duplicate question id %d", q.ID)
		}
		seen[q.ID] = true
	}
	return qs, nil
}

// ContextMessage is the text sent to the analysis peer when the candidate
// starts answering q.
func (q Question) ContextMessage() string {
	return fmt.Sprintf(
		"CONTEXTO ATUAL: O usuário está respondendo à pergunta: \"%s\". O contexto esperado é: %s. Analise a resposta dele a partir de agora.",
		q.Text, strings.TrimSuffix(q.Context, "."),
	)
}
