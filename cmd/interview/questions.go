package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lexiqai/insight-bridge/internal/interview"
)

var questionsCmd = &cobra.Command{
	Use:   "questions [file]",
	Short: "Print the question bank",
	Long: `Print the question bank as YAML, together with the context message sent
to the analysis peer for each question. Without a file the built-in bank is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQuestions,
}

func init() {
	rootCmd.AddCommand(questionsCmd)
}

type questionView struct {
	interview.Question `yaml:",inline"`
	Message            string `yaml:"message"`
}

func runQuestions(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	qs, err := interview.LoadQuestions(path)
	if err != nil {
		return err
	}

	views := make([]questionView, len(qs))
	for i, q := range qs {
		views[i] = questionView{Question: q, Message: q.ContextMessage()}
	}
	out, err := yaml.Marshal(views)
	if err != nil {
		return fmt.Errorf("failed to render questions: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
