// Package analysis holds the structured result produced for each interview
// answer: its wire shape, boundary validation, normalization and the fallback
// used when no valid result arrives in time.
package analysis

import (
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Sentiment is the categorical sentiment label.
type Sentiment string

const (
	SentimentPositive Sentiment = "positivo"
	SentimentNegative Sentiment = "negativo"
	SentimentNeutral  Sentiment = "neutro"
)

// VoiceTone describes the prosody of the answer.
type VoiceTone string

const (
	ToneCalm         VoiceTone = "calmo"
	ToneTense        VoiceTone = "tenso"
	ToneExcited      VoiceTone = "animado"
	ToneMonotone     VoiceTone = "monotono"
	ToneHesitant     VoiceTone = "hesitante"
	ToneUndetermined VoiceTone = "indeterminado"
)

// SpeechRate describes how fast the candidate spoke.
type SpeechRate string

const (
	RateSlow         SpeechRate = "lenta"
	RateNormal       SpeechRate = "normal"
	RateFast         SpeechRate = "rapida"
	RateUndetermined SpeechRate = "indeterminada"
)

// MicroExpressions holds the intensity of the five tracked expressions.
type MicroExpressions struct {
	Joy      float64 `json:"alegria"`
	Sadness  float64 `json:"tristeza"`
	Anger    float64 `json:"raiva"`
	Fear     float64 `json:"medo"`
	Surprise float64 `json:"surpresa"`
}

// Prosody groups the voice descriptors.
type Prosody struct {
	VoiceTone  VoiceTone  `json:"tom_voz"`
	SpeechRate SpeechRate `json:"velocidade_fala"`
}

// Result is the analysis of one answer.
type Result struct {
	Transcript       string           `json:"transcricao"`
	Sentiment        Sentiment        `json:"sentimento"`
	SentimentScore   float64          `json:"score_sentimento"`
	SarcasmScore     float64          `json:"score_sarcasmo"`
	Confidence       float64          `json:"confianca"`
	Emotions         []string         `json:"emocoes_detectadas"`
	Coherence        float64          `json:"coerencia_facial_verbal"`
	Keywords         []string         `json:"palavras_chave"`
	MicroExpressions MicroExpressions `json:"deteccao_microexpressoes"`
	Prosody          Prosody          `json:"analise_prosodica"`
	Insight          string           `json:"insight_final,omitempty"`

	// Fallback is set on locally synthesized results; it never travels on the wire.
	Fallback bool `json:"-"`
}

// Fallback returns the result used when the upstream peer does not answer in
// time. Every call returns a fresh copy.
func Fallback() Result {
	return Result{
		Transcript:     "Resposta simulada para fins de demonstração (Fallback).",
		Sentiment:      SentimentPositive,
		SentimentScore: 0.85,
		SarcasmScore:   0.0,
		Confidence:     0.95,
		Emotions:       []string{"confiança"},
		Coherence:      0.9,
		Keywords:       []string{"demonstração", "hackathon"},
		MicroExpressions: MicroExpressions{
			Joy: 0.5,
		},
		Prosody: Prosody{
			VoiceTone:  ToneCalm,
			SpeechRate: RateNormal,
		},
		Insight:  "Resposta consistente (Mock gerado pois a IA demorou a responder).",
		Fallback: true,
	}
}

// Normalize returns a copy with every score clamped to [0, 1], labels folded
// to their canonical lowercase unaccented form, and nil lists replaced by
// empty ones.
func (r Result) Normalize() Result {
	r.Transcript = strings.TrimSpace(r.Transcript)
	r.Insight = strings.TrimSpace(r.Insight)

	r.SentimentScore = clamp01(r.SentimentScore)
	r.SarcasmScore = clamp01(r.SarcasmScore)
	r.Confidence = clamp01(r.Confidence)
	r.Coherence = clamp01(r.Coherence)

	r.MicroExpressions.Joy = clamp01(r.MicroExpressions.Joy)
	r.MicroExpressions.Sadness = clamp01(r.MicroExpressions.Sadness)
	r.MicroExpressions.Anger = clamp01(r.MicroExpressions.Anger)
	r.MicroExpressions.Fear = clamp01(r.MicroExpressions.Fear)
	r.MicroExpressions.Surprise = clamp01(r.MicroExpressions.Surprise)

	switch s := Sentiment(fold(string(r.Sentiment))); s {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		r.Sentiment = s
	default:
		r.Sentiment = SentimentNeutral
	}

	switch t := VoiceTone(fold(string(r.Prosody.VoiceTone))); t {
	case ToneCalm, ToneTense, ToneExcited, ToneMonotone, ToneHesitant:
		r.Prosody.VoiceTone = t
	default:
		r.Prosody.VoiceTone = ToneUndetermined
	}

	switch v := SpeechRate(fold(string(r.Prosody.SpeechRate))); v {
	case RateSlow, RateNormal, RateFast:
		r.Prosody.SpeechRate = v
	default:
		r.Prosody.SpeechRate = RateUndetermined
	}

	r.Emotions = cleanTags(r.Emotions)
	r.Keywords = cleanTags(r.Keywords)
	return r
}

// InRange reports whether every numeric field lies in [0, 1].
func (r Result) InRange() bool {
	for _, v := range r.scores() {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return false
		}
	}
	return true
}

func (r Result) scores() []float64 {
	m := r.MicroExpressions
	return []float64{
		r.SentimentScore, r.SarcasmScore, r.Confidence, r.Coherence,
		m.Joy, m.Sadness, m.Anger, m.Fear, m.Surprise,
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// fold lowercases and strips diacritics, so "Monótono" matches "monotono".
func fold(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	// Chains keep internal buffers, so one is built per call.
	stripper := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(stripper, s)
	if err != nil {
		return s
	}
	return out
}
