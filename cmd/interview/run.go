package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexiqai/insight-bridge/internal/analysis"
	"github.com/lexiqai/insight-bridge/internal/audio"
	"github.com/lexiqai/insight-bridge/internal/capture"
	"github.com/lexiqai/insight-bridge/internal/config"
	"github.com/lexiqai/insight-bridge/internal/interview"
	"github.com/lexiqai/insight-bridge/internal/observability"
	"github.com/lexiqai/insight-bridge/internal/resilience"
)

var (
	runWAV    string
	runImage  string
	runOutput string
	runYes    bool
	runAuto   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an interview",
	Long: `Run an interview end to end.

Audio comes from the default microphone, or from a 16-bit PCM WAV file with
--wav. A still image given with --image stands in for the camera. With --auto
every answer is the whole WAV file and no key presses are needed.

The ordered results are printed as JSON when the interview finishes.`,
	RunE: runInterview,
}

func init() {
	runCmd.Flags().StringVar(&runWAV, "wav", "", "replay this WAV file instead of the microphone")
	runCmd.Flags().StringVar(&runImage, "image", "", "send this JPEG or PNG as the camera frame")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "write results to this file instead of stdout")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "consent without prompting")
	runCmd.Flags().BoolVar(&runAuto, "auto", false, "answer every question with the WAV file (requires --wav)")
	rootCmd.AddCommand(runCmd)
}

type answerRecord struct {
	QuestionID int             `json:"pergunta_id"`
	Category   string          `json:"categoria"`
	Fallback   bool            `json:"fallback"`
	Analysis   analysis.Result `json:"analise"`
}

func runInterview(cmd *cobra.Command, args []string) error {
	if runAuto && runWAV == "" {
		return fmt.Errorf("--auto requires --wav")
	}

	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	questions, err := interview.LoadQuestions(cfg.QuestionsFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.ErrOrStderr()
	link := interview.NewBridgeLink(cfg.BridgeURL, logger)

	var (
		src       capture.AudioSource
		exhausted func() <-chan struct{}
	)
	if runWAV != "" {
		wav := capture.NewWAVSource(runWAV, cfg.SampleRate, cfg.FrameSamples)
		src, exhausted = wav, wav.Exhausted
	} else {
		src = capture.NewMicSource(cfg.SampleRate, cfg.FrameSamples)
	}
	var frames capture.FrameSource
	if runImage != "" {
		frames = capture.NewImageFileSource(runImage)
	}

	enc := capture.NewEncoder(src, frames, link, capture.Options{
		VideoEvery:  cfg.VideoEvery,
		JPEGQuality: cfg.JPEGQuality,
		VAD:         audio.NewVADDetector(nil),
		OnVoice: func(speaking bool, rms float64) {
			if speaking {
				fmt.Fprintln(out, "  ● fala detectada")
			} else {
				fmt.Fprintln(out, "  ○ silêncio")
			}
		},
		Logger: logger,
	})

	ctrl := interview.NewController(questions, link, enc, interview.Options{
		Timeout: cfg.Timeout(),
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     cfg.Backoff(),
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		},
		Logger: logger,
	})
	defer ctrl.Close()

	lines := readLines(cmd.InOrStdin())

	if !runYes {
		fmt.Fprint(out, "Esta entrevista grava áudio e vídeo para análise. Você concorda? [s/N] ")
		select {
		case line := <-lines:
			if a := strings.ToLower(strings.TrimSpace(line)); a != "s" && a != "sim" && a != "y" && a != "yes" {
				return fmt.Errorf("consent not given")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := ctrl.Consent(ctx); err != nil {
		return err
	}

	for {
		state, index := ctrl.State()
		switch state {
		case interview.StateFinished:
			return writeResults(questions, ctrl.Results())

		case interview.StateConnecting:
			fmt.Fprintln(out, "Reconectando ao relay...")
			if err := ctrl.Reconnect(ctx); err != nil {
				return err
			}

		case interview.StateReady:
			q, _ := ctrl.Question()
			fmt.Fprintf(out, "\nPergunta %d/%d [%s]\n%s\n", index+1, len(questions), q.Category, q.Text)
			if !runAuto {
				fmt.Fprint(out, "Enter para começar a responder...")
				if err := waitLine(ctx, lines); err != nil {
					return err
				}
			}

			err := ctrl.StartRecording()
			switch {
			case errors.Is(err, interview.ErrNotConnected):
				fmt.Fprintln(out, "Sem conexão com o relay, tentando novamente...")
				if err := ctrl.Reconnect(ctx); err != nil {
					return err
				}
				continue
			case err != nil:
				return err
			}

			if err := awaitAnswerEnd(ctx, out, ctrl, lines, exhausted); err != nil {
				return err
			}
			if err := ctrl.StopRecording(); err != nil && !errors.Is(err, interview.ErrInvalidTransition) {
				return err
			}
			fmt.Fprintln(out, "Analisando...")
			if err := awaitResult(ctx, ctrl); err != nil {
				return err
			}

			results := ctrl.Results()
			if last := results[len(results)-1]; last.Fallback {
				fmt.Fprintln(out, "Sem análise a tempo, resultado padrão registrado.")
			} else {
				fmt.Fprintf(out, "Insight: %s\n", ctrl.Feedback())
			}

		default:
			return fmt.Errorf("unexpected state %s", state)
		}
	}
}

// awaitAnswerEnd returns when the user presses Enter, the WAV file runs out
// in auto mode, or an early result already closed the question.
func awaitAnswerEnd(ctx context.Context, out io.Writer, ctrl *interview.Controller, lines <-chan string, exhausted func() <-chan struct{}) error {
	var done <-chan struct{}
	if runAuto && exhausted != nil {
		done = exhausted()
		lines = nil
	} else {
		fmt.Fprint(out, "Gravando. Enter para terminar...")
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lines:
			return nil
		case <-done:
			return nil
		case <-ticker.C:
			if state, _ := ctrl.State(); state != interview.StateRecording {
				return nil
			}
		}
	}
}

// awaitResult waits until the current question has its result.
func awaitResult(ctx context.Context, ctrl *interview.Controller) error {
	for {
		if state, _ := ctrl.State(); state != interview.StateProcessing && state != interview.StateRecording {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ctrl.Changes():
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func waitLine(ctx context.Context, lines <-chan string) error {
	select {
	case <-lines:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func writeResults(questions []interview.Question, results []analysis.Result) error {
	records := make([]answerRecord, len(results))
	for i, r := range results {
		records[i] = answerRecord{
			QuestionID: questions[i].ID,
			Category:   questions[i].Category,
			Fallback:   r.Fallback,
			Analysis:   r,
		}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	data = append(data, '\n')

	if runOutput == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(runOutput, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}
