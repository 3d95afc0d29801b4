package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "interview",
	Short:        "Terminal client for the insight relay",
	SilenceUsage: true,
	Long: `interview runs a recorded climate interview against a running insight relay.

Each question's context is sent before capture starts; the answer is streamed
as PCM audio plus a JPEG frame every few chunks, and the relay's analysis is
collected per question. A question with no analysis in time gets the fallback
result, so the interview always finishes.

Configuration comes from INTERVIEW_* environment variables or a .env file.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
