package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiToken  string
)

var rootCmd = &cobra.Command{
	Use:          "mentorctl",
	Short:        "Command line client for codementor",
	Long:         "Submit code for review, watch analyses as they run, and inspect progress.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("MENTOR_SERVER", "http://localhost:8080"), "codementor base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("MENTOR_TOKEN"), "bearer token (see `mentorctl token`)")

	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(progressCmd)
}
