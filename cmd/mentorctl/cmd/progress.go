package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaot623/codementor/internal/domain"
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback SESSION_ID",
	Short: "Print the feedback of a session's latest analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Feedback []domain.Feedback `json:"feedback"`
		}
		client := newAPIClient(serverURL, apiToken)
		if err := client.do(cmd.Context(), "GET", "/v1/sessions/"+args[0]+"/feedback", nil, &res); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, fb := range res.Feedback {
			fmt.Fprintf(out, "%s [%s/%s] %s\n", fb.FeedbackID, fb.Severity, fb.Category, fb.Message)
		}
		if len(res.Feedback) == 0 {
			fmt.Fprintln(out, "no feedback yet")
		}
		return nil
	},
}

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Print your progress profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var profile domain.ProgressProfile
		client := newAPIClient(serverURL, apiToken)
		if err := client.do(cmd.Context(), "GET", "/v1/progress", nil, &profile); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "submissions:       %d\n", profile.TotalSubmissions)
		fmt.Fprintf(out, "improvement score: %d\n", profile.ImprovementScore)
		if profile.Personality != nil {
			fmt.Fprintf(out, "personality:       %s (%.0f%%)\n", profile.Personality.Label, profile.Personality.Confidence*100)
		}
		for lang, n := range profile.LanguageCounts {
			fmt.Fprintf(out, "  %-16s %d\n", lang, n)
		}
		return nil
	},
}
