package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/xiaot623/codementor/internal/domain"
)

var (
	submitTitle    string
	submitLanguage string
	submitSkill    string
	submitRepo     string
	submitBranch   string
	submitWatch    bool
)

var submitCmd = &cobra.Command{
	Use:   "submit FILE...",
	Short: "Submit files for review",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitTitle, "title", "", "session title (defaults to the first file name)")
	submitCmd.Flags().StringVar(&submitLanguage, "language", "", "language of the submitted code (required)")
	submitCmd.Flags().StringVar(&submitSkill, "skill", "", "beginner, intermediate or advanced")
	submitCmd.Flags().StringVar(&submitRepo, "repo", "", "repository URL; marks the session as repository-sourced")
	submitCmd.Flags().StringVar(&submitBranch, "branch", "", "repository branch")
	submitCmd.Flags().BoolVarP(&submitWatch, "watch", "w", false, "follow the analysis after submitting")
}

func buildSubmitRequest(paths []string) (domain.CreateSessionRequest, error) {
	if submitLanguage == "" {
		return domain.CreateSessionRequest{}, errors.New("--language is required")
	}
	req := domain.CreateSessionRequest{
		Title:            submitTitle,
		Language:         submitLanguage,
		Source:           domain.SessionSourceSnippet,
		SkillLevel:       domain.SkillLevel(submitSkill),
		RepositoryURL:    submitRepo,
		RepositoryBranch: submitBranch,
	}
	if submitRepo != "" {
		req.Source = domain.SessionSourceRepository
	}
	if req.Title == "" {
		req.Title = filepath.Base(paths[0])
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return domain.CreateSessionRequest{}, err
		}
		req.Snippets = append(req.Snippets, domain.SnippetInput{
			FileName: filepath.Base(p),
			Path:     filepath.ToSlash(p),
			Content:  string(data),
		})
	}
	return req, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req, err := buildSubmitRequest(args)
	if err != nil {
		return err
	}

	var session domain.Session
	client := newAPIClient(serverURL, apiToken)
	if err := client.do(cmd.Context(), "POST", "/v1/sessions", req, &session); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s %s\n", session.SessionID, session.Status)

	if !submitWatch {
		return nil
	}
	return watchSession(cmd.Context(), serverURL, apiToken, session.SessionID, cmd.OutOrStdout())
}
