package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/codementor/internal/adapter/llm"
	"github.com/xiaot623/codementor/internal/domain"
	"github.com/xiaot623/codementor/tests/helpers"
)

func TestCreateSessionPersistsAndEnqueues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateSession(ctx, principal("user_1"), domain.CreateSessionRequest{
		Title:            "repo review",
		Language:         "go",
		Source:           domain.SessionSourceRepository,
		CodeSnippet:      "package main\n\nfunc main() {}\n",
		RepositoryURL:    "https://github.com/acme/widgets",
		RepositoryBranch: "main",
		Snippets: []domain.SnippetInput{
			{FileName: "util.go", Path: "internal/util/util.go", Content: "package util"},
		},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(session.SessionID, "sess_"))
	assert.Equal(t, domain.SessionStatusPending, session.Status)
	assert.Equal(t, domain.SkillLevelBeginner, session.SkillLevel)
	assert.Equal(t, "user_1", session.UserID)

	stored, err := env.store.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	require.NotNil(t, stored.Repository)
	assert.Equal(t, "https://github.com/acme/widgets", stored.Repository.URL)
	assert.Equal(t, "main", stored.Repository.Branch)

	snippets, err := env.store.ListSnippets(ctx, session.SessionID)
	require.NoError(t, err)
	require.Len(t, snippets, 2)
	assert.Equal(t, defaultFileName, snippets[0].FileName)
	assert.Equal(t, 4, snippets[0].LineCount)
	assert.Equal(t, "util.go", snippets[1].FileName)
	assert.Equal(t, "internal/util/util.go", snippets[1].Path)
	assert.Equal(t, 1, snippets[1].LineCount)

	// The job is queued but nothing has run yet.
	job, err := env.store.ClaimJob(ctx, "inspector", session.CreatedAt.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.JobKindAnalyzeCode, job.Kind)
	var payload domain.AnalyzeCodePayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, domain.AnalyzeCodePayload{SessionID: session.SessionID, UserID: "user_1"}, payload)
	assert.Zero(t, env.reasoner.callCount())
}

func TestCreateSessionWithoutCodeIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateSession(ctx, principal("user_1"), domain.CreateSessionRequest{
		Title:         "empty repo",
		Language:      "go",
		Source:        domain.SessionSourceRepository,
		RepositoryURL: "https://github.com/acme/empty",
	})
	require.NoError(t, err)

	snippets, err := env.store.ListSnippets(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Empty(t, snippets)
}

func TestCreateSessionKeepsWhitespaceOnlyCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateSession(ctx, principal("user_1"), domain.CreateSessionRequest{
		Title:       "blank",
		Language:    "go",
		Source:      domain.SessionSourceSnippet,
		CodeSnippet: "   ",
	})
	require.NoError(t, err)

	snippets, err := env.store.ListSnippets(ctx, session.SessionID)
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	assert.Equal(t, "   ", snippets[0].Content)
}

func TestCreateSessionRejectsInvalidInput(t *testing.T) {
	valid := func() domain.CreateSessionRequest {
		return domain.CreateSessionRequest{Title: "t", Language: "go", Source: domain.SessionSourceSnippet, CodeSnippet: "x"}
	}

	tests := []struct {
		name       string
		mutate     func(r *domain.CreateSessionRequest)
		wantPolicy bool
		wantMsg    string
	}{
		{"missing title", func(r *domain.CreateSessionRequest) { r.Title = "" }, false, "title is required"},
		{"missing language", func(r *domain.CreateSessionRequest) { r.Language = "" }, false, "language is required"},
		{"unknown source", func(r *domain.CreateSessionRequest) { r.Source = "upload" }, false, "source must be one of"},
		{"unknown skill level", func(r *domain.CreateSessionRequest) { r.SkillLevel = "guru" }, false, "skill_level"},
		{"bad repository url", func(r *domain.CreateSessionRequest) { r.RepositoryURL = "not a url" }, false, "repository_url"},
		{"empty file content", func(r *domain.CreateSessionRequest) {
			r.Snippets = []domain.SnippetInput{{FileName: "a.go"}}
		}, false, "snippets[0].content is required"},
		{"too many snippets", func(r *domain.CreateSessionRequest) {
			for i := 0; i < 5; i++ {
				r.Snippets = append(r.Snippets, domain.SnippetInput{Content: "y"})
			}
		}, true, "too many snippets"},
		{"snippet too large", func(r *domain.CreateSessionRequest) { r.CodeSnippet = strings.Repeat("x", 1001) }, true, "snippet too large"},
		{"submission too large", func(r *domain.CreateSessionRequest) {
			r.CodeSnippet = strings.Repeat("x", 900)
			r.Snippets = []domain.SnippetInput{{Content: strings.Repeat("y", 900)}, {Content: strings.Repeat("z", 900)}}
		}, true, "submission too large"},
		{"repository without url", func(r *domain.CreateSessionRequest) { r.Source = domain.SessionSourceRepository }, true, "repository_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := valid()
			tt.mutate(&req)

			_, err := env.svc.CreateSession(context.Background(), principal("user_1"), req)
			require.ErrorIs(t, err, domain.ErrValidation)
			assert.Equal(t, tt.wantPolicy, errors.Is(err, domain.ErrPolicyDenied))
			assert.Contains(t, err.Error(), tt.wantMsg)

			sessions, err := env.store.ListSessionsByUser(context.Background(), "user_1", 0)
			require.NoError(t, err)
			assert.Empty(t, sessions)
		})
	}
}

func TestCreateSessionRequiresPrincipal(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.CreateSession(context.Background(), nil, domain.CreateSessionRequest{})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestReadsAreOwnerScoped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	helpers.SeedSession(t, env.store, "sess_1", "user_1", "x")
	helpers.SeedSession(t, env.store, "sess_2", "user_1", "y")
	helpers.SeedSession(t, env.store, "sess_3", "user_2", "z")

	_, err := env.svc.GetSession(ctx, principal("user_2"), "sess_1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.svc.GetFeedbackBySession(ctx, principal("user_2"), "sess_1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.svc.ListUsage(ctx, principal("user_2"), "sess_1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.svc.GetSession(ctx, principal("user_1"), "sess_nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	sessions, err := env.svc.ListSessions(ctx, principal("user_1"), 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "sess_2", sessions[0].SessionID)

	fb, err := env.svc.GetFeedbackBySession(ctx, principal("user_1"), "sess_1")
	require.NoError(t, err)
	assert.Empty(t, fb)
}

func TestGetFeedbackIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	helpers.SeedSession(t, env.store, "sess_1", "user_1", "a", "b")
	require.NoError(t, env.svc.AnalyzeSession(ctx, "sess_1", "user_1"))

	first, err := env.svc.GetFeedbackBySession(ctx, principal("user_1"), "sess_1")
	require.NoError(t, err)
	second, err := env.svc.GetFeedbackBySession(ctx, principal("user_1"), "sess_1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 2)
}

func TestRefactorFeedback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	helpers.SeedSession(t, env.store, "sess_1", "user_1", "var x int = 1")
	helpers.SeedSession(t, env.store, "sess_2", "user_1", "other")
	env.reasoner.results["var x int = 1"] = &llm.AnalysisResult{
		Feedback: []llm.FeedbackItem{{Category: domain.FeedbackCategoryReadability, Severity: domain.FeedbackSeverityLow, Message: "Verbose declaration", Suggestion: "Use :="}},
	}
	require.NoError(t, env.svc.AnalyzeSession(ctx, "sess_1", "user_1"))
	fb, err := env.svc.GetFeedbackBySession(ctx, principal("user_1"), "sess_1")
	require.NoError(t, err)
	require.Len(t, fb, 1)

	env.reasoner.refactor = &llm.RefactorResult{RefactoredCode: "x := 1", Explanation: "shorter"}
	res, err := env.svc.RefactorFeedback(ctx, principal("user_1"), "sess_1", fb[0].FeedbackID)
	require.NoError(t, err)
	assert.Equal(t, fb[0].FeedbackID, res.FeedbackID)
	assert.Equal(t, "x := 1", res.RefactoredCode)
	assert.Equal(t, []string{"Use :="}, env.reasoner.refactored)

	_, err = env.svc.RefactorFeedback(ctx, principal("user_1"), "sess_2", fb[0].FeedbackID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.svc.RefactorFeedback(ctx, principal("user_2"), "sess_1", fb[0].FeedbackID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.svc.RefactorFeedback(ctx, principal("user_1"), "sess_1", "fb_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	env.reasoner.refactor = nil
	env.reasoner.refactorErr = errors.New("timeout")
	_, err = env.svc.RefactorFeedback(ctx, principal("user_1"), "sess_1", fb[0].FeedbackID)
	assert.ErrorIs(t, err, domain.ErrUpstream)
}
