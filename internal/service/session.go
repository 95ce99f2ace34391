package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/codementor/internal/auth"
	"github.com/xiaot623/codementor/internal/domain"
	"github.com/xiaot623/codementor/internal/policy"
)

const defaultFileName = "code.txt"

// CreateSession validates and admits a submission, persists it as pending and
// enqueues its analysis. It returns without waiting for the analysis.
func (s *Service) CreateSession(ctx context.Context, principal *auth.Principal, req domain.CreateSessionRequest) (*domain.Session, error) {
	if principal == nil || principal.UserID == "" {
		return nil, domain.ErrUnauthorized
	}
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, validationError(err)
	}

	inputs := make([]domain.SnippetInput, 0, len(req.Snippets)+1)
	if req.CodeSnippet != "" {
		inputs = append(inputs, domain.SnippetInput{FileName: req.FileName, Content: req.CodeSnippet})
	}
	inputs = append(inputs, req.Snippets...)

	if err := s.admit(ctx, req, inputs); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	skill := req.SkillLevel
	if skill == "" {
		skill = domain.SkillLevelBeginner
	}
	session := &domain.Session{
		SessionID:  "sess_" + uuid.New().String()[:8],
		UserID:     principal.UserID,
		Title:      req.Title,
		Language:   req.Language,
		Source:     req.Source,
		Status:     domain.SessionStatusPending,
		SkillLevel: skill,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.RepositoryURL != "" {
		session.Repository = &domain.Repository{URL: req.RepositoryURL, Branch: req.RepositoryBranch}
	}

	snippets := make([]domain.Snippet, 0, len(inputs))
	for _, in := range inputs {
		fileName := in.FileName
		if fileName == "" {
			fileName = defaultFileName
		}
		snippets = append(snippets, domain.Snippet{
			SnippetID: "snip_" + uuid.New().String()[:8],
			SessionID: session.SessionID,
			Content:   in.Content,
			FileName:  fileName,
			LineCount: strings.Count(in.Content, "\n") + 1,
			Path:      in.Path,
			CreatedAt: now,
		})
	}

	if err := s.store.CreateSessionWithSnippets(ctx, session, snippets); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	job, err := s.jobs.Enqueue(ctx, domain.JobKindAnalyzeCode, domain.AnalyzeCodePayload{
		SessionID: session.SessionID,
		UserID:    session.UserID,
	})
	if err != nil {
		// Without a job the session would stay pending forever.
		msg := "Failed to schedule analysis"
		if _, uerr := s.store.UpdateSessionStatus(context.WithoutCancel(ctx), session.SessionID, session.Attempt,
			domain.SessionStatusPending, domain.SessionStatusFailed, msg); uerr != nil {
			s.logger.Error("failed to mark unscheduled session failed", zap.String("session_id", session.SessionID), zap.Error(uerr))
		}
		return nil, fmt.Errorf("failed to enqueue analysis: %w", err)
	}

	s.logger.Info("session created",
		zap.String("session_id", session.SessionID),
		zap.String("user_id", session.UserID),
		zap.Int("snippets", len(snippets)),
		zap.String("job_id", job.JobID))
	return session, nil
}

func (s *Service) admit(ctx context.Context, req domain.CreateSessionRequest, inputs []domain.SnippetInput) error {
	if s.policyEngine == nil {
		return nil
	}

	in := policy.IntakeInput{
		Source:        string(req.Source),
		Language:      req.Language,
		RepositoryURL: req.RepositoryURL,
		SnippetCount:  len(inputs),
		Limits: policy.Limits{
			MaxSnippets:     s.config.MaxSnippets,
			MaxSnippetBytes: s.config.MaxSnippetBytes,
			MaxTotalBytes:   s.config.MaxTotalBytes,
		},
	}
	for _, sn := range inputs {
		in.TotalBytes += len(sn.Content)
		if len(sn.Content) > in.LargestSnippetBytes {
			in.LargestSnippetBytes = len(sn.Content)
		}
	}

	decision, err := s.policyEngine.Evaluate(ctx, in)
	if err != nil {
		return fmt.Errorf("intake policy evaluation failed: %w", err)
	}
	if !decision.Allow {
		return fmt.Errorf("%w: %w: %s", domain.ErrValidation, domain.ErrPolicyDenied, decision.Reason)
	}
	return nil
}

// ownedSession loads a session and hides it from anyone but its owner.
func (s *Service) ownedSession(ctx context.Context, principal *auth.Principal, sessionID string) (*domain.Session, error) {
	if principal == nil {
		return nil, domain.ErrUnauthorized
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil || session.UserID != principal.UserID {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return session, nil
}

// GetSession returns one of the caller's sessions.
func (s *Service) GetSession(ctx context.Context, principal *auth.Principal, sessionID string) (*domain.Session, error) {
	return s.ownedSession(ctx, principal, sessionID)
}

// ListSessions returns the caller's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, principal *auth.Principal, limit int) ([]domain.Session, error) {
	if principal == nil {
		return nil, domain.ErrUnauthorized
	}
	sessions, err := s.store.ListSessionsByUser(ctx, principal.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// GetFeedbackBySession returns the feedback of the session's latest analysis attempt
// in the order it was produced.
func (s *Service) GetFeedbackBySession(ctx context.Context, principal *auth.Principal, sessionID string) ([]domain.Feedback, error) {
	session, err := s.ownedSession(ctx, principal, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Attempt == 0 {
		return []domain.Feedback{}, nil
	}
	feedback, err := s.store.ListFeedback(ctx, sessionID, session.Attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	return feedback, nil
}

// ListUsage returns the usage records written for one of the caller's sessions.
func (s *Service) ListUsage(ctx context.Context, principal *auth.Principal, sessionID string) ([]domain.UsageRecord, error) {
	if _, err := s.ownedSession(ctx, principal, sessionID); err != nil {
		return nil, err
	}
	records, err := s.store.ListUsageBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	return records, nil
}

// RefactorFeedback asks the reasoner to apply a feedback item's suggestion to its snippet.
func (s *Service) RefactorFeedback(ctx context.Context, principal *auth.Principal, sessionID, feedbackID string) (*domain.RefactorResponse, error) {
	session, err := s.ownedSession(ctx, principal, sessionID)
	if err != nil {
		return nil, err
	}

	fb, err := s.store.GetFeedback(ctx, feedbackID)
	if err != nil {
		return nil, fmt.Errorf("failed to get feedback: %w", err)
	}
	if fb == nil || fb.SessionID != session.SessionID {
		return nil, fmt.Errorf("%w: feedback %s", domain.ErrNotFound, feedbackID)
	}

	snippet, err := s.store.GetSnippet(ctx, fb.SnippetID)
	if err != nil {
		return nil, fmt.Errorf("failed to get snippet: %w", err)
	}
	if snippet == nil || snippet.SessionID != session.SessionID {
		return nil, fmt.Errorf("%w: snippet %s", domain.ErrNotFound, fb.SnippetID)
	}

	suggestion := fb.Suggestion
	if suggestion == "" {
		suggestion = fb.Message
	}
	res, err := s.reviewer.Refactor(ctx, snippet.Content, session.Language, suggestion)
	if err != nil {
		if !errors.Is(err, domain.ErrUpstream) {
			err = fmt.Errorf("%w: %w", domain.ErrUpstream, err)
		}
		return nil, err
	}
	return &domain.RefactorResponse{
		FeedbackID:     fb.FeedbackID,
		RefactoredCode: res.RefactoredCode,
		Explanation:    res.Explanation,
	}, nil
}
