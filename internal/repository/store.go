// Package repository persists sessions, snippets, feedback, usage, progress and jobs.
package repository

import (
	"context"

	"github.com/xiaot623/codementor/internal/domain"
)

// Store defines the persistence operations used by the service layer.
// Getters return (nil, nil) when the row does not exist.
type Store interface {
	// Session operations
	CreateSessionWithSnippets(ctx context.Context, session *domain.Session, snippets []domain.Snippet) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ListSessionsByUser(ctx context.Context, userID string, limit int) ([]domain.Session, error)
	StartSessionAttempt(ctx context.Context, sessionID, message string) (int, bool, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, attempt int, from, to domain.SessionStatus, message string) (bool, error)
	IsAttemptActive(ctx context.Context, sessionID string, attempt int) (bool, error)

	// Snippet operations
	GetSnippet(ctx context.Context, snippetID string) (*domain.Snippet, error)
	ListSnippets(ctx context.Context, sessionID string) ([]domain.Snippet, error)

	// Feedback operations
	CreateFeedback(ctx context.Context, fb *domain.Feedback) error
	GetFeedback(ctx context.Context, feedbackID string) (*domain.Feedback, error)
	ListFeedback(ctx context.Context, sessionID string, attempt int) ([]domain.Feedback, error)

	// Usage operations
	CreateUsageRecord(ctx context.Context, rec *domain.UsageRecord, attempt int) error
	ListUsageBySession(ctx context.Context, sessionID string) ([]domain.UsageRecord, error)

	// Progress operations
	GetProgress(ctx context.Context, userID string) (*domain.ProgressProfile, error)
	SaveProgress(ctx context.Context, p *domain.ProgressProfile) error
	SaveProgressForAttempt(ctx context.Context, p *domain.ProgressProfile, sessionID string, attempt int) error

	Close() error
}

var _ Store = (*SQLiteStore)(nil)
