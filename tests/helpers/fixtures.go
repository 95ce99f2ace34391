package helpers

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/xiaot623/codementor/internal/domain"
	"github.com/xiaot623/codementor/internal/repository"
)

// SeedSession stores a pending snippet session owned by userID with one snippet per content.
func SeedSession(t *testing.T, s *repository.SQLiteStore, sessionID, userID string, contents ...string) *domain.Session {
	t.Helper()

	now := time.Now().UTC()
	session := &domain.Session{
		SessionID:  sessionID,
		UserID:     userID,
		Title:      "seeded " + sessionID,
		Language:   "go",
		Source:     domain.SessionSourceSnippet,
		Status:     domain.SessionStatusPending,
		SkillLevel: domain.SkillLevelBeginner,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	snippets := make([]domain.Snippet, 0, len(contents))
	for i, content := range contents {
		snippets = append(snippets, domain.Snippet{
			SnippetID: fmt.Sprintf("%s_snip_%d", sessionID, i+1),
			SessionID: sessionID,
			Content:   content,
			FileName:  fmt.Sprintf("file%d.go", i+1),
			LineCount: strings.Count(content, "\n") + 1,
			CreatedAt: now,
		})
	}
	if err := s.CreateSessionWithSnippets(context.Background(), session, snippets); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
	return session
}
