package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xiaot623/codementor/internal/domain"
)

const sessionColumns = `session_id, user_id, title, language, source, status, status_message, skill_level, attempt, repository_url, repository_branch, created_at, updated_at`

// CreateSessionWithSnippets creates a session and its snippets in one transaction.
func (s *SQLiteStore) CreateSessionWithSnippets(ctx context.Context, session *domain.Session, snippets []domain.Snippet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var repoURL, repoBranch sql.NullString
	if session.Repository != nil {
		repoURL = nullString(session.Repository.URL)
		repoBranch = nullString(session.Repository.Branch)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.UserID, session.Title, session.Language, session.Source, session.Status,
		nullString(session.StatusMessage), session.SkillLevel, session.Attempt, repoURL, repoBranch,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for i := range snippets {
		sn := &snippets[i]
		_, err = tx.ExecContext(ctx,
			`INSERT INTO snippets (snippet_id, session_id, content, file_name, line_count, path, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sn.SnippetID, sn.SessionID, sn.Content, sn.FileName, sn.LineCount, nullString(sn.Path), sn.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert snippet %s: %w", sn.SnippetID, err)
		}
	}

	return tx.Commit()
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessionsByUser returns a user's sessions, newest first.
func (s *SQLiteStore) ListSessionsByUser(ctx context.Context, userID string, limit int) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []domain.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// StartSessionAttempt moves a session into analyzing and bumps its attempt counter.
// Completed sessions are never re-entered; ok is false when the row did not match.
func (s *SQLiteStore) StartSessionAttempt(ctx context.Context, sessionID, message string) (int, bool, error) {
	var attempt int
	err := s.db.QueryRowContext(ctx,
		`UPDATE sessions SET status = ?, status_message = ?, attempt = attempt + 1, updated_at = ?
		 WHERE session_id = ? AND status IN (?, ?, ?)
		 RETURNING attempt`,
		domain.SessionStatusAnalyzing, nullString(message), time.Now().UTC(), sessionID,
		domain.SessionStatusPending, domain.SessionStatusFailed, domain.SessionStatusAnalyzing,
	).Scan(&attempt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return attempt, true, nil
}

// UpdateSessionStatus moves a session from one status to another within attempt.
// It reports false when the session was not in the expected status or a later
// attempt has taken it over.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, attempt int, from, to domain.SessionStatus, message string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, status_message = ?, updated_at = ? WHERE session_id = ? AND status = ? AND attempt = ?`,
		to, nullString(message), time.Now().UTC(), sessionID, from, attempt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// IsAttemptActive reports whether attempt is still analyzing sessionID.
func (s *SQLiteStore) IsAttemptActive(ctx context.Context, sessionID string, attempt int) (bool, error) {
	return attemptActive(ctx, s.db, sessionID, attempt)
}

func attemptActive(ctx context.Context, q dbtx, sessionID string, attempt int) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE session_id = ? AND status = ? AND attempt = ?`,
		sessionID, domain.SessionStatusAnalyzing, attempt).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var statusMessage, repoURL, repoBranch sql.NullString
	err := row.Scan(&session.SessionID, &session.UserID, &session.Title, &session.Language, &session.Source,
		&session.Status, &statusMessage, &session.SkillLevel, &session.Attempt, &repoURL, &repoBranch,
		&session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if statusMessage.Valid {
		session.StatusMessage = statusMessage.String
	}
	if repoURL.Valid {
		session.Repository = &domain.Repository{URL: repoURL.String, Branch: repoBranch.String}
	}
	return &session, nil
}
