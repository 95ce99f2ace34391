package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xiaot623/codementor/internal/domain"
)

// GetSnippet retrieves a snippet by ID.
func (s *SQLiteStore) GetSnippet(ctx context.Context, snippetID string) (*domain.Snippet, error) {
	var sn domain.Snippet
	var path sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT snippet_id, session_id, content, file_name, line_count, path, created_at FROM snippets WHERE snippet_id = ?`,
		snippetID).Scan(&sn.SnippetID, &sn.SessionID, &sn.Content, &sn.FileName, &sn.LineCount, &path, &sn.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sn.Path = path.String
	return &sn, nil
}

// ListSnippets returns a session's snippets in creation order.
func (s *SQLiteStore) ListSnippets(ctx context.Context, sessionID string) ([]domain.Snippet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snippet_id, session_id, content, file_name, line_count, path, created_at FROM snippets WHERE session_id = ? ORDER BY rowid ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snippets := []domain.Snippet{}
	for rows.Next() {
		var sn domain.Snippet
		var path sql.NullString
		if err := rows.Scan(&sn.SnippetID, &sn.SessionID, &sn.Content, &sn.FileName, &sn.LineCount, &path, &sn.CreatedAt); err != nil {
			return nil, err
		}
		sn.Path = path.String
		snippets = append(snippets, sn)
	}
	return snippets, rows.Err()
}

// CreateFeedback appends a feedback item.
func (s *SQLiteStore) CreateFeedback(ctx context.Context, fb *domain.Feedback) error {
	var line sql.NullInt64
	if fb.LineNumber != nil {
		line = sql.NullInt64{Int64: int64(*fb.LineNumber), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (feedback_id, session_id, snippet_id, attempt, category, severity, message, suggestion, code_example, line_number, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fb.FeedbackID, fb.SessionID, fb.SnippetID, fb.Attempt, fb.Category, fb.Severity, fb.Message, fb.Suggestion,
		nullString(fb.CodeExample), line, fb.CreatedAt)
	return err
}

const feedbackColumns = `feedback_id, session_id, snippet_id, attempt, category, severity, message, suggestion, code_example, line_number, created_at`

// GetFeedback retrieves a feedback item by ID.
func (s *SQLiteStore) GetFeedback(ctx context.Context, feedbackID string) (*domain.Feedback, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedbackColumns+` FROM feedback WHERE feedback_id = ?`, feedbackID)
	fb, err := scanFeedback(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fb, nil
}

// ListFeedback returns a session's feedback in insertion order.
// attempt 0 returns every attempt.
func (s *SQLiteStore) ListFeedback(ctx context.Context, sessionID string, attempt int) ([]domain.Feedback, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback WHERE session_id = ?`
	args := []interface{}{sessionID}
	if attempt > 0 {
		query += ` AND attempt = ?`
		args = append(args, attempt)
	}
	query += ` ORDER BY rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []domain.Feedback{}
	for rows.Next() {
		fb, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *fb)
	}
	return items, rows.Err()
}

func scanFeedback(row rowScanner) (*domain.Feedback, error) {
	var fb domain.Feedback
	var codeExample sql.NullString
	var line sql.NullInt64
	err := row.Scan(&fb.FeedbackID, &fb.SessionID, &fb.SnippetID, &fb.Attempt, &fb.Category, &fb.Severity,
		&fb.Message, &fb.Suggestion, &codeExample, &line, &fb.CreatedAt)
	if err != nil {
		return nil, err
	}
	fb.CodeExample = codeExample.String
	if line.Valid {
		n := int(line.Int64)
		fb.LineNumber = &n
	}
	return &fb, nil
}

// CreateUsageRecord writes the usage record of one analysis attempt. Nothing is
// written, and domain.ErrSuperseded is returned, unless attempt is still analyzing
// the session.
func (s *SQLiteStore) CreateUsageRecord(ctx context.Context, rec *domain.UsageRecord, attempt int) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (usage_id, user_id, session_id, tokens_used, cost_estimate, model, created_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM sessions WHERE session_id = ? AND status = ? AND attempt = ?)`,
		rec.UsageID, rec.UserID, rec.SessionID, rec.TokensUsed, rec.CostEstimate, rec.Model, rec.CreatedAt,
		rec.SessionID, domain.SessionStatusAnalyzing, attempt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: attempt %d of session %s", domain.ErrSuperseded, attempt, rec.SessionID)
	}
	return nil
}

// ListUsageBySession returns a session's usage records, oldest first.
func (s *SQLiteStore) ListUsageBySession(ctx context.Context, sessionID string) ([]domain.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT usage_id, user_id, session_id, tokens_used, cost_estimate, model, created_at FROM usage_records WHERE session_id = ? ORDER BY rowid ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.UsageRecord{}
	for rows.Next() {
		var rec domain.UsageRecord
		if err := rows.Scan(&rec.UsageID, &rec.UserID, &rec.SessionID, &rec.TokensUsed, &rec.CostEstimate, &rec.Model, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
