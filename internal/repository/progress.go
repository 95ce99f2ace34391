package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/codementor/internal/domain"
)

// GetProgress retrieves a user's progress profile.
func (s *SQLiteStore) GetProgress(ctx context.Context, userID string) (*domain.ProgressProfile, error) {
	var p domain.ProgressProfile
	var mistakes, languages, personality sql.NullString
	var lastAnalyzed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, total_submissions, common_mistakes, improvement_score, language_counts, personality, last_analyzed_at, version, created_at, updated_at
		 FROM progress WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.TotalSubmissions, &mistakes, &p.ImprovementScore, &languages, &personality, &lastAnalyzed,
			&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.CommonMistakes = []domain.MistakeCounter{}
	if mistakes.Valid && mistakes.String != "" {
		if err := json.Unmarshal([]byte(mistakes.String), &p.CommonMistakes); err != nil {
			return nil, fmt.Errorf("decode common_mistakes: %w", err)
		}
	}
	p.LanguageCounts = map[string]int{}
	if languages.Valid && languages.String != "" {
		if err := json.Unmarshal([]byte(languages.String), &p.LanguageCounts); err != nil {
			return nil, fmt.Errorf("decode language_counts: %w", err)
		}
	}
	if personality.Valid && personality.String != "" {
		p.Personality = &domain.CodePersonality{}
		if err := json.Unmarshal([]byte(personality.String), p.Personality); err != nil {
			return nil, fmt.Errorf("decode personality: %w", err)
		}
	}
	if lastAnalyzed.Valid {
		t := lastAnalyzed.Time
		p.LastAnalyzedAt = &t
	}
	return &p, nil
}

// SaveProgress writes a progress profile with optimistic concurrency.
// A profile with Version 0 is inserted; otherwise the row is updated only if its
// stored version still equals p.Version. A lost race returns domain.ErrConflict.
// On success p.Version holds the stored version.
func (s *SQLiteStore) SaveProgress(ctx context.Context, p *domain.ProgressProfile) error {
	return saveProgress(ctx, s.db, p)
}

// SaveProgressForAttempt is SaveProgress gated on attempt still analyzing
// sessionID. When a later attempt has taken the session over nothing is written
// and domain.ErrSuperseded is returned.
func (s *SQLiteStore) SaveProgressForAttempt(ctx context.Context, p *domain.ProgressProfile, sessionID string, attempt int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	active, err := attemptActive(ctx, tx, sessionID, attempt)
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("%w: attempt %d of session %s", domain.ErrSuperseded, attempt, sessionID)
	}
	version := p.Version
	if err := saveProgress(ctx, tx, p); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		p.Version = version
		return err
	}
	return nil
}

func saveProgress(ctx context.Context, db dbtx, p *domain.ProgressProfile) error {
	mistakes, err := json.Marshal(p.CommonMistakes)
	if err != nil {
		return err
	}
	languages, err := json.Marshal(p.LanguageCounts)
	if err != nil {
		return err
	}
	var personality sql.NullString
	if p.Personality != nil {
		data, err := json.Marshal(p.Personality)
		if err != nil {
			return err
		}
		personality = sql.NullString{String: string(data), Valid: true}
	}
	var lastAnalyzed sql.NullTime
	if p.LastAnalyzedAt != nil {
		lastAnalyzed = sql.NullTime{Time: *p.LastAnalyzedAt, Valid: true}
	}
	now := time.Now().UTC()

	if p.Version == 0 {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		_, err := db.ExecContext(ctx,
			`INSERT INTO progress (user_id, total_submissions, common_mistakes, improvement_score, language_counts, personality, last_analyzed_at, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			p.UserID, p.TotalSubmissions, string(mistakes), p.ImprovementScore, string(languages), personality, lastAnalyzed,
			p.CreatedAt, now)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: progress for %s created concurrently", domain.ErrConflict, p.UserID)
		}
		if err != nil {
			return err
		}
		p.Version = 1
		p.UpdatedAt = now
		return nil
	}

	res, err := db.ExecContext(ctx,
		`UPDATE progress SET total_submissions = ?, common_mistakes = ?, improvement_score = ?, language_counts = ?,
		 personality = ?, last_analyzed_at = ?, version = version + 1, updated_at = ?
		 WHERE user_id = ? AND version = ?`,
		p.TotalSubmissions, string(mistakes), p.ImprovementScore, string(languages), personality, lastAnalyzed, now,
		p.UserID, p.Version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: progress for %s changed since version %d", domain.ErrConflict, p.UserID, p.Version)
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}
