package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xiaot623/codementor/internal/domain"
)

const jobColumns = `job_id, kind, payload, status, attempts, max_attempts, last_error, worker_id, run_at, created_at, updated_at`

// EnqueueJob persists a queued job.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *domain.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.Kind, string(job.Payload), job.Status, job.Attempts, job.MaxAttempts,
		nullString(job.LastError), nullString(job.WorkerID),
		job.RunAt.UnixMilli(), job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	return err
}

// ClaimJob atomically hands the oldest due job to workerID.
// It returns (nil, nil) when nothing is due.
func (s *SQLiteStore) ClaimJob(ctx context.Context, workerID string, now time.Time) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, worker_id = ?, updated_at = ?
		 WHERE job_id = (
			SELECT job_id FROM jobs WHERE status = ? AND run_at <= ? ORDER BY run_at ASC, created_at ASC LIMIT 1
		 ) AND status = ?
		 RETURNING `+jobColumns,
		domain.JobStatusRunning, workerID, now.UnixMilli(),
		domain.JobStatusQueued, now.UnixMilli(), domain.JobStatusQueued)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CompleteJob marks a running job done.
func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID, workerID string, now time.Time) error {
	return s.updateHeld(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ? AND status = ? AND worker_id = ?`,
		jobID, domain.JobStatusDone, now.UnixMilli(), jobID, domain.JobStatusRunning, workerID)
}

// RetryJob puts a running job back in the queue, due at runAt.
func (s *SQLiteStore) RetryJob(ctx context.Context, jobID, workerID, lastErr string, runAt, now time.Time) error {
	return s.updateHeld(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, worker_id = NULL, run_at = ?, updated_at = ? WHERE job_id = ? AND status = ? AND worker_id = ?`,
		jobID, domain.JobStatusQueued, lastErr, runAt.UnixMilli(), now.UnixMilli(), jobID, domain.JobStatusRunning, workerID)
}

// DeadLetterJob parks a running job permanently.
func (s *SQLiteStore) DeadLetterJob(ctx context.Context, jobID, workerID, lastErr string, now time.Time) error {
	return s.updateHeld(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE job_id = ? AND status = ? AND worker_id = ?`,
		jobID, domain.JobStatusDead, lastErr, now.UnixMilli(), jobID, domain.JobStatusRunning, workerID)
}

// TouchJob renews the lease of a job still held by workerID.
func (s *SQLiteStore) TouchJob(ctx context.Context, jobID, workerID string, now time.Time) error {
	return s.updateHeld(ctx,
		`UPDATE jobs SET updated_at = ? WHERE job_id = ? AND status = ? AND worker_id = ?`,
		jobID, now.UnixMilli(), jobID, domain.JobStatusRunning, workerID)
}

func (s *SQLiteStore) updateHeld(ctx context.Context, query, jobID string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: job %s is no longer held by this worker", domain.ErrConflict, jobID)
	}
	return nil
}

// RequeueStaleJobs returns running jobs not updated since staleBefore to the queue.
// Jobs that already used every attempt are dead-lettered instead.
func (s *SQLiteStore) RequeueStaleJobs(ctx context.Context, staleBefore, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = COALESCE(last_error, 'worker lost'), updated_at = ?
		 WHERE status = ? AND updated_at < ? AND attempts >= max_attempts`,
		domain.JobStatusDead, now.UnixMilli(), domain.JobStatusRunning, staleBefore.UnixMilli()); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, worker_id = NULL, run_at = ?, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		domain.JobStatusQueued, now.UnixMilli(), now.UnixMilli(), domain.JobStatusRunning, staleBefore.UnixMilli())
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), tx.Commit()
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	var payload string
	var lastErr, workerID sql.NullString
	var runAt, createdAt, updatedAt int64
	err := row.Scan(&job.JobID, &job.Kind, &payload, &job.Status, &job.Attempts, &job.MaxAttempts,
		&lastErr, &workerID, &runAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	job.Payload = []byte(payload)
	job.LastError = lastErr.String
	job.WorkerID = workerID.String
	job.RunAt = time.UnixMilli(runAt).UTC()
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &job, nil
}
