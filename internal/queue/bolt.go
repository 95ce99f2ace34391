package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/xiaot623/codementor/internal/domain"
)

var jobsBucket = []byte("jobs")

// BoltBackend keeps jobs in an embedded bbolt file.
// bbolt serializes write transactions, which makes ClaimJob exclusive.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBoltBackend opens (or creates) the queue file at path.
func OpenBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(jobsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create jobs bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

var _ Backend = (*BoltBackend)(nil)

// Close closes the queue file.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// EnqueueJob stores a queued job.
func (b *BoltBackend) EnqueueJob(ctx context.Context, job *domain.Job) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(jobsBucket)
		if bkt.Get([]byte(job.JobID)) != nil {
			return fmt.Errorf("job %s already exists", job.JobID)
		}
		return putJob(bkt, job)
	})
}

// ClaimJob hands the earliest due job to workerID.
func (b *BoltBackend) ClaimJob(ctx context.Context, workerID string, now time.Time) (*domain.Job, error) {
	var claimed *domain.Job
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(jobsBucket)
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job domain.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("decode job %s: %w", k, err)
			}
			if job.Status != domain.JobStatusQueued || job.RunAt.After(now) {
				continue
			}
			if claimed == nil || job.RunAt.Before(claimed.RunAt) ||
				(job.RunAt.Equal(claimed.RunAt) && job.CreatedAt.Before(claimed.CreatedAt)) {
				j := job
				claimed = &j
			}
		}
		if claimed == nil {
			return nil
		}
		claimed.Status = domain.JobStatusRunning
		claimed.Attempts++
		claimed.WorkerID = workerID
		claimed.UpdatedAt = now
		return putJob(bkt, claimed)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// GetJob retrieves a job by ID.
func (b *BoltBackend) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job *domain.Job
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(jobsBucket).Get([]byte(jobID))
		if v == nil {
			return nil
		}
		job = &domain.Job{}
		return json.Unmarshal(v, job)
	})
	return job, err
}

// CompleteJob marks a running job done.
func (b *BoltBackend) CompleteJob(ctx context.Context, jobID, workerID string, now time.Time) error {
	return b.updateHeld(jobID, workerID, func(job *domain.Job) {
		job.Status = domain.JobStatusDone
		job.UpdatedAt = now
	})
}

// RetryJob requeues a running job, due at runAt.
func (b *BoltBackend) RetryJob(ctx context.Context, jobID, workerID, lastErr string, runAt, now time.Time) error {
	return b.updateHeld(jobID, workerID, func(job *domain.Job) {
		job.Status = domain.JobStatusQueued
		job.LastError = lastErr
		job.WorkerID = ""
		job.RunAt = runAt
		job.UpdatedAt = now
	})
}

// DeadLetterJob parks a running job permanently.
func (b *BoltBackend) DeadLetterJob(ctx context.Context, jobID, workerID, lastErr string, now time.Time) error {
	return b.updateHeld(jobID, workerID, func(job *domain.Job) {
		job.Status = domain.JobStatusDead
		job.LastError = lastErr
		job.UpdatedAt = now
	})
}

// TouchJob renews the lease of a job still held by workerID.
func (b *BoltBackend) TouchJob(ctx context.Context, jobID, workerID string, now time.Time) error {
	return b.updateHeld(jobID, workerID, func(job *domain.Job) {
		job.UpdatedAt = now
	})
}

// RequeueStaleJobs returns running jobs not updated since staleBefore to the queue.
func (b *BoltBackend) RequeueStaleJobs(ctx context.Context, staleBefore, now time.Time) (int, error) {
	requeued := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(jobsBucket)
		var stale []*domain.Job
		err := bkt.ForEach(func(k, v []byte) error {
			var job domain.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("decode job %s: %w", k, err)
			}
			if job.Status == domain.JobStatusRunning && job.UpdatedAt.Before(staleBefore) {
				stale = append(stale, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, job := range stale {
			if job.Attempts >= job.MaxAttempts {
				job.Status = domain.JobStatusDead
				if job.LastError == "" {
					job.LastError = "worker lost"
				}
			} else {
				job.Status = domain.JobStatusQueued
				job.WorkerID = ""
				job.RunAt = now
				requeued++
			}
			job.UpdatedAt = now
			if err := putJob(bkt, job); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return requeued, nil
}

func (b *BoltBackend) updateHeld(jobID, workerID string, mutate func(job *domain.Job)) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(jobsBucket)
		v := bkt.Get([]byte(jobID))
		if v == nil {
			return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
		}
		var job domain.Job
		if err := json.Unmarshal(v, &job); err != nil {
			return fmt.Errorf("decode job %s: %w", jobID, err)
		}
		if job.Status != domain.JobStatusRunning || job.WorkerID != workerID {
			return fmt.Errorf("%w: job %s is no longer held by this worker", domain.ErrConflict, jobID)
		}
		mutate(&job)
		return putJob(bkt, &job)
	})
}

func putJob(bkt *bolt.Bucket, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(job.JobID), data)
}
