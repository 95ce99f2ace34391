// Package queue provides a durable job queue with retry, backoff and dead-lettering.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/codementor/internal/domain"
	"github.com/xiaot623/codementor/internal/metrics"
)

// Backend stores jobs. ClaimJob must hand a due job to exactly one caller.
type Backend interface {
	EnqueueJob(ctx context.Context, job *domain.Job) error
	ClaimJob(ctx context.Context, workerID string, now time.Time) (*domain.Job, error)
	CompleteJob(ctx context.Context, jobID, workerID string, now time.Time) error
	RetryJob(ctx context.Context, jobID, workerID, lastErr string, runAt, now time.Time) error
	DeadLetterJob(ctx context.Context, jobID, workerID, lastErr string, now time.Time) error
	// TouchJob renews a running job's lease. It fails with domain.ErrConflict
	// once workerID no longer holds the job.
	TouchJob(ctx context.Context, jobID, workerID string, now time.Time) error
	RequeueStaleJobs(ctx context.Context, staleBefore, now time.Time) (int, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
}

// Handler processes one job. Returning an error schedules a retry unless the
// error is wrapped with Permanent or the job ran out of attempts.
type Handler func(ctx context.Context, job *domain.Job) error

// Options configures a Queue.
type Options struct {
	Workers           int
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

// Queue dispatches persisted jobs to registered handlers.
type Queue struct {
	backend Backend
	opts    Options
	logger  *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	wake chan struct{}
	now  func() time.Time
}

// New creates a queue over backend.
func New(backend Backend, opts Options, logger *zap.Logger) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Queue{
		backend:  backend,
		opts:     opts,
		logger:   logger,
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register binds a handler to a job kind.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Enqueue persists a job and returns without waiting for it to run.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload interface{}) (*domain.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	now := q.now()
	job := &domain.Job{
		JobID:       "job_" + uuid.New().String()[:8],
		Kind:        kind,
		Payload:     data,
		Status:      domain.JobStatusQueued,
		MaxAttempts: q.opts.MaxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.backend.EnqueueJob(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	metrics.JobsEnqueued.WithLabelValues(kind).Inc()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// Run starts the workers and the stale-job sweeper and blocks until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		workerID := fmt.Sprintf("worker_%d_%s", i+1, uuid.New().String()[:8])
		g.Go(func() error {
			q.work(ctx, workerID)
			return nil
		})
	}
	if q.opts.VisibilityTimeout > 0 {
		g.Go(func() error {
			q.sweep(ctx)
			return nil
		})
	}
	q.logger.Info("job queue started", zap.Int("workers", q.opts.Workers))
	return g.Wait()
}

func (q *Queue) work(ctx context.Context, workerID string) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-q.wake:
		}

		// Drain everything that is due before sleeping again.
		for ctx.Err() == nil {
			ran, err := q.ProcessNext(ctx, workerID)
			if err != nil {
				q.logger.Warn("job processing failed", zap.String("worker", workerID), zap.Error(err))
				break
			}
			if !ran {
				break
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.opts.PollInterval)
	}
}

// ProcessNext claims and runs at most one due job. It reports whether a job was claimed.
func (q *Queue) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	job, err := q.backend.ClaimJob(ctx, workerID, q.now())
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	log := q.logger.With(zap.String("job_id", job.JobID), zap.String("kind", job.Kind),
		zap.Int("attempt", job.Attempts), zap.String("worker", workerID))

	q.mu.RLock()
	handler, ok := q.handlers[job.Kind]
	q.mu.RUnlock()

	var runErr error
	if !ok {
		runErr = Permanent(fmt.Errorf("no handler registered for job kind %q", job.Kind))
	} else {
		runCtx, cancel := context.WithCancel(ctx)
		stop := q.heartbeat(runCtx, cancel, job, workerID, log)
		runErr = q.invoke(runCtx, handler, job)
		stop()
		cancel()
	}

	// Bookkeeping must land even when ctx was cancelled mid-job.
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	now := q.now()

	switch {
	case runErr == nil:
		metrics.JobsProcessed.WithLabelValues(job.Kind, "done").Inc()
		log.Debug("job done")
		return true, q.backend.CompleteJob(bookCtx, job.JobID, workerID, now)

	case IsPermanent(runErr) || job.Attempts >= job.MaxAttempts:
		metrics.JobsProcessed.WithLabelValues(job.Kind, "dead").Inc()
		log.Error("job dead-lettered", zap.Error(runErr))
		return true, q.backend.DeadLetterJob(bookCtx, job.JobID, workerID, runErr.Error(), now)

	default:
		delay := Backoff(job.Attempts, q.opts.BackoffBase, q.opts.BackoffMax)
		metrics.JobsProcessed.WithLabelValues(job.Kind, "retry").Inc()
		log.Warn("job failed, retrying", zap.Error(runErr), zap.Duration("backoff", delay))
		return true, q.backend.RetryJob(bookCtx, job.JobID, workerID, runErr.Error(), now.Add(delay), now)
	}
}

// heartbeat renews the job's lease while its handler runs so the stale sweep
// never reclaims a live job. If the lease is lost anyway, the handler's context
// is cancelled. The returned func stops the heartbeat and waits for it.
func (q *Queue) heartbeat(ctx context.Context, cancel context.CancelFunc, job *domain.Job, workerID string, log *zap.Logger) func() {
	if q.opts.VisibilityTimeout <= 0 {
		return func() {}
	}
	interval := q.opts.VisibilityTimeout / 3

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			touchCtx, touchCancel := context.WithTimeout(ctx, interval)
			err := q.backend.TouchJob(touchCtx, job.JobID, workerID, q.now())
			touchCancel()
			switch {
			case errors.Is(err, domain.ErrConflict):
				log.Warn("job lease lost, cancelling handler", zap.Error(err))
				cancel()
				return
			case err != nil:
				log.Warn("job heartbeat failed", zap.Error(err))
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func (q *Queue) invoke(ctx context.Context, handler Handler, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) sweep(ctx context.Context) {
	interval := q.opts.VisibilityTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.SweepStale(ctx)
		}
	}
}

// SweepStale returns jobs whose worker stopped reporting to the queue.
func (q *Queue) SweepStale(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := q.now()
	n, err := q.backend.RequeueStaleJobs(sweepCtx, now.Add(-q.opts.VisibilityTimeout), now)
	if err != nil {
		q.logger.Warn("stale job sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		metrics.StaleJobsRequeued.Add(float64(n))
		q.logger.Info("requeued stale jobs", zap.Int("count", n))
	}
}

// Backoff returns base·2^(attempt-1) capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job is dead-lettered at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
