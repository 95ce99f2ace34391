package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xiaot623/codementor/internal/domain"
	"github.com/xiaot623/codementor/internal/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newBackends(t *testing.T) map[string]Backend {
	t.Helper()

	sqlite, err := repository.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	bolt, err := OpenBoltBackend(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	return map[string]Backend{"sqlite": sqlite, "bolt": bolt}
}

func newTestQueue(backend Backend, opts Options) *Queue {
	return New(backend, opts, zap.NewNop())
}

func TestBackoff(t *testing.T) {
	base := time.Second
	assert.Equal(t, time.Second, Backoff(1, base, time.Minute))
	assert.Equal(t, 2*time.Second, Backoff(2, base, time.Minute))
	assert.Equal(t, 8*time.Second, Backoff(4, base, time.Minute))
	assert.Equal(t, time.Minute, Backoff(20, base, time.Minute))
	assert.Equal(t, time.Duration(0), Backoff(3, 0, time.Minute))
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	err := Permanent(domain.ErrNotFound)
	assert.True(t, IsPermanent(err))
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.False(t, IsPermanent(errors.New("transient")))
}

func TestProcessNextSuccess(t *testing.T) {
	for name, backend := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newTestQueue(backend, Options{MaxAttempts: 3})

			var got domain.AnalyzeCodePayload
			q.Register(domain.JobKindAnalyzeCode, func(ctx context.Context, job *domain.Job) error {
				return json.Unmarshal(job.Payload, &got)
			})

			job, err := q.Enqueue(ctx, domain.JobKindAnalyzeCode, domain.AnalyzeCodePayload{SessionID: "s1", UserID: "u1"})
			require.NoError(t, err)

			ran, err := q.ProcessNext(ctx, "w1")
			require.NoError(t, err)
			assert.True(t, ran)
			assert.Equal(t, "s1", got.SessionID)

			stored, err := backend.GetJob(ctx, job.JobID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusDone, stored.Status)
			assert.Equal(t, 1, stored.Attempts)

			ran, err = q.ProcessNext(ctx, "w1")
			require.NoError(t, err)
			assert.False(t, ran)
		})
	}
}

func TestProcessNextRetriesThenDeadLetters(t *testing.T) {
	for name, backend := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newTestQueue(backend, Options{MaxAttempts: 2, BackoffBase: time.Minute, BackoffMax: time.Hour})
			clock := time.Now().UTC().Truncate(time.Millisecond)
			q.now = func() time.Time { return clock }

			calls := 0
			q.Register("flaky", func(ctx context.Context, job *domain.Job) error {
				calls++
				return errors.New("upstream down")
			})

			job, err := q.Enqueue(ctx, "flaky", map[string]string{})
			require.NoError(t, err)

			ran, err := q.ProcessNext(ctx, "w1")
			require.NoError(t, err)
			require.True(t, ran)

			stored, err := backend.GetJob(ctx, job.JobID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusQueued, stored.Status)
			assert.Equal(t, "upstream down", stored.LastError)
			assert.True(t, stored.RunAt.Equal(clock.Add(time.Minute)), "run_at %s", stored.RunAt)

			// Not due yet.
			ran, err = q.ProcessNext(ctx, "w1")
			require.NoError(t, err)
			assert.False(t, ran)

			clock = clock.Add(time.Minute)
			ran, err = q.ProcessNext(ctx, "w1")
			require.NoError(t, err)
			require.True(t, ran)

			stored, err = backend.GetJob(ctx, job.JobID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusDead, stored.Status)
			assert.Equal(t, 2, stored.Attempts)
			assert.Equal(t, 2, calls)
		})
	}
}

func TestProcessNextPermanentErrorDeadLettersImmediately(t *testing.T) {
	for name, backend := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newTestQueue(backend, Options{MaxAttempts: 5})
			q.Register("gone", func(ctx context.Context, job *domain.Job) error {
				return Permanent(domain.ErrNotFound)
			})

			job, err := q.Enqueue(ctx, "gone", nil)
			require.NoError(t, err)
			_, err = q.ProcessNext(ctx, "w1")
			require.NoError(t, err)

			stored, err := backend.GetJob(ctx, job.JobID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusDead, stored.Status)
			assert.Equal(t, 1, stored.Attempts)
		})
	}
}

func TestProcessNextUnknownKindAndPanic(t *testing.T) {
	for name, backend := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newTestQueue(backend, Options{MaxAttempts: 1})
			q.Register("panics", func(ctx context.Context, job *domain.Job) error {
				panic("kaboom")
			})

			unknown, err := q.Enqueue(ctx, "unknown", nil)
			require.NoError(t, err)
			_, err = q.ProcessNext(ctx, "w1")
			require.NoError(t, err)

			panicky, err := q.Enqueue(ctx, "panics", nil)
			require.NoError(t, err)
			_, err = q.ProcessNext(ctx, "w1")
			require.NoError(t, err)

			for _, id := range []string{unknown.JobID, panicky.JobID} {
				stored, err := backend.GetJob(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, domain.JobStatusDead, stored.Status, id)
			}
		})
	}
}

func TestRunDeliversEachJobOnce(t *testing.T) {
	for name, backend := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			q := newTestQueue(backend, Options{Workers: 4, MaxAttempts: 1, PollInterval: 10 * time.Millisecond})

			const total = 25
			var mu sync.Mutex
			seen := map[string]int{}
			var done atomic.Int32
			q.Register("count", func(ctx context.Context, job *domain.Job) error {
				mu.Lock()
				seen[job.JobID]++
				mu.Unlock()
				done.Add(1)
				return nil
			})

			for i := 0; i < total; i++ {
				_, err := q.Enqueue(context.Background(), "count", map[string]int{"n": i})
				require.NoError(t, err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			errCh := make(chan error, 1)
			go func() { errCh <- q.Run(ctx) }()

			require.Eventually(t, func() bool { return done.Load() == total }, 5*time.Second, 10*time.Millisecond)
			cancel()
			require.NoError(t, <-errCh)

			mu.Lock()
			defer mu.Unlock()
			assert.Len(t, seen, total)
			for id, n := range seen {
				assert.Equal(t, 1, n, "job %s delivered %d times", id, n)
			}
		})
	}
}

func TestSweepStaleRequeuesCrashedJobs(t *testing.T) {
	for name, backend := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newTestQueue(backend, Options{MaxAttempts: 3, VisibilityTimeout: time.Minute})
			clock := time.Now().UTC().Truncate(time.Millisecond)
			q.now = func() time.Time { return clock }

			job, err := q.Enqueue(ctx, "slow", nil)
			require.NoError(t, err)

			// A worker claims the job and disappears.
			claimed, err := backend.ClaimJob(ctx, "crashed", clock)
			require.NoError(t, err)
			require.NotNil(t, claimed)

			q.SweepStale(ctx)
			stored, err := backend.GetJob(ctx, job.JobID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusRunning, stored.Status, "not stale yet")

			clock = clock.Add(2 * time.Minute)
			q.SweepStale(ctx)
			stored, err = backend.GetJob(ctx, job.JobID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusQueued, stored.Status)

			// The crashed worker can no longer settle the job.
			err = backend.CompleteJob(ctx, job.JobID, "crashed", clock)
			assert.True(t, errors.Is(err, domain.ErrConflict))
		})
	}
}

// atomicClock lets a test move q.now while the heartbeat goroutine reads it.
func atomicClock(q *Queue, start time.Time) *atomic.Int64 {
	var clock atomic.Int64
	clock.Store(start.UnixNano())
	q.now = func() time.Time { return time.Unix(0, clock.Load()).UTC() }
	return &clock
}

func TestHeartbeatKeepsRunningJobLeased(t *testing.T) {
	for name, backend := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newTestQueue(backend, Options{MaxAttempts: 3, VisibilityTimeout: 60 * time.Millisecond})
			start := time.Now().UTC().Truncate(time.Millisecond)
			clock := atomicClock(q, start)

			started := make(chan struct{})
			release := make(chan struct{})
			q.Register("slow", func(ctx context.Context, job *domain.Job) error {
				close(started)
				select {
				case <-release:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			job, err := q.Enqueue(ctx, "slow", nil)
			require.NoError(t, err)

			done := make(chan error, 1)
			go func() {
				_, err := q.ProcessNext(ctx, "w1")
				done <- err
			}()
			<-started

			// The handler outlives the visibility timeout many times over.
			later := start.Add(time.Hour)
			clock.Store(later.UnixNano())
			require.Eventually(t, func() bool {
				stored, err := backend.GetJob(ctx, job.JobID)
				return err == nil && stored.UpdatedAt.Equal(later)
			}, 2*time.Second, 5*time.Millisecond)

			q.SweepStale(ctx)
			stored, err := backend.GetJob(ctx, job.JobID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusRunning, stored.Status, "a live job is never reclaimed")

			close(release)
			require.NoError(t, <-done)
			stored, err = backend.GetJob(ctx, job.JobID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusDone, stored.Status)
		})
	}
}

func TestHeartbeatCancelsHandlerOnLostLease(t *testing.T) {
	for name, backend := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newTestQueue(backend, Options{MaxAttempts: 3, VisibilityTimeout: 60 * time.Millisecond})
			start := time.Now().UTC().Truncate(time.Millisecond)
			atomicClock(q, start)

			started := make(chan struct{})
			q.Register("slow", func(ctx context.Context, job *domain.Job) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			})
			job, err := q.Enqueue(ctx, "slow", nil)
			require.NoError(t, err)

			done := make(chan error, 1)
			go func() {
				_, err := q.ProcessNext(ctx, "w1")
				done <- err
			}()
			<-started

			// Another sweeper reclaims the job out from under the worker.
			n, err := backend.RequeueStaleJobs(ctx, start.Add(time.Hour), start)
			require.NoError(t, err)
			require.Equal(t, 1, n)

			select {
			case err := <-done:
				assert.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)
			case <-time.After(2 * time.Second):
				t.Fatal("handler was not cancelled")
			}

			stored, err := backend.GetJob(ctx, job.JobID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusQueued, stored.Status)
		})
	}
}
