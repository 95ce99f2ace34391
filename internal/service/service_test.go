package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaot623/codementor/internal/adapter/llm"
	"github.com/xiaot623/codementor/internal/auth"
	"github.com/xiaot623/codementor/internal/config"
	"github.com/xiaot623/codementor/internal/domain"
	"github.com/xiaot623/codementor/internal/policy"
	"github.com/xiaot623/codementor/internal/queue"
	"github.com/xiaot623/codementor/internal/repository"
	"github.com/xiaot623/codementor/tests/helpers"
)

// fakeReasoner answers by snippet content. Unknown content gets a single low item.
type fakeReasoner struct {
	mu      sync.Mutex
	results map[string]*llm.AnalysisResult
	errs    map[string]error
	calls   []string

	refactor    *llm.RefactorResult
	refactorErr error
	refactored  []string

	hold   chan struct{}
	parked chan struct{}
}

func newFakeReasoner() *fakeReasoner {
	return &fakeReasoner{
		results: map[string]*llm.AnalysisResult{},
		errs:    map[string]error{},
	}
}

// holdNext parks the next Analyze call until release is closed. The returned
// channel is closed once that call is parked.
func (r *fakeReasoner) holdNext(release chan struct{}) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hold = release
	r.parked = make(chan struct{})
	return r.parked
}

func (r *fakeReasoner) Analyze(ctx context.Context, req llm.AnalysisRequest) (*llm.AnalysisResult, error) {
	r.mu.Lock()
	hold, parked := r.hold, r.parked
	r.hold, r.parked = nil, nil
	r.mu.Unlock()
	if hold != nil {
		close(parked)
		<-hold
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req.Code)
	if err, ok := r.errs[req.Code]; ok {
		return nil, err
	}
	if res, ok := r.results[req.Code]; ok {
		return res, nil
	}
	return &llm.AnalysisResult{
		Feedback: []llm.FeedbackItem{{
			Category: domain.FeedbackCategoryReadability,
			Severity: domain.FeedbackSeverityLow,
			Message:  "Looks fine",
		}},
		OverallScore: 90,
	}, nil
}

func (r *fakeReasoner) Refactor(ctx context.Context, code, language, suggestion string) (*llm.RefactorResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refactored = append(r.refactored, suggestion)
	return r.refactor, r.refactorErr
}

func (r *fakeReasoner) Model() string { return llm.DefaultModel }

func (r *fakeReasoner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type event struct {
	sessionID string
	kind      string
	status    domain.SessionStatus
	message   string
	feedback  domain.Feedback
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []event
}

func (n *recordingNotifier) EmitFeedback(ctx context.Context, sessionID string, fb domain.Feedback) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event{sessionID: sessionID, kind: domain.EventTypeFeedbackUpdate, feedback: fb})
}

func (n *recordingNotifier) EmitStatus(ctx context.Context, sessionID string, status domain.SessionStatus, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event{sessionID: sessionID, kind: domain.EventTypeAnalysisStatus, status: status, message: message})
}

func (n *recordingNotifier) statuses() []domain.SessionStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.SessionStatus
	for _, e := range n.events {
		if e.kind == domain.EventTypeAnalysisStatus {
			out = append(out, e.status)
		}
	}
	return out
}

func (n *recordingNotifier) feedback() []domain.Feedback {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Feedback
	for _, e := range n.events {
		if e.kind == domain.EventTypeFeedbackUpdate {
			out = append(out, e.feedback)
		}
	}
	return out
}

func (n *recordingNotifier) last() event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

type testEnv struct {
	svc      *Service
	store    *repository.SQLiteStore
	queue    *queue.Queue
	reasoner *fakeReasoner
	notifier *recordingNotifier
	cfg      *config.Config
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.FailureStatusBackoff = time.Millisecond
	cfg.MaxSnippets = 5
	cfg.MaxSnippetBytes = 1000
	cfg.MaxTotalBytes = 2000
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithStore(t, nil)
}

// newTestEnvWithStore builds a service; wrap, when non-nil, decorates the store the service sees.
func newTestEnvWithStore(t *testing.T, wrap func(repository.Store) repository.Store) *testEnv {
	t.Helper()
	ctx := context.Background()

	db := helpers.NewTestSQLiteStore(t)
	cfg := testConfig()
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)

	q := queue.New(db, queue.Options{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond}, zap.NewNop())
	reasoner := newFakeReasoner()
	notifier := &recordingNotifier{}

	var store repository.Store = db
	if wrap != nil {
		store = wrap(db)
	}
	svc := New(store, reasoner, notifier, q, cfg, engine, zap.NewNop())
	q.Register(domain.JobKindAnalyzeCode, svc.HandleAnalyzeJob)

	return &testEnv{svc: svc, store: db, queue: q, reasoner: reasoner, notifier: notifier, cfg: cfg}
}

func principal(userID string) *auth.Principal {
	return &auth.Principal{UserID: userID}
}

func lineNumber(n int) *int { return &n }
