// Package service implements session intake, the analysis pipeline and progress tracking.
package service

import (
	"context"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xiaot623/codementor/internal/adapter/llm"
	"github.com/xiaot623/codementor/internal/config"
	"github.com/xiaot623/codementor/internal/domain"
	"github.com/xiaot623/codementor/internal/policy"
	"github.com/xiaot623/codementor/internal/repository"
)

// Status messages shown to live subscribers.
const (
	msgAnalysisStarted   = "Starting code analysis..."
	msgAnalysisCompleted = "Analysis completed successfully!"
	msgAnalysisFailed    = "Analysis failed: "
)

// Reasoner reviews and refactors code.
type Reasoner interface {
	Analyze(ctx context.Context, req llm.AnalysisRequest) (*llm.AnalysisResult, error)
	Refactor(ctx context.Context, code, language, suggestion string) (*llm.RefactorResult, error)
	Model() string
}

// Notifier pushes live events to a session's subscribers. Delivery is best effort.
type Notifier interface {
	EmitFeedback(ctx context.Context, sessionID string, fb domain.Feedback)
	EmitStatus(ctx context.Context, sessionID string, status domain.SessionStatus, message string)
}

// Enqueuer schedules background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload interface{}) (*domain.Job, error)
}

type Service struct {
	store        repository.Store
	reviewer     Reasoner
	notifier     Notifier
	jobs         Enqueuer
	progress     *ProgressAggregator
	policyEngine *policy.Engine
	validate     *validator.Validate
	config       *config.Config
	logger       *zap.Logger
}

func New(store repository.Store, reviewer Reasoner, notifier Notifier, jobs Enqueuer, cfg *config.Config, policyEngine *policy.Engine, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Service{
		store:        store,
		reviewer:     reviewer,
		notifier:     notifier,
		jobs:         jobs,
		progress:     NewProgressAggregator(store, cfg.ProgressMaxRetries, logger),
		policyEngine: policyEngine,
		validate:     newValidator(),
		config:       cfg,
		logger:       logger,
	}
}

// Progress returns the aggregator backing the progress endpoints.
func (s *Service) Progress() *ProgressAggregator {
	return s.progress
}

type nopNotifier struct{}

func (nopNotifier) EmitFeedback(context.Context, string, domain.Feedback) {}

func (nopNotifier) EmitStatus(context.Context, string, domain.SessionStatus, string) {}
