package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/codementor/internal/adapter/llm"
	"github.com/xiaot623/codementor/internal/domain"
	"github.com/xiaot623/codementor/internal/metrics"
	"github.com/xiaot623/codementor/internal/queue"
)

// HandleAnalyzeJob is the queue handler for analyze-code jobs.
func (s *Service) HandleAnalyzeJob(ctx context.Context, job *domain.Job) error {
	var payload domain.AnalyzeCodePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("%w: decode %s payload: %v", domain.ErrValidation, job.Kind, err))
	}
	if payload.SessionID == "" {
		return queue.Permanent(fmt.Errorf("%w: %s payload has no session_id", domain.ErrValidation, job.Kind))
	}
	return s.AnalyzeSession(ctx, payload.SessionID, payload.UserID)
}

// AnalyzeSession runs one analysis attempt for a session.
//
// The session moves pending/failed -> analyzing -> completed|failed. Feedback is
// persisted and emitted per item in snippet order. Any error aborts the attempt,
// marks the session failed and is returned so the queue can decide on redelivery.
// A missing session is a permanent error; an already completed session is a no-op.
// Every write after the start is scoped to the attempt: once a later attempt has
// taken the session over, this one stops without touching it.
func (s *Service) AnalyzeSession(ctx context.Context, sessionID, userID string) error {
	log := s.logger.With(zap.String("session_id", sessionID))

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil || (userID != "" && session.UserID != userID) {
		return queue.Permanent(fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID))
	}
	if session.Status == domain.SessionStatusCompleted {
		log.Info("session already completed, skipping redelivered job")
		return nil
	}

	attempt, ok, err := s.store.StartSessionAttempt(ctx, sessionID, msgAnalysisStarted)
	if err != nil {
		return fmt.Errorf("failed to start analysis: %w", err)
	}
	if !ok {
		log.Info("session no longer analyzable, skipping")
		return nil
	}
	session.Status = domain.SessionStatusAnalyzing
	session.Attempt = attempt
	s.notifier.EmitStatus(ctx, sessionID, domain.SessionStatusAnalyzing, msgAnalysisStarted)

	log = log.With(zap.Int("attempt", attempt))
	log.Info("analysis started")
	start := time.Now()

	if err := s.runAnalysis(ctx, session); err != nil {
		if errors.Is(err, domain.ErrSuperseded) {
			log.Info("analysis attempt superseded, abandoning", zap.Error(err))
			return nil
		}
		metrics.AnalysisDuration.WithLabelValues(string(domain.SessionStatusFailed)).Observe(time.Since(start).Seconds())
		log.Warn("analysis failed", zap.Error(err))
		return s.failSession(ctx, session, err)
	}

	metrics.AnalysisDuration.WithLabelValues(string(domain.SessionStatusCompleted)).Observe(time.Since(start).Seconds())
	log.Info("analysis completed", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (s *Service) runAnalysis(ctx context.Context, session *domain.Session) error {
	snippets, err := s.store.ListSnippets(ctx, session.SessionID)
	if err != nil {
		return fmt.Errorf("%w: load snippets: %w", domain.ErrPipeline, err)
	}
	if len(snippets) == 0 {
		return fmt.Errorf("%w: no snippets", domain.ErrPipeline)
	}

	model := s.reviewer.Model()
	var traits []string
	var tokens int
	var cost float64

	for _, sn := range snippets {
		res, err := s.reviewer.Analyze(ctx, llm.AnalysisRequest{
			Code:               sn.Content,
			Language:           session.Language,
			SkillLevel:         session.SkillLevel,
			IncludePersonality: true,
		})
		if err != nil {
			return fmt.Errorf("analyze %s: %w", sn.FileName, err)
		}
		if err := s.ensureOwner(ctx, session); err != nil {
			return err
		}

		for _, item := range res.Feedback {
			fb := domain.Feedback{
				FeedbackID:  "fb_" + uuid.New().String()[:8],
				SessionID:   session.SessionID,
				SnippetID:   sn.SnippetID,
				Attempt:     session.Attempt,
				Category:    item.Category,
				Severity:    item.Severity,
				Message:     item.Message,
				Suggestion:  item.Suggestion,
				CodeExample: item.CodeExample,
				LineNumber:  item.LineNumber,
				CreatedAt:   time.Now().UTC(),
			}
			if err := s.store.CreateFeedback(ctx, &fb); err != nil {
				return fmt.Errorf("%w: persist feedback: %w", domain.ErrPipeline, err)
			}
			metrics.FeedbackItems.WithLabelValues(string(fb.Category), string(fb.Severity)).Inc()
			s.notifier.EmitFeedback(ctx, session.SessionID, fb)
		}

		traits = append(traits, res.PersonalityTraits...)
		n := llm.EstimateTokens(sn.Content)
		tokens += n
		cost += llm.EstimateCost(n, model)
	}

	usage := &domain.UsageRecord{
		UsageID:      "usage_" + uuid.New().String()[:8],
		UserID:       session.UserID,
		SessionID:    session.SessionID,
		TokensUsed:   tokens,
		CostEstimate: cost,
		Model:        model,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUsageRecord(ctx, usage, session.Attempt); err != nil {
		if errors.Is(err, domain.ErrSuperseded) {
			return err
		}
		return fmt.Errorf("%w: record usage: %w", domain.ErrPipeline, err)
	}
	metrics.ReasoningTokens.WithLabelValues(model).Add(float64(tokens))
	metrics.ReasoningCost.WithLabelValues(model).Add(cost)

	if err := s.progress.Update(ctx, session.UserID, session.SessionID, session.Attempt, traits); err != nil {
		if errors.Is(err, domain.ErrSuperseded) {
			return err
		}
		return fmt.Errorf("%w: update progress: %w", domain.ErrPipeline, err)
	}

	ok, err := s.store.UpdateSessionStatus(ctx, session.SessionID, session.Attempt, domain.SessionStatusAnalyzing, domain.SessionStatusCompleted, msgAnalysisCompleted)
	if err != nil {
		return fmt.Errorf("%w: mark completed: %w", domain.ErrPipeline, err)
	}
	if !ok {
		return fmt.Errorf("%w: session %s left the analyzing state", domain.ErrSuperseded, session.SessionID)
	}
	s.notifier.EmitStatus(ctx, session.SessionID, domain.SessionStatusCompleted, msgAnalysisCompleted)
	return nil
}

// ensureOwner fails with domain.ErrSuperseded once session's attempt is no longer
// the one analyzing it.
func (s *Service) ensureOwner(ctx context.Context, session *domain.Session) error {
	active, err := s.store.IsAttemptActive(ctx, session.SessionID, session.Attempt)
	if err != nil {
		return fmt.Errorf("%w: check attempt: %w", domain.ErrPipeline, err)
	}
	if !active {
		return fmt.Errorf("%w: attempt %d of session %s", domain.ErrSuperseded, session.Attempt, session.SessionID)
	}
	return nil
}

// failSession records cause on the session and notifies subscribers. The status
// write survives cancellation of ctx and is retried with a linear backoff; if it
// never lands, the returned error also carries domain.ErrPersistence. When the
// attempt no longer owns the session nothing is written or emitted.
func (s *Service) failSession(ctx context.Context, session *domain.Session, cause error) error {
	ctx = context.WithoutCancel(ctx)
	message := msgAnalysisFailed + cause.Error()

	var (
		ok  bool
		err error
	)
	for i := 0; i <= s.config.FailureStatusRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * s.config.FailureStatusBackoff)
		}
		if ok, err = s.store.UpdateSessionStatus(ctx, session.SessionID, session.Attempt, domain.SessionStatusAnalyzing, domain.SessionStatusFailed, message); err == nil {
			break
		}
		s.logger.Warn("failed to mark session failed",
			zap.String("session_id", session.SessionID), zap.Int("try", i+1), zap.Error(err))
	}
	if err != nil {
		s.logger.Error("session left in analyzing state", zap.String("session_id", session.SessionID), zap.Error(err))
		return errors.Join(cause, fmt.Errorf("%w: mark session %s failed: %w", domain.ErrPersistence, session.SessionID, err))
	}
	if !ok {
		s.logger.Warn("attempt lost ownership of session, not marking it failed",
			zap.String("session_id", session.SessionID), zap.Int("attempt", session.Attempt), zap.Error(cause))
		return cause
	}

	s.notifier.EmitStatus(ctx, session.SessionID, domain.SessionStatusFailed, message)
	return cause
}
