package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/codementor/internal/auth"
	"github.com/xiaot623/codementor/internal/domain"
	"github.com/xiaot623/codementor/internal/metrics"
	"github.com/xiaot623/codementor/internal/repository"
)

const defaultMistakeLimit = 10

// ProgressAggregator folds completed analyses into per-user progress profiles.
// Concurrent updates for the same user are serialized by the store's version check.
type ProgressAggregator struct {
	store      repository.Store
	maxRetries int
	logger     *zap.Logger
	now        func() time.Time
}

func NewProgressAggregator(store repository.Store, maxRetries int, logger *zap.Logger) *ProgressAggregator {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &ProgressAggregator{
		store:      store,
		maxRetries: maxRetries,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Update records one completed analysis attempt of sessionID for userID. traits
// are the personality traits reported across all of the session's snippets.
// It fails with domain.ErrSuperseded, writing nothing, unless attempt is still
// analyzing the session.
func (a *ProgressAggregator) Update(ctx context.Context, userID, sessionID string, attempt int, traits []string) error {
	session, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	if session.Status != domain.SessionStatusAnalyzing || session.Attempt != attempt {
		return fmt.Errorf("%w: attempt %d of session %s", domain.ErrSuperseded, attempt, sessionID)
	}
	feedback, err := a.store.ListFeedback(ctx, sessionID, attempt)
	if err != nil {
		return fmt.Errorf("failed to list feedback: %w", err)
	}

	for try := 1; ; try++ {
		profile, err := a.store.GetProgress(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to get progress: %w", err)
		}
		if profile == nil {
			profile = &domain.ProgressProfile{
				UserID:         userID,
				CommonMistakes: []domain.MistakeCounter{},
				LanguageCounts: map[string]int{},
			}
		}

		foldAnalysis(profile, session.Language, feedback, traits, a.now())

		err = a.store.SaveProgressForAttempt(ctx, profile, sessionID, attempt)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrSuperseded) {
			return err
		}
		if !errors.Is(err, domain.ErrConflict) || try >= a.maxRetries {
			return fmt.Errorf("failed to save progress: %w", err)
		}
		metrics.ProgressConflicts.Inc()
		a.logger.Debug("progress update conflict, retrying", zap.String("user_id", userID), zap.Int("try", try))
	}
}

func foldAnalysis(p *domain.ProgressProfile, language string, feedback []domain.Feedback, traits []string, now time.Time) {
	p.TotalSubmissions++
	p.LastAnalyzedAt = &now

	for _, fb := range feedback {
		found := false
		for i := range p.CommonMistakes {
			if p.CommonMistakes[i].Mistake == fb.Message {
				p.CommonMistakes[i].Count++
				p.CommonMistakes[i].LastOccurred = now
				found = true
				break
			}
		}
		if !found {
			p.CommonMistakes = append(p.CommonMistakes, domain.MistakeCounter{Mistake: fb.Message, Count: 1, LastOccurred: now})
		}
	}

	if personality := derivePersonality(traits); personality != nil {
		p.Personality = personality
	}

	p.ImprovementScore = blendScore(p.ImprovementScore, sessionScore(feedback))

	if p.LanguageCounts == nil {
		p.LanguageCounts = map[string]int{}
	}
	p.LanguageCounts[language]++
}

// derivePersonality labels the most frequent trait. Ties go to the trait seen first.
func derivePersonality(traits []string) *domain.CodePersonality {
	if len(traits) == 0 {
		return nil
	}
	counts := make(map[string]int, len(traits))
	var distinct []string
	for _, t := range traits {
		if counts[t] == 0 {
			distinct = append(distinct, t)
		}
		counts[t]++
	}

	label := distinct[0]
	for _, t := range distinct[1:] {
		if counts[t] > counts[label] {
			label = t
		}
	}
	return &domain.CodePersonality{
		Label:      label,
		Confidence: float64(counts[label]) / float64(len(traits)),
		Traits:     distinct,
	}
}

// sessionScore is the share of feedback that is not high severity, as a percentage.
// A session without feedback scores 0.
func sessionScore(feedback []domain.Feedback) float64 {
	if len(feedback) == 0 {
		return 0
	}
	high := 0
	for _, fb := range feedback {
		if fb.Severity == domain.FeedbackSeverityHigh {
			high++
		}
	}
	return math.Max(0, 100-float64(high)/float64(len(feedback))*100)
}

func blendScore(old int, local float64) int {
	score := math.Round((float64(old) + local) / 2)
	return int(math.Max(0, math.Min(100, score)))
}

// GetProgress returns the caller's profile, or an empty one before the first analysis.
func (s *Service) GetProgress(ctx context.Context, principal *auth.Principal) (*domain.ProgressProfile, error) {
	if principal == nil {
		return nil, domain.ErrUnauthorized
	}
	profile, err := s.store.GetProgress(ctx, principal.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	if profile == nil {
		profile = &domain.ProgressProfile{
			UserID:         principal.UserID,
			CommonMistakes: []domain.MistakeCounter{},
			LanguageCounts: map[string]int{},
		}
	}
	return profile, nil
}

// GetCommonMistakes returns the caller's most frequent mistakes, most frequent first.
// limit <= 0 selects the default of 10.
func (s *Service) GetCommonMistakes(ctx context.Context, principal *auth.Principal, limit int) ([]domain.MistakeCounter, error) {
	profile, err := s.GetProgress(ctx, principal)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMistakeLimit
	}

	mistakes := append([]domain.MistakeCounter(nil), profile.CommonMistakes...)
	sort.SliceStable(mistakes, func(i, j int) bool {
		return mistakes[i].Count > mistakes[j].Count
	})
	if len(mistakes) > limit {
		mistakes = mistakes[:limit]
	}
	if mistakes == nil {
		mistakes = []domain.MistakeCounter{}
	}
	return mistakes, nil
}

// GetLanguageCounts returns the caller's per-language submission counters,
// highest count first and then by language name.
func (s *Service) GetLanguageCounts(ctx context.Context, principal *auth.Principal) ([]domain.LanguageCount, error) {
	profile, err := s.GetProgress(ctx, principal)
	if err != nil {
		return nil, err
	}

	counts := make([]domain.LanguageCount, 0, len(profile.LanguageCounts))
	for lang, n := range profile.LanguageCounts {
		counts = append(counts, domain.LanguageCount{Language: lang, Count: n})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Language < counts[j].Language
	})
	return counts, nil
}
