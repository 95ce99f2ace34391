package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/xiaot623/codementor/internal/domain"
	"github.com/xiaot623/codementor/internal/metrics"
)

// AnalysisRequest is the input of one review call.
type AnalysisRequest struct {
	Code               string
	Language           string
	SkillLevel         domain.SkillLevel
	IncludePersonality bool
}

// FeedbackItem is one parsed review observation.
type FeedbackItem struct {
	Category    domain.FeedbackCategory
	Severity    domain.FeedbackSeverity
	Message     string
	Suggestion  string
	CodeExample string
	LineNumber  *int
}

// AnalysisResult is the parsed review of one snippet.
type AnalysisResult struct {
	Feedback          []FeedbackItem
	Summary           string
	OverallScore      int
	PersonalityTraits []string
}

// RefactorResult is the parsed refactor response.
type RefactorResult struct {
	RefactoredCode string
	Explanation    string
}

// Wire shapes of the structured output contract.
type feedbackWire struct {
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	Suggestion  string `json:"suggestion"`
	CodeExample string `json:"codeExample,omitempty"`
	LineNumber  *int   `json:"lineNumber,omitempty"`
}

type analysisWire struct {
	Feedback          []feedbackWire `json:"feedback"`
	Summary           string         `json:"summary"`
	OverallScore      float64        `json:"overallScore"`
	PersonalityTraits []string       `json:"personalityTraits,omitempty"`
}

type refactorWire struct {
	RefactoredCode string `json:"refactoredCode"`
	Explanation    string `json:"explanation"`
}

// Reviewer builds prompts, calls the chat client and parses the structured output.
// It never retries; callers decide what a failure means.
type Reviewer struct {
	client ChatClient
	model  string
	logger *zap.Logger
}

// NewReviewer creates a reviewer using model for every call.
func NewReviewer(client ChatClient, model string, logger *zap.Logger) *Reviewer {
	return &Reviewer{client: client, model: model, logger: logger}
}

// Model returns the model identifier used for calls and pricing.
func (r *Reviewer) Model() string {
	return r.model
}

// Analyze reviews one snippet.
func (r *Reviewer) Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error) {
	content, err := r.client.Complete(ctx, ChatRequest{
		Model:        r.model,
		SystemPrompt: analysisSystemPrompt,
		UserPrompt:   buildAnalysisPrompt(req.Code, req.Language, req.SkillLevel, req.IncludePersonality),
		Temperature:  analysisTemperature,
		JSONOutput:   true,
	})
	if err != nil {
		metrics.ReasoningCalls.WithLabelValues("analyze", "error").Inc()
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}

	result, err := parseAnalysis(content)
	if err != nil {
		metrics.ReasoningCalls.WithLabelValues("analyze", "malformed").Inc()
		r.logger.Warn("malformed analysis response", zap.Error(err), zap.Int("length", len(content)))
		return nil, err
	}
	if !req.IncludePersonality {
		result.PersonalityTraits = nil
	}
	metrics.ReasoningCalls.WithLabelValues("analyze", "ok").Inc()
	return result, nil
}

// Refactor asks for a rewrite of code that applies suggestion.
func (r *Reviewer) Refactor(ctx context.Context, code, language, suggestion string) (*RefactorResult, error) {
	content, err := r.client.Complete(ctx, ChatRequest{
		Model:        r.model,
		SystemPrompt: refactorSystemPrompt,
		UserPrompt:   buildRefactorPrompt(code, language, suggestion),
		Temperature:  refactorTemperature,
		JSONOutput:   true,
	})
	if err != nil {
		metrics.ReasoningCalls.WithLabelValues("refactor", "error").Inc()
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}

	var wire refactorWire
	if err := decodeObject(content, &wire); err != nil {
		metrics.ReasoningCalls.WithLabelValues("refactor", "malformed").Inc()
		return nil, err
	}
	if strings.TrimSpace(wire.RefactoredCode) == "" {
		metrics.ReasoningCalls.WithLabelValues("refactor", "malformed").Inc()
		return nil, fmt.Errorf("%w: refactor response has no refactoredCode", domain.ErrUpstream)
	}
	metrics.ReasoningCalls.WithLabelValues("refactor", "ok").Inc()
	return &RefactorResult{RefactoredCode: wire.RefactoredCode, Explanation: wire.Explanation}, nil
}

func parseAnalysis(content string) (*AnalysisResult, error) {
	var wire analysisWire
	if err := decodeObject(content, &wire); err != nil {
		return nil, err
	}

	result := &AnalysisResult{
		Summary:      wire.Summary,
		OverallScore: clampScore(wire.OverallScore),
		Feedback:     make([]FeedbackItem, 0, len(wire.Feedback)),
	}
	for _, f := range wire.Feedback {
		msg := strings.TrimSpace(f.Message)
		if msg == "" {
			// Mistake counters are keyed by message; an empty one carries nothing.
			continue
		}
		result.Feedback = append(result.Feedback, FeedbackItem{
			Category:    normalizeCategory(f.Category),
			Severity:    normalizeSeverity(f.Severity),
			Message:     msg,
			Suggestion:  f.Suggestion,
			CodeExample: f.CodeExample,
			LineNumber:  f.LineNumber,
		})
	}
	for _, t := range wire.PersonalityTraits {
		if t = strings.TrimSpace(t); t != "" {
			result.PersonalityTraits = append(result.PersonalityTraits, t)
		}
	}
	return result, nil
}

func decodeObject(content string, v interface{}) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("%w: empty response", domain.ErrUpstream)
	}
	if !strings.HasPrefix(content, "{") {
		return fmt.Errorf("%w: response is not a JSON object", domain.ErrUpstream)
	}
	if err := json.Unmarshal([]byte(content), v); err != nil {
		return fmt.Errorf("%w: invalid JSON response: %v", domain.ErrUpstream, err)
	}
	return nil
}

func normalizeCategory(raw string) domain.FeedbackCategory {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	switch c := domain.FeedbackCategory(key); c {
	case domain.FeedbackCategoryPerformance, domain.FeedbackCategorySecurity, domain.FeedbackCategoryReadability,
		domain.FeedbackCategoryArchitecture, domain.FeedbackCategoryBestPractices:
		return c
	}
	return domain.FeedbackCategoryBestPractices
}

func normalizeSeverity(raw string) domain.FeedbackSeverity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low", "info", "minor":
		return domain.FeedbackSeverityLow
	case "high", "critical", "major":
		return domain.FeedbackSeverityHigh
	}
	return domain.FeedbackSeverityMedium
}

func clampScore(score float64) int {
	return int(math.Round(math.Max(0, math.Min(100, score))))
}
