package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaot623/codementor/internal/domain"
)

type scriptedClient struct {
	reply string
	err   error
	last  ChatRequest
}

func (c *scriptedClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	c.last = req
	return c.reply, c.err
}

func TestAnalyzeParsesStructuredOutput(t *testing.T) {
	client := &scriptedClient{reply: `{
		"feedback": [
			{"category": "security", "severity": "high", "message": "SQL injection", "suggestion": "Use placeholders", "lineNumber": 4},
			{"category": "best-practices", "severity": "LOW", "message": "Name is vague", "suggestion": "Rename"},
			{"category": "style", "message": "Unknown category"},
			{"category": "security", "severity": "high", "message": "   "}
		],
		"summary": "Needs work",
		"overallScore": 61.6,
		"personalityTraits": ["pragmatic", " ", "fast"]
	}`}
	r := NewReviewer(client, "gpt-4", zap.NewNop())

	res, err := r.Analyze(context.Background(), AnalysisRequest{Code: "select *", Language: "sql", SkillLevel: domain.SkillLevelAdvanced, IncludePersonality: true})
	require.NoError(t, err)

	require.Len(t, res.Feedback, 3)
	assert.Equal(t, domain.FeedbackCategorySecurity, res.Feedback[0].Category)
	assert.Equal(t, domain.FeedbackSeverityHigh, res.Feedback[0].Severity)
	require.NotNil(t, res.Feedback[0].LineNumber)
	assert.Equal(t, 4, *res.Feedback[0].LineNumber)

	assert.Equal(t, domain.FeedbackCategoryBestPractices, res.Feedback[1].Category)
	assert.Equal(t, domain.FeedbackSeverityLow, res.Feedback[1].Severity)

	// Defaults for unknown or missing fields.
	assert.Equal(t, domain.FeedbackCategoryBestPractices, res.Feedback[2].Category)
	assert.Equal(t, domain.FeedbackSeverityMedium, res.Feedback[2].Severity)

	assert.Equal(t, 62, res.OverallScore)
	assert.Equal(t, "Needs work", res.Summary)
	assert.Equal(t, []string{"pragmatic", "fast"}, res.PersonalityTraits)

	assert.Equal(t, "gpt-4", client.last.Model)
	assert.Equal(t, analysisTemperature, client.last.Temperature)
	assert.True(t, client.last.JSONOutput)
	assert.Equal(t, analysisSystemPrompt, client.last.SystemPrompt)
}

func TestAnalyzeFailures(t *testing.T) {
	tests := []struct {
		name   string
		client *scriptedClient
	}{
		{"transport error", &scriptedClient{err: errors.New("connection refused")}},
		{"empty", &scriptedClient{reply: "   "}},
		{"not json", &scriptedClient{reply: "Sure! Here is my review."}},
		{"truncated", &scriptedClient{reply: `{"feedback": [`}},
		{"wrong shape", &scriptedClient{reply: `{"feedback": "none"}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReviewer(tt.client, DefaultModel, zap.NewNop())
			_, err := r.Analyze(context.Background(), AnalysisRequest{Code: "x", Language: "go"})
			if !errors.Is(err, domain.ErrUpstream) {
				t.Fatalf("expected ErrUpstream, got %v", err)
			}
		})
	}
}

func TestAnalyzeDropsTraitsWhenNotRequested(t *testing.T) {
	client := &scriptedClient{reply: `{"feedback": [], "summary": "", "overallScore": 100, "personalityTraits": ["x"]}`}
	r := NewReviewer(client, DefaultModel, zap.NewNop())

	res, err := r.Analyze(context.Background(), AnalysisRequest{Code: "x", Language: "go"})
	require.NoError(t, err)
	assert.Empty(t, res.Feedback)
	assert.Nil(t, res.PersonalityTraits)
	assert.NotContains(t, client.last.UserPrompt, "personalityTraits")
}

func TestPromptFramingBySkillLevel(t *testing.T) {
	beginner := buildAnalysisPrompt("x", "go", domain.SkillLevelBeginner, true)
	intermediate := buildAnalysisPrompt("x", "go", domain.SkillLevelIntermediate, true)
	advanced := buildAnalysisPrompt("x", "go", domain.SkillLevelAdvanced, true)
	unknown := buildAnalysisPrompt("x", "go", domain.SkillLevel("guru"), true)

	assert.Contains(t, beginner, "encouraging")
	assert.Contains(t, intermediate, "best practices")
	assert.Contains(t, advanced, "edge cases")
	assert.Equal(t, beginner, unknown)
	assert.NotEqual(t, beginner, advanced)

	// Deterministic.
	assert.Equal(t, advanced, buildAnalysisPrompt("x", "go", domain.SkillLevelAdvanced, true))
	assert.Equal(t, "fmt.Println(1)", extractCode(buildAnalysisPrompt("fmt.Println(1)", "go", domain.SkillLevelBeginner, false)))
}

func TestRefactor(t *testing.T) {
	client := &scriptedClient{reply: `{"refactoredCode": "x := 1", "explanation": "shorter"}`}
	r := NewReviewer(client, DefaultModel, zap.NewNop())

	res, err := r.Refactor(context.Background(), "var x int = 1", "go", "Use short declaration")
	require.NoError(t, err)
	assert.Equal(t, "x := 1", res.RefactoredCode)
	assert.Equal(t, "shorter", res.Explanation)
	assert.Equal(t, refactorTemperature, client.last.Temperature)
	assert.Contains(t, client.last.UserPrompt, "Use short declaration")

	client.reply = `{"explanation": "nothing"}`
	_, err = r.Refactor(context.Background(), "x", "go", "y")
	assert.True(t, errors.Is(err, domain.ErrUpstream))
}

func TestMockClientReview(t *testing.T) {
	r := NewReviewer(NewMockClient(), DefaultModel, zap.NewNop())

	code := strings.Join([]string{
		"func login() {",
		`	password := "hunter2"`,
		"	// TODO: hash it",
		"}",
	}, "\n")
	res, err := r.Analyze(context.Background(), AnalysisRequest{Code: code, Language: "go", IncludePersonality: true})
	require.NoError(t, err)
	require.Len(t, res.Feedback, 2)
	assert.Equal(t, domain.FeedbackSeverityHigh, res.Feedback[0].Severity)
	require.NotNil(t, res.Feedback[0].LineNumber)
	assert.Equal(t, 2, *res.Feedback[0].LineNumber)
	assert.Equal(t, domain.FeedbackCategoryReadability, res.Feedback[1].Category)
	assert.Equal(t, []string{"move-fast", "iterative"}, res.PersonalityTraits)

	clean, err := r.Analyze(context.Background(), AnalysisRequest{Code: "x := 1", Language: "go"})
	require.NoError(t, err)
	require.Len(t, clean.Feedback, 1)
	assert.Equal(t, domain.FeedbackSeverityLow, clean.Feedback[0].Severity)

	ref, err := r.Refactor(context.Background(), "x := 1   ", "go", "tidy")
	require.NoError(t, err)
	assert.Equal(t, "x := 1\n", ref.RefactoredCode)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 250, EstimateTokens(strings.Repeat("x", 1000)))
}

func TestEstimateCost(t *testing.T) {
	assert.InDelta(t, 0.016, EstimateCost(1000, "gpt-4-turbo-preview"), 1e-12)
	assert.InDelta(t, 0.039, EstimateCost(1000, "gpt-4"), 1e-12)
	assert.InDelta(t, 0.00165, EstimateCost(1000, "gpt-3.5-turbo"), 1e-12)
	assert.Equal(t, EstimateCost(1000, DefaultModel), EstimateCost(1000, "some-new-model"))
	assert.Equal(t, 0.0, EstimateCost(0, "gpt-4"))
}
