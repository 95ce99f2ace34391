package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// MockClient is a deterministic ChatClient for local runs and tests.
// It reviews the fenced code in the prompt with a handful of text heuristics.
type MockClient struct{}

// NewMockClient creates a new mock client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Complete returns a canned JSON response derived from the prompt.
func (m *MockClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	code := extractCode(req.UserPrompt)

	var out interface{}
	if req.SystemPrompt == refactorSystemPrompt {
		out = m.refactor(code)
	} else {
		out = m.review(code, strings.Contains(req.UserPrompt, "personalityTraits"))
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type mockRule struct {
	match      func(code string) bool
	item       feedbackWire
	trait      string
	scoreDelta int
}

var mockRules = []mockRule{
	{
		match: func(code string) bool {
			lower := strings.ToLower(code)
			return strings.Contains(lower, "password") || strings.Contains(lower, "secret") || strings.Contains(lower, "api_key")
		},
		item: feedbackWire{
			Category:   "security",
			Severity:   "high",
			Message:    "Credentials appear to be hard-coded",
			Suggestion: "Load secrets from the environment or a secret manager",
		},
		trait:      "move-fast",
		scoreDelta: -30,
	},
	{
		match: func(code string) bool {
			return strings.Contains(code, "eval(") || strings.Contains(code, "exec(")
		},
		item: feedbackWire{
			Category:   "security",
			Severity:   "high",
			Message:    "Dynamic code execution is unsafe",
			Suggestion: "Replace eval/exec with explicit parsing or dispatch",
		},
		trait:      "move-fast",
		scoreDelta: -25,
	},
	{
		match: func(code string) bool {
			return strings.Contains(code, "except:") || strings.Contains(code, "catch {}") ||
				strings.Contains(code, "catch (e) {}") || strings.Contains(code, "_ = err")
		},
		item: feedbackWire{
			Category:   "best_practices",
			Severity:   "medium",
			Message:    "Errors are silently ignored",
			Suggestion: "Handle or propagate the error instead of discarding it",
		},
		trait:      "optimistic",
		scoreDelta: -15,
	},
	{
		match: func(code string) bool {
			return strings.Count(code, "for ") >= 2
		},
		item: feedbackWire{
			Category:   "performance",
			Severity:   "medium",
			Message:    "Nested loops may be quadratic",
			Suggestion: "Index one side in a map to avoid the inner scan",
		},
		trait:      "pragmatic",
		scoreDelta: -10,
	},
	{
		match: func(code string) bool {
			return strings.Contains(code, "TODO") || strings.Contains(code, "FIXME")
		},
		item: feedbackWire{
			Category:   "readability",
			Severity:   "low",
			Message:    "Unresolved TODO left in code",
			Suggestion: "Resolve the TODO or track it in an issue",
		},
		trait:      "iterative",
		scoreDelta: -5,
	},
	{
		match: func(code string) bool {
			for _, line := range strings.Split(code, "\n") {
				if len(line) > 120 {
					return true
				}
			}
			return false
		},
		item: feedbackWire{
			Category:   "readability",
			Severity:   "low",
			Message:    "Lines exceed 120 characters",
			Suggestion: "Break long expressions across lines",
		},
		trait:      "dense",
		scoreDelta: -5,
	},
}

func (m *MockClient) review(code string, includePersonality bool) analysisWire {
	resp := analysisWire{OverallScore: 90}
	lines := strings.Split(code, "\n")

	for _, rule := range mockRules {
		if !rule.match(code) {
			continue
		}
		item := rule.item
		if n := firstMatchingLine(lines, rule.match); n > 0 {
			item.LineNumber = &n
		}
		resp.Feedback = append(resp.Feedback, item)
		resp.PersonalityTraits = append(resp.PersonalityTraits, rule.trait)
		resp.OverallScore += float64(rule.scoreDelta)
	}

	if len(resp.Feedback) == 0 {
		resp.Feedback = append(resp.Feedback, feedbackWire{
			Category:   "best_practices",
			Severity:   "low",
			Message:    "Consider adding tests for this code",
			Suggestion: "Cover the main paths with unit tests",
		})
		resp.PersonalityTraits = append(resp.PersonalityTraits, "methodical")
		resp.Summary = "Clean code with minor suggestions."
	} else {
		resp.Summary = "Several issues worth addressing."
	}
	if resp.OverallScore < 0 {
		resp.OverallScore = 0
	}
	if !includePersonality {
		resp.PersonalityTraits = nil
	}
	return resp
}

func firstMatchingLine(lines []string, match func(string) bool) int {
	for i, line := range lines {
		if match(line) {
			return i + 1
		}
	}
	return 0
}

func (m *MockClient) refactor(code string) refactorWire {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return refactorWire{
		RefactoredCode: strings.TrimSpace(strings.Join(lines, "\n")) + "\n",
		Explanation:    "Trimmed trailing whitespace and normalized the layout.",
	}
}
