package llm

import (
	"fmt"
	"strings"

	"github.com/xiaot623/codementor/internal/domain"
)

const (
	analysisSystemPrompt = "You are an expert code reviewer and mentor. Provide actionable, specific feedback in structured JSON format."
	refactorSystemPrompt = "You are an expert code refactoring assistant. Provide clean, improved code with clear explanations."

	analysisTemperature float32 = 0.3
	refactorTemperature float32 = 0.2
)

var skillFraming = map[domain.SkillLevel]string{
	domain.SkillLevelBeginner:     "The developer is a beginner. Keep the tone encouraging and educational, and explain every point clearly.",
	domain.SkillLevelIntermediate: "The developer is intermediate. Offer advanced tips and point to established best practices.",
	domain.SkillLevelAdvanced:     "The developer is advanced. Concentrate on optimization, architecture and edge cases.",
}

func framingFor(level domain.SkillLevel) string {
	if f, ok := skillFraming[level]; ok {
		return f
	}
	return skillFraming[domain.SkillLevelBeginner]
}

func buildAnalysisPrompt(code, language string, level domain.SkillLevel, includePersonality bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the following %s code and give detailed feedback.\n", language)
	b.WriteString(framingFor(level))
	b.WriteString("\n\nCode:\n```")
	b.WriteString(language)
	b.WriteString("\n")
	b.WriteString(code)
	b.WriteString("\n```\n\n")
	b.WriteString(`Respond with one JSON object of this shape:
{
  "feedback": [
    {
      "category": "performance|security|readability|architecture|best_practices",
      "severity": "low|medium|high",
      "message": "what is wrong",
      "suggestion": "how to fix it",
      "codeExample": "optional improved code",
      "lineNumber": 0
    }
  ],
  "summary": "overall assessment",
  "overallScore": 0`)
	if includePersonality {
		b.WriteString(`,
  "personalityTraits": ["short traits describing the author's coding style"]`)
	}
	b.WriteString("\n}\n")
	return b.String()
}

func buildRefactorPrompt(code, language, suggestion string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Refactor the following %s code according to this feedback: %s\n\n", language, suggestion)
	b.WriteString("Code:\n```")
	b.WriteString(language)
	b.WriteString("\n")
	b.WriteString(code)
	b.WriteString("\n```\n\n")
	b.WriteString(`Respond with one JSON object of this shape:
{
  "refactoredCode": "the improved code",
  "explanation": "what changed and why"
}
`)
	return b.String()
}

// extractCode returns the body of the first fenced block in prompt.
func extractCode(prompt string) string {
	start := strings.Index(prompt, "```")
	if start < 0 {
		return ""
	}
	rest := prompt[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.LastIndex(rest, "\n```")
	if end < 0 {
		return rest
	}
	return rest[:end]
}
