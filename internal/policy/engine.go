// Package policy evaluates the intake admission policy with OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Decision is the result of an intake policy evaluation.
type Decision struct {
	Allow  bool
	Reason string
}

// IntakeInput describes a session submission to the policy.
type IntakeInput struct {
	Source              string
	Language            string
	RepositoryURL       string
	SnippetCount        int
	TotalBytes          int
	LargestSnippetBytes int
	Limits              Limits
}

// Limits are the configured intake bounds.
type Limits struct {
	MaxSnippets     int
	MaxSnippetBytes int
	MaxTotalBytes   int
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.intake.decision"),
		rego.Module("intake.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks a submission against the intake policy.
func (e *Engine) Evaluate(ctx context.Context, in IntakeInput) (Decision, error) {
	input := map[string]interface{}{
		"source":                in.Source,
		"language":              in.Language,
		"repository_url":        in.RepositoryURL,
		"snippet_count":         in.SnippetCount,
		"total_bytes":           in.TotalBytes,
		"largest_snippet_bytes": in.LargestSnippetBytes,
		"limits": map[string]interface{}{
			"max_snippets":      in.Limits.MaxSnippets,
			"max_snippet_bytes": in.Limits.MaxSnippetBytes,
			"max_total_bytes":   in.Limits.MaxTotalBytes,
		},
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("policy produced no decision")
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}
	allow, _ := obj["allow"].(bool)
	reason, _ := obj["reason"].(string)
	return Decision{Allow: allow, Reason: reason}, nil
}

// DefaultPolicy is the default intake policy.
const DefaultPolicy = `
package intake

default decision := {"allow": true, "reason": ""}

decision := {"allow": false, "reason": sprintf("too many snippets: %d (max %d)", [input.snippet_count, input.limits.max_snippets])} if {
	input.limits.max_snippets > 0
	input.snippet_count > input.limits.max_snippets
} else := {"allow": false, "reason": sprintf("snippet too large: %d bytes (max %d)", [input.largest_snippet_bytes, input.limits.max_snippet_bytes])} if {
	input.limits.max_snippet_bytes > 0
	input.largest_snippet_bytes > input.limits.max_snippet_bytes
} else := {"allow": false, "reason": sprintf("submission too large: %d bytes (max %d)", [input.total_bytes, input.limits.max_total_bytes])} if {
	input.limits.max_total_bytes > 0
	input.total_bytes > input.limits.max_total_bytes
} else := {"allow": false, "reason": "repository sessions require repository_url"} if {
	input.source == "repository"
	input.repository_url == ""
}
`
