// Package llm talks to the reasoning service that reviews code.
package llm

import "context"

// ChatRequest is one synchronous completion call.
type ChatRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	// JSONOutput asks the service for a single JSON object.
	JSONOutput bool
}

// ChatClient defines the interface for chat completion backends.
type ChatClient interface {
	// Complete returns the assistant message content.
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// Ensure clients implement ChatClient.
var (
	_ ChatClient = (*OpenAIClient)(nil)
	_ ChatClient = (*MockClient)(nil)
)
