package llm

import (
	"time"

	"go.uber.org/zap"
)

const (
	// EnvMentorMode is the environment variable name for mode selection.
	EnvMentorMode = "MENTOR_MODE"
	// ModeMock indicates mock mode should be used.
	ModeMock = "MOCK"
)

// NewChatClient creates a chat client for mode.
// If mode is MOCK, returns a MockClient; otherwise returns an OpenAIClient.
func NewChatClient(mode, baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) ChatClient {
	if mode == ModeMock {
		logger.Info("mock mode detected, using mock reasoning client", zap.String("env", EnvMentorMode))
		return NewMockClient()
	}
	if apiKey == "" {
		logger.Warn("OPENAI_API_KEY is empty; reasoning calls will be rejected upstream")
	}
	return NewOpenAIClient(baseURL, apiKey, timeout)
}
