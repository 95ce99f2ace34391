// Package config provides configuration for the code mentor service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile names an optional YAML file applied before environment overrides.
const EnvConfigFile = "MENTOR_CONFIG"

// Config holds the service configuration.
type Config struct {
	// Server settings
	HTTPPort   int    `yaml:"http_port"`
	CORSOrigin string `yaml:"cors_origin"`
	RateLimit  int    `yaml:"rate_limit"` // requests per second per client, 0 disables

	// Database
	DatabaseURL string `yaml:"database_url"`

	// Auth
	JWTSecret string `yaml:"jwt_secret"`

	// Reasoning service
	Mode          string        `yaml:"mode"`
	OpenAIAPIKey  string        `yaml:"openai_api_key"`
	OpenAIBaseURL string        `yaml:"openai_base_url"`
	Model         string        `yaml:"model"`
	LLMTimeout    time.Duration `yaml:"llm_timeout"`

	// Job queue
	QueueBackend         string        `yaml:"queue_backend"` // sqlite or bolt
	BoltPath             string        `yaml:"bolt_path"`
	Workers              int           `yaml:"workers"`
	JobMaxAttempts       int           `yaml:"job_max_attempts"`
	JobBackoffBase       time.Duration `yaml:"job_backoff_base"`
	JobBackoffMax        time.Duration `yaml:"job_backoff_max"`
	JobPollInterval      time.Duration `yaml:"job_poll_interval"`
	JobVisibilityTimeout time.Duration `yaml:"job_visibility_timeout"`

	// Pipeline
	FailureStatusRetries int           `yaml:"failure_status_retries"`
	FailureStatusBackoff time.Duration `yaml:"failure_status_backoff"`
	ProgressMaxRetries   int           `yaml:"progress_max_retries"`

	// Intake limits
	MaxSnippets     int `yaml:"max_snippets"`
	MaxSnippetBytes int `yaml:"max_snippet_bytes"`
	MaxTotalBytes   int `yaml:"max_total_bytes"`

	// WebSocket settings
	PingInterval   time.Duration `yaml:"ws_ping_interval"`
	WriteTimeout   time.Duration `yaml:"ws_write_timeout"`
	ReadTimeout    time.Duration `yaml:"ws_read_timeout"`
	MaxMessageSize int64         `yaml:"ws_max_message_size"`
	SendBuffer     int           `yaml:"ws_send_buffer"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		HTTPPort:             8080,
		CORSOrigin:           "*",
		RateLimit:            20,
		DatabaseURL:          "file:mentor.db?cache=shared&mode=rwc&_busy_timeout=5000&_journal_mode=WAL",
		Model:                "gpt-4-turbo-preview",
		OpenAIBaseURL:        "https://api.openai.com/v1",
		LLMTimeout:           120 * time.Second,
		QueueBackend:         "sqlite",
		BoltPath:             "mentor-queue.db",
		Workers:              4,
		JobMaxAttempts:       3,
		JobBackoffBase:       2 * time.Second,
		JobBackoffMax:        60 * time.Second,
		JobPollInterval:      500 * time.Millisecond,
		JobVisibilityTimeout: 10 * time.Minute,
		FailureStatusRetries: 3,
		FailureStatusBackoff: 200 * time.Millisecond,
		ProgressMaxRetries:   16,
		MaxSnippets:          50,
		MaxSnippetBytes:      200000,
		MaxTotalBytes:        1000000,
		PingInterval:         30 * time.Second,
		WriteTimeout:         10 * time.Second,
		ReadTimeout:          60 * time.Second,
		MaxMessageSize:       65536,
		SendBuffer:           256,
		LogLevel:             "info",
	}
}

// Load loads configuration from the optional YAML file and environment variables.
// Environment variables win over the file; the file wins over defaults.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.CORSOrigin = getEnv("CORS_ORIGIN", c.CORSOrigin)
	c.RateLimit = getEnvInt("RATE_LIMIT", c.RateLimit)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.Mode = getEnv("MENTOR_MODE", c.Mode)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.OpenAIBaseURL)
	c.Model = getEnv("OPENAI_MODEL", c.Model)
	c.LLMTimeout = getEnvDurationMs("LLM_TIMEOUT_MS", c.LLMTimeout)
	c.QueueBackend = getEnv("QUEUE_BACKEND", c.QueueBackend)
	c.BoltPath = getEnv("BOLT_PATH", c.BoltPath)
	c.Workers = getEnvInt("QUEUE_WORKERS", c.Workers)
	c.JobMaxAttempts = getEnvInt("JOB_MAX_ATTEMPTS", c.JobMaxAttempts)
	c.JobBackoffBase = getEnvDurationMs("JOB_BACKOFF_BASE_MS", c.JobBackoffBase)
	c.JobBackoffMax = getEnvDurationMs("JOB_BACKOFF_MAX_MS", c.JobBackoffMax)
	c.JobPollInterval = getEnvDurationMs("JOB_POLL_INTERVAL_MS", c.JobPollInterval)
	c.JobVisibilityTimeout = getEnvDurationMs("JOB_VISIBILITY_TIMEOUT_MS", c.JobVisibilityTimeout)
	c.FailureStatusRetries = getEnvInt("FAILURE_STATUS_RETRIES", c.FailureStatusRetries)
	c.FailureStatusBackoff = getEnvDurationMs("FAILURE_STATUS_BACKOFF_MS", c.FailureStatusBackoff)
	c.ProgressMaxRetries = getEnvInt("PROGRESS_MAX_RETRIES", c.ProgressMaxRetries)
	c.MaxSnippets = getEnvInt("MAX_SNIPPETS", c.MaxSnippets)
	c.MaxSnippetBytes = getEnvInt("MAX_SNIPPET_BYTES", c.MaxSnippetBytes)
	c.MaxTotalBytes = getEnvInt("MAX_TOTAL_BYTES", c.MaxTotalBytes)
	c.PingInterval = getEnvDurationMs("WS_PING_INTERVAL_MS", c.PingInterval)
	c.WriteTimeout = getEnvDurationMs("WS_WRITE_TIMEOUT_MS", c.WriteTimeout)
	c.ReadTimeout = getEnvDurationMs("WS_READ_TIMEOUT_MS", c.ReadTimeout)
	c.MaxMessageSize = int64(getEnvInt("WS_MAX_MESSAGE_SIZE", int(c.MaxMessageSize)))
	c.SendBuffer = getEnvInt("WS_SEND_BUFFER", c.SendBuffer)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Validate checks values that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("job_max_attempts must be at least 1, got %d", c.JobMaxAttempts)
	}
	switch c.QueueBackend {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("unknown queue backend %q", c.QueueBackend)
	}
	if c.PingInterval >= c.ReadTimeout {
		return fmt.Errorf("ws_ping_interval (%s) must be shorter than ws_read_timeout (%s)", c.PingInterval, c.ReadTimeout)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDurationMs(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
