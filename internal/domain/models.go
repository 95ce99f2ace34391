package domain

import (
	"encoding/json"
	"time"
)

// Session represents one user-initiated request to analyze code.
type Session struct {
	SessionID     string        `json:"session_id"`
	UserID        string        `json:"user_id"`
	Title         string        `json:"title"`
	Language      string        `json:"language"`
	Source        SessionSource `json:"source"`
	Status        SessionStatus `json:"status"`
	StatusMessage string        `json:"status_message,omitempty"`
	SkillLevel    SkillLevel    `json:"skill_level"`
	Attempt       int           `json:"attempt"`
	Repository    *Repository   `json:"repository,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Repository holds metadata for sessions created from a repository host.
type Repository struct {
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
}

// Snippet is one unit of source code belonging to a session.
type Snippet struct {
	SnippetID string    `json:"snippet_id"`
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	FileName  string    `json:"file_name"`
	LineCount int       `json:"line_count"`
	Path      string    `json:"path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Feedback is one structured observation about a snippet.
type Feedback struct {
	FeedbackID  string           `json:"feedback_id"`
	SessionID   string           `json:"session_id"`
	SnippetID   string           `json:"snippet_id"`
	Attempt     int              `json:"attempt"`
	Category    FeedbackCategory `json:"category"`
	Severity    FeedbackSeverity `json:"severity"`
	Message     string           `json:"message"`
	Suggestion  string           `json:"suggestion"`
	CodeExample string           `json:"code_example,omitempty"`
	LineNumber  *int             `json:"line_number,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// UsageRecord logs reasoning usage for one completed analysis job.
type UsageRecord struct {
	UsageID      string    `json:"usage_id"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	TokensUsed   int       `json:"tokens_used"`
	CostEstimate float64   `json:"cost_estimate"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
}

// MistakeCounter counts occurrences of one feedback message for a user.
type MistakeCounter struct {
	Mistake      string    `json:"mistake"`
	Count        int       `json:"count"`
	LastOccurred time.Time `json:"last_occurred"`
}

// CodePersonality summarizes the traits observed in the latest analysis.
type CodePersonality struct {
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	Traits     []string `json:"traits"`
}

// ProgressProfile is a user's cumulative statistics record.
// Version is bumped on every save and guards concurrent read-modify-write cycles.
type ProgressProfile struct {
	UserID           string           `json:"user_id"`
	TotalSubmissions int              `json:"total_submissions"`
	CommonMistakes   []MistakeCounter `json:"common_mistakes"`
	ImprovementScore int              `json:"improvement_score"`
	LanguageCounts   map[string]int   `json:"language_counts"`
	Personality      *CodePersonality `json:"personality,omitempty"`
	LastAnalyzedAt   *time.Time       `json:"last_analyzed_at,omitempty"`
	Version          int              `json:"version"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Job is a durable unit of background work.
type Job struct {
	JobID       string          `json:"job_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	RunAt       time.Time       `json:"run_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AnalyzeCodePayload is the payload of an analyze-code job.
type AnalyzeCodePayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}
