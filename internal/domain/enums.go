// Package domain defines the core domain models for the code mentor.
package domain

// SessionStatus represents the lifecycle state of an analysis session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusAnalyzing SessionStatus = "analyzing"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// IsTerminal reports whether the status ends an analysis attempt.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// SessionSource represents where the session's code came from.
type SessionSource string

const (
	SessionSourceSnippet    SessionSource = "snippet"
	SessionSourceRepository SessionSource = "repository"
)

// SkillLevel frames the reviewer's guidance.
type SkillLevel string

const (
	SkillLevelBeginner     SkillLevel = "beginner"
	SkillLevelIntermediate SkillLevel = "intermediate"
	SkillLevelAdvanced     SkillLevel = "advanced"
)

// Valid reports whether the skill level is one of the known levels.
func (l SkillLevel) Valid() bool {
	switch l {
	case SkillLevelBeginner, SkillLevelIntermediate, SkillLevelAdvanced:
		return true
	}
	return false
}

// FeedbackCategory classifies a feedback item.
type FeedbackCategory string

const (
	FeedbackCategoryPerformance   FeedbackCategory = "performance"
	FeedbackCategorySecurity      FeedbackCategory = "security"
	FeedbackCategoryReadability   FeedbackCategory = "readability"
	FeedbackCategoryArchitecture  FeedbackCategory = "architecture"
	FeedbackCategoryBestPractices FeedbackCategory = "best_practices"
)

// FeedbackSeverity ranks a feedback item.
type FeedbackSeverity string

const (
	FeedbackSeverityLow    FeedbackSeverity = "low"
	FeedbackSeverityMedium FeedbackSeverity = "medium"
	FeedbackSeverityHigh   FeedbackSeverity = "high"
)

// JobStatus represents the state of a queued job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusDead    JobStatus = "dead"
)

// JobKindAnalyzeCode is the only job kind accepted by the analysis workers.
const JobKindAnalyzeCode = "analyze-code"

// Live channel event types.
const (
	EventTypeFeedbackUpdate = "feedback-update"
	EventTypeAnalysisStatus = "analysis-status"
)
