package domain

// CreateSessionRequest is the request to create an analysis session.
// CodeSnippet, when set, becomes the first snippet; Snippets follow in order.
type CreateSessionRequest struct {
	Title            string         `json:"title" validate:"required,max=200"`
	Language         string         `json:"language" validate:"required,max=64"`
	Source           SessionSource  `json:"source" validate:"required,oneof=snippet repository"`
	SkillLevel       SkillLevel     `json:"skill_level,omitempty" validate:"omitempty,skill_level"`
	CodeSnippet      string         `json:"code_snippet,omitempty"`
	FileName         string         `json:"file_name,omitempty" validate:"max=255"`
	RepositoryURL    string         `json:"repository_url,omitempty" validate:"omitempty,url"`
	RepositoryBranch string         `json:"repository_branch,omitempty" validate:"max=255"`
	Snippets         []SnippetInput `json:"snippets,omitempty" validate:"dive"`
}

// SnippetInput is one file submitted with a session.
type SnippetInput struct {
	FileName string `json:"file_name,omitempty" validate:"max=255"`
	Path     string `json:"path,omitempty" validate:"max=1024"`
	Content  string `json:"content" validate:"required"`
}

// RefactorRequest asks for a refactor of the snippet a feedback item points at.
type RefactorRequest struct {
	FeedbackID string `json:"feedback_id" validate:"required"`
}

// RefactorResponse is the result of a refactor call.
type RefactorResponse struct {
	FeedbackID     string `json:"feedback_id"`
	RefactoredCode string `json:"refactored_code"`
	Explanation    string `json:"explanation"`
}

// LanguageCount is one entry of a user's per-language submission counters.
type LanguageCount struct {
	Language string `json:"language"`
	Count    int    `json:"count"`
}
