package models

import "time"

// JobStatus represents the state of a recognition job
type JobStatus string

const (
	JobStatusSubmitted  JobStatus = "submitted"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status is final. Terminal jobs never
// transition again and their result/error fields are immutable.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Answer is a single recognized answer extracted from the submitted image.
type Answer struct {
	QuestionNumber int     `json:"questionNumber"`
	ExtractedText  string  `json:"extractedText"`
	LatexFormula   string  `json:"latexFormula,omitempty"`
	Confidence     float64 `json:"confidence"`
}

// ResultMetadata describes how the worker processed the image.
type ResultMetadata struct {
	ImageQuality           string `json:"imageQuality,omitempty"`
	ProcessingTimeMs       int64  `json:"processingTimeMs"`
	TotalQuestionsDetected int    `json:"totalQuestionsDetected"`
	ModelVersion           string `json:"modelVersion,omitempty"`
}

// JobResult is the recognition outcome. Set exactly once, when the job
// reaches completed status.
type JobResult struct {
	Answers  []Answer       `json:"answers"`
	Metadata ResultMetadata `json:"metadata"`
}

// SourceMeta captures descriptive information about the uploaded file.
// It never influences orchestration decisions.
type SourceMeta struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// Job tracks one unit of submitted work from submission to a terminal state.
//
// Lifecycle:
//   - Created by the submission gateway with status submitted.
//   - ExternalID is bound once, after the worker accepts the submission,
//     and never changes afterwards.
//   - All status changes go through the store's Transition operation;
//     callback handling and the polling reconciler both funnel through it,
//     so only the first terminal transition wins.
//   - Removed from the store after a grace period once terminal.
type Job struct {
	ID string `json:"id" badgerhold:"key"`
	// ExternalID is the identifier assigned by the AI worker on accept.
	// Empty until the submission round-trip succeeds.
	ExternalID  string     `json:"external_id,omitempty"`
	Status      JobStatus  `json:"status"`
	Source      SourceMeta `json:"source"`
	CallbackURL string     `json:"callback_url"`
	Priority    int        `json:"priority"`
	UseCache    bool       `json:"use_cache"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Result is only set on completed jobs.
	Result *JobResult `json:"result,omitempty"`
	// Error is a concise, user-facing failure description.
	// Format: "Category: Brief description" (e.g. "Timeout: No result after 5m").
	// Only populated when status is failed.
	Error string `json:"error,omitempty"`
}
