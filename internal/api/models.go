package api

import (
	"encoding/json"
	"time"

	"gradeflow/internal/pipeline"
)

// GradingOptionsRequest carries the per-run grading parameters.
type GradingOptionsRequest struct {
	Strictness string `json:"strictness"  validate:"omitempty,oneof=lenient standard strict"`
	Language   string `json:"language"    validate:"omitempty,max=64"`
	MaxScore   int    `json:"max_score"   validate:"omitempty,min=1,max=10000"`
	Subject    string `json:"subject"     validate:"omitempty,max=128"`
	Difficulty string `json:"difficulty"  validate:"omitempty,max=64"`
}

// GradingSubmission names the input file groups of one grading run. Only
// answer files are mandatory.
type GradingSubmission struct {
	QuestionFiles      []string              `json:"question_files"       validate:"omitempty,dive,min=1"`
	AnswerFiles        []string              `json:"answer_files"         validate:"required,min=1,dive,min=1"`
	MarkingSchemeFiles []string              `json:"marking_scheme_files" validate:"omitempty,dive,min=1"`
	Options            GradingOptionsRequest `json:"options"`
}

// SchedulingRequest carries optional queue parameters for a submission.
type SchedulingRequest struct {
	Priority       string     `json:"priority"        validate:"omitempty,oneof=low normal high urgent"`
	// MaxRetries is a pointer so an explicit 0 survives decoding; omitted
	// means the queue default.
	MaxRetries     *int       `json:"max_retries"     validate:"omitempty,min=0,max=10"`
	RetryDelaySecs int        `json:"retry_delay"     validate:"omitempty,min=1,max=86400"`
	TimeoutSecs    int        `json:"timeout"         validate:"omitempty,min=1,max=86400"`
	ScheduledAt    *time.Time `json:"scheduled_at"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

// SubmitGradingRequest is the body of POST /api/grading/tasks.
type SubmitGradingRequest struct {
	GradingSubmission
	SchedulingRequest
}

// SubmitGradingResponse acknowledges an accepted grading task.
type SubmitGradingResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// SubmitBatchRequest is the body of POST /api/grading/tasks/batch.
type SubmitBatchRequest struct {
	Items []GradingSubmission `json:"items" validate:"required,min=1,max=500,dive"`
	SchedulingRequest
}

// SubmitBatchResponse acknowledges an accepted batch.
type SubmitBatchResponse struct {
	TaskIDs    []string `json:"task_ids"`
	Aggregated bool     `json:"aggregated"`
	Status     string   `json:"status"`
}

// TaskStatusResponse is the body of GET /api/grading/tasks/{id}. Stream
// consumers see the same fields inside progress events.
type TaskStatusResponse struct {
	TaskID   string          `json:"task_id"`
	Status   string          `json:"status"`
	Phase    string          `json:"phase,omitempty"`
	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// CancelTaskResponse is the body of DELETE /api/grading/tasks/{id}.
type CancelTaskResponse struct {
	TaskID string `json:"task_id"`
	// Cancelled reports an immediate cancellation of a still-pending
	// task. False means the task was already running and cancellation
	// was requested best-effort.
	Cancelled bool   `json:"cancelled"`
	Status    string `json:"status"`
}

// pipelineOptions converts the request options to the pipeline's type.
func (o GradingOptionsRequest) pipelineOptions() pipeline.Options {
	return pipeline.Options{
		Strictness: o.Strictness,
		Language:   o.Language,
		MaxScore:   o.MaxScore,
		Subject:    o.Subject,
		Difficulty: o.Difficulty,
	}
}

// runRequest converts a submission to the pipeline's payload type.
func (s GradingSubmission) runRequest() pipeline.RunRequest {
	return pipeline.RunRequest{
		QuestionFiles:      s.QuestionFiles,
		AnswerFiles:        s.AnswerFiles,
		MarkingSchemeFiles: s.MarkingSchemeFiles,
		Options:            s.Options.pipelineOptions(),
	}
}
