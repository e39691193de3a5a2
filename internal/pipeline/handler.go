package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"gradeflow/internal/platform/logger"
	"gradeflow/internal/task"
)

// Task type names registered with the queue.
const (
	TaskTypeGrading      = "run_pipeline"
	TaskTypeGradingBatch = "run_pipeline_batch"
)

// RunRequest is the payload of a single grading task.
type RunRequest struct {
	QuestionFiles      []string `json:"question_files,omitempty"`
	AnswerFiles        []string `json:"answer_files" validate:"required,min=1"`
	MarkingSchemeFiles []string `json:"marking_scheme_files,omitempty"`
	Options            Options  `json:"options"`
}

// GradingHandler executes grading tasks by driving the pipeline
// orchestrator. Malformed payloads and invalid inputs fail terminally;
// everything else goes through the queue's retry machinery.
type GradingHandler struct {
	task.NoopHooks
	orchestrator *Orchestrator
	log          *slog.Logger
}

// NewGradingHandler creates the task handler for single grading runs.
func NewGradingHandler(orchestrator *Orchestrator, log *slog.Logger) *GradingHandler {
	return &GradingHandler{
		orchestrator: orchestrator,
		log:          log.With("handler", TaskTypeGrading),
	}
}

// Name implements task.Handler.
func (h *GradingHandler) Name() string { return TaskTypeGrading }

// Execute implements task.Handler. The returned payload is the serialized
// GradingResult.
func (h *GradingHandler) Execute(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	var req RunRequest
	if err := json.Unmarshal(t.Payload, &req); err != nil {
		return nil, fmt.Errorf("%w: malformed grading payload: %v",
			task.ErrNonRetryable, err)
	}

	st := NewState(t.ID.String(),
		req.QuestionFiles, req.AnswerFiles, req.MarkingSchemeFiles, req.Options)

	if err := h.orchestrator.Run(ctx, st); err != nil {
		if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNoContent) {
			// Input defects cannot heal on retry.
			return nil, fmt.Errorf("%w: %v", task.ErrNonRetryable, err)
		}
		if errors.Is(err, ErrRunCancelled) {
			return nil, fmt.Errorf("%w: %v", task.ErrNonRetryable, err)
		}
		return nil, err
	}

	return json.Marshal(st.Result)
}

// OnRetry records the retrying status in the run checkpoint so status
// queries during the backoff window report it.
func (h *GradingHandler) OnRetry(ctx context.Context, t *task.Task, retryCount int, err error) {
	taskID := t.ID.String()
	st, getErr := h.orchestrator.checkpoints.GetCheckpoint(ctx, taskID)
	if getErr != nil {
		return
	}
	st.Status = RunStatusRetrying
	st.ErrorMessage = err.Error()
	if saveErr := h.orchestrator.checkpoints.SaveCheckpoint(ctx, st); saveErr != nil {
		h.log.Error("failed to record retry in checkpoint",
			"task_id", taskID, "error", saveErr)
	}
	h.log.Info("grading run rescheduled",
		"task_id", taskID, "retry_count", retryCount, "error", err)
}

// OnFailure marks the run checkpoint failed once the queue gives up on
// the task, so status queries stop reporting a stale retrying state.
// Completed and cancelled checkpoints are left alone.
func (h *GradingHandler) OnFailure(ctx context.Context, t *task.Task, err error) {
	taskID := t.ID.String()
	st, getErr := h.orchestrator.checkpoints.GetCheckpoint(ctx, taskID)
	if getErr != nil {
		return
	}
	if st.Status == RunStatusCompleted || st.Status == RunStatusCancelled {
		return
	}

	st.Status = RunStatusFailed
	if err != nil {
		st.ErrorMessage = err.Error()
	}
	if saveErr := h.orchestrator.checkpoints.SaveCheckpoint(ctx, st); saveErr != nil {
		h.log.Error("failed to record failure in checkpoint",
			"task_id", taskID, "error", saveErr)
	}
}

// BatchRequest is the payload of an aggregated batch grading task.
type BatchRequest struct {
	Items []BatchItem `json:"items" validate:"required,min=1,dive"`
}

// BatchItem is one submission inside a batch task.
type BatchItem struct {
	ItemID string `json:"item_id"`
	RunRequest
}

// BatchItemResult is the per-submission outcome inside a batch result.
type BatchItemResult struct {
	ItemID string         `json:"item_id"`
	Status string         `json:"status"`
	Result *GradingResult `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// BatchResult aggregates the outcomes of one batch task.
type BatchResult struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Items     []BatchItemResult `json:"items"`
}

// BatchGradingHandler executes aggregated batch tasks as sequential
// sub-runs. One failed submission never fails the batch; its failure is
// recorded in the aggregate result instead.
type BatchGradingHandler struct {
	task.NoopHooks
	orchestrator *Orchestrator
	log          *slog.Logger
}

// NewBatchGradingHandler creates the task handler for batch grading runs.
func NewBatchGradingHandler(orchestrator *Orchestrator, log *slog.Logger) *BatchGradingHandler {
	return &BatchGradingHandler{
		orchestrator: orchestrator,
		log:          log.With("handler", TaskTypeGradingBatch),
	}
}

// Name implements task.Handler.
func (h *BatchGradingHandler) Name() string { return TaskTypeGradingBatch }

// Execute implements task.Handler. The returned payload is the serialized
// BatchResult.
func (h *BatchGradingHandler) Execute(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	var req BatchRequest
	if err := json.Unmarshal(t.Payload, &req); err != nil {
		return nil, fmt.Errorf("%w: malformed batch payload: %v",
			task.ErrNonRetryable, err)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: batch contains no items", task.ErrNonRetryable)
	}

	log := logger.FromContext(ctx)
	batch := BatchResult{
		Total: len(req.Items),
		Items: make([]BatchItemResult, 0, len(req.Items)),
	}

	for i, item := range req.Items {
		itemID := item.ItemID
		if itemID == "" {
			itemID = fmt.Sprintf("%s/%d", t.ID, i)
		}

		st := NewState(fmt.Sprintf("%s:%s", t.ID, itemID),
			item.QuestionFiles, item.AnswerFiles, item.MarkingSchemeFiles,
			item.Options)

		if err := h.orchestrator.Run(ctx, st); err != nil {
			log.Warn("batch item failed", "task_id", t.ID,
				"item_id", itemID, "error", err)
			batch.Failed++
			batch.Items = append(batch.Items, BatchItemResult{
				ItemID: itemID,
				Status: string(RunStatusFailed),
				Error:  err.Error(),
			})
			continue
		}

		batch.Succeeded++
		batch.Items = append(batch.Items, BatchItemResult{
			ItemID: itemID,
			Status: string(RunStatusCompleted),
			Result: st.Result,
		})
	}

	return json.Marshal(batch)
}

var (
	_ task.Handler = (*GradingHandler)(nil)
	_ task.Handler = (*BatchGradingHandler)(nil)
)
