package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gradeflow/internal/api/shared"
	"gradeflow/internal/pipeline"
	"gradeflow/internal/service/grading"
	"gradeflow/internal/task"
)

// GradingHandler serves the grading task endpoints.
type GradingHandler struct {
	service *grading.Service
	log     *slog.Logger
}

// NewGradingHandler creates the grading API handler.
func NewGradingHandler(service *grading.Service, log *slog.Logger) *GradingHandler {
	return &GradingHandler{
		service: service,
		log:     log.With("component", "grading_handler"),
	}
}

// SubmitTask handles POST /api/grading/tasks.
func (h *GradingHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitGradingRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest,
			SanitizeValidationError(err))
		return
	}

	opts, err := submitOptions(req.SchedulingRequest)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid priority")
		return
	}

	taskID, err := h.service.SubmitGrading(r.Context(), req.runRequest(), opts)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitGradingResponse{
		TaskID: taskID.String(),
		Status: string(task.StatusPending),
	})
}

// SubmitBatch handles POST /api/grading/tasks/batch.
func (h *GradingHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req SubmitBatchRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest,
			SanitizeValidationError(err))
		return
	}

	opts, err := submitOptions(req.SchedulingRequest)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid priority")
		return
	}

	items := make([]pipeline.RunRequest, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, item.runRequest())
	}

	submission, err := h.service.SubmitBatch(r.Context(), items, opts)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	ids := make([]string, 0, len(submission.TaskIDs))
	for _, id := range submission.TaskIDs {
		ids = append(ids, id.String())
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitBatchResponse{
		TaskIDs:    ids,
		Aggregated: submission.Aggregated,
		Status:     string(task.StatusPending),
	})
}

// GetTaskStatus handles GET /api/grading/tasks/{id}.
func (h *GradingHandler) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.pathTaskID(w, r)
	if !ok {
		return
	}

	status, err := h.service.Status(r.Context(), taskID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, TaskStatusResponse{
		TaskID:   status.TaskID.String(),
		Status:   status.Status,
		Phase:    status.Phase,
		Progress: status.Progress,
		Result:   status.Result,
		Error:    status.Error,
	})
}

// StreamTask handles GET /api/grading/tasks/{id}/stream as server-sent
// events. The stream opens with the task's current status and ends after
// a terminal event. Disconnecting only stops delivery, never the run.
func (h *GradingHandler) StreamTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.pathTaskID(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		shared.RespondWithError(w, r, http.StatusInternalServerError,
			"Streaming not supported")
		return
	}

	events, err := h.service.Stream(r.Context(), taskID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			h.log.Error("failed to encode progress event",
				"task_id", taskID, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Client went away; the run continues regardless.
			h.log.Debug("stream consumer disconnected", "task_id", taskID)
			return
		}
		flusher.Flush()
	}
}

// CancelTask handles DELETE /api/grading/tasks/{id}.
func (h *GradingHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.pathTaskID(w, r)
	if !ok {
		return
	}

	cancelled, err := h.service.Cancel(r.Context(), taskID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	status := string(task.StatusCancelled)
	if !cancelled {
		status = string(task.StatusProcessing)
	}
	shared.RespondWithJSON(w, r, http.StatusOK, CancelTaskResponse{
		TaskID:    taskID.String(),
		Cancelled: cancelled,
		Status:    status,
	})
}

// GetQueueStats handles GET /api/grading/queue/stats.
func (h *GradingHandler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.service.Stats(r.Context()))
}

// pathTaskID extracts and parses the {id} path parameter, writing the
// error response itself on failure.
func (h *GradingHandler) pathTaskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	taskID, err := uuid.Parse(raw)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task id")
		return uuid.Nil, false
	}
	return taskID, true
}

func submitOptions(req SchedulingRequest) (grading.SubmitOptions, error) {
	priority, err := task.ParsePriority(req.Priority)
	if err != nil {
		return grading.SubmitOptions{}, err
	}

	opts := grading.SubmitOptions{
		Priority:   &priority,
		MaxRetries: req.MaxRetries,
		RetryDelay: req.RetryDelaySecs,
		Timeout:    req.TimeoutSecs,
		ExpiresAt:  req.ExpiresAt,
	}
	if req.ScheduledAt != nil {
		opts.ScheduledAt = req.ScheduledAt.UTC()
	} else {
		opts.ScheduledAt = time.Now().UTC()
	}
	return opts, nil
}
