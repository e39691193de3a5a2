// Package grading is the application service between the HTTP API and the
// task queue. It owns submission (including the batch aggregation rule),
// status resolution, cancellation, and progress streaming.
package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gradeflow/internal/config"
	"gradeflow/internal/events"
	"gradeflow/internal/pipeline"
	"gradeflow/internal/task"
)

// Service errors.
var (
	// ErrInvalidSubmission marks a submission rejected before enqueue.
	ErrInvalidSubmission = errors.New("invalid grading submission")
)

// SubmitOptions carries scheduling parameters for a submission. The zero
// value selects the queue defaults (normal priority, three retries); nil
// Priority and MaxRetries mean "not specified".
type SubmitOptions struct {
	Priority    *task.Priority
	MaxRetries  *int
	RetryDelay  int // seconds
	Timeout     int // seconds
	ScheduledAt time.Time
	ExpiresAt   *time.Time
}

// BatchSubmission reports how a batch was accepted: the ids of the
// enqueued tasks and whether they were aggregated into a single batch
// task.
type BatchSubmission struct {
	TaskIDs    []uuid.UUID `json:"task_ids"`
	Aggregated bool        `json:"aggregated"`
}

// TaskStatus is the resolved status of one grading task, merged from the
// pipeline checkpoint (authoritative while a run progresses) and the queue
// record (authoritative before a worker picks the task up).
type TaskStatus struct {
	TaskID   uuid.UUID                        `json:"task_id"`
	Status   string                           `json:"status"`
	Phase    string                           `json:"phase,omitempty"`
	Progress int                              `json:"progress"`
	Result   json.RawMessage                  `json:"result,omitempty"`
	Error    string                           `json:"error,omitempty"`
	StageLog map[string]pipeline.StageOutcome `json:"stage_log,omitempty"`
}

// Service coordinates grading submissions across the task queue and the
// pipeline orchestrator.
type Service struct {
	queue        *task.Queue
	orchestrator *pipeline.Orchestrator
	broker       *events.Broker
	cfg          config.GradingConfig
	log          *slog.Logger
}

// NewService creates the grading application service.
func NewService(
	queue *task.Queue,
	orchestrator *pipeline.Orchestrator,
	broker *events.Broker,
	cfg config.GradingConfig,
	log *slog.Logger,
) *Service {
	return &Service{
		queue:        queue,
		orchestrator: orchestrator,
		broker:       broker,
		cfg:          cfg,
		log:          log.With("component", "grading_service"),
	}
}

// applyDefaults fills unset run options from the configured defaults.
func (s *Service) applyDefaults(req *pipeline.RunRequest) {
	if req.Options.Strictness == "" {
		req.Options.Strictness = s.cfg.DefaultStrictness
	}
	if req.Options.Language == "" {
		req.Options.Language = s.cfg.DefaultLanguage
	}
	if req.Options.MaxScore <= 0 {
		req.Options.MaxScore = s.cfg.DefaultMaxScore
	}
}

// SubmitGrading enqueues one grading run and returns its task id.
func (s *Service) SubmitGrading(
	ctx context.Context,
	req pipeline.RunRequest,
	opts SubmitOptions,
) (uuid.UUID, error) {
	if len(req.AnswerFiles) == 0 {
		return uuid.Nil, fmt.Errorf("%w: at least one answer file is required",
			ErrInvalidSubmission)
	}

	s.applyDefaults(&req)

	payload, err := json.Marshal(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to serialize grading request: %w", err)
	}

	return s.queue.Enqueue(ctx, pipeline.TaskTypeGrading, payload, enqueueOptions(opts))
}

// SubmitBatch enqueues a batch of grading runs. Small batches become
// individual tasks so each submission is independently schedulable and
// cancellable; larger ones are aggregated into a single batch task to
// bound queue churn.
func (s *Service) SubmitBatch(
	ctx context.Context,
	items []pipeline.RunRequest,
	opts SubmitOptions,
) (*BatchSubmission, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: batch contains no items", ErrInvalidSubmission)
	}
	for i, item := range items {
		if len(item.AnswerFiles) == 0 {
			return nil, fmt.Errorf("%w: item %d has no answer files",
				ErrInvalidSubmission, i)
		}
	}

	if len(items) <= s.cfg.BatchThreshold {
		tasks := make([]*task.Task, 0, len(items))
		for i, item := range items {
			s.applyDefaults(&item)
			payload, err := json.Marshal(item)
			if err != nil {
				return nil, fmt.Errorf("failed to serialize batch item %d: %w", i, err)
			}
			t, err := task.NewTask(pipeline.TaskTypeGrading, payload, enqueueOptions(opts))
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
		if err := s.queue.EnqueueAll(ctx, tasks); err != nil {
			return nil, err
		}

		ids := make([]uuid.UUID, 0, len(tasks))
		for _, t := range tasks {
			ids = append(ids, t.ID)
		}
		s.log.Info("batch enqueued as individual tasks", "count", len(ids))
		return &BatchSubmission{TaskIDs: ids, Aggregated: false}, nil
	}

	batch := pipeline.BatchRequest{
		Items: make([]pipeline.BatchItem, 0, len(items)),
	}
	for i, item := range items {
		s.applyDefaults(&item)
		batch.Items = append(batch.Items, pipeline.BatchItem{
			ItemID:     fmt.Sprintf("item-%d", i),
			RunRequest: item,
		})
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize batch request: %w", err)
	}

	id, err := s.queue.Enqueue(ctx, pipeline.TaskTypeGradingBatch, payload,
		enqueueOptions(opts))
	if err != nil {
		return nil, err
	}

	s.log.Info("batch enqueued as aggregate task",
		"task_id", id, "items", len(items))
	return &BatchSubmission{TaskIDs: []uuid.UUID{id}, Aggregated: true}, nil
}

// Status resolves the current status of one grading task. The pipeline
// checkpoint wins once a run has started; before that the queue record
// answers. Returns store.ErrTaskNotFound for unknown ids.
func (s *Service) Status(ctx context.Context, taskID uuid.UUID) (*TaskStatus, error) {
	info, err := s.orchestrator.Status(ctx, taskID.String())
	if err == nil {
		return checkpointStatus(taskID, info)
	}
	if !errors.Is(err, pipeline.ErrRunNotFound) {
		return nil, err
	}

	return s.queueStatus(ctx, taskID)
}

// queueStatus derives a status from the queue's task and result records.
func (s *Service) queueStatus(ctx context.Context, taskID uuid.UUID) (*TaskStatus, error) {
	t, err := s.queue.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	status := &TaskStatus{
		TaskID: taskID,
		Status: string(t.Status),
	}

	result, err := s.queue.GetTaskResult(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if result != nil {
		status.Error = result.Error
		if result.Status == task.StatusCompleted {
			status.Progress = 100
			status.Result = result.Value
		}
	}

	return status, nil
}

// Cancel attempts to cancel the task. A still-pending task is cancelled
// outright; a task already claimed by a worker gets a best-effort
// cancellation request that its run observes at the next phase boundary.
// The returned flag reports whether the immediate cancellation won.
func (s *Service) Cancel(ctx context.Context, taskID uuid.UUID) (bool, error) {
	if _, err := s.queue.GetTask(ctx, taskID); err != nil {
		return false, err
	}

	cancelled, err := s.queue.CancelTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if cancelled {
		return true, nil
	}

	s.orchestrator.Cancel(taskID.String())
	s.log.Info("cancellation requested for running task", "task_id", taskID)
	return false, nil
}

// Stats returns the queue's aggregate statistics.
func (s *Service) Stats(ctx context.Context) task.Stats {
	return s.queue.GetQueueStats(ctx)
}

// Stream returns the task's progress events, starting with a snapshot of
// its current status. The channel closes after a terminal event or when
// ctx is cancelled; only delivery stops on disconnect, never the run.
func (s *Service) Stream(ctx context.Context, taskID uuid.UUID) (<-chan events.ProgressEvent, error) {
	// Subscribe before the status read so no event can fall between them.
	sub, cancelSub := s.broker.Subscribe(taskID.String())

	status, err := s.Status(ctx, taskID)
	if err != nil {
		cancelSub()
		return nil, err
	}

	out := make(chan events.ProgressEvent, 16)
	go func() {
		defer close(out)
		defer cancelSub()

		first := statusEvent(status)
		select {
		case out <- first:
		case <-ctx.Done():
			return
		}
		if first.Terminal() {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal() {
					return
				}
			}
		}
	}()

	return out, nil
}

// checkpointStatus converts an orchestrator status into the service view.
func checkpointStatus(taskID uuid.UUID, info *pipeline.RunStatusInfo) (*TaskStatus, error) {
	status := &TaskStatus{
		TaskID:   taskID,
		Status:   string(info.Status),
		Phase:    info.Phase,
		Progress: info.Progress,
		Error:    info.Error,
		StageLog: info.StageLog,
	}

	if info.Result != nil {
		raw, err := json.Marshal(info.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize grading result: %w", err)
		}
		status.Result = raw
	}

	return status, nil
}

// statusEvent renders the current status as the stream's opening event.
func statusEvent(status *TaskStatus) events.ProgressEvent {
	ev := events.ProgressEvent{
		Type:      events.TypeProgress,
		TaskID:    status.TaskID.String(),
		Phase:     status.Phase,
		Progress:  status.Progress,
		Status:    status.Status,
		Timestamp: time.Now().UTC(),
	}

	switch status.Status {
	case string(pipeline.RunStatusCompleted):
		ev.Type = events.TypeComplete
		ev.Result = status.Result
	case string(pipeline.RunStatusFailed), string(pipeline.RunStatusCancelled):
		ev.Type = events.TypeError
		ev.Error = status.Error
	}

	return ev
}

func enqueueOptions(opts SubmitOptions) task.EnqueueOptions {
	return task.EnqueueOptions{
		Priority:    opts.Priority,
		MaxRetries:  opts.MaxRetries,
		RetryDelay:  opts.RetryDelay,
		Timeout:     opts.Timeout,
		ScheduledAt: opts.ScheduledAt,
		ExpiresAt:   opts.ExpiresAt,
	}
}
