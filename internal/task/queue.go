package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gradeflow/internal/platform/logger"
	"gradeflow/internal/store"
)

// QueueConfig holds configuration for the task queue.
type QueueConfig struct {
	// WorkerCount determines how many concurrent workers process tasks.
	WorkerCount int

	// PollInterval is how long a worker sleeps when no task is eligible.
	PollInterval time.Duration

	// ErrorBackoff is how long a worker sleeps after a storage-layer
	// error during claim/update. These pauses are not charged against any
	// task's retry budget.
	ErrorBackoff time.Duration

	// ShutdownTimeout bounds how long Stop waits for in-flight work.
	ShutdownTimeout time.Duration

	// StuckTaskAge is how long a task may sit in PROCESSING before the
	// monitor returns it to PENDING. Must exceed the longest task
	// timeout, or a slow task can be resurrected while still running.
	StuckTaskAge time.Duration
}

// DefaultQueueConfig returns a QueueConfig with reasonable defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		WorkerCount:     3,
		PollInterval:    time.Second,
		ErrorBackoff:    5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		StuckTaskAge:    10 * time.Minute,
	}
}

// Stats reports aggregate queue counters. The first four are process-local
// monotonic counters; the pending/processing gauges come from the store.
type Stats struct {
	TasksProcessed  int64 `json:"tasks_processed"`
	TasksFailed     int64 `json:"tasks_failed"`
	TasksRetried    int64 `json:"tasks_retried"`
	TasksExpired    int64 `json:"tasks_expired"`
	PendingTasks    int   `json:"pending_tasks"`
	ProcessingTasks int   `json:"processing_tasks"`
	WorkersActive   int64 `json:"workers_active"`
	WorkersTotal    int   `json:"workers_total"`
	Running         bool  `json:"running"`
}

// Queue is the scheduler/dispatcher: it accepts new work, orders it by
// (priority desc, scheduled_at asc, enqueue order asc), dispatches to a
// bounded pool of workers, enforces per-task timeouts, applies the retry
// policy and supports pre-claim cancellation.
//
// Construct one Queue at process start and pass it by reference; there is
// no ambient global instance.
type Queue struct {
	store    Store
	registry *Registry
	config   QueueConfig
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	tasksProcessed atomic.Int64
	tasksFailed    atomic.Int64
	tasksRetried   atomic.Int64
	tasksExpired   atomic.Int64
	workersActive  atomic.Int64
}

// NewQueue creates a new task queue over the given store.
func NewQueue(s Store, registry *Registry, config QueueConfig, log *slog.Logger) *Queue {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = 5 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if config.StuckTaskAge <= 0 {
		config.StuckTaskAge = 10 * time.Minute
	}

	return &Queue{
		store:    s,
		registry: registry,
		config:   config,
		logger:   log.With("component", "task_queue"),
	}
}

// RegisterHandler associates a handler with its task-type name. Handlers
// for names that will be dispatched must be registered before Start.
func (q *Queue) RegisterHandler(h Handler) {
	q.registry.Register(h)
}

// Enqueue durably persists a new task and returns its id. The write is the
// enqueue: tasks stored before Start are still eligible afterward. A
// storage failure is returned to the caller, who decides whether to retry
// the enqueue itself.
func (q *Queue) Enqueue(
	ctx context.Context,
	name string,
	payload json.RawMessage,
	opts EnqueueOptions,
) (uuid.UUID, error) {
	t, err := NewTask(name, payload, opts)
	if err != nil {
		return uuid.Nil, err
	}

	if err := q.store.CreateTask(ctx, t); err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	q.logger.Info("task enqueued",
		"task_id", t.ID,
		"task_name", t.Name,
		"priority", t.Priority.String(),
		"scheduled_at", t.ScheduledAt)

	return t.ID, nil
}

// EnqueueAll durably persists several pre-built tasks atomically: either
// every task is enqueued or none is.
func (q *Queue) EnqueueAll(ctx context.Context, ts []*Task) error {
	if err := q.store.CreateTasks(ctx, ts); err != nil {
		return fmt.Errorf("failed to enqueue task batch: %w", err)
	}

	q.logger.Info("task batch enqueued", "count", len(ts))
	return nil
}

// Start spins up the configured number of worker loops. Starting an
// already-running queue is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		q.logger.Debug("queue already running, start is a no-op")
		return
	}

	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.running = true

	// Nothing can legitimately be PROCESSING while this queue is down, so
	// anything still marked that way was orphaned by a crash or an
	// unclean shutdown. Return it to PENDING before workers claim.
	if recovered, err := q.store.RecoverStuckTasks(q.ctx, time.Now().UTC()); err != nil {
		q.logger.Error("failed to recover unfinished tasks", "error", err)
	} else if recovered > 0 {
		q.logger.Warn("recovered unfinished tasks from previous run",
			"count", recovered)
	}

	for i := 0; i < q.config.WorkerCount; i++ {
		q.wg.Add(1)
		go q.worker(fmt.Sprintf("worker-%d", i))
	}

	q.wg.Add(1)
	go q.stuckTaskMonitor()

	q.logger.Info("task queue started", "worker_count", q.config.WorkerCount)
}

// Stop signals workers to finish in-flight work and halts polling. It
// waits at most ShutdownTimeout for workers to drain.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.cancel()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("task queue stopped")
	case <-time.After(q.config.ShutdownTimeout):
		q.logger.Warn("task queue stop timed out waiting for workers",
			"shutdown_timeout", q.config.ShutdownTimeout)
	}
}

// GetTask returns the task record, or store.ErrTaskNotFound.
func (q *Queue) GetTask(ctx context.Context, taskID uuid.UUID) (*Task, error) {
	return q.store.GetTask(ctx, taskID)
}

// GetTaskResult returns the latest result for the task, or nil when none
// has been recorded yet.
func (q *Queue) GetTaskResult(ctx context.Context, taskID uuid.UUID) (*Result, error) {
	r, err := q.store.GetResult(ctx, taskID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task result: %w", err)
	}
	return r, nil
}

// CancelTask cancels the task only if no worker has claimed it yet. It
// returns false when the task is already PROCESSING or terminal.
func (q *Queue) CancelTask(ctx context.Context, taskID uuid.UUID) (bool, error) {
	cancelled, err := q.store.CancelTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}
	if !cancelled {
		return false, nil
	}

	now := time.Now().UTC()
	result := &Result{
		TaskID:      taskID,
		Status:      StatusCancelled,
		CompletedAt: now,
	}
	if err := q.store.SaveResult(ctx, result); err != nil {
		q.logger.Error("failed to record cancellation result",
			"task_id", taskID, "error", err)
	}

	q.logger.Info("task cancelled", "task_id", taskID)
	return true, nil
}

// GetQueueStats returns aggregate statistics. Store gauge failures degrade
// to zero counts rather than failing the whole call.
func (q *Queue) GetQueueStats(ctx context.Context) Stats {
	stats := Stats{
		TasksProcessed: q.tasksProcessed.Load(),
		TasksFailed:    q.tasksFailed.Load(),
		TasksRetried:   q.tasksRetried.Load(),
		TasksExpired:   q.tasksExpired.Load(),
		WorkersActive:  q.workersActive.Load(),
		WorkersTotal:   q.config.WorkerCount,
	}

	q.mu.Lock()
	stats.Running = q.running
	q.mu.Unlock()

	if pending, err := q.store.CountTasksByStatus(ctx, StatusPending); err == nil {
		stats.PendingTasks = pending
	} else {
		q.logger.Error("failed to count pending tasks", "error", err)
	}
	if processing, err := q.store.CountTasksByStatus(ctx, StatusProcessing); err == nil {
		stats.ProcessingTasks = processing
	} else {
		q.logger.Error("failed to count processing tasks", "error", err)
	}

	return stats
}

// worker repeatedly claims and processes the next eligible task until the
// queue is stopped. Storage errors back the loop off briefly; they never
// stop it, and neither do handler failures or panics.
func (q *Queue) worker(workerID string) {
	defer q.wg.Done()

	log := q.logger.With("worker_id", workerID)
	log.Debug("starting worker")

	for {
		select {
		case <-q.ctx.Done():
			log.Debug("stopping worker")
			return
		default:
		}

		// Discard pending tasks whose dispatch window has passed.
		if expired, err := q.store.MarkExpiredTasks(q.ctx, time.Now().UTC()); err == nil {
			if expired > 0 {
				q.tasksExpired.Add(expired)
				q.tasksFailed.Add(expired)
				log.Info("discarded expired tasks", "count", expired)
			}
		} else if !errors.Is(err, context.Canceled) {
			log.Error("failed to expire tasks", "error", err)
		}

		t, err := q.store.ClaimNextTask(q.ctx)
		if err != nil {
			if errors.Is(err, store.ErrNoEligibleTask) {
				q.sleep(q.config.PollInterval)
				continue
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("failed to claim next task", "error", err)
			q.sleep(q.config.ErrorBackoff)
			continue
		}

		q.workersActive.Add(1)
		q.processTask(t, workerID)
		q.workersActive.Add(-1)
	}
}

// stuckTaskMonitor periodically returns tasks stuck in PROCESSING longer
// than StuckTaskAge to PENDING. A worker abandoning a timed-out attempt
// reschedules or fails the task itself; this catches claims that died
// without either, e.g. a worker goroutine lost to the process crashing
// mid-write.
func (q *Queue) stuckTaskMonitor() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.StuckTaskAge)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-q.config.StuckTaskAge)
			recovered, err := q.store.RecoverStuckTasks(q.ctx, cutoff)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					q.logger.Error("failed to recover stuck tasks", "error", err)
				}
				continue
			}
			if recovered > 0 {
				q.logger.Warn("recovered stuck tasks", "count", recovered,
					"stuck_task_age", q.config.StuckTaskAge)
			}
		}
	}
}

// sleep pauses the worker loop, waking early on shutdown.
func (q *Queue) sleep(d time.Duration) {
	select {
	case <-q.ctx.Done():
	case <-time.After(d):
	}
}

// processTask handles one claimed task end to end: handler lookup,
// execution under the task's deadline, result recording, and the retry
// decision on failure.
func (q *Queue) processTask(t *Task, workerID string) {
	startedAt := time.Now().UTC()

	log := q.logger.With(
		"task_id", t.ID,
		"task_name", t.Name,
		"worker_id", workerID,
	)
	// Detached from the queue context so that a Stop lets in-flight work
	// finish and record its outcome; the bounded wait happens in Stop.
	ctx := logger.WithContext(context.Background(), log)

	// The claim query excludes expired tasks, but the window can close
	// between eligibility check and claim.
	if t.Expired(startedAt) {
		q.finishFailed(ctx, t, startedAt, workerID, ErrTaskExpired)
		q.tasksExpired.Add(1)
		return
	}

	handler, ok := q.registry.Lookup(t.Name)
	if !ok {
		// Fatal and non-retryable: retrying cannot conjure a handler.
		log.Error("no handler registered for task type")
		q.finishFailed(ctx, t, startedAt, workerID, fmt.Errorf("%w: %s", ErrNoHandler, t.Name))
		return
	}

	log.Info("processing task", "attempt", t.RetryCount+1, "max_attempts", t.MaxRetries+1)

	result, err := q.executeWithTimeout(ctx, handler, t)

	if err == nil {
		completedAt := time.Now().UTC()
		res := &Result{
			TaskID:          t.ID,
			Status:          StatusCompleted,
			Value:           result,
			StartedAt:       startedAt,
			CompletedAt:     completedAt,
			ExecutionTimeMs: completedAt.Sub(startedAt).Milliseconds(),
			RetryCount:      t.RetryCount,
			WorkerID:        workerID,
		}
		if err := q.store.SaveResult(ctx, res); err != nil {
			log.Error("failed to save task result", "error", err)
		}
		if err := q.store.MarkTaskStatus(ctx, t.ID, StatusCompleted, ""); err != nil {
			log.Error("failed to mark task completed", "error", err)
		}

		handler.OnSuccess(ctx, t, result)
		q.tasksProcessed.Add(1)
		log.Info("task completed", "execution_time_ms", res.ExecutionTimeMs)
		return
	}

	log.Error("task execution failed", "error", err, "attempt", t.RetryCount+1)
	handler.OnFailure(ctx, t, err)

	if t.RetryCount < t.MaxRetries && !errors.Is(err, ErrNonRetryable) {
		q.scheduleRetry(ctx, handler, t, startedAt, workerID, err)
		return
	}

	q.finishFailed(ctx, t, startedAt, workerID, err)
}

// executeWithTimeout runs the handler under the task's deadline. On expiry
// the execution is abandoned: the handler goroutine may still be running,
// which is accepted rather than guaranteeing preemption. A recovered
// handler panic is classified as a normal task failure.
func (q *Queue) executeWithTimeout(
	ctx context.Context,
	handler Handler,
	t *Task,
) (json.RawMessage, error) {
	timeout := time.Duration(t.Timeout) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execOutcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan execOutcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- execOutcome{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		result, err := handler.Execute(execCtx, t)
		done <- execOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %d seconds", ErrTaskTimeout, t.Timeout)
		}
		return nil, execCtx.Err()
	}
}

// scheduleRetry increments the retry count, computes the exponential
// backoff delay and returns the task to PENDING at the delayed schedule.
func (q *Queue) scheduleRetry(
	ctx context.Context,
	handler Handler,
	t *Task,
	startedAt time.Time,
	workerID string,
	cause error,
) {
	log := logger.FromContext(ctx)

	delay := t.NextRetryDelay()
	retryCount := t.RetryCount + 1
	retryAt := time.Now().UTC().Add(delay)

	now := time.Now().UTC()
	res := &Result{
		TaskID:      t.ID,
		Status:      StatusRetrying,
		Error:       cause.Error(),
		StartedAt:   startedAt,
		CompletedAt: now,
		RetryCount:  retryCount,
		WorkerID:    workerID,
	}
	if err := q.store.SaveResult(ctx, res); err != nil {
		log.Error("failed to save retry result", "error", err)
	}

	if err := q.store.RescheduleForRetry(ctx, t.ID, retryCount, retryAt); err != nil {
		// The task stays PROCESSING; the stuck window is bounded because
		// storage errors resolve or the operator intervenes via status.
		log.Error("failed to reschedule task for retry", "error", err)
		return
	}

	handler.OnRetry(ctx, t, retryCount, cause)
	q.tasksRetried.Add(1)

	log.Warn("task failed, retry scheduled",
		"retry_count", retryCount,
		"max_retries", t.MaxRetries,
		"retry_delay", delay,
		"error", cause)
}

// finishFailed records a terminal failure. These are never re-enqueued.
func (q *Queue) finishFailed(
	ctx context.Context,
	t *Task,
	startedAt time.Time,
	workerID string,
	cause error,
) {
	log := logger.FromContext(ctx)

	now := time.Now().UTC()
	res := &Result{
		TaskID:          t.ID,
		Status:          StatusFailed,
		Error:           cause.Error(),
		StartedAt:       startedAt,
		CompletedAt:     now,
		ExecutionTimeMs: now.Sub(startedAt).Milliseconds(),
		RetryCount:      t.RetryCount,
		WorkerID:        workerID,
	}
	if err := q.store.SaveResult(ctx, res); err != nil {
		log.Error("failed to save failure result", "error", err)
	}
	if err := q.store.MarkTaskStatus(ctx, t.ID, StatusFailed, cause.Error()); err != nil {
		log.Error("failed to mark task failed", "error", err)
	}

	q.tasksFailed.Add(1)
	log.Error("task failed permanently", "retry_count", t.RetryCount, "error", cause)
}
