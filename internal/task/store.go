package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines the durable persistence interface the queue runs against.
// The store is the single source of truth for tasks and results; it must
// provide an atomic claim so that no two workers ever run the same task id
// concurrently.
type Store interface {
	// CreateTask persists a new task record.
	CreateTask(ctx context.Context, t *Task) error

	// CreateTasks persists several task records atomically.
	CreateTasks(ctx context.Context, ts []*Task) error

	// ClaimNextTask atomically selects the highest-priority pending task
	// whose scheduled_at has passed and which has not expired, marks it
	// PROCESSING, and returns it. Ties within a priority band resolve
	// FIFO by scheduled time then enqueue order. Returns
	// store.ErrNoEligibleTask when the queue is empty.
	ClaimNextTask(ctx context.Context) (*Task, error)

	// GetTask returns the task record, or store.ErrTaskNotFound.
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)

	// MarkTaskStatus transitions a task's status, recording an optional
	// error message.
	MarkTaskStatus(ctx context.Context, id uuid.UUID, status Status, errMsg string) error

	// RescheduleForRetry records the incremented retry count and the new
	// scheduled time, returning the task to PENDING.
	RescheduleForRetry(ctx context.Context, id uuid.UUID, retryCount int, scheduledAt time.Time) error

	// MarkExpiredTasks fails all pending tasks whose expires_at has
	// passed, returning how many were discarded.
	MarkExpiredTasks(ctx context.Context, now time.Time) (int64, error)

	// RecoverStuckTasks returns PROCESSING tasks last touched at or
	// before cutoff to PENDING so they can be claimed again. Used to
	// recover tasks orphaned by a crash; the retry count is not charged.
	RecoverStuckTasks(ctx context.Context, cutoff time.Time) (int64, error)

	// CancelTask transitions the task to CANCELLED only when it is still
	// PENDING. It reports whether the cancellation won the race with the
	// workers.
	CancelTask(ctx context.Context, id uuid.UUID) (bool, error)

	// SaveResult upserts the task's result record.
	SaveResult(ctx context.Context, r *Result) error

	// GetResult returns the latest result for the task, or
	// store.ErrResultNotFound.
	GetResult(ctx context.Context, taskID uuid.UUID) (*Result, error)

	// CountTasksByStatus returns the number of tasks currently in the
	// given status.
	CountTasksByStatus(ctx context.Context, status Status) (int, error)
}
