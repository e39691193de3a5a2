package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gradeflow/internal/platform/logger"
	"gradeflow/internal/store"
	"gradeflow/internal/task"
)

// TaskStore implements task.Store on PostgreSQL. The claim relies on
// FOR UPDATE SKIP LOCKED, so concurrent workers across any number of
// processes never receive the same task.
type TaskStore struct {
	db store.DBTX

	// sqlDB is set when db is the root connection, enabling this store
	// to open its own transactions for multi-statement operations.
	sqlDB *sql.DB
}

// NewTaskStore creates a PostgreSQL-backed task store.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db, sqlDB: db}
}

// WithTx returns a TaskStore bound to the given transaction.
func (s *TaskStore) WithTx(tx *sql.Tx) *TaskStore {
	return &TaskStore{db: tx}
}

const taskColumns = `id, name, payload, priority, status, max_retries,
	retry_count, retry_delay, timeout, scheduled_at, expires_at, created_at`

// CreateTask persists a new task record.
func (s *TaskStore) CreateTask(ctx context.Context, t *task.Task) error {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO tasks (id, name, payload, priority, status, max_retries,
			retry_count, retry_delay, timeout, scheduled_at, expires_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`

	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Name, []byte(t.Payload), int(t.Priority), string(t.Status),
		t.MaxRetries, t.RetryCount, t.RetryDelay, t.Timeout,
		t.ScheduledAt, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		log.Error("failed to insert task",
			"task_id", t.ID, "task_name", t.Name, "error", err)
		return fmt.Errorf("failed to insert task: %w", MapError(err))
	}

	return nil
}

// CreateTasks persists several task records atomically: either every task
// is inserted or none is.
func (s *TaskStore) CreateTasks(ctx context.Context, ts []*task.Task) error {
	if s.sqlDB == nil {
		// Already inside a transaction; the caller owns atomicity.
		return s.insertAll(ctx, ts)
	}

	return store.RunInTransaction(ctx, s.sqlDB, func(ctx context.Context, tx *sql.Tx) error {
		return s.WithTx(tx).insertAll(ctx, ts)
	})
}

func (s *TaskStore) insertAll(ctx context.Context, ts []*task.Task) error {
	for _, t := range ts {
		if err := s.CreateTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// ClaimNextTask atomically claims the next eligible task. Eligibility and
// ordering live entirely in this query: pending status, due schedule, not
// expired; priority band first, then FIFO by schedule time and insertion
// order.
func (s *TaskStore) ClaimNextTask(ctx context.Context) (*task.Task, error) {
	now := time.Now().UTC()

	query := `
		UPDATE tasks
		SET status = $1, updated_at = $2
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = $3
			  AND scheduled_at <= $2
			  AND (expires_at IS NULL OR expires_at > $2)
			ORDER BY priority DESC, scheduled_at ASC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns

	row := s.db.QueryRowContext(ctx, query,
		string(task.StatusProcessing), now, string(task.StatusPending))

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNoEligibleTask
		}
		return nil, fmt.Errorf("failed to claim task: %w", MapError(err))
	}

	return t, nil
}

// GetTask returns the task record by id.
func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}

	return t, nil
}

// MarkTaskStatus transitions the task's status.
func (s *TaskStore) MarkTaskStatus(
	ctx context.Context,
	id uuid.UUID,
	status task.Status,
	errMsg string,
) error {
	query := `
		UPDATE tasks
		SET status = $1, error_message = $2, updated_at = $3
		WHERE id = $4
	`

	result, err := s.db.ExecContext(ctx, query,
		string(status), errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, "task"); err != nil {
		return fmt.Errorf("%w: %v", store.ErrTaskNotFound, err)
	}
	return nil
}

// RescheduleForRetry returns the task to PENDING with its new retry count
// and scheduled time.
func (s *TaskStore) RescheduleForRetry(
	ctx context.Context,
	id uuid.UUID,
	retryCount int,
	scheduledAt time.Time,
) error {
	query := `
		UPDATE tasks
		SET status = $1, retry_count = $2, scheduled_at = $3, updated_at = $4
		WHERE id = $5
	`

	result, err := s.db.ExecContext(ctx, query,
		string(task.StatusPending), retryCount, scheduledAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to reschedule task: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, "task"); err != nil {
		return fmt.Errorf("%w: %v", store.ErrTaskNotFound, err)
	}
	return nil
}

// MarkExpiredTasks fails every pending task whose expiry has passed. The
// result row is written in the same statement so an expired task always
// carries its error, exactly like one failed by a worker.
func (s *TaskStore) MarkExpiredTasks(ctx context.Context, now time.Time) (int64, error) {
	query := `
		WITH expired AS (
			UPDATE tasks
			SET status = $1, error_message = $2, updated_at = $3
			WHERE status = $4
			  AND expires_at IS NOT NULL
			  AND expires_at <= $3
			RETURNING id, retry_count
		)
		INSERT INTO task_results (task_id, status, error, completed_at, retry_count)
		SELECT id, $1, $2, $3, retry_count FROM expired
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at,
			retry_count = EXCLUDED.retry_count
	`

	result, err := s.db.ExecContext(ctx, query,
		string(task.StatusFailed), task.ErrTaskExpired.Error(), now,
		string(task.StatusPending))
	if err != nil {
		return 0, fmt.Errorf("failed to mark expired tasks: %w", MapError(err))
	}

	expired, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired tasks: %w", err)
	}
	return expired, nil
}

// RecoverStuckTasks returns PROCESSING tasks last updated at or before
// cutoff to PENDING. After a crash the orphaned rows' updated_at stays at
// claim time, so any cutoff at startup catches them.
func (s *TaskStore) RecoverStuckTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE tasks
		SET status = $1, updated_at = $2
		WHERE status = $3
		  AND updated_at <= $4
	`

	result, err := s.db.ExecContext(ctx, query,
		string(task.StatusPending), time.Now().UTC(),
		string(task.StatusProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stuck tasks: %w", MapError(err))
	}

	recovered, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered tasks: %w", err)
	}
	return recovered, nil
}

// CancelTask cancels the task only while it is still pending. The status
// guard in the WHERE clause is what makes the cancellation race-free
// against claiming workers.
func (s *TaskStore) CancelTask(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query,
		string(task.StatusCancelled), time.Now().UTC(), id,
		string(task.StatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// SaveResult upserts the task's result record. A retry overwrites the
// previous attempt's result, so the row always reflects the latest
// execution.
func (s *TaskStore) SaveResult(ctx context.Context, r *task.Result) error {
	query := `
		INSERT INTO task_results (task_id, status, value, error, started_at,
			completed_at, execution_time_ms, retry_count, worker_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			value = EXCLUDED.value,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			execution_time_ms = EXCLUDED.execution_time_ms,
			retry_count = EXCLUDED.retry_count,
			worker_id = EXCLUDED.worker_id
	`

	_, err := s.db.ExecContext(ctx, query,
		r.TaskID, string(r.Status), []byte(r.Value), r.Error,
		nullTime(r.StartedAt), nullTime(r.CompletedAt),
		r.ExecutionTimeMs, r.RetryCount, r.WorkerID)
	if err != nil {
		return fmt.Errorf("failed to save task result: %w", MapError(err))
	}

	return nil
}

// GetResult returns the latest result for the task.
func (s *TaskStore) GetResult(ctx context.Context, taskID uuid.UUID) (*task.Result, error) {
	query := `
		SELECT task_id, status, value, error, started_at, completed_at,
			execution_time_ms, retry_count, worker_id
		FROM task_results
		WHERE task_id = $1
	`

	var (
		r           task.Result
		status      string
		value       []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&r.TaskID, &status, &value, &r.Error, &startedAt, &completedAt,
		&r.ExecutionTimeMs, &r.RetryCount, &r.WorkerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrResultNotFound
		}
		return nil, fmt.Errorf("failed to get task result: %w", MapError(err))
	}

	r.Status = task.Status(status)
	r.Value = value
	if startedAt.Valid {
		r.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = completedAt.Time
	}
	return &r, nil
}

// CountTasksByStatus returns how many tasks are in the given status.
func (s *TaskStore) CountTasksByStatus(ctx context.Context, status task.Status) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = $1`, string(status)).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", MapError(err))
	}
	return count, nil
}

// scanTask reads one task row in taskColumns order.
func scanTask(row *sql.Row) (*task.Task, error) {
	var (
		t        task.Task
		payload  []byte
		priority int
		status   string
	)
	err := row.Scan(
		&t.ID, &t.Name, &payload, &priority, &status, &t.MaxRetries,
		&t.RetryCount, &t.RetryDelay, &t.Timeout, &t.ScheduledAt,
		&t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	t.Payload = payload
	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	return &t, nil
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ task.Store = (*TaskStore)(nil)
