package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gradeflow/internal/store"
)

// memRecord pairs a task with its enqueue sequence number, the in-memory
// stand-in for the database's serial column used to break FIFO ties.
// updatedAt mirrors the database's updated_at column for the stuck-task
// recovery cutoff.
type memRecord struct {
	task      Task
	seq       int64
	updatedAt time.Time
}

// MemoryStore is an in-memory implementation of Store. It backs the queue
// in tests and when running without a database; records do not survive a
// process restart.
type MemoryStore struct {
	mu      sync.Mutex
	tasks   map[uuid.UUID]*memRecord
	results map[uuid.UUID]*Result
	nextSeq int64
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[uuid.UUID]*memRecord),
		results: make(map[uuid.UUID]*Result),
	}
}

// CreateTask persists a new task record.
func (s *MemoryStore) CreateTask(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(t)
}

// CreateTasks persists several task records atomically.
func (s *MemoryStore) CreateTasks(_ context.Context, ts []*Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[uuid.UUID]struct{}, len(ts))
	for _, t := range ts {
		if _, exists := s.tasks[t.ID]; exists {
			return store.ErrDuplicate
		}
		if _, dup := seen[t.ID]; dup {
			return store.ErrDuplicate
		}
		seen[t.ID] = struct{}{}
	}

	for _, t := range ts {
		if err := s.createLocked(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) createLocked(t *Task) error {
	if _, exists := s.tasks[t.ID]; exists {
		return store.ErrDuplicate
	}
	s.nextSeq++
	copied := *t
	s.tasks[t.ID] = &memRecord{task: copied, seq: s.nextSeq, updatedAt: time.Now().UTC()}
	return nil
}

// ClaimNextTask atomically claims the highest-priority eligible pending
// task, marking it PROCESSING.
func (s *MemoryStore) ClaimNextTask(_ context.Context) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	var eligible []*memRecord
	for _, rec := range s.tasks {
		if rec.task.Status != StatusPending {
			continue
		}
		if rec.task.ScheduledAt.After(now) {
			continue
		}
		if rec.task.Expired(now) {
			continue
		}
		eligible = append(eligible, rec)
	}

	if len(eligible) == 0 {
		return nil, store.ErrNoEligibleTask
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.task.Priority != b.task.Priority {
			return a.task.Priority > b.task.Priority
		}
		if !a.task.ScheduledAt.Equal(b.task.ScheduledAt) {
			return a.task.ScheduledAt.Before(b.task.ScheduledAt)
		}
		return a.seq < b.seq
	})

	claimed := eligible[0]
	claimed.task.Status = StatusProcessing
	claimed.updatedAt = now
	copied := claimed.task
	return &copied, nil
}

// GetTask returns the task record by id.
func (s *MemoryStore) GetTask(_ context.Context, id uuid.UUID) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	copied := rec.task
	return &copied, nil
}

// MarkTaskStatus transitions a task's status.
func (s *MemoryStore) MarkTaskStatus(_ context.Context, id uuid.UUID, status Status, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	rec.task.Status = status
	rec.updatedAt = time.Now().UTC()
	return nil
}

// RescheduleForRetry returns the task to PENDING at the delayed schedule.
func (s *MemoryStore) RescheduleForRetry(
	_ context.Context,
	id uuid.UUID,
	retryCount int,
	scheduledAt time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	rec.task.RetryCount = retryCount
	rec.task.ScheduledAt = scheduledAt
	rec.task.Status = StatusPending
	rec.updatedAt = time.Now().UTC()
	return nil
}

// MarkExpiredTasks fails pending tasks whose dispatch window has passed.
func (s *MemoryStore) MarkExpiredTasks(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired int64
	for _, rec := range s.tasks {
		if rec.task.Status == StatusPending && rec.task.Expired(now) {
			rec.task.Status = StatusFailed
			rec.updatedAt = now
			s.results[rec.task.ID] = &Result{
				TaskID:      rec.task.ID,
				Status:      StatusFailed,
				Error:       ErrTaskExpired.Error(),
				CompletedAt: now,
			}
			expired++
		}
	}
	return expired, nil
}

// RecoverStuckTasks returns orphaned PROCESSING tasks to PENDING.
func (s *MemoryStore) RecoverStuckTasks(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recovered int64
	for _, rec := range s.tasks {
		if rec.task.Status == StatusProcessing && !rec.updatedAt.After(cutoff) {
			rec.task.Status = StatusPending
			rec.updatedAt = time.Now().UTC()
			recovered++
		}
	}
	return recovered, nil
}

// CancelTask cancels the task only while it is still PENDING.
func (s *MemoryStore) CancelTask(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return false, nil
	}
	if rec.task.Status != StatusPending {
		return false, nil
	}
	rec.task.Status = StatusCancelled
	rec.updatedAt = time.Now().UTC()
	return true, nil
}

// SaveResult upserts the task's result record.
func (s *MemoryStore) SaveResult(_ context.Context, r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *r
	s.results[r.TaskID] = &copied
	return nil
}

// GetResult returns the latest result for the task.
func (s *MemoryStore) GetResult(_ context.Context, taskID uuid.UUID) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[taskID]
	if !ok {
		return nil, store.ErrResultNotFound
	}
	copied := *r
	return &copied, nil
}

// CountTasksByStatus returns the number of tasks in the given status.
func (s *MemoryStore) CountTasksByStatus(_ context.Context, status Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.tasks {
		if rec.task.Status == status {
			count++
		}
	}
	return count, nil
}

// Ensure MemoryStore satisfies the queue's persistence contract.
var _ Store = (*MemoryStore)(nil)
