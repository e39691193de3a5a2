package task

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a task
type Status string

// Possible task status values
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRetrying   Status = "retrying"
)

// IsTerminal reports whether the status is final. Terminal tasks are never
// re-enqueued automatically.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders tasks for dispatch. Higher values dequeue first among
// otherwise-eligible tasks; within a band, ordering is FIFO.
type Priority int

// Priority levels, lowest to highest.
const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// String returns the lowercase name of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParsePriority maps a lowercase priority name to its level. The empty
// string selects PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, ErrInvalidPriority
	}
}

// Common validation errors for tasks.
var (
	ErrEmptyTaskName     = errors.New("task name cannot be empty")
	ErrInvalidPriority   = errors.New("unknown task priority")
	ErrInvalidRetryCount = errors.New("retry count cannot exceed max retries")
	ErrTaskTimeout       = errors.New("task timed out")
	ErrTaskExpired       = errors.New("task expired before dispatch")
	ErrNoHandler         = errors.New("no handler registered for task type")

	// ErrNonRetryable marks a handler failure that retrying cannot fix
	// (e.g. malformed payload, missing mandatory input). Wrap a failure
	// with it to fail the task terminally regardless of retry budget.
	ErrNonRetryable = errors.New("non-retryable task failure")
)

// Task represents one unit of background work, identified by id, carrying
// an opaque payload and scheduling/retry metadata. The queue exclusively
// owns the lifecycle of these records.
type Task struct {
	ID       uuid.UUID       `json:"id"`
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload"`
	Priority Priority        `json:"priority"`
	Status   Status          `json:"status"`

	MaxRetries int `json:"max_retries"`
	RetryCount int `json:"retry_count"`
	// RetryDelay is the base backoff in seconds; the effective delay for a
	// retry is RetryDelay * 2^RetryCount.
	RetryDelay int `json:"retry_delay"`
	// Timeout bounds a single handler execution, in seconds.
	Timeout int `json:"timeout"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// EnqueueOptions carries the optional scheduling and retry parameters for
// a new task. The zero value selects the defaults. Priority and MaxRetries
// are pointers so an explicit PriorityLow or zero-retry request is
// distinguishable from an omitted one.
type EnqueueOptions struct {
	Priority    *Priority
	MaxRetries  *int
	RetryDelay  int // seconds
	Timeout     int // seconds
	ScheduledAt time.Time
	ExpiresAt   *time.Time
}

// Default scheduling parameters, matching the enqueue contract.
const (
	DefaultPriority   = PriorityNormal
	DefaultMaxRetries = 3
	DefaultRetryDelay = 60  // seconds
	DefaultTimeout    = 300 // seconds
)

// NewTask builds a pending task record from the given name, payload and
// options, generating its id and applying defaults for unset options.
func NewTask(name string, payload json.RawMessage, opts EnqueueOptions) (*Task, error) {
	if name == "" {
		return nil, ErrEmptyTaskName
	}

	priority := DefaultPriority
	if opts.Priority != nil {
		if *opts.Priority < PriorityLow || *opts.Priority > PriorityUrgent {
			return nil, ErrInvalidPriority
		}
		priority = *opts.Priority
	}

	maxRetries := DefaultMaxRetries
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		maxRetries = *opts.MaxRetries
	}

	now := time.Now().UTC()

	t := &Task{
		ID:          uuid.New(),
		Name:        name,
		Payload:     payload,
		Priority:    priority,
		Status:      StatusPending,
		MaxRetries:  maxRetries,
		RetryCount:  0,
		RetryDelay:  opts.RetryDelay,
		Timeout:     opts.Timeout,
		ScheduledAt: opts.ScheduledAt,
		ExpiresAt:   opts.ExpiresAt,
		CreatedAt:   now,
	}

	if t.RetryDelay <= 0 {
		t.RetryDelay = DefaultRetryDelay
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeout
	}
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = now
	}

	return t, nil
}

// NextRetryDelay computes the exponential backoff before the next attempt,
// based on the current retry count.
func (t *Task) NextRetryDelay() time.Duration {
	delay := time.Duration(t.RetryDelay) * time.Second
	for i := 0; i < t.RetryCount; i++ {
		delay *= 2
	}
	return delay
}

// Expired reports whether the task's dispatch window has passed.
func (t *Task) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}

// Result records the outcome of one task. For completed tasks Value holds
// the handler's output; for failed tasks Error holds a human-readable
// message. Exactly one of the two is set for terminal COMPLETED/FAILED
// results.
type Result struct {
	TaskID          uuid.UUID       `json:"task_id"`
	Status          Status          `json:"status"`
	Value           json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     time.Time       `json:"completed_at"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	RetryCount      int             `json:"retry_count"`
	WorkerID        string          `json:"worker_id,omitempty"`
}
