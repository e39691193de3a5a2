package task

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Handler is pluggable logic that knows how to execute one named kind of
// task. Execute may be invoked more than once for the same task id
// (at-least-once delivery): a timed-out execution can still be running in
// the background when a retry is scheduled, so handlers must be
// idempotent-safe.
type Handler interface {
	// Name returns the task type this handler processes.
	Name() string

	// Execute runs the task and returns its result payload.
	// The context carries the task's deadline; long external calls should
	// honor it so abandoned work can be aborted.
	Execute(ctx context.Context, t *Task) (json.RawMessage, error)

	// OnSuccess is called after a successful execution.
	OnSuccess(ctx context.Context, t *Task, result json.RawMessage)

	// OnFailure is called after each failed execution, before any retry
	// decision is made.
	OnFailure(ctx context.Context, t *Task, err error)

	// OnRetry is called when the task has been rescheduled after a
	// failure. retryCount is the attempt number just recorded.
	OnRetry(ctx context.Context, t *Task, retryCount int, err error)
}

// NoopHooks provides no-op implementations for the optional handler
// callbacks. Embed it to only implement Execute.
type NoopHooks struct{}

func (NoopHooks) OnSuccess(context.Context, *Task, json.RawMessage) {}
func (NoopHooks) OnFailure(context.Context, *Task, error)          {}
func (NoopHooks) OnRetry(context.Context, *Task, int, error)       {}

// Registry maps task-type names to their handlers. The last registration
// for a name wins. Lookups after Start are read-mostly, so a RWMutex is
// enough.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty handler registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "handler_registry"),
	}
}

// Register associates the handler with its task-type name, replacing any
// previous registration for that name.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, replaced := r.handlers[h.Name()]; replaced {
		r.logger.Warn("replacing existing task handler", "task_name", h.Name())
	}
	r.handlers[h.Name()] = h
	r.logger.Info("registered task handler", "task_name", h.Name())
}

// Lookup returns the handler for the given task-type name, or false when
// none is registered.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}
