package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gradeflow/internal/store"
)

// stubHandler records executions and delegates to execFn.
type stubHandler struct {
	NoopHooks
	name   string
	execFn func(ctx context.Context, t *Task) (json.RawMessage, error)

	mu         sync.Mutex
	executions int
	retries    []int
}

func (h *stubHandler) Name() string { return h.name }

func (h *stubHandler) Execute(ctx context.Context, t *Task) (json.RawMessage, error) {
	h.mu.Lock()
	h.executions++
	h.mu.Unlock()
	if h.execFn != nil {
		return h.execFn(ctx, t)
	}
	return json.RawMessage(`"ok"`), nil
}

func (h *stubHandler) OnRetry(_ context.Context, _ *Task, retryCount int, _ error) {
	h.mu.Lock()
	h.retries = append(h.retries, retryCount)
	h.mu.Unlock()
}

func (h *stubHandler) executionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.executions
}

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func fastQueueConfig() QueueConfig {
	return QueueConfig{
		WorkerCount:     2,
		PollInterval:    10 * time.Millisecond,
		ErrorBackoff:    10 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}
}

func newTestQueue(t *testing.T, handlers ...Handler) (*Queue, *MemoryStore) {
	t.Helper()
	log := setupTestLogger()
	s := NewMemoryStore()
	q := NewQueue(s, NewRegistry(log), fastQueueConfig(), log)
	for _, h := range handlers {
		q.RegisterHandler(h)
	}
	return q, s
}

func waitForStatus(t *testing.T, s *MemoryStore, id uuid.UUID, want Status) {
	t.Helper()
	assert.Eventually(t, func() bool {
		tk, err := s.GetTask(context.Background(), id)
		return err == nil && tk.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task never reached status %s", want)
}

func TestQueueProcessesTask(t *testing.T) {
	ctx := context.Background()
	handler := &stubHandler{name: "work"}
	q, s := newTestQueue(t, handler)

	q.Start()
	defer q.Stop()

	id, err := q.Enqueue(ctx, "work", []byte(`{"n":1}`), EnqueueOptions{})
	require.NoError(t, err)

	waitForStatus(t, s, id, StatusCompleted)

	res, err := q.GetTaskResult(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, json.RawMessage(`"ok"`), res.Value)
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, handler.executionCount())
}

func TestQueueRetriesUntilBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	handler := &stubHandler{
		name: "flaky",
		execFn: func(context.Context, *Task) (json.RawMessage, error) {
			return nil, errors.New("transient failure")
		},
	}
	q, s := newTestQueue(t, handler)

	q.Start()
	defer q.Stop()

	id, err := q.Enqueue(ctx, "flaky", nil, EnqueueOptions{
		MaxRetries: retriesPtr(2),
		RetryDelay: 1,
	})
	require.NoError(t, err)

	waitForStatus(t, s, id, StatusFailed)

	// Initial attempt plus two retries.
	assert.Eventually(t, func() bool {
		return handler.executionCount() == 3
	}, time.Second, 10*time.Millisecond)

	handler.mu.Lock()
	assert.Equal(t, []int{1, 2}, handler.retries)
	handler.mu.Unlock()

	res, err := q.GetTaskResult(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "transient failure")
}

func TestQueueRecoversAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	var attempts int
	var mu sync.Mutex
	handler := &stubHandler{
		name: "recovers",
		execFn: func(context.Context, *Task) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return nil, errors.New("first attempt fails")
			}
			return json.RawMessage(`"recovered"`), nil
		},
	}
	q, s := newTestQueue(t, handler)

	q.Start()
	defer q.Stop()

	id, err := q.Enqueue(ctx, "recovers", nil, EnqueueOptions{
		MaxRetries: retriesPtr(3),
		RetryDelay: 1,
	})
	require.NoError(t, err)

	waitForStatus(t, s, id, StatusCompleted)

	res, err := q.GetTaskResult(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, json.RawMessage(`"recovered"`), res.Value)
	assert.Equal(t, 1, res.RetryCount)
}

func TestQueueNonRetryableFailsImmediately(t *testing.T) {
	ctx := context.Background()
	handler := &stubHandler{
		name: "poisoned",
		execFn: func(context.Context, *Task) (json.RawMessage, error) {
			return nil, fmt.Errorf("%w: malformed payload", ErrNonRetryable)
		},
	}
	q, s := newTestQueue(t, handler)

	q.Start()
	defer q.Stop()

	id, err := q.Enqueue(ctx, "poisoned", nil, EnqueueOptions{
		MaxRetries: retriesPtr(5),
		RetryDelay: 1,
	})
	require.NoError(t, err)

	waitForStatus(t, s, id, StatusFailed)
	assert.Equal(t, 1, handler.executionCount())
	assert.Empty(t, handler.retries)
}

func TestQueueTimesOutSlowHandler(t *testing.T) {
	ctx := context.Background()
	handler := &stubHandler{
		name: "slow",
		execFn: func(ctx context.Context, _ *Task) (json.RawMessage, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Minute):
				return json.RawMessage(`"too late"`), nil
			}
		},
	}
	q, s := newTestQueue(t, handler)

	q.Start()
	defer q.Stop()

	id, err := q.Enqueue(ctx, "slow", nil, EnqueueOptions{
		Timeout:    1,
		MaxRetries: retriesPtr(0),
	})
	require.NoError(t, err)

	waitForStatus(t, s, id, StatusFailed)

	res, err := q.GetTaskResult(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Contains(t, res.Error, "timed out")
}

func TestQueueTimeoutIsRetryable(t *testing.T) {
	ctx := context.Background()
	var attempts int
	var mu sync.Mutex
	handler := &stubHandler{
		name: "slow-then-fast",
		execFn: func(ctx context.Context, _ *Task) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return json.RawMessage(`"done"`), nil
		},
	}
	q, s := newTestQueue(t, handler)

	q.Start()
	defer q.Stop()

	id, err := q.Enqueue(ctx, "slow-then-fast", nil, EnqueueOptions{
		Timeout:    1,
		MaxRetries: retriesPtr(1),
		RetryDelay: 1,
	})
	require.NoError(t, err)

	waitForStatus(t, s, id, StatusCompleted)
}

func TestQueueMissingHandlerIsTerminal(t *testing.T) {
	ctx := context.Background()
	q, s := newTestQueue(t)

	q.Start()
	defer q.Stop()

	id, err := q.Enqueue(ctx, "unregistered", nil, EnqueueOptions{MaxRetries: retriesPtr(3)})
	require.NoError(t, err)

	waitForStatus(t, s, id, StatusFailed)

	res, err := q.GetTaskResult(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Contains(t, res.Error, "no handler registered")
}

func TestQueueHandlerPanicFailsTask(t *testing.T) {
	ctx := context.Background()
	handler := &stubHandler{
		name: "panics",
		execFn: func(context.Context, *Task) (json.RawMessage, error) {
			panic("boom")
		},
	}
	q, s := newTestQueue(t, handler)

	q.Start()
	defer q.Stop()

	id, err := q.Enqueue(ctx, "panics", nil, EnqueueOptions{MaxRetries: retriesPtr(0)})
	require.NoError(t, err)

	waitForStatus(t, s, id, StatusFailed)

	res, err := q.GetTaskResult(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Contains(t, res.Error, "handler panic")
}

func TestQueueCancelBeforeClaim(t *testing.T) {
	ctx := context.Background()
	handler := &stubHandler{name: "cancellable"}
	q, s := newTestQueue(t, handler)

	// Not started: the task stays unclaimed.
	id, err := q.Enqueue(ctx, "cancellable", nil, EnqueueOptions{})
	require.NoError(t, err)

	cancelled, err := q.CancelTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	tk, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, tk.Status)

	res, err := q.GetTaskResult(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StatusCancelled, res.Status)

	// Never executed.
	q.Start()
	defer q.Stop()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, handler.executionCount())
}

func TestQueueCancelAfterClaimRefused(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	handler := &stubHandler{
		name: "in-flight",
		execFn: func(context.Context, *Task) (json.RawMessage, error) {
			close(started)
			<-release
			return json.RawMessage(`"ok"`), nil
		},
	}
	q, _ := newTestQueue(t, handler)

	q.Start()
	defer q.Stop()

	id, err := q.Enqueue(ctx, "in-flight", nil, EnqueueOptions{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	cancelled, err := q.CancelTask(ctx, id)
	require.NoError(t, err)
	assert.False(t, cancelled)

	close(release)
}

func TestQueueExpiredTaskNeverDispatched(t *testing.T) {
	ctx := context.Background()
	handler := &stubHandler{name: "expiring"}
	q, s := newTestQueue(t, handler)

	expires := time.Now().UTC().Add(-time.Second)
	id, err := q.Enqueue(ctx, "expiring", nil, EnqueueOptions{ExpiresAt: &expires})
	require.NoError(t, err)

	q.Start()
	defer q.Stop()

	waitForStatus(t, s, id, StatusFailed)
	assert.Equal(t, 0, handler.executionCount())

	stats := q.GetQueueStats(ctx)
	assert.Equal(t, int64(1), stats.TasksExpired)
}

func TestQueueScheduledTaskWaits(t *testing.T) {
	ctx := context.Background()
	handler := &stubHandler{name: "deferred"}
	q, s := newTestQueue(t, handler)

	q.Start()
	defer q.Stop()

	id, err := q.Enqueue(ctx, "deferred", nil, EnqueueOptions{
		ScheduledAt: time.Now().UTC().Add(300 * time.Millisecond),
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, handler.executionCount())

	waitForStatus(t, s, id, StatusCompleted)
}

func TestQueueStats(t *testing.T) {
	ctx := context.Background()
	handler := &stubHandler{name: "counted"}
	failing := &stubHandler{
		name: "failing",
		execFn: func(context.Context, *Task) (json.RawMessage, error) {
			return nil, fmt.Errorf("%w: broken", ErrNonRetryable)
		},
	}
	q, s := newTestQueue(t, handler, failing)

	q.Start()

	okID, err := q.Enqueue(ctx, "counted", nil, EnqueueOptions{})
	require.NoError(t, err)
	badID, err := q.Enqueue(ctx, "failing", nil, EnqueueOptions{})
	require.NoError(t, err)

	waitForStatus(t, s, okID, StatusCompleted)
	waitForStatus(t, s, badID, StatusFailed)

	stats := q.GetQueueStats(ctx)
	assert.Equal(t, int64(1), stats.TasksProcessed)
	assert.Equal(t, int64(1), stats.TasksFailed)
	assert.Equal(t, 2, stats.WorkersTotal)
	assert.True(t, stats.Running)

	q.Stop()
	stats = q.GetQueueStats(ctx)
	assert.False(t, stats.Running)
}

func TestQueueEnqueueAllAtomic(t *testing.T) {
	ctx := context.Background()
	q, s := newTestQueue(t)

	first := mustTask(t, "batch", EnqueueOptions{})
	second := mustTask(t, "batch", EnqueueOptions{})
	require.NoError(t, q.EnqueueAll(ctx, []*Task{first, second}))

	pending, err := s.CountTasksByStatus(ctx, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	// Re-inserting an existing id fails the whole batch; nothing new lands.
	err = q.EnqueueAll(ctx, []*Task{mustTask(t, "batch", EnqueueOptions{}), first})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	pending, err = s.CountTasksByStatus(ctx, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestQueueRecoversOrphanedTaskOnStart(t *testing.T) {
	ctx := context.Background()
	handler := &stubHandler{name: "orphaned"}
	q, s := newTestQueue(t, handler)

	// Simulate a crash: the task was claimed, then the process died
	// before the worker finished or released it.
	tk := mustTask(t, "orphaned", EnqueueOptions{})
	require.NoError(t, s.CreateTask(ctx, tk))
	claimed, err := s.ClaimNextTask(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, claimed.Status)

	q.Start()
	defer q.Stop()

	// Startup recovery returns the orphan to PENDING and a worker
	// finishes it.
	waitForStatus(t, s, tk.ID, StatusCompleted)
	assert.Equal(t, 1, handler.executionCount())
}

func TestQueuePriorityOrderObservedBySingleWorker(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	handler := &stubHandler{
		name: "ranked",
		execFn: func(_ context.Context, tk *Task) (json.RawMessage, error) {
			mu.Lock()
			order = append(order, string(tk.Payload))
			mu.Unlock()
			return json.RawMessage(`"ok"`), nil
		},
	}

	log := setupTestLogger()
	s := NewMemoryStore()
	cfg := fastQueueConfig()
	cfg.WorkerCount = 1
	q := NewQueue(s, NewRegistry(log), cfg, log)
	q.RegisterHandler(handler)

	// Enqueue before starting so the single worker observes the whole
	// backlog at once.
	lowID, err := q.Enqueue(ctx, "ranked", []byte(`"low"`),
		EnqueueOptions{Priority: priorityPtr(PriorityLow)})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "ranked", []byte(`"urgent"`),
		EnqueueOptions{Priority: priorityPtr(PriorityUrgent)})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "ranked", []byte(`"normal"`), EnqueueOptions{})
	require.NoError(t, err)

	q.Start()
	defer q.Stop()

	waitForStatus(t, s, lowID, StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`"urgent"`, `"normal"`, `"low"`}, order)
}

func TestQueueStartIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Start()
	q.Start()
	q.Stop()
	q.Stop()
}
