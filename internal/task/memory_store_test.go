package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gradeflow/internal/store"
)

func mustTask(t *testing.T, name string, opts EnqueueOptions) *Task {
	t.Helper()
	tk, err := NewTask(name, []byte(`{}`), opts)
	require.NoError(t, err)
	return tk
}

func TestMemoryStoreClaimOrdersByPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	scheduled := time.Now().UTC().Add(-time.Minute)
	low := mustTask(t, "a", EnqueueOptions{Priority: priorityPtr(PriorityLow), ScheduledAt: scheduled})
	urgent := mustTask(t, "b", EnqueueOptions{Priority: priorityPtr(PriorityUrgent), ScheduledAt: scheduled})
	normalFirst := mustTask(t, "c", EnqueueOptions{Priority: priorityPtr(PriorityNormal), ScheduledAt: scheduled})
	normalSecond := mustTask(t, "d", EnqueueOptions{Priority: priorityPtr(PriorityNormal), ScheduledAt: scheduled})

	for _, tk := range []*Task{low, normalFirst, normalSecond, urgent} {
		require.NoError(t, s.CreateTask(ctx, tk))
	}

	var order []string
	for i := 0; i < 4; i++ {
		claimed, err := s.ClaimNextTask(ctx)
		require.NoError(t, err)
		order = append(order, claimed.Name)
		assert.Equal(t, StatusProcessing, claimed.Status)
	}

	// Urgent wins, then normal in enqueue order, then low.
	assert.Equal(t, []string{"b", "c", "d", "a"}, order)

	_, err := s.ClaimNextTask(ctx)
	assert.ErrorIs(t, err, store.ErrNoEligibleTask)
}

func TestMemoryStoreClaimSkipsFutureScheduled(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	future := mustTask(t, "later", EnqueueOptions{
		Priority:    priorityPtr(PriorityUrgent),
		ScheduledAt: time.Now().UTC().Add(time.Hour),
	})
	ready := mustTask(t, "now", EnqueueOptions{Priority: priorityPtr(PriorityLow)})

	require.NoError(t, s.CreateTask(ctx, future))
	require.NoError(t, s.CreateTask(ctx, ready))

	claimed, err := s.ClaimNextTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, "now", claimed.Name)

	_, err = s.ClaimNextTask(ctx)
	assert.ErrorIs(t, err, store.ErrNoEligibleTask)
}

func TestMemoryStoreClaimSkipsExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	expired := time.Now().UTC().Add(-time.Minute)
	tk := mustTask(t, "stale", EnqueueOptions{ExpiresAt: &expired})
	require.NoError(t, s.CreateTask(ctx, tk))

	_, err := s.ClaimNextTask(ctx)
	assert.ErrorIs(t, err, store.ErrNoEligibleTask)
}

func TestMemoryStoreDuplicateCreate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tk := mustTask(t, "dup", EnqueueOptions{})
	require.NoError(t, s.CreateTask(ctx, tk))
	assert.ErrorIs(t, s.CreateTask(ctx, tk), store.ErrDuplicate)
}

func TestMemoryStoreCreateTasksAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := mustTask(t, "one", EnqueueOptions{})
	require.NoError(t, s.CreateTask(ctx, first))

	batch := []*Task{mustTask(t, "two", EnqueueOptions{}), first}
	assert.ErrorIs(t, s.CreateTasks(ctx, batch), store.ErrDuplicate)
}

func TestMemoryStoreCancelOnlyWhilePending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tk := mustTask(t, "cancel-me", EnqueueOptions{})
	require.NoError(t, s.CreateTask(ctx, tk))

	cancelled, err := s.CancelTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// A second cancel, and cancelling a claimed task, both report false.
	cancelled, err = s.CancelTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	claimedTask := mustTask(t, "claimed", EnqueueOptions{})
	require.NoError(t, s.CreateTask(ctx, claimedTask))
	_, err = s.ClaimNextTask(ctx)
	require.NoError(t, err)

	cancelled, err = s.CancelTask(ctx, claimedTask.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestMemoryStoreRecoverStuckTasks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	stuck := mustTask(t, "stuck", EnqueueOptions{})
	waiting := mustTask(t, "waiting", EnqueueOptions{ScheduledAt: time.Now().UTC().Add(time.Hour)})
	require.NoError(t, s.CreateTask(ctx, stuck))
	require.NoError(t, s.CreateTask(ctx, waiting))

	claimed, err := s.ClaimNextTask(ctx)
	require.NoError(t, err)
	require.Equal(t, stuck.ID, claimed.ID)

	// A cutoff before the claim leaves the in-flight task alone.
	recovered, err := s.RecoverStuckTasks(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), recovered)

	// A cutoff after the claim returns it to PENDING.
	recovered, err = s.RecoverStuckTasks(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	tk, err := s.GetTask(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tk.Status)

	// The untouched pending task never changed.
	tk, err = s.GetTask(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tk.Status)
}

func TestMemoryStoreMarkExpiredTasks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	past := time.Now().UTC().Add(-time.Minute)
	stale := mustTask(t, "stale", EnqueueOptions{ExpiresAt: &past})
	fresh := mustTask(t, "fresh", EnqueueOptions{})
	require.NoError(t, s.CreateTask(ctx, stale))
	require.NoError(t, s.CreateTask(ctx, fresh))

	expired, err := s.MarkExpiredTasks(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	got, err := s.GetTask(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	res, err := s.GetResult(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "expired")

	got, err = s.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestMemoryStoreRescheduleForRetry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tk := mustTask(t, "retry", EnqueueOptions{})
	require.NoError(t, s.CreateTask(ctx, tk))
	_, err := s.ClaimNextTask(ctx)
	require.NoError(t, err)

	retryAt := time.Now().UTC().Add(time.Minute)
	require.NoError(t, s.RescheduleForRetry(ctx, tk.ID, 1, retryAt))

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.ScheduledAt.Equal(retryAt))
}

func TestMemoryStoreResultsAndCounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tk := mustTask(t, "counted", EnqueueOptions{})
	require.NoError(t, s.CreateTask(ctx, tk))

	_, err := s.GetResult(ctx, tk.ID)
	assert.ErrorIs(t, err, store.ErrResultNotFound)
	assert.True(t, store.IsNotFoundError(err))

	require.NoError(t, s.SaveResult(ctx, &Result{TaskID: tk.ID, Status: StatusCompleted}))
	res, err := s.GetResult(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	pending, err := s.CountTasksByStatus(ctx, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	processing, err := s.CountTasksByStatus(ctx, StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, 0, processing)

	_, err = s.GetTask(ctx, mustTask(t, "missing", EnqueueOptions{}).ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}
