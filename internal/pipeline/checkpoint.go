package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gradeflow/internal/store"
)

// CheckpointStore persists the run state after each completed phase so
// status queries and crash recovery survive a process restart.
type CheckpointStore interface {
	// SaveCheckpoint persists the current state snapshot, replacing any
	// earlier snapshot for the same task.
	SaveCheckpoint(ctx context.Context, st *State) error

	// GetCheckpoint loads the latest snapshot for the task, returning
	// store.ErrCheckpointNotFound when none exists.
	GetCheckpoint(ctx context.Context, taskID string) (*State, error)
}

// MemoryCheckpointStore is an in-memory CheckpointStore for tests and
// single-process deployments without a database. Snapshots are stored
// serialized so callers never share memory with the running state.
type MemoryCheckpointStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{snapshots: make(map[string][]byte)}
}

// SaveCheckpoint implements CheckpointStore.SaveCheckpoint.
func (m *MemoryCheckpointStore) SaveCheckpoint(_ context.Context, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[st.TaskID] = data
	return nil
}

// GetCheckpoint implements CheckpointStore.GetCheckpoint.
func (m *MemoryCheckpointStore) GetCheckpoint(_ context.Context, taskID string) (*State, error) {
	m.mu.RLock()
	data, ok := m.snapshots[taskID]
	m.mu.RUnlock()

	if !ok {
		return nil, store.ErrCheckpointNotFound
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	return &st, nil
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)
