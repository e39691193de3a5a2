package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gradeflow/internal/pipeline"
	"gradeflow/internal/store"
)

// CheckpointStore implements pipeline.CheckpointStore on PostgreSQL,
// storing each run's state snapshot as a JSONB document keyed by task id.
type CheckpointStore struct {
	db store.DBTX
}

// NewCheckpointStore creates a PostgreSQL-backed checkpoint store.
func NewCheckpointStore(db store.DBTX) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// SaveCheckpoint upserts the run's state snapshot.
func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, st *pipeline.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	query := `
		INSERT INTO pipeline_checkpoints (task_id, status, phase, progress,
			state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			phase = EXCLUDED.phase,
			progress = EXCLUDED.progress,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		st.TaskID, string(st.Status), st.CurrentPhase, st.Progress, data,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", MapError(err))
	}

	return nil
}

// GetCheckpoint loads the latest state snapshot for the task.
func (s *CheckpointStore) GetCheckpoint(ctx context.Context, taskID string) (*pipeline.State, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM pipeline_checkpoints WHERE task_id = $1`, taskID).
		Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", MapError(err))
	}

	var st pipeline.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	return &st, nil
}

var _ pipeline.CheckpointStore = (*CheckpointStore)(nil)
