package events

import (
	"encoding/json"
	"time"
)

// Event types emitted during a pipeline run.
const (
	TypeProgress = "progress"
	TypeComplete = "complete"
	TypeError    = "error"
)

// ProgressEvent is one entry in a task's progress stream: a phase
// transition, the final result, or a terminal error. The shape matches the
// status object returned by the status API so stream consumers and polling
// consumers see the same data.
type ProgressEvent struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id"`
	Phase     string          `json:"phase,omitempty"`
	Progress  int             `json:"progress"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Terminal reports whether the event ends the stream.
func (e ProgressEvent) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}
