package pipeline

import "errors"

// Common errors returned by the pipeline.
var (
	// ErrInvalidInput marks a fatal input error: the run aborts before
	// any paid external call is made, and the failure is non-retryable.
	ErrInvalidInput = errors.New("invalid pipeline input")

	// ErrNoContent is returned by ingestion when no input file yields any
	// extractable content.
	ErrNoContent = errors.New("no file yielded content")

	// ErrStageFailed wraps a non-recoverable stage failure.
	ErrStageFailed = errors.New("pipeline stage failed")

	// ErrRunCancelled is returned when a run stops at a cancellation
	// point between phases.
	ErrRunCancelled = errors.New("pipeline run cancelled")

	// ErrRunNotFound is returned by status lookups for unknown task ids.
	ErrRunNotFound = errors.New("pipeline run not found")
)
