// Package pipeline implements the five-stage grading pipeline: shared run
// state, the fixed-order stages (validation, ingestion, rubric
// interpretation, scoring, assembly), and the orchestrator that executes
// them with progress checkpointing, streaming and best-effort
// cancellation.
package pipeline
