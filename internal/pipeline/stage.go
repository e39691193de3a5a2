package pipeline

import "context"

// Stage is one step of the fixed grading pipeline. Stages are invoked in a
// static order, each transforming the shared run state; they never run out
// of order and never concurrently with each other for the same task.
type Stage interface {
	// Name returns the phase name recorded in state and progress events.
	Name() string

	// TargetProgress is the progress value the run reaches once this
	// stage completes.
	TargetProgress() int

	// Recoverable declares whether this stage's own failures let the
	// pipeline continue with degraded state. Non-recoverable failures
	// abort the run.
	Recoverable() bool

	// Run executes the stage against the shared state.
	Run(ctx context.Context, st *State) error
}

// Phase names, in execution order.
const (
	PhaseUploadValidation     = "upload_validation"
	PhaseDocumentIngestion    = "document_ingestion"
	PhaseRubricInterpretation = "rubric_interpretation"
	PhaseScoring              = "scoring"
	PhaseResultAssembly       = "result_assembly"
)

// Optional scoring sub-steps tracked in the stage log.
const (
	SubStepImageEnhancement = "image_enhancement"
	SubStepRegionDetection  = "region_detection"
)
