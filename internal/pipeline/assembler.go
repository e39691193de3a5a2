package pipeline

import (
	"context"
	"fmt"
	"time"

	"gradeflow/internal/platform/logger"
)

// ResultAssembler is the final stage. It merges the score report, rubric
// provenance and per-stage completion log into the GradingResult and
// decides whether the run needs manual review.
type ResultAssembler struct {
	// reviewThreshold is the confidence below which a run is flagged for
	// manual review.
	reviewThreshold float64
}

// NewResultAssembler creates the assembly stage.
func NewResultAssembler(reviewThreshold float64) *ResultAssembler {
	return &ResultAssembler{reviewThreshold: reviewThreshold}
}

func (a *ResultAssembler) Name() string        { return PhaseResultAssembly }
func (a *ResultAssembler) TargetProgress() int { return 100 }
func (a *ResultAssembler) Recoverable() bool   { return false }

// Run assembles st.Result and marks the run completed.
func (a *ResultAssembler) Run(ctx context.Context, st *State) error {
	log := logger.FromContext(ctx)

	if st.Score == nil {
		return fmt.Errorf("%w: no score report to assemble", ErrStageFailed)
	}

	result := &GradingResult{
		TaskID:      st.TaskID,
		TotalScore:  st.Score.TotalScore,
		MaxScore:    st.Score.MaxScore,
		Percentage:  st.Score.Percentage,
		GradeLevel:  st.Score.GradeLevel,
		Criteria:    st.Score.Criteria,
		Feedback:    st.Score.Feedback,
		Strengths:   st.Score.Strengths,
		Weaknesses:  st.Score.Weaknesses,
		Suggestions: st.Score.Suggestions,
		Confidence:  st.Score.Confidence,
		CompletedAt: time.Now().UTC(),
	}

	if st.Rubric != nil {
		result.RubricSource = st.Rubric.Source
		result.GenericRubric = st.Rubric.Generic
	}

	result.NeedsManualReview = st.Score.Confidence < a.reviewThreshold ||
		result.GenericRubric

	// Record this stage before snapshotting so the result's log is complete.
	st.MarkStageCompleted(PhaseResultAssembly)

	// Copy so the result snapshot is not aliased to the mutable state log.
	result.StageLog = make(map[string]StageOutcome, len(st.StageLog))
	for stage, outcome := range st.StageLog {
		result.StageLog[stage] = outcome
	}

	st.Result = result
	st.Status = RunStatusCompleted
	completed := result.CompletedAt
	st.CompletedAt = &completed

	log.Info("grading result assembled",
		"total_score", result.TotalScore,
		"grade_level", result.GradeLevel,
		"needs_manual_review", result.NeedsManualReview)
	return nil
}

var _ Stage = (*ResultAssembler)(nil)
