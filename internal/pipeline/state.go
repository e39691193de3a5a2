package pipeline

import (
	"time"
)

// RunStatus is the lifecycle state of one pipeline run.
type RunStatus string

// Possible run status values.
const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
	RunStatusRetrying   RunStatus = "retrying"
)

// IsTerminal reports whether the run has reached a final state. The state
// record is treated as immutable once terminal.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// File kinds for the three independently optional input groups.
const (
	FileKindQuestion      = "question"
	FileKindAnswer        = "answer"
	FileKindMarkingScheme = "marking_scheme"
)

// Options carries the run parameters for one grading pipeline run.
type Options struct {
	// Strictness selects the grading posture: lenient, standard or strict.
	Strictness string `json:"strictness"`
	Language   string `json:"language"`
	MaxScore   int    `json:"max_score"`
	Subject    string `json:"subject,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
}

// FileInfo describes one validated input file.
type FileInfo struct {
	Ref      string    `json:"ref"`
	Kind     string    `json:"kind"`
	Size     int64     `json:"size"`
	MIMEType string    `json:"mime_type,omitempty"`
	ModTime  time.Time `json:"mod_time"`
}

// Document is the extracted content of one input file.
type Document struct {
	Ref  string `json:"ref"`
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Criterion is one scoring dimension in a rubric.
type Criterion struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Points      int    `json:"points"`
}

// Rubric sources, from most to least authoritative.
const (
	RubricSourceMarkingScheme = "marking_scheme"
	RubricSourceQuestion      = "question_material"
	RubricSourceGeneric       = "generic"
)

// Rubric is the structured scoring standard the scorer applies.
type Rubric struct {
	Criteria    []Criterion `json:"criteria"`
	TotalPoints int         `json:"total_points"`
	Guidelines  []string    `json:"guidelines,omitempty"`
	Source      string      `json:"source"`
	// Generic flags a best-effort fallback rubric, so downstream
	// consumers know the scoring standard was not derived from the
	// submitted materials.
	Generic bool `json:"generic"`
}

// CriterionScore is the scored outcome for one rubric criterion.
type CriterionScore struct {
	Name     string `json:"name"`
	Score    int    `json:"score"`
	MaxScore int    `json:"max_score"`
	Feedback string `json:"feedback,omitempty"`
}

// ScoreReport is the raw output of the scoring stage.
type ScoreReport struct {
	Criteria   []CriterionScore `json:"criteria"`
	TotalScore int              `json:"total_score"`
	MaxScore   int              `json:"max_score"`
	Percentage float64          `json:"percentage"`
	GradeLevel string           `json:"grade_level"`
	Strengths  []string         `json:"strengths,omitempty"`
	Weaknesses []string         `json:"weaknesses,omitempty"`
	Suggestions []string        `json:"suggestions,omitempty"`
	Feedback   string           `json:"feedback"`
	Confidence float64          `json:"confidence"`
}

// GradingResult is the final assembled output of a completed run.
type GradingResult struct {
	TaskID            string                  `json:"task_id"`
	TotalScore        int                     `json:"total_score"`
	MaxScore          int                     `json:"max_score"`
	Percentage        float64                 `json:"percentage"`
	GradeLevel        string                  `json:"grade_level"`
	Criteria          []CriterionScore        `json:"criteria"`
	Feedback          string                  `json:"feedback"`
	Strengths         []string                `json:"strengths,omitempty"`
	Weaknesses        []string                `json:"weaknesses,omitempty"`
	Suggestions       []string                `json:"suggestions,omitempty"`
	RubricSource      string                  `json:"rubric_source"`
	GenericRubric     bool                    `json:"generic_rubric"`
	Confidence        float64                 `json:"confidence"`
	NeedsManualReview bool                    `json:"needs_manual_review"`
	StageLog          map[string]StageOutcome `json:"stage_log"`
	CompletedAt       time.Time               `json:"completed_at"`
}

// Stage outcome statuses recorded in the per-stage completion log.
const (
	StageCompleted = "completed"
	StageSkipped   = "skipped"
	StageErrored   = "errored"
)

// StageOutcome records how one stage (or optional sub-step) finished.
type StageOutcome struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// State is the shared work-item record threaded through the pipeline
// stages. It is created once per run, mutated in place by each stage in
// sequence (never concurrently: a single task has a single logical owner
// at any time), and becomes immutable once the status is terminal.
type State struct {
	TaskID string `json:"task_id"`

	QuestionFiles      []string `json:"question_files,omitempty"`
	AnswerFiles        []string `json:"answer_files,omitempty"`
	MarkingSchemeFiles []string `json:"marking_scheme_files,omitempty"`

	Options Options `json:"options"`

	CurrentPhase string    `json:"current_phase"`
	Progress     int       `json:"progress"`
	Status       RunStatus `json:"status"`

	ValidatedFiles []FileInfo        `json:"validated_files,omitempty"`
	Documents      []Document        `json:"documents,omitempty"`
	IngestFailures map[string]string `json:"ingest_failures,omitempty"`
	Rubric         *Rubric           `json:"rubric,omitempty"`
	Score          *ScoreReport      `json:"score,omitempty"`
	Result         *GradingResult    `json:"result,omitempty"`

	ErrorMessage string                  `json:"error_message,omitempty"`
	StageLog     map[string]StageOutcome `json:"stage_log"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewState creates the initial state for one pipeline run.
func NewState(
	taskID string,
	questionFiles, answerFiles, markingSchemeFiles []string,
	opts Options,
) *State {
	return &State{
		TaskID:             taskID,
		QuestionFiles:      questionFiles,
		AnswerFiles:        answerFiles,
		MarkingSchemeFiles: markingSchemeFiles,
		Options:            opts,
		CurrentPhase:       "initialized",
		Progress:           0,
		Status:             RunStatusPending,
		IngestFailures:     make(map[string]string),
		StageLog:           make(map[string]StageOutcome),
		CreatedAt:          time.Now().UTC(),
	}
}

// UpdateProgress advances the progress gauge. Progress is monotonic: a
// lower value never rewinds it.
func (s *State) UpdateProgress(progress int) {
	if progress > 100 {
		progress = 100
	}
	if progress > s.Progress {
		s.Progress = progress
	}
}

// MarkStageCompleted records a successful stage in the completion log.
func (s *State) MarkStageCompleted(stage string) {
	s.StageLog[stage] = StageOutcome{Status: StageCompleted}
}

// MarkStageSkipped records a skipped stage or sub-step with its reason.
func (s *State) MarkStageSkipped(stage, reason string) {
	s.StageLog[stage] = StageOutcome{Status: StageSkipped, Reason: reason}
}

// MarkStageErrored records a failed stage with its reason.
func (s *State) MarkStageErrored(stage, reason string) {
	s.StageLog[stage] = StageOutcome{Status: StageErrored, Reason: reason}
}

// DocumentsByKind returns the extracted documents for one input group.
func (s *State) DocumentsByKind(kind string) []Document {
	var docs []Document
	for _, d := range s.Documents {
		if d.Kind == kind {
			docs = append(docs, d)
		}
	}
	return docs
}

// FilesByKind returns the validated files for one input group.
func (s *State) FilesByKind(kind string) []FileInfo {
	var files []FileInfo
	for _, f := range s.ValidatedFiles {
		if f.Kind == kind {
			files = append(files, f)
		}
	}
	return files
}
