package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"gradeflow/internal/generation"
	"gradeflow/internal/platform/logger"
)

const rubricSystemMessage = "You are an assistant that converts grading " +
	"standards into structured rubrics. Always answer with a single JSON object."

// RubricInterpreter derives the scoring rubric. Marking-scheme material is
// used when present; otherwise a rubric is synthesized from the question
// material. A missing or unparseable rubric is never fatal: scoring
// proceeds with a best-effort generic rubric, flagged in the state.
type RubricInterpreter struct {
	generator generation.Generator
	log       *slog.Logger
}

// NewRubricInterpreter creates the rubric interpretation stage.
func NewRubricInterpreter(generator generation.Generator, log *slog.Logger) *RubricInterpreter {
	return &RubricInterpreter{
		generator: generator,
		log:       log.With("stage", PhaseRubricInterpretation),
	}
}

func (r *RubricInterpreter) Name() string        { return PhaseRubricInterpretation }
func (r *RubricInterpreter) TargetProgress() int { return 45 }
func (r *RubricInterpreter) Recoverable() bool   { return true }

// Run sets st.Rubric, falling back to a generic rubric on any failure.
func (r *RubricInterpreter) Run(ctx context.Context, st *State) error {
	log := logger.FromContext(ctx)

	markingDocs := st.DocumentsByKind(FileKindMarkingScheme)
	questionDocs := st.DocumentsByKind(FileKindQuestion)

	var rubric *Rubric
	var err error

	switch {
	case len(markingDocs) > 0:
		rubric, err = r.interpret(ctx, st, markingDocs, RubricSourceMarkingScheme)
	case len(questionDocs) > 0:
		rubric, err = r.interpret(ctx, st, questionDocs, RubricSourceQuestion)
	default:
		err = fmt.Errorf("no marking scheme or question material available")
	}

	if err != nil {
		log.Warn("falling back to generic rubric", "error", err)
		st.MarkStageSkipped(r.Name(), fmt.Sprintf("fell back to generic rubric: %v", err))
		st.Rubric = genericRubric(st.Options.MaxScore)
		return nil
	}

	st.Rubric = rubric
	log.Info("rubric interpretation completed",
		"source", rubric.Source,
		"criteria_count", len(rubric.Criteria),
		"total_points", rubric.TotalPoints)
	return nil
}

// interpret asks the model to structure a rubric from the given documents.
func (r *RubricInterpreter) interpret(
	ctx context.Context,
	st *State,
	docs []Document,
	source string,
) (*Rubric, error) {
	prompt := r.buildPrompt(st, docs, source)

	response, err := r.generator.GenerateText(ctx, generation.Request{
		System: rubricSystemMessage,
		Prompt: prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("rubric model call failed: %w", err)
	}

	rubric, err := parseRubricResponse(response)
	if err != nil {
		return nil, err
	}

	rubric.Source = source
	if rubric.TotalPoints == 0 {
		rubric.TotalPoints = st.Options.MaxScore
	}
	return rubric, nil
}

func (r *RubricInterpreter) buildPrompt(st *State, docs []Document, source string) string {
	var b strings.Builder

	if source == RubricSourceMarkingScheme {
		b.WriteString("Analyze the following marking scheme and convert it into a structured rubric.\n")
	} else {
		b.WriteString("No marking scheme was provided. Derive a reasonable rubric from the following question material.\n")
	}

	fmt.Fprintf(&b, "The maximum total score is %d.\n", st.Options.MaxScore)
	if st.Options.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s.\n", st.Options.Subject)
	}
	if st.Options.Difficulty != "" {
		fmt.Fprintf(&b, "Difficulty: %s.\n", st.Options.Difficulty)
	}

	for _, doc := range docs {
		fmt.Fprintf(&b, "\n=== %s ===\n%s\n", doc.Ref, doc.Text)
	}

	b.WriteString(`
Respond with a JSON object of this shape:
{
  "criteria": [{"name": "...", "description": "...", "points": 0}],
  "total_points": 0,
  "guidelines": ["..."]
}
The criterion points must sum to total_points.
`)
	return b.String()
}

// parseRubricResponse extracts the JSON object from the model response.
func parseRubricResponse(response string) (*Rubric, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in rubric response")
	}

	var rubric Rubric
	if err := json.Unmarshal([]byte(response[start:end+1]), &rubric); err != nil {
		return nil, fmt.Errorf("failed to parse rubric response: %w", err)
	}
	if len(rubric.Criteria) == 0 {
		return nil, fmt.Errorf("rubric response contains no criteria")
	}
	return &rubric, nil
}

// genericRubric is the best-effort standard used when no rubric can be
// derived from the submitted materials.
func genericRubric(maxScore int) *Rubric {
	if maxScore <= 0 {
		maxScore = 100
	}
	return &Rubric{
		Criteria: []Criterion{
			{
				Name:        "Correctness",
				Description: "The answer addresses the question and is factually correct",
				Points:      maxScore * 6 / 10,
			},
			{
				Name:        "Completeness",
				Description: "All parts of the question are answered",
				Points:      maxScore * 2 / 10,
			},
			{
				Name:        "Clarity",
				Description: "The reasoning is presented clearly",
				Points:      maxScore - maxScore*6/10 - maxScore*2/10,
			},
		},
		TotalPoints: maxScore,
		Guidelines:  []string{"Grade on overall response quality when no specific standard applies"},
		Source:      RubricSourceGeneric,
		Generic:     true,
	}
}

var _ Stage = (*RubricInterpreter)(nil)
