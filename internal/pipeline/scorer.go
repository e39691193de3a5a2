package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"gradeflow/internal/generation"
	"gradeflow/internal/platform/logger"
)

const scoringSystemMessage = "You are an experienced teacher grading a " +
	"student submission against a rubric. Be specific and constructive, " +
	"and always answer with a single JSON object."

// strictnessInstructions maps the grading posture to prompt guidance.
var strictnessInstructions = map[string]string{
	"lenient": "Grade leniently: award generous partial credit for " +
		"partially correct answers and reward visible effort.",
	"standard": "Grade fairly and consistently: follow the rubric, " +
		"awarding partial credit where it is earned.",
	"strict": "Grade strictly: only fully correct answers earn full " +
		"marks, and hold the work to a high standard of detail.",
}

// Confidence assigned when the model response had to be salvaged from
// unstructured text rather than parsed as JSON.
const fallbackConfidence = 0.5

// scoreExtractPattern salvages an "N/M" score from unstructured feedback.
var scoreExtractPattern = regexp.MustCompile(`(\d+)\s*/\s*(\d+)`)

// Scorer produces a score, feedback text and per-criterion breakdown by
// invoking the external grading model. The image enhancement and region
// detection sub-steps are explicitly best-effort: their absence or failure
// only disables the corresponding refinement and records a skip reason.
type Scorer struct {
	generator generation.Generator
	loader    ImageLoader
	enhancer  ImageEnhancer
	regions   RegionDetector
	log       *slog.Logger
}

// NewScorer creates the scoring stage. enhancer and regions may be nil.
func NewScorer(
	generator generation.Generator,
	loader ImageLoader,
	enhancer ImageEnhancer,
	regions RegionDetector,
	log *slog.Logger,
) *Scorer {
	return &Scorer{
		generator: generator,
		loader:    loader,
		enhancer:  enhancer,
		regions:   regions,
		log:       log.With("stage", PhaseScoring),
	}
}

func (s *Scorer) Name() string        { return PhaseScoring }
func (s *Scorer) TargetProgress() int { return 75 }
func (s *Scorer) Recoverable() bool   { return false }

// Run scores the submission and sets st.Score.
func (s *Scorer) Run(ctx context.Context, st *State) error {
	log := logger.FromContext(ctx)

	imageRefs := s.answerImages(st)
	imageRefs = s.enhanceImages(ctx, st, imageRefs)
	regionHints := s.detectRegions(ctx, st, imageRefs)

	images := s.loadImages(ctx, st, imageRefs)

	prompt := s.buildPrompt(st, regionHints)

	response, err := s.generator.GenerateText(ctx, generation.Request{
		System: scoringSystemMessage,
		Prompt: prompt,
		Images: images,
	})
	if err != nil {
		return fmt.Errorf("%w: grading model call: %v", ErrStageFailed, err)
	}

	report := parseScoreResponse(response, st.Options.MaxScore)
	st.Score = report

	log.Info("scoring completed",
		"total_score", report.TotalScore,
		"max_score", report.MaxScore,
		"grade_level", report.GradeLevel,
		"confidence", report.Confidence)
	return nil
}

// answerImages returns the validated answer files that are images.
func (s *Scorer) answerImages(st *State) []string {
	var refs []string
	for _, f := range st.FilesByKind(FileKindAnswer) {
		if IsImageRef(f.Ref) {
			refs = append(refs, f.Ref)
		}
	}
	return refs
}

// enhanceImages runs the optional enhancement sub-step, substituting
// enhanced references where it succeeds.
func (s *Scorer) enhanceImages(ctx context.Context, st *State, refs []string) []string {
	if len(refs) == 0 {
		return refs
	}
	if s.enhancer == nil {
		st.MarkStageSkipped(SubStepImageEnhancement, "image enhancer not configured")
		return refs
	}

	enhanced := make([]string, 0, len(refs))
	var failures int
	for _, ref := range refs {
		out, err := s.enhancer.Enhance(ctx, ref)
		if err != nil {
			failures++
			s.log.Warn("image enhancement failed, using original",
				"ref", ref, "error", err)
			enhanced = append(enhanced, ref)
			continue
		}
		enhanced = append(enhanced, out)
	}

	if failures == len(refs) {
		st.MarkStageSkipped(SubStepImageEnhancement,
			fmt.Sprintf("enhancement failed for all %d images", failures))
	} else {
		st.MarkStageCompleted(SubStepImageEnhancement)
	}
	return enhanced
}

// detectRegions runs the optional region detection sub-step.
func (s *Scorer) detectRegions(ctx context.Context, st *State, refs []string) []Region {
	if len(refs) == 0 {
		return nil
	}
	if s.regions == nil {
		st.MarkStageSkipped(SubStepRegionDetection, "region detector not configured")
		return nil
	}

	var hints []Region
	var failures int
	for _, ref := range refs {
		regions, err := s.regions.Detect(ctx, ref)
		if err != nil {
			failures++
			s.log.Warn("region detection failed", "ref", ref, "error", err)
			continue
		}
		hints = append(hints, regions...)
	}

	if failures == len(refs) {
		st.MarkStageSkipped(SubStepRegionDetection,
			fmt.Sprintf("detection failed for all %d images", failures))
	} else {
		st.MarkStageCompleted(SubStepRegionDetection)
	}
	return hints
}

// loadImages loads answer images for the vision call. Load failures only
// drop the affected image; the extracted text is still in the prompt.
func (s *Scorer) loadImages(ctx context.Context, st *State, refs []string) []generation.Image {
	if s.loader == nil {
		return nil
	}
	var images []generation.Image
	for _, ref := range refs {
		img, err := s.loader.Load(ctx, ref)
		if err != nil {
			s.log.Warn("failed to load answer image", "ref", ref, "error", err)
			continue
		}
		images = append(images, img)
	}
	return images
}

func (s *Scorer) buildPrompt(st *State, regionHints []Region) string {
	var b strings.Builder

	b.WriteString("Grade the student submission below.\n")

	if instr, ok := strictnessInstructions[st.Options.Strictness]; ok {
		b.WriteString(instr)
		b.WriteString("\n")
	}
	if st.Options.Language != "" {
		fmt.Fprintf(&b, "Write all feedback in language %q.\n", st.Options.Language)
	}
	if st.Options.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s.\n", st.Options.Subject)
	}

	if rubric := st.Rubric; rubric != nil {
		b.WriteString("\nRubric:\n")
		for i, c := range rubric.Criteria {
			fmt.Fprintf(&b, "%d. %s: %s (%d points)\n", i+1, c.Name, c.Description, c.Points)
		}
		fmt.Fprintf(&b, "Total: %d points\n", rubric.TotalPoints)
		for _, g := range rubric.Guidelines {
			fmt.Fprintf(&b, "- %s\n", g)
		}
		if rubric.Generic {
			b.WriteString("Note: this rubric is a generic fallback; no marking scheme was available.\n")
		}
	}

	for _, kind := range []string{FileKindQuestion, FileKindAnswer, FileKindMarkingScheme} {
		for _, doc := range st.DocumentsByKind(kind) {
			fmt.Fprintf(&b, "\n=== %s (%s) ===\n%s\n", doc.Ref, doc.Kind, doc.Text)
		}
	}

	if len(regionHints) > 0 {
		b.WriteString("\nDetected answer regions:\n")
		for _, r := range regionHints {
			fmt.Fprintf(&b, "- %s at (%d,%d) %dx%d\n", r.Label, r.X, r.Y, r.Width, r.Height)
		}
	}

	fmt.Fprintf(&b, `
Respond with a JSON object of this shape:
{
  "criteria": [{"name": "...", "score": 0, "max_score": 0, "feedback": "..."}],
  "total_score": 0,
  "max_score": %d,
  "percentage": 0.0,
  "grade_level": "A|B|C|D|F",
  "strengths": ["..."],
  "weaknesses": ["..."],
  "suggestions": ["..."],
  "feedback": "...",
  "confidence": 0.0
}
confidence is your own 0-1 estimate of how reliable this grading is.
`, st.Options.MaxScore)

	return b.String()
}

// parseScoreResponse parses the model's JSON response, normalizing missing
// fields; when no JSON object can be extracted it salvages a report from
// the response text.
func parseScoreResponse(response string, maxScore int) *ScoreReport {
	if maxScore <= 0 {
		maxScore = 100
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start >= 0 && end > start {
		var report ScoreReport
		if err := json.Unmarshal([]byte(response[start:end+1]), &report); err == nil {
			normalizeReport(&report, response, maxScore)
			return &report
		}
	}

	return fallbackReport(response, maxScore)
}

// normalizeReport fills in fields the model omitted.
func normalizeReport(report *ScoreReport, response string, maxScore int) {
	if report.MaxScore == 0 {
		report.MaxScore = maxScore
	}
	if report.TotalScore == 0 && len(report.Criteria) > 0 {
		for _, c := range report.Criteria {
			report.TotalScore += c.Score
		}
	}
	if report.Percentage == 0 && report.MaxScore > 0 {
		report.Percentage = float64(report.TotalScore) / float64(report.MaxScore) * 100
	}
	if report.GradeLevel == "" {
		report.GradeLevel = gradeLevel(report.Percentage)
	}
	if report.Feedback == "" {
		report.Feedback = response
	}
	if report.Confidence == 0 {
		report.Confidence = 0.75
	}
}

// fallbackReport builds a degraded report from unstructured response text.
func fallbackReport(response string, maxScore int) *ScoreReport {
	totalScore := maxScore * 7 / 10

	if m := scoreExtractPattern.FindStringSubmatch(response); m != nil {
		if score, err := strconv.Atoi(m[1]); err == nil {
			totalScore = score
		}
		if max, err := strconv.Atoi(m[2]); err == nil && max > 0 {
			maxScore = max
		}
	}

	percentage := 0.0
	if maxScore > 0 {
		percentage = float64(totalScore) / float64(maxScore) * 100
	}

	return &ScoreReport{
		Criteria: []CriterionScore{
			{
				Name:     "Overall",
				Score:    totalScore,
				MaxScore: maxScore,
				Feedback: response,
			},
		},
		TotalScore: totalScore,
		MaxScore:   maxScore,
		Percentage: percentage,
		GradeLevel: gradeLevel(percentage),
		Feedback:   response,
		Confidence: fallbackConfidence,
	}
}

// gradeLevel maps a percentage onto the A-F banding.
func gradeLevel(percentage float64) string {
	switch {
	case percentage >= 90:
		return "A"
	case percentage >= 80:
		return "B"
	case percentage >= 70:
		return "C"
	case percentage >= 60:
		return "D"
	default:
		return "F"
	}
}

var _ Stage = (*Scorer)(nil)
