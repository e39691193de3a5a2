package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"gradeflow/internal/platform/logger"
)

// maxInputFileSize bounds individual input files.
const maxInputFileSize = 50 * 1024 * 1024

// acceptedExtensions lists the file kinds the pipeline ingests, mapped to
// their MIME types.
var acceptedExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".bmp":  "image/bmp",
	".tiff": "image/tiff",
	".webp": "image/webp",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".txt":  "text/plain",
	".md":   "text/markdown",
}

// imageExtensions marks the subset of accepted kinds that are images and
// therefore candidates for vision calls and enhancement.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
	".bmp": true, ".tiff": true, ".webp": true,
}

// IsImageRef reports whether the reference names an image file.
func IsImageRef(ref string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(ref))]
}

// MIMETypeForRef returns the MIME type for an accepted reference, or an
// empty string for unknown kinds.
func MIMETypeForRef(ref string) string {
	return acceptedExtensions[strings.ToLower(filepath.Ext(ref))]
}

// UploadValidator confirms that all referenced files exist and are of an
// acceptable kind. At least one answer file is mandatory; its absence is a
// fatal input error that aborts the run before any paid external call is
// made.
type UploadValidator struct {
	checker FileChecker
	log     *slog.Logger
}

// NewUploadValidator creates the validation stage.
func NewUploadValidator(checker FileChecker, log *slog.Logger) *UploadValidator {
	return &UploadValidator{
		checker: checker,
		log:     log.With("stage", PhaseUploadValidation),
	}
}

func (v *UploadValidator) Name() string        { return PhaseUploadValidation }
func (v *UploadValidator) TargetProgress() int { return 10 }
func (v *UploadValidator) Recoverable() bool   { return false }

// Run validates all referenced input files and records them on the state.
func (v *UploadValidator) Run(ctx context.Context, st *State) error {
	log := logger.FromContext(ctx)

	if len(st.AnswerFiles) == 0 {
		return fmt.Errorf("%w: at least one answer file is required", ErrInvalidInput)
	}

	groups := []struct {
		kind string
		refs []string
	}{
		{FileKindQuestion, st.QuestionFiles},
		{FileKindAnswer, st.AnswerFiles},
		{FileKindMarkingScheme, st.MarkingSchemeFiles},
	}

	var validated []FileInfo
	var totalSize int64
	for _, group := range groups {
		for _, ref := range group.refs {
			info, err := v.validateFile(ctx, ref, group.kind)
			if err != nil {
				return err
			}
			validated = append(validated, info)
			totalSize += info.Size
		}
	}

	st.ValidatedFiles = validated

	log.Info("upload validation completed",
		"files_validated", len(validated),
		"total_size", totalSize)
	return nil
}

// validateFile checks one reference: existence, accepted kind, size limit.
func (v *UploadValidator) validateFile(ctx context.Context, ref, kind string) (FileInfo, error) {
	ext := strings.ToLower(filepath.Ext(ref))
	mimeType, accepted := acceptedExtensions[ext]
	if !accepted {
		return FileInfo{}, fmt.Errorf("%w: unsupported file type %q for %s file %s",
			ErrInvalidInput, ext, kind, ref)
	}

	info, err := v.checker.Check(ctx, ref)
	if err != nil {
		return FileInfo{}, fmt.Errorf("%w: %s file %s: %v", ErrInvalidInput, kind, ref, err)
	}

	if info.Size > maxInputFileSize {
		return FileInfo{}, fmt.Errorf("%w: %s file %s exceeds size limit (%d bytes)",
			ErrInvalidInput, kind, ref, info.Size)
	}

	info.Ref = ref
	info.Kind = kind
	if info.MIMEType == "" {
		info.MIMEType = mimeType
	}
	return info, nil
}

var _ Stage = (*UploadValidator)(nil)
