package pipeline

import (
	"context"

	"gradeflow/internal/generation"
)

// The pipeline reaches its external collaborators only through the narrow
// interfaces below. All of them are fallible black boxes with their own
// timeouts; none of them is implemented in this package.

// FileChecker confirms that a referenced input file exists and reports its
// basic attributes.
type FileChecker interface {
	Check(ctx context.Context, ref string) (FileInfo, error)
}

// TextExtractor extracts text/structured content from one input file.
type TextExtractor interface {
	Extract(ctx context.Context, ref string) (string, error)
}

// ImageLoader loads an input image for a vision model call.
type ImageLoader interface {
	Load(ctx context.Context, ref string) (generation.Image, error)
}

// Region is one detected area of interest on an answer sheet.
type Region struct {
	Label  string `json:"label"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ImageEnhancer is an optional scoring refinement that preprocesses an
// answer image and returns the reference of the enhanced version. A nil or
// failing enhancer only disables the refinement.
type ImageEnhancer interface {
	Enhance(ctx context.Context, ref string) (string, error)
}

// RegionDetector is an optional scoring refinement that locates answer
// regions on a sheet. A nil or failing detector only disables the
// refinement.
type RegionDetector interface {
	Detect(ctx context.Context, ref string) ([]Region, error)
}
