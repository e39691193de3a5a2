package generation

import "context"

// Image is an input image for a vision-capable model call.
type Image struct {
	// MIMEType identifies the image encoding, e.g. "image/png".
	MIMEType string

	// Data is the raw image bytes.
	Data []byte
}

// Request describes one model invocation: a prompt with an optional system
// message and optional images.
type Request struct {
	System string
	Prompt string
	Images []Image
}

// Generator defines the interface for calling a remote vision/text model
// with a prompt and optional images and getting back text. It is the
// boundary between the grading pipeline and external AI services, which
// are treated as fallible, retryable black boxes with their own timeouts.
type Generator interface {
	// GenerateText performs one model call and returns the raw response
	// text. Implementations classify their own failures into the errors
	// declared in this package so callers can tell transient failures
	// from permanent ones.
	GenerateText(ctx context.Context, req Request) (string, error)
}
