package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gradeflow/internal/pipeline"
)

// CompositeExtractor routes extraction between local plain-text reading
// and the remote service: local first, remote for everything local cannot
// parse. With no remote configured, non-text formats fail extraction for
// their file only (the pipeline's partial-failure semantics absorb that).
type CompositeExtractor struct {
	local  pipeline.TextExtractor
	remote pipeline.TextExtractor
	log    *slog.Logger
}

// NewCompositeExtractor creates the routing extractor. remote may be nil.
func NewCompositeExtractor(local, remote pipeline.TextExtractor, log *slog.Logger) *CompositeExtractor {
	return &CompositeExtractor{
		local:  local,
		remote: remote,
		log:    log.With("component", "extractor"),
	}
}

// Extract implements pipeline.TextExtractor.
func (c *CompositeExtractor) Extract(ctx context.Context, ref string) (string, error) {
	text, err := c.local.Extract(ctx, ref)
	if err == nil {
		return text, nil
	}
	if !errors.Is(err, ErrUnsupportedRef) {
		return "", err
	}

	if c.remote == nil {
		return "", fmt.Errorf("no extractor available for %s: %w", ref, err)
	}

	c.log.Debug("routing extraction to remote service", "ref", ref)
	return c.remote.Extract(ctx, ref)
}

var _ pipeline.TextExtractor = (*CompositeExtractor)(nil)
