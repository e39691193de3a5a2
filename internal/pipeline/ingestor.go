package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	gocache "github.com/patrickmn/go-cache"

	"gradeflow/internal/platform/logger"
)

// DocumentIngestor extracts text/structured content from each validated
// input file into the state. Per-file extraction failures are recorded but
// do not abort the run, as long as at least one file yields content.
//
// Extraction is the most expensive non-model step, so results are cached
// across tasks keyed by a stable file fingerprint.
type DocumentIngestor struct {
	extractor TextExtractor
	cache     *gocache.Cache
	log       *slog.Logger
}

// NewDocumentIngestor creates the ingestion stage. cache may be nil to
// disable artifact caching.
func NewDocumentIngestor(extractor TextExtractor, cache *gocache.Cache, log *slog.Logger) *DocumentIngestor {
	return &DocumentIngestor{
		extractor: extractor,
		cache:     cache,
		log:       log.With("stage", PhaseDocumentIngestion),
	}
}

func (d *DocumentIngestor) Name() string        { return PhaseDocumentIngestion }
func (d *DocumentIngestor) TargetProgress() int { return 30 }
func (d *DocumentIngestor) Recoverable() bool   { return false }

// Run extracts content from every validated file.
func (d *DocumentIngestor) Run(ctx context.Context, st *State) error {
	log := logger.FromContext(ctx)

	for _, file := range st.ValidatedFiles {
		text, err := d.extractOne(ctx, file)
		if err != nil {
			// Partial-failure semantics: record and keep going.
			st.IngestFailures[file.Ref] = err.Error()
			log.Warn("file extraction failed",
				"ref", file.Ref,
				"kind", file.Kind,
				"error", err)
			continue
		}
		if text == "" {
			st.IngestFailures[file.Ref] = "no content extracted"
			continue
		}
		st.Documents = append(st.Documents, Document{
			Ref:  file.Ref,
			Kind: file.Kind,
			Text: text,
		})
	}

	if len(st.Documents) == 0 {
		return fmt.Errorf("%w: all %d files failed extraction", ErrNoContent, len(st.ValidatedFiles))
	}

	log.Info("document ingestion completed",
		"documents", len(st.Documents),
		"failures", len(st.IngestFailures))
	return nil
}

// extractOne extracts a single file, consulting the artifact cache first.
func (d *DocumentIngestor) extractOne(ctx context.Context, file FileInfo) (string, error) {
	key := Fingerprint(file)

	if d.cache != nil {
		if cached, found := d.cache.Get(key); found {
			if text, ok := cached.(string); ok {
				d.log.Debug("extraction cache hit", "ref", file.Ref)
				return text, nil
			}
		}
	}

	text, err := d.extractor.Extract(ctx, file.Ref)
	if err != nil {
		return "", err
	}

	if d.cache != nil && text != "" {
		d.cache.Set(key, text, gocache.DefaultExpiration)
	}
	return text, nil
}

// Fingerprint derives a stable cache key for a file from its reference,
// size and modification time, so a changed file never serves stale
// extracted content.
func Fingerprint(file FileInfo) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d", file.Ref, file.Size, file.ModTime.UnixNano())
	return hex.EncodeToString(h.Sum(nil))
}

var _ Stage = (*DocumentIngestor)(nil)
