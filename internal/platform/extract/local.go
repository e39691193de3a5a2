package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gradeflow/internal/generation"
	"gradeflow/internal/pipeline"
)

// Errors returned by the local file collaborators.
var (
	ErrFileNotFound   = errors.New("input file not found")
	ErrNotRegularFile = errors.New("input is not a regular file")
	ErrUnsupportedRef = errors.New("unsupported file type for local extraction")
)

// localTextExtensions are the kinds local extraction can read directly.
var localTextExtensions = map[string]bool{
	".txt": true,
	".md":  true,
}

// LocalFiles resolves file references against the local filesystem. It
// implements the pipeline's FileChecker and ImageLoader.
type LocalFiles struct{}

// NewLocalFiles creates a filesystem-backed file collaborator.
func NewLocalFiles() *LocalFiles {
	return &LocalFiles{}
}

// Check implements pipeline.FileChecker.
func (l *LocalFiles) Check(_ context.Context, ref string) (pipeline.FileInfo, error) {
	info, err := os.Stat(ref)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return pipeline.FileInfo{}, fmt.Errorf("%w: %s", ErrFileNotFound, ref)
		}
		return pipeline.FileInfo{}, fmt.Errorf("failed to stat %s: %w", ref, err)
	}
	if !info.Mode().IsRegular() {
		return pipeline.FileInfo{}, fmt.Errorf("%w: %s", ErrNotRegularFile, ref)
	}

	return pipeline.FileInfo{
		Ref:      ref,
		Size:     info.Size(),
		MIMEType: pipeline.MIMETypeForRef(ref),
		ModTime:  info.ModTime().UTC(),
	}, nil
}

// Load implements pipeline.ImageLoader.
func (l *LocalFiles) Load(_ context.Context, ref string) (generation.Image, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return generation.Image{}, fmt.Errorf("failed to read image %s: %w", ref, err)
	}

	mimeType := pipeline.MIMETypeForRef(ref)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return generation.Image{MIMEType: mimeType, Data: data}, nil
}

// LocalExtractor extracts content from plain-text files directly. Formats
// that need real parsing (PDF, Word, images) are out of its reach and
// return ErrUnsupportedRef so a composite extractor can route them to the
// remote extraction service.
type LocalExtractor struct{}

// NewLocalExtractor creates a plain-text extractor.
func NewLocalExtractor() *LocalExtractor {
	return &LocalExtractor{}
}

// Extract implements pipeline.TextExtractor for plain-text kinds.
func (e *LocalExtractor) Extract(_ context.Context, ref string) (string, error) {
	ext := strings.ToLower(filepath.Ext(ref))
	if !localTextExtensions[ext] {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedRef, ref)
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", ref, err)
	}
	return strings.TrimSpace(string(data)), nil
}

var (
	_ pipeline.FileChecker   = (*LocalFiles)(nil)
	_ pipeline.ImageLoader   = (*LocalFiles)(nil)
	_ pipeline.TextExtractor = (*LocalExtractor)(nil)
)
