package pipeline

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"gradeflow/internal/generation"
)

// Shared stage collaborator fakes for the tests in this package.

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type fakeChecker struct {
	files map[string]FileInfo
	errs  map[string]error
}

func (f *fakeChecker) Check(_ context.Context, ref string) (FileInfo, error) {
	if err, ok := f.errs[ref]; ok {
		return FileInfo{}, err
	}
	if info, ok := f.files[ref]; ok {
		return info, nil
	}
	return FileInfo{Size: 1024, ModTime: time.Now().UTC()}, nil
}

type fakeExtractor struct {
	mu    sync.Mutex
	texts map[string]string
	errs  map[string]error
	calls int
}

func (f *fakeExtractor) Extract(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err, ok := f.errs[ref]; ok {
		return "", err
	}
	return f.texts[ref], nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGenerator struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []generation.Request
}

func (f *fakeGenerator) GenerateText(_ context.Context, req generation.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", nil
	}
	response := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return response, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeLoader struct {
	errs map[string]error
}

func (f *fakeLoader) Load(_ context.Context, ref string) (generation.Image, error) {
	if err, ok := f.errs[ref]; ok {
		return generation.Image{}, err
	}
	return generation.Image{MIMEType: MIMETypeForRef(ref), Data: []byte("img")}, nil
}

type fakeEnhancer struct {
	errs map[string]error
}

func (f *fakeEnhancer) Enhance(_ context.Context, ref string) (string, error) {
	if err, ok := f.errs[ref]; ok {
		return "", err
	}
	return ref + ".enhanced", nil
}

type fakeRegionDetector struct {
	regions []Region
	err     error
}

func (f *fakeRegionDetector) Detect(_ context.Context, _ string) ([]Region, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.regions, nil
}

func answerOnlyState(taskID string, answerFiles ...string) *State {
	return NewState(taskID, nil, answerFiles, nil, Options{
		Strictness: "standard",
		Language:   "en",
		MaxScore:   100,
	})
}
