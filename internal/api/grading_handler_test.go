package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apimiddleware "gradeflow/internal/api/middleware"
	"gradeflow/internal/config"
	"gradeflow/internal/events"
	"gradeflow/internal/generation"
	"gradeflow/internal/pipeline"
	"gradeflow/internal/service/grading"
	"gradeflow/internal/task"
)

const scoreResponse = `{
  "criteria": [{"name": "Overall", "score": 85, "max_score": 100}],
  "total_score": 85,
  "max_score": 100,
  "percentage": 85.0,
  "grade_level": "B",
  "feedback": "Good work.",
  "confidence": 0.9
}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type stubChecker struct{}

func (stubChecker) Check(_ context.Context, ref string) (pipeline.FileInfo, error) {
	return pipeline.FileInfo{Ref: ref, Size: 64, ModTime: time.Now().UTC()}, nil
}

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, _ string) (string, error) {
	return "extracted content", nil
}

type stubGenerator struct{}

func (stubGenerator) GenerateText(_ context.Context, _ generation.Request) (string, error) {
	return scoreResponse, nil
}

// testAPI wires the handler over an in-memory service and returns the
// router plus the queue for tests that need workers running.
func testAPI(t *testing.T) (http.Handler, *task.Queue) {
	t.Helper()
	log := testLogger()

	broker := events.NewBroker(log)
	orchestrator := pipeline.NewGradingPipeline(pipeline.PipelineDeps{
		Checker:         stubChecker{},
		Extractor:       stubExtractor{},
		Generator:       stubGenerator{},
		ReviewThreshold: 0.7,
		Checkpoints:     pipeline.NewMemoryCheckpointStore(),
		Broker:          broker,
		Logger:          log,
	})

	queue := task.NewQueue(task.NewMemoryStore(), task.NewRegistry(log), task.QueueConfig{
		WorkerCount:     2,
		PollInterval:    10 * time.Millisecond,
		ErrorBackoff:    10 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}, log)
	queue.RegisterHandler(pipeline.NewGradingHandler(orchestrator, log))
	queue.RegisterHandler(pipeline.NewBatchGradingHandler(orchestrator, log))

	service := grading.NewService(queue, orchestrator, broker, config.GradingConfig{
		BatchThreshold:            3,
		ReviewConfidenceThreshold: 0.7,
		DefaultMaxScore:           100,
		DefaultStrictness:         "standard",
		DefaultLanguage:           "en",
	}, log)

	handler := NewGradingHandler(service, log)

	r := chi.NewRouter()
	r.Use(apimiddleware.Trace)
	r.Route("/api/grading", func(r chi.Router) {
		r.Post("/tasks", handler.SubmitTask)
		r.Post("/tasks/batch", handler.SubmitBatch)
		r.Get("/tasks/{id}", handler.GetTaskStatus)
		r.Get("/tasks/{id}/stream", handler.StreamTask)
		r.Delete("/tasks/{id}", handler.CancelTask)
		r.Get("/queue/stats", handler.GetQueueStats)
	})

	return r, queue
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func submitBody(refs ...string) map[string]any {
	return map[string]any{"answer_files": refs}
}

func TestSubmitTaskAccepted(t *testing.T) {
	router, _ := testAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/api/grading/tasks", submitBody("a.txt"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitGradingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.Status)
	_, err := uuid.Parse(resp.TaskID)
	assert.NoError(t, err)
}

func TestSubmitTaskRejectsMissingAnswerFiles(t *testing.T) {
	router, _ := testAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/api/grading/tasks", map[string]any{
		"question_files": []string{"q.txt"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "AnswerFiles")
}

func TestSubmitTaskRejectsMalformedJSON(t *testing.T) {
	router, _ := testAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/grading/tasks",
		strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid request format")
}

func TestSubmitTaskRejectsUnknownStrictness(t *testing.T) {
	router, _ := testAPI(t)

	body := submitBody("a.txt")
	body["options"] = map[string]any{"strictness": "brutal"}

	rec := doJSON(t, router, http.MethodPost, "/api/grading/tasks", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitTaskRejectsUnknownPriority(t *testing.T) {
	router, _ := testAPI(t)

	body := submitBody("a.txt")
	body["priority"] = "critical"

	rec := doJSON(t, router, http.MethodPost, "/api/grading/tasks", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitTaskSchedulingDefaults(t *testing.T) {
	router, queue := testAPI(t)

	// No priority or max_retries in the request: the stored task gets
	// normal priority and the default retry budget.
	rec := doJSON(t, router, http.MethodPost, "/api/grading/tasks", submitBody("a.txt"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitGradingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id, err := uuid.Parse(resp.TaskID)
	require.NoError(t, err)

	tk, err := queue.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.PriorityNormal, tk.Priority)
	assert.Equal(t, task.DefaultMaxRetries, tk.MaxRetries)
}

func TestSubmitTaskExplicitZeroRetries(t *testing.T) {
	router, queue := testAPI(t)

	body := submitBody("a.txt")
	body["priority"] = "low"
	body["max_retries"] = 0

	rec := doJSON(t, router, http.MethodPost, "/api/grading/tasks", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitGradingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id, err := uuid.Parse(resp.TaskID)
	require.NoError(t, err)

	tk, err := queue.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.PriorityLow, tk.Priority)
	assert.Equal(t, 0, tk.MaxRetries)
}

func TestSubmitTaskWithSchedulingOptions(t *testing.T) {
	router, _ := testAPI(t)

	body := submitBody("a.txt")
	body["priority"] = "urgent"
	body["max_retries"] = 5
	body["scheduled_at"] = time.Now().UTC().Add(time.Hour).Format(time.RFC3339)

	rec := doJSON(t, router, http.MethodPost, "/api/grading/tasks", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSubmitBatchIndividual(t *testing.T) {
	router, _ := testAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/api/grading/tasks/batch", map[string]any{
		"items": []map[string]any{submitBody("a1.txt"), submitBody("a2.txt")},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitBatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Aggregated)
	assert.Len(t, resp.TaskIDs, 2)
}

func TestSubmitBatchAggregated(t *testing.T) {
	router, _ := testAPI(t)

	items := make([]map[string]any, 4) // threshold is 3
	for i := range items {
		items[i] = submitBody("a.txt")
	}

	rec := doJSON(t, router, http.MethodPost, "/api/grading/tasks/batch", map[string]any{
		"items": items,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitBatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Aggregated)
	assert.Len(t, resp.TaskIDs, 1)
}

func TestSubmitBatchRejectsEmptyItems(t *testing.T) {
	router, _ := testAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/api/grading/tasks/batch", map[string]any{
		"items": []map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskStatusPending(t *testing.T) {
	router, _ := testAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/api/grading/tasks", submitBody("a.txt"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted SubmitGradingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = doJSON(t, router, http.MethodGet,
		"/api/grading/tasks/"+submitted.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status TaskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, submitted.TaskID, status.TaskID)
	assert.Equal(t, "pending", status.Status)
	assert.Equal(t, 0, status.Progress)
}

func TestGetTaskStatusUnknownID(t *testing.T) {
	router, _ := testAPI(t)

	rec := doJSON(t, router, http.MethodGet,
		"/api/grading/tasks/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Task not found")
}

func TestGetTaskStatusInvalidID(t *testing.T) {
	router, _ := testAPI(t)

	rec := doJSON(t, router, http.MethodGet, "/api/grading/tasks/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid task id")
}

func TestCancelPendingTask(t *testing.T) {
	router, _ := testAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/api/grading/tasks", submitBody("a.txt"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted SubmitGradingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = doJSON(t, router, http.MethodDelete,
		"/api/grading/tasks/"+submitted.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CancelTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Cancelled)
	assert.Equal(t, "cancelled", resp.Status)
}

func TestCancelUnknownTask(t *testing.T) {
	router, _ := testAPI(t)

	rec := doJSON(t, router, http.MethodDelete,
		"/api/grading/tasks/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetQueueStats(t *testing.T) {
	router, _ := testAPI(t)

	rec := doJSON(t, router, http.MethodGet, "/api/grading/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats task.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.WorkersTotal)
	assert.False(t, stats.Running)
}

func TestStreamTaskDeliversEventsUntilTerminal(t *testing.T) {
	router, queue := testAPI(t)

	queue.Start()
	defer queue.Stop()

	srv := httptest.NewServer(router)
	defer srv.Close()

	// Submit through the API, then follow the stream.
	rec := doJSON(t, router, http.MethodPost, "/api/grading/tasks", submitBody("a.txt"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted SubmitGradingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	resp, err := http.Get(fmt.Sprintf("%s/api/grading/tasks/%s/stream", srv.URL, submitted.TaskID))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var sawComplete bool
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev events.ProgressEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		assert.Equal(t, submitted.TaskID, ev.TaskID)

		if ev.Type == events.TypeComplete {
			sawComplete = true
			assert.Equal(t, 100, ev.Progress)
			assert.NotEmpty(t, ev.Result)
			break
		}
	}
	assert.True(t, sawComplete, "stream ended without a complete event")
}

func TestStreamUnknownTask(t *testing.T) {
	router, _ := testAPI(t)

	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(fmt.Sprintf("%s/api/grading/tasks/%s/stream", srv.URL, uuid.NewString()))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
