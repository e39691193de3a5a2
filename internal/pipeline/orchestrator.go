package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gradeflow/internal/events"
	"gradeflow/internal/generation"
	"gradeflow/internal/platform/logger"
	"gradeflow/internal/store"

	gocache "github.com/patrickmn/go-cache"
)

// RunStatusInfo is the externally visible status of one run, served
// identically to polling consumers and (as progress events) to stream
// consumers.
type RunStatusInfo struct {
	TaskID   string                  `json:"task_id"`
	Status   RunStatus               `json:"status"`
	Phase    string                  `json:"phase"`
	Progress int                     `json:"progress"`
	Result   *GradingResult          `json:"result,omitempty"`
	Error    string                  `json:"error,omitempty"`
	StageLog map[string]StageOutcome `json:"stage_log,omitempty"`
}

// Orchestrator drives the fixed stage sequence for grading runs. It
// checkpoints state after every phase, publishes progress events through
// the broker, and honors cancellation requests at phase boundaries.
type Orchestrator struct {
	stages      []Stage
	checkpoints CheckpointStore
	broker      *events.Broker
	log         *slog.Logger

	mu        sync.Mutex
	cancelled map[string]struct{}
}

// NewOrchestrator assembles an orchestrator over an explicit stage list.
// Most callers want NewGradingPipeline instead.
func NewOrchestrator(
	stages []Stage,
	checkpoints CheckpointStore,
	broker *events.Broker,
	log *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		stages:      stages,
		checkpoints: checkpoints,
		broker:      broker,
		log:         log.With("component", "pipeline_orchestrator"),
		cancelled:   make(map[string]struct{}),
	}
}

// PipelineDeps carries the collaborators the standard grading pipeline
// stages need. Enhancer and Regions are optional.
type PipelineDeps struct {
	Checker   FileChecker
	Extractor TextExtractor
	Loader    ImageLoader
	Enhancer  ImageEnhancer
	Regions   RegionDetector
	Generator generation.Generator

	// ExtractCache caches extraction results across runs, keyed by file
	// fingerprint.
	ExtractCache *gocache.Cache

	// ReviewThreshold is the confidence below which results are flagged
	// for manual review.
	ReviewThreshold float64

	Checkpoints CheckpointStore
	Broker      *events.Broker
	Logger      *slog.Logger
}

// NewGradingPipeline wires the five standard grading stages into an
// orchestrator.
func NewGradingPipeline(deps PipelineDeps) *Orchestrator {
	stages := []Stage{
		NewUploadValidator(deps.Checker, deps.Logger),
		NewDocumentIngestor(deps.Extractor, deps.ExtractCache, deps.Logger),
		NewRubricInterpreter(deps.Generator, deps.Logger),
		NewScorer(deps.Generator, deps.Loader, deps.Enhancer, deps.Regions, deps.Logger),
		NewResultAssembler(deps.ReviewThreshold),
	}
	return NewOrchestrator(stages, deps.Checkpoints, deps.Broker, deps.Logger)
}

// Run executes the full stage sequence for one run state. It returns
// ErrRunCancelled when a cancellation request stops the run at a phase
// boundary, and the underlying stage error when a non-recoverable stage
// fails. The run state carries the same outcome either way.
func (o *Orchestrator) Run(ctx context.Context, st *State) error {
	log := logger.FromContext(ctx).With("task_id", st.TaskID)

	st.Status = RunStatusProcessing
	if st.StartedAt == nil {
		now := time.Now().UTC()
		st.StartedAt = &now
	}
	o.checkpoint(ctx, st, log)

	for _, stage := range o.stages {
		if err := o.checkCancellation(ctx, st, log); err != nil {
			return err
		}

		st.CurrentPhase = stage.Name()
		log.Info("pipeline stage starting", "phase", stage.Name())

		err := stage.Run(ctx, st)
		if err != nil {
			if !stage.Recoverable() {
				return o.finishFailed(ctx, st, stage.Name(), err, log)
			}
			log.Warn("recoverable stage failure, continuing degraded",
				"phase", stage.Name(), "error", err)
			st.MarkStageErrored(stage.Name(), err.Error())
		} else if _, logged := st.StageLog[stage.Name()]; !logged {
			st.MarkStageCompleted(stage.Name())
		}

		st.UpdateProgress(stage.TargetProgress())
		o.checkpoint(ctx, st, log)

		if st.Status == RunStatusCompleted {
			o.publishComplete(st)
		} else {
			o.publishProgress(st)
		}
	}

	o.clearCancellation(st.TaskID)
	log.Info("pipeline run finished", "status", st.Status, "progress", st.Progress)
	return nil
}

// Stream runs the pipeline and returns a channel of its progress events.
// The channel closes after the terminal event. Consumer disconnection
// (ctx cancellation) stops delivery but never interrupts the run itself,
// which continues on a detached context until terminal.
func (o *Orchestrator) Stream(ctx context.Context, st *State) <-chan events.ProgressEvent {
	sub, cancelSub := o.broker.Subscribe(st.TaskID)
	out := make(chan events.ProgressEvent, 16)

	runCtx := context.WithoutCancel(ctx)
	go func() {
		if err := o.Run(runCtx, st); err != nil {
			logger.FromContext(runCtx).Warn("streamed pipeline run failed",
				"task_id", st.TaskID, "error", err)
		}
	}()

	go func() {
		defer close(out)
		defer cancelSub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal() {
					return
				}
			}
		}
	}()

	return out
}

// Status reports the latest checkpointed status of one run. It returns
// ErrRunNotFound when no checkpoint exists for the task.
func (o *Orchestrator) Status(ctx context.Context, taskID string) (*RunStatusInfo, error) {
	st, err := o.checkpoints.GetCheckpoint(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrCheckpointNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to load run checkpoint: %w", err)
	}

	return &RunStatusInfo{
		TaskID:   st.TaskID,
		Status:   st.Status,
		Phase:    st.CurrentPhase,
		Progress: st.Progress,
		Result:   st.Result,
		Error:    st.ErrorMessage,
		StageLog: st.StageLog,
	}, nil
}

// Cancel requests best-effort cancellation of a running task. The run
// observes the request at its next phase boundary; in-flight stage work is
// never interrupted mid-call.
func (o *Orchestrator) Cancel(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled[taskID] = struct{}{}
}

func (o *Orchestrator) cancelRequested(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.cancelled[taskID]
	return ok
}

func (o *Orchestrator) clearCancellation(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancelled, taskID)
}

// checkCancellation stops the run if the context is done or cancellation
// was requested for this task.
func (o *Orchestrator) checkCancellation(ctx context.Context, st *State, log *slog.Logger) error {
	cancelled := o.cancelRequested(st.TaskID)
	if err := ctx.Err(); err == nil && !cancelled {
		return nil
	}

	o.clearCancellation(st.TaskID)
	st.Status = RunStatusCancelled
	st.ErrorMessage = ErrRunCancelled.Error()
	now := time.Now().UTC()
	st.CompletedAt = &now
	o.checkpoint(ctx, st, log)
	o.publishError(st)

	log.Info("pipeline run cancelled", "phase", st.CurrentPhase)
	return ErrRunCancelled
}

// finishFailed records a non-recoverable stage failure as the run outcome.
func (o *Orchestrator) finishFailed(
	ctx context.Context,
	st *State,
	phase string,
	stageErr error,
	log *slog.Logger,
) error {
	st.MarkStageErrored(phase, stageErr.Error())
	st.Status = RunStatusFailed
	st.ErrorMessage = stageErr.Error()
	now := time.Now().UTC()
	st.CompletedAt = &now

	o.clearCancellation(st.TaskID)
	o.checkpoint(ctx, st, log)
	o.publishError(st)

	log.Error("pipeline run failed", "phase", phase, "error", stageErr)
	return fmt.Errorf("stage %s: %w", phase, stageErr)
}

// checkpoint persists the current state. Persistence failures degrade
// status queries but never abort the run.
func (o *Orchestrator) checkpoint(ctx context.Context, st *State, log *slog.Logger) {
	if err := o.checkpoints.SaveCheckpoint(ctx, st); err != nil {
		log.Error("failed to save run checkpoint",
			"phase", st.CurrentPhase, "error", err)
	}
}

func (o *Orchestrator) publishProgress(st *State) {
	o.broker.Publish(events.ProgressEvent{
		Type:      events.TypeProgress,
		TaskID:    st.TaskID,
		Phase:     st.CurrentPhase,
		Progress:  st.Progress,
		Status:    string(st.Status),
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) publishComplete(st *State) {
	var raw json.RawMessage
	if st.Result != nil {
		if data, err := json.Marshal(st.Result); err == nil {
			raw = data
		} else {
			o.log.Error("failed to serialize grading result for stream",
				"task_id", st.TaskID, "error", err)
		}
	}

	o.broker.Publish(events.ProgressEvent{
		Type:      events.TypeComplete,
		TaskID:    st.TaskID,
		Phase:     st.CurrentPhase,
		Progress:  st.Progress,
		Status:    string(st.Status),
		Result:    raw,
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) publishError(st *State) {
	o.broker.Publish(events.ProgressEvent{
		Type:      events.TypeError,
		TaskID:    st.TaskID,
		Phase:     st.CurrentPhase,
		Progress:  st.Progress,
		Status:    string(st.Status),
		Error:     st.ErrorMessage,
		Timestamp: time.Now().UTC(),
	})
}
