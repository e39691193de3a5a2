package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"gradeflow/internal/config"
	"gradeflow/internal/events"
	"gradeflow/internal/pipeline"
	"gradeflow/internal/platform/extract"
	"gradeflow/internal/platform/gemini"
	"gradeflow/internal/platform/postgres"
	"gradeflow/internal/service/grading"
	"gradeflow/internal/task"
)

// application bundles the wired components for startup and shutdown.
type application struct {
	config         *config.Config
	logger         *slog.Logger
	queue          *task.Queue
	gradingService *grading.Service
	server         *http.Server
}

// buildApplication wires stores, the pipeline, the queue and the HTTP
// server from configuration.
func buildApplication(cfg *config.Config, db *sql.DB, log *slog.Logger) (*application, error) {
	taskStore := postgres.NewTaskStore(db)
	checkpoints := postgres.NewCheckpointStore(db)
	broker := events.NewBroker(log)

	generator, err := gemini.NewGenerator(context.Background(), log, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create model generator: %w", err)
	}

	files := extract.NewLocalFiles()
	local := extract.NewLocalExtractor()

	var remote *extract.ServiceClient
	var enhancer pipeline.ImageEnhancer
	var regions pipeline.RegionDetector
	if cfg.Extractor.ServiceURL != "" {
		remote = extract.NewServiceClient(cfg.Extractor.ServiceURL,
			time.Duration(cfg.Extractor.TimeoutSeconds)*time.Second)
		enhancer = remote
		regions = remote
		log.Info("extraction service configured", "url", cfg.Extractor.ServiceURL)
	}

	var remoteExtractor pipeline.TextExtractor
	if remote != nil {
		remoteExtractor = remote
	}
	extractor := extract.NewCompositeExtractor(local, remoteExtractor, log)

	cacheTTL := time.Duration(cfg.Extractor.CacheTTLMinutes) * time.Minute
	extractCache := gocache.New(cacheTTL, 2*cacheTTL)

	orchestrator := pipeline.NewGradingPipeline(pipeline.PipelineDeps{
		Checker:         files,
		Extractor:       extractor,
		Loader:          files,
		Enhancer:        enhancer,
		Regions:         regions,
		Generator:       generator,
		ExtractCache:    extractCache,
		ReviewThreshold: cfg.Grading.ReviewConfidenceThreshold,
		Checkpoints:     checkpoints,
		Broker:          broker,
		Logger:          log,
	})

	registry := task.NewRegistry(log)
	queue := task.NewQueue(taskStore, registry, task.QueueConfig{
		WorkerCount:     cfg.Queue.WorkerCount,
		PollInterval:    time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		ErrorBackoff:    time.Duration(cfg.Queue.ErrorBackoffMs) * time.Millisecond,
		ShutdownTimeout: time.Duration(cfg.Queue.ShutdownTimeoutSeconds) * time.Second,
		StuckTaskAge:    time.Duration(cfg.Queue.StuckTaskAgeSeconds) * time.Second,
	}, log)

	queue.RegisterHandler(pipeline.NewGradingHandler(orchestrator, log))
	queue.RegisterHandler(pipeline.NewBatchGradingHandler(orchestrator, log))

	gradingService := grading.NewService(queue, orchestrator, broker, cfg.Grading, log)

	app := &application{
		config:         cfg,
		logger:         log,
		queue:          queue,
		gradingService: gradingService,
	}
	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return app, nil
}

// Run starts the queue workers and the HTTP server, then blocks until a
// shutdown signal arrives and both have drained.
func (app *application) Run() error {
	app.queue.Start()

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("HTTP server listening", "addr", app.server.Addr)
		if err := app.server.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		app.queue.Stop()
		return fmt.Errorf("HTTP server failed: %w", err)
	case sig := <-quit:
		app.logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownTimeout := time.Duration(app.config.Queue.ShutdownTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown failed", "error", err)
	}

	// Workers get their own bounded drain after the listener is closed.
	app.queue.Stop()

	app.logger.Info("shutdown complete")
	return nil
}
