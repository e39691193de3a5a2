package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"gradeflow/internal/api"
	apimiddleware "gradeflow/internal/api/middleware"
)

// setupRouter builds the application router with all routes and
// middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(apimiddleware.Trace)

	gradingHandler := api.NewGradingHandler(app.gradingService, app.logger)

	r.Route("/api/grading", func(r chi.Router) {
		r.Post("/tasks", gradingHandler.SubmitTask)
		r.Post("/tasks/batch", gradingHandler.SubmitBatch)
		r.Get("/tasks/{id}", gradingHandler.GetTaskStatus)
		r.Get("/tasks/{id}/stream", gradingHandler.StreamTask)
		r.Delete("/tasks/{id}", gradingHandler.CancelTask)
		r.Get("/queue/stats", gradingHandler.GetQueueStats)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
