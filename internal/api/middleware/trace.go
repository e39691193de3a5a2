// Package middleware holds the HTTP middleware applied by the router.
package middleware

import (
	"log/slog"
	"net/http"

	"gradeflow/internal/api/shared"
)

// Trace adds a trace ID to the request context and logs the incoming
// request. Apply it early so every downstream handler sees the trace ID.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.SetTraceID(r.Context())
		traceID := shared.GetTraceID(ctx)

		slog.Debug("request started",
			slog.String("trace_id", traceID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
