package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// statusRecorder wraps http.ResponseWriter to capture the response status
// code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer so http.ResponseController can reach
// Hijacker/Flusher for websocket upgrades.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware returns an HTTP middleware recording request latency into the
// given [Metrics] and logging completed requests via slog. Websocket
// upgrades pass through unchanged; their lifetime is tracked by session
// metrics instead.
func Middleware(m *Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, req)

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(req.Context(), elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", req.Method),
					attribute.String("path", req.URL.Path),
				),
			)
			logger.Debug("http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", rec.status,
				"duration", elapsed,
			)
		})
	}
}
