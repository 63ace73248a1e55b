package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/pms-bundler/pkg/logging"
	"github.com/Sternrassler/pms-bundler/pkg/metrics"
)

// BundlePath is the endpoint accepting bundle requests.
const BundlePath = "/reservations/documents"

// NewRouter wires the bundle endpoint, health check and metrics.
func NewRouter(bundle http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle(BundlePath, bundle)
	return logRequests(mux)
}

// HealthHandler reports liveness.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// logRequests logs every request with its status and duration.
func logRequests(next http.Handler) http.Handler {
	logger := logging.NewLogger(logging.ComponentAPI)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		event := logger.Debug()
		if r.URL.Path == BundlePath {
			event = logger.Info()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
