package server

import (
	"net/http"
	"time"
)

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// corsMiddleware adds CORS headers and records request metrics.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		// Cache preflight results for a day to reduce OPTIONS traffic
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		start := time.Now()
		next(rw, r)
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(r.Method, routeLabel(r.URL.Path), http.StatusText(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, routeLabel(r.URL.Path)).Observe(duration.Seconds())

		s.logger.Debug("request handled", "method", r.Method, "path", r.URL.Path,
			"status", rw.statusCode, "duration", duration)
	}
}

// routeLabel collapses id-carrying paths to their route so metric
// cardinality stays bounded.
func routeLabel(path string) string {
	for _, prefix := range []string{
		"/api/v1/status/",
		"/api/v1/cancel/",
		"/api/v1/results/",
		"/ws/status/",
	} {
		if len(path) > len(prefix) && path[:len(prefix)] == prefix {
			return prefix + ":id"
		}
	}
	return path
}
