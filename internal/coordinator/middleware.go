package coordinator

import (
	"net/http"
	"time"

	"github.com/textvault/coordinator/internal/logging"
)

// requestlogger logs each request's method, path, status, and duration,
// following the teacher's own thin request-logging middleware
// (main.go's `requestlogger{}.Wrap(mux)`).
type requestlogger struct{}

func (requestlogger) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logging.Log(r.Context()).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// adminToken rejects any request missing the configured admin token,
// following auth.py's admin_token dependency -- every worker-protocol
// endpoint requires it (spec.md §6).
func adminToken(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Token") != expected {
				http.Error(w, "invalid token", http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
