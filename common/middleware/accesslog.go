package middleware

import (
	"net/http"
	"time"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// AccessLog logs one line per request. Successful requests log at debug so
// health check traffic stays out of the default output.
func AccessLog(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			log := logger.WithContext(r.Context())
			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				logging.Status(http.StatusText(rec.status)),
				"code", rec.status,
				logging.Duration(time.Since(start)),
			}
			if rec.status >= http.StatusInternalServerError {
				log.Warn("HTTP request", args...)
				return
			}
			log.Debug("HTTP request", args...)
		})
	}
}
