// Package middleware holds HTTP middleware shared by the triage services.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
)

// HeaderRequestID is propagated from the caller or generated per request.
const HeaderRequestID = "X-Request-ID"

// RequestID propagates or generates a request ID, echoes it in the response
// and stores it in the request context where logging.WithContext picks it up.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}
