package httputil

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader carries the correlation id echoed back on every response.
const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware assigns a request id when the client did not send one
// and echoes it on the response so log lines can be correlated.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// RecoveryMiddleware converts handler panics into a 500 response instead of
// tearing down the connection.
func RecoveryMiddleware(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithFields(logrus.Fields{
						"method":     r.Method,
						"path":       r.URL.Path,
						"panic":      fmt.Sprintf("%v", rec),
						"request_id": r.Header.Get(RequestIDHeader),
					}).Error("panic in HTTP handler")
					log.Debug(string(debug.Stack()))
					WriteInternalError(w, fmt.Errorf("internal server error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
