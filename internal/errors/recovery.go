// Package errors provides HTTP error-handling middleware for the FJORD
// service. The contextual error type used by the model layer lives in
// internal/gp.
package errors

import (
	"net/http"
	"runtime/debug"

	"github.com/copyleftdev/FJORD/internal/logging"
)

// RecoveryMiddleware converts handler panics into 500 responses and logs
// the stack instead of killing the process.
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("recovered from panic", map[string]interface{}{
						"error":  rec,
						"stack":  string(debug.Stack()),
						"method": r.Method,
						"path":   r.URL.Path,
					})
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
