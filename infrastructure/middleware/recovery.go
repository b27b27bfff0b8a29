// Package middleware provides the host's HTTP middleware chain.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/shellhost/shellhost/infrastructure/httputil"
	"github.com/shellhost/shellhost/infrastructure/logging"
)

// RecoveryMiddleware recovers from panics in downstream handlers and maps
// them to the canonical problem response. Internal details are withheld
// unless development mode is on.
type RecoveryMiddleware struct {
	logger      *logging.Logger
	development bool
}

// NewRecoveryMiddleware creates a recovery middleware.
func NewRecoveryMiddleware(logger *logging.Logger, development bool) *RecoveryMiddleware {
	return &RecoveryMiddleware{logger: logger, development: development}
}

// Handler returns the recovery middleware handler.
func (m *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				stack := debug.Stack()
				m.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
					"panic":       fmt.Sprintf("%v", err),
					"stack":       string(stack),
					"path":        r.URL.Path,
					"method":      r.Method,
					"remote_addr": r.RemoteAddr,
				}).Error("Panic recovered")

				message := "Internal server error"
				var details interface{}
				if m.development {
					details = map[string]interface{}{"panic": fmt.Sprintf("%v", err)}
				}
				httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", message, details)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
