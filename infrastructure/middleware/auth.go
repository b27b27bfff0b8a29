package middleware

import (
	"net/http"
	"strings"
	"sync"

	"github.com/shellhost/shellhost/infrastructure/auth"
	"github.com/shellhost/shellhost/infrastructure/httputil"
	"github.com/shellhost/shellhost/infrastructure/logging"
)

// AuthMiddleware authenticates bearer credentials and attaches the
// principal to the request context. Paths registered as anonymous pass
// through unauthenticated.
type AuthMiddleware struct {
	verifier auth.TokenVerifier

	mu        sync.RWMutex
	anonymous map[string]struct{}
}

// NewAuthMiddleware creates an authentication middleware.
func NewAuthMiddleware(verifier auth.TokenVerifier, anonymousPaths ...string) *AuthMiddleware {
	anonymous := make(map[string]struct{}, len(anonymousPaths))
	for _, path := range anonymousPaths {
		anonymous[path] = struct{}{}
	}
	return &AuthMiddleware{verifier: verifier, anonymous: anonymous}
}

// AllowAnonymous registers an additional anonymous path. Modules mark
// routes anonymous during configure; the host feeds them here at seal
// time.
func (m *AuthMiddleware) AllowAnonymous(path string) {
	m.mu.Lock()
	m.anonymous[path] = struct{}{}
	m.mu.Unlock()
}

func (m *AuthMiddleware) isAnonymous(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.anonymous[path]; ok {
		return true
	}
	// Prefix registrations end with "/".
	for registered := range m.anonymous {
		if strings.HasSuffix(registered, "/") && strings.HasPrefix(path, registered) {
			return true
		}
	}
	return false
}

// Handler returns the authentication middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.verifier == nil || m.isAnonymous(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			httputil.WriteErrorResponse(w, r, http.StatusUnauthorized,
				"UNAUTHENTICATED", "missing bearer credential", nil)
			return
		}

		principal, err := m.verifier.Verify(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			httputil.WriteErrorResponse(w, r, http.StatusUnauthorized,
				"UNAUTHENTICATED", "credential verification failed", nil)
			return
		}

		ctx := auth.WithPrincipal(r.Context(), principal)
		ctx = logging.WithSubject(ctx, principal.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthzMiddleware enforces per-route authorization policies recorded by
// the host at seal time.
type AuthzMiddleware struct {
	authorizer auth.Authorizer

	mu       sync.RWMutex
	policies map[string]string // path -> policy name
}

// NewAuthzMiddleware creates an authorization middleware.
func NewAuthzMiddleware(authorizer auth.Authorizer) *AuthzMiddleware {
	return &AuthzMiddleware{authorizer: authorizer, policies: make(map[string]string)}
}

// RequirePolicy guards a path with a named policy.
func (m *AuthzMiddleware) RequirePolicy(path, policy string) {
	m.mu.Lock()
	m.policies[path] = policy
	m.mu.Unlock()
}

// Handler returns the authorization middleware handler.
func (m *AuthzMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		policy, guarded := m.policies[r.URL.Path]
		m.mu.RUnlock()
		if !guarded || m.authorizer == nil {
			next.ServeHTTP(w, r)
			return
		}

		principal, _ := auth.PrincipalFrom(r.Context())
		if err := m.authorizer.Authorize(r.Context(), principal, policy); err != nil {
			httputil.WriteErrorResponse(w, r, http.StatusForbidden,
				"FORBIDDEN", "access denied", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
