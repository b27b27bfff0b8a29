package registry

import "context"

type contextKey string

const scopeKey contextKey = "scope"

// WithScope attaches a scope to the context. The host's pipeline installs
// a request scope on every request reaching a module route.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey, s)
}

// ScopeFrom retrieves the scope from the context.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey).(*Scope)
	return s, ok
}
