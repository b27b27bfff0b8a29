// Package auth provides the authentication and authorization contracts the
// host installs into the root scope, plus the built-in JWT verifier.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shellhost/shellhost/infrastructure/registry"
)

// Contract IDs for the root scope.
const (
	// VerifierContract resolves to a TokenVerifier.
	VerifierContract = registry.ContractID("host.auth.verifier")
	// AuthorizerContract resolves to an Authorizer.
	AuthorizerContract = registry.ContractID("host.auth.authorizer")
)

var (
	// ErrTokenInvalid indicates the credential failed verification.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrForbidden indicates the principal lacks the required policy.
	ErrForbidden = errors.New("forbidden")
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Roles   []string
	Claims  map[string]interface{}
}

// HasRole reports whether the principal carries the role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenVerifier validates a bearer credential and produces the principal.
// Concrete backends (OIDC, SAML, opaque-token introspection) plug in here;
// the built-in implementation verifies HMAC-signed JWTs.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// Authorizer evaluates a named policy against a principal.
type Authorizer interface {
	Authorize(ctx context.Context, principal *Principal, policy string) error
}

// =============================================================================
// JWT verifier
// =============================================================================

// JWTConfig configures the built-in verifier.
type JWTConfig struct {
	// Secret is the HMAC signing key; typically sourced from
	// Shell:Auth:Secret with a secret placeholder.
	Secret string
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	// Audience, when set, must be present in the token's aud claim.
	Audience string
	// RolesClaim names the claim carrying the role list; default "roles".
	RolesClaim string
}

// JWTVerifier verifies HS256-signed JWTs.
type JWTVerifier struct {
	cfg JWTConfig
}

// NewJWTVerifier creates the built-in verifier.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("auth: signing secret is required")
	}
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = "roles"
	}
	return &JWTVerifier{cfg: cfg}, nil
}

// Verify implements TokenVerifier.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (*Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(v.cfg.Secret), nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	principal := &Principal{Claims: claims}
	if sub, err := claims.GetSubject(); err == nil {
		principal.Subject = sub
	}
	if raw, ok := claims[v.cfg.RolesClaim]; ok {
		switch typed := raw.(type) {
		case []interface{}:
			for _, role := range typed {
				if s, ok := role.(string); ok {
					principal.Roles = append(principal.Roles, s)
				}
			}
		case string:
			principal.Roles = append(principal.Roles, typed)
		}
	}
	return principal, nil
}

// =============================================================================
// Role-based authorizer
// =============================================================================

// Policy grants access when the principal holds any of the listed roles.
// An empty role list means authenticated-only.
type Policy struct {
	Name    string
	AnyRole []string
}

// RoleAuthorizer evaluates registered role policies.
type RoleAuthorizer struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewRoleAuthorizer creates an authorizer with the given policies.
func NewRoleAuthorizer(policies ...Policy) *RoleAuthorizer {
	a := &RoleAuthorizer{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		a.policies[p.Name] = p
	}
	return a
}

// AddPolicy registers or replaces a policy. Modules add route policies
// during configure.
func (a *RoleAuthorizer) AddPolicy(p Policy) {
	a.mu.Lock()
	a.policies[p.Name] = p
	a.mu.Unlock()
}

// Authorize implements Authorizer.
func (a *RoleAuthorizer) Authorize(_ context.Context, principal *Principal, policy string) error {
	if principal == nil {
		return ErrForbidden
	}
	if policy == "" {
		return nil // authenticated-only
	}

	a.mu.RLock()
	p, ok := a.policies[policy]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown policy %q", ErrForbidden, policy)
	}
	if len(p.AnyRole) == 0 {
		return nil
	}
	for _, role := range p.AnyRole {
		if principal.HasRole(role) {
			return nil
		}
	}
	return ErrForbidden
}

// =============================================================================
// Context plumbing
// =============================================================================

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches the principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom retrieves the principal from the context.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}
