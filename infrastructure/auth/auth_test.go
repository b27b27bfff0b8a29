package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTVerifierAcceptsValidToken(t *testing.T) {
	verifier, err := NewJWTVerifier(JWTConfig{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}

	token := signToken(t, "test-secret", jwt.MapClaims{
		"sub":   "user-1",
		"roles": []string{"admin", "operator"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	principal, err := verifier.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if principal.Subject != "user-1" {
		t.Fatalf("subject = %q", principal.Subject)
	}
	if !principal.HasRole("admin") || principal.HasRole("viewer") {
		t.Fatalf("roles = %v", principal.Roles)
	}
}

func TestJWTVerifierRejectsBadSignature(t *testing.T) {
	verifier, _ := NewJWTVerifier(JWTConfig{Secret: "right-secret"})
	token := signToken(t, "wrong-secret", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := verifier.Verify(context.Background(), token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("error = %v, want ErrTokenInvalid", err)
	}
}

func TestJWTVerifierRejectsExpiredToken(t *testing.T) {
	verifier, _ := NewJWTVerifier(JWTConfig{Secret: "s"})
	token := signToken(t, "s", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	if _, err := verifier.Verify(context.Background(), token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("error = %v, want ErrTokenInvalid", err)
	}
}

func TestJWTVerifierEnforcesIssuer(t *testing.T) {
	verifier, _ := NewJWTVerifier(JWTConfig{Secret: "s", Issuer: "shellhost"})
	token := signToken(t, "s", jwt.MapClaims{
		"sub": "user-1",
		"iss": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := verifier.Verify(context.Background(), token); err == nil {
		t.Fatal("Verify() accepted wrong issuer")
	}
}

func TestRoleAuthorizer(t *testing.T) {
	authorizer := NewRoleAuthorizer(
		Policy{Name: "admin-only", AnyRole: []string{"admin"}},
		Policy{Name: "any-authenticated"},
	)

	admin := &Principal{Subject: "a", Roles: []string{"admin"}}
	viewer := &Principal{Subject: "v", Roles: []string{"viewer"}}

	if err := authorizer.Authorize(context.Background(), admin, "admin-only"); err != nil {
		t.Fatalf("admin refused: %v", err)
	}
	if err := authorizer.Authorize(context.Background(), viewer, "admin-only"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("viewer allowed: %v", err)
	}
	if err := authorizer.Authorize(context.Background(), viewer, "any-authenticated"); err != nil {
		t.Fatalf("authenticated-only refused: %v", err)
	}
	if err := authorizer.Authorize(context.Background(), nil, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("nil principal allowed: %v", err)
	}
	if err := authorizer.Authorize(context.Background(), viewer, "missing"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("unknown policy allowed: %v", err)
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	p := &Principal{Subject: "user-1"}
	ctx := WithPrincipal(context.Background(), p)
	got, ok := PrincipalFrom(ctx)
	if !ok || got.Subject != "user-1" {
		t.Fatalf("PrincipalFrom = %+v, %v", got, ok)
	}
}
