package secrets

import (
	"context"
	"errors"
	"regexp"
)

var (
	// ErrNotFound indicates the provider has no value for the requested name.
	ErrNotFound = errors.New("secret not found")
	// ErrProviderUnknown indicates no provider is registered for a placeholder prefix.
	ErrProviderUnknown = errors.New("secret provider unknown")
	// ErrReadOnly indicates the provider does not support writes.
	ErrReadOnly = errors.New("secret provider is read-only")
)

// placeholderPattern matches @<Provider>:<Name>. Provider is a bare
// identifier; Name is any run without whitespace or '@'. Placeholders
// cannot nest.
var placeholderPattern = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*):([^@\s]+)`)

// Provider resolves secret values for a single placeholder prefix.
//
// Get returns the value and true when the secret exists. A false second
// return with a nil error means "absent"; errors are reserved for transport
// or backend failures.
type Provider interface {
	// Name is the placeholder prefix this provider serves (e.g. "Env").
	Name() string

	// Get retrieves a secret value.
	Get(ctx context.Context, name string) (string, bool, error)

	// Healthy reports whether the backing store is reachable.
	Healthy(ctx context.Context) error
}

// Writer is implemented by providers that accept writes.
type Writer interface {
	Put(ctx context.Context, name, value string) error
}

// ContainsPlaceholder reports whether s holds at least one @Provider:Name
// placeholder. Cheap predicate used by the configuration store to mark
// sensitive entries.
func ContainsPlaceholder(s string) bool {
	return placeholderPattern.MatchString(s)
}
