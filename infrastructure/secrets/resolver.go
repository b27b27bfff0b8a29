// Package secrets expands @Provider:Name placeholders in configuration values.
package secrets

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/shellhost/shellhost/infrastructure/logging"
	"github.com/shellhost/shellhost/infrastructure/resilience"
)

const defaultLookupTimeout = 5 * time.Second

// Resolver expands placeholders by dispatching to registered providers.
//
// Resolution never fails: a provider error or an absent secret leaves the
// literal placeholder text in place so downstream validation can flag it.
type Resolver struct {
	mu            sync.RWMutex
	providers     map[string]Provider
	breakers      map[string]*resilience.CircuitBreaker
	lookupTimeout time.Duration
	logger        *logging.Logger
}

// NewResolver creates a Resolver with the built-in Env and Memory providers
// registered.
func NewResolver(logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewFromEnv("secrets")
	}
	r := &Resolver{
		providers:     make(map[string]Provider),
		breakers:      make(map[string]*resilience.CircuitBreaker),
		lookupTimeout: defaultLookupTimeout,
		logger:        logger,
	}
	r.Register(NewEnvProvider())
	r.Register(NewMemoryProvider(nil))
	return r
}

// SetLookupTimeout overrides the per-call provider timeout.
func (r *Resolver) SetLookupTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.lookupTimeout = d
	r.mu.Unlock()
}

// Register installs a provider under its placeholder prefix, replacing any
// previous registration for the same prefix.
func (r *Resolver) Register(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	r.providers[p.Name()] = p
	// A breaker per provider keeps a dead backend from stalling every
	// configuration read for the full lookup timeout.
	r.breakers[p.Name()] = resilience.NewBreaker(resilience.DefaultBreakerConfig())
	r.mu.Unlock()
}

// Provider returns the provider registered for the given prefix.
func (r *Resolver) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Resolve expands every placeholder in s synchronously.
func (r *Resolver) Resolve(s string) string {
	return r.ResolveContext(context.Background(), s)
}

// ResolveContext expands every placeholder in s, honoring ctx cancellation.
// Each provider lookup is bounded by the configured per-call timeout.
func (r *Resolver) ResolveContext(ctx context.Context, s string) string {
	if s == "" || !placeholderPattern.MatchString(s) {
		return s
	}

	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		providerName, secretName := groups[1], groups[2]

		provider, ok := r.Provider(providerName)
		if !ok {
			r.logger.WithFields(map[string]interface{}{
				"provider": providerName,
				"secret":   secretName,
			}).Warn("secret provider not registered; placeholder preserved")
			return match
		}

		r.mu.RLock()
		timeout := r.lookupTimeout
		breaker := r.breakers[providerName]
		r.mu.RUnlock()
		lookupCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var value string
		var found bool
		err := breaker.Execute(func() error {
			var lookupErr error
			value, found, lookupErr = provider.Get(lookupCtx, secretName)
			return lookupErr
		})
		if err != nil {
			r.logger.WithError(err).WithFields(map[string]interface{}{
				"provider": providerName,
				"secret":   secretName,
			}).Warn("secret lookup failed; placeholder preserved")
			return match
		}
		if !found {
			r.logger.WithFields(map[string]interface{}{
				"provider": providerName,
				"secret":   secretName,
			}).Warn("secret not found; placeholder preserved")
			return match
		}
		return value
	})
}

// ResolveIn walks v and resolves placeholders in every reachable string
// field, in place. v must be a pointer. Cycles are broken by identity
// tracking of visited pointers.
func (r *Resolver) ResolveIn(ctx context.Context, v interface{}) {
	if v == nil {
		return
	}
	visited := make(map[uintptr]struct{})
	r.resolveValue(ctx, reflect.ValueOf(v), visited)
}

func (r *Resolver) resolveValue(ctx context.Context, v reflect.Value, visited map[uintptr]struct{}) {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return
		}
		addr := v.Pointer()
		if _, seen := visited[addr]; seen {
			return
		}
		visited[addr] = struct{}{}
		r.resolveValue(ctx, v.Elem(), visited)

	case reflect.Interface:
		if v.IsNil() {
			return
		}
		r.resolveValue(ctx, v.Elem(), visited)

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if !field.CanSet() {
				continue
			}
			r.resolveValue(ctx, field, visited)
		}

	case reflect.Map:
		if v.IsNil() {
			return
		}
		for _, key := range v.MapKeys() {
			elem := v.MapIndex(key)
			if elem.Kind() == reflect.String {
				v.SetMapIndex(key, reflect.ValueOf(r.ResolveContext(ctx, elem.String())))
				continue
			}
			// Map elements are not addressable; only pointer-like elements
			// can be walked in place.
			if elem.Kind() == reflect.Ptr || elem.Kind() == reflect.Interface {
				r.resolveValue(ctx, elem, visited)
			}
		}

	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			r.resolveValue(ctx, v.Index(i), visited)
		}

	case reflect.String:
		if v.CanSet() {
			v.SetString(r.ResolveContext(ctx, v.String()))
		}
	}
}
