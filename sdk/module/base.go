package module

import (
	"context"
	"sync"
	"time"

	"github.com/shellhost/shellhost/infrastructure/registry"
)

// Base is an embeddable default implementation of the Module contract.
// Modules embed it, set identity fields through NewBase, and override the
// lifecycle methods they need. It provides safe stop-channel management
// (double Stop is a no-op) and ticker-worker wiring.
type Base struct {
	identity Identity
	meta     Metadata
	deps     []Dependency
	enabled  bool

	stopCh   chan struct{}
	stopOnce sync.Once

	startedMu sync.RWMutex
	startedAt time.Time
}

// NewBase constructs a Base with the given identity.
func NewBase(identity Identity) *Base {
	return &Base{
		identity: identity,
		enabled:  true,
		stopCh:   make(chan struct{}),
	}
}

// WithMetadata sets the module metadata.
func (b *Base) WithMetadata(meta Metadata) *Base {
	b.meta = meta
	return b
}

// WithDependencies declares module dependencies.
func (b *Base) WithDependencies(deps ...Dependency) *Base {
	b.deps = append(b.deps, deps...)
	return b
}

// SetEnabled toggles participation in the host run.
func (b *Base) SetEnabled(enabled bool) { b.enabled = enabled }

// Identity implements Module.
func (b *Base) Identity() Identity { return b.identity }

// Metadata implements Module.
func (b *Base) Metadata() Metadata { return b.meta }

// Dependencies implements Module.
func (b *Base) Dependencies() []Dependency { return b.deps }

// Enabled implements Module.
func (b *Base) Enabled() bool { return b.enabled }

// Validate implements Module; the default accepts.
func (b *Base) Validate(ValidationContext) ValidationResult { return Valid() }

// OnInitialize implements Module; the default registers nothing.
func (b *Base) OnInitialize(*registry.Scope) error { return nil }

// OnConfigure implements Module; the default contributes nothing.
func (b *Base) OnConfigure(PipelineBuilder) error { return nil }

// OnStart implements Module.
func (b *Base) OnStart(context.Context) error {
	b.startedMu.Lock()
	if b.startedAt.IsZero() {
		b.startedAt = time.Now()
	}
	b.startedMu.Unlock()
	return nil
}

// OnStop implements Module; it signals StopChan.
func (b *Base) OnStop(context.Context) error {
	b.stopOnce.Do(func() { close(b.stopCh) })
	return nil
}

// OnUnload implements Module.
func (b *Base) OnUnload(context.Context) error { return nil }

// OnConfigurationChanged implements Module; the default ignores changes.
func (b *Base) OnConfigurationChanged(map[string]string) error { return nil }

// CheckHealth implements Module; the default reports Healthy with uptime.
func (b *Base) CheckHealth(context.Context) HealthResult {
	result := HealthyResult("")
	b.startedMu.RLock()
	if !b.startedAt.IsZero() {
		result.Data = map[string]string{"uptime": time.Since(b.startedAt).String()}
	}
	b.startedMu.RUnlock()
	return result
}

// StopChan exposes the stop channel for worker goroutines.
func (b *Base) StopChan() <-chan struct{} { return b.stopCh }

// Uptime returns the time since OnStart, zero before start.
func (b *Base) Uptime() time.Duration {
	b.startedMu.RLock()
	defer b.startedMu.RUnlock()
	if b.startedAt.IsZero() {
		return 0
	}
	return time.Since(b.startedAt)
}

// TickerWorker wraps fn in the common ticker loop, stopping on ctx
// cancellation or module stop. Errors are reported through onError when
// provided and never abort the loop.
func (b *Base) TickerWorker(name string, interval time.Duration, fn func(ctx context.Context) error, onError func(name string, err error)) Worker {
	return Worker{
		Name: name,
		Run: func(ctx context.Context) error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-b.stopCh:
					return nil
				case <-ticker.C:
					if err := fn(ctx); err != nil && onError != nil {
						onError(name, err)
					}
				}
			}
		},
	}
}
