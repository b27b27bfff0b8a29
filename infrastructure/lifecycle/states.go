// Package lifecycle owns the module state machine and drives every module
// through it in dependency-respecting order with deterministic error
// handling.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/shellhost/shellhost/infrastructure/loader"
	"github.com/shellhost/shellhost/infrastructure/registry"
	"github.com/shellhost/shellhost/sdk/module"
)

// State is a module's position in the lifecycle.
type State string

const (
	StateDiscovered  State = "Discovered"
	StateValidated   State = "Validated"
	StateInitialized State = "Initialized"
	StateConfigured  State = "Configured"
	StateStarted     State = "Started"
	StateStopping    State = "Stopping"
	StateStopped     State = "Stopped"
	StateFailed      State = "Failed"
	StateUnloaded    State = "Unloaded"
)

// Phase names used in logs and LifecycleErrors.
const (
	PhaseValidate   = "validate"
	PhaseInitialize = "initialize"
	PhaseConfigure  = "configure"
	PhaseStart      = "start"
	PhaseStop       = "stop"
	PhaseUnload     = "unload"
)

// Record is the runtime entity for one module. It is mutated only by the
// engine; readers take snapshots.
type Record struct {
	mu sync.RWMutex

	manifest *loader.Manifest
	loadCtx  *loader.LoadContext

	state     State
	lastError error

	scope         *registry.Scope
	contributions module.Contributions

	health        module.HealthResult
	workerCancel  context.CancelFunc
	workerWG      sync.WaitGroup
	configSubOpen bool
}

// Name returns the module name.
func (r *Record) Name() string { return r.manifest.Name }

// Manifest returns the module's manifest.
func (r *Record) Manifest() *loader.Manifest { return r.manifest }

// Entry returns the module entry object, nil after unload.
func (r *Record) Entry() module.Module {
	if r.loadCtx == nil {
		return nil
	}
	return r.loadCtx.Entry()
}

// State returns the current state.
func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// LastError returns the error attached by the most recent failure.
func (r *Record) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastError
}

// Scope returns the module's service scope; nil before initialization and
// once the scope is disposed (at unload, or when the module fails during
// startup).
func (r *Record) Scope() *registry.Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scope
}

// Contributions returns the recorded pipeline contributions.
func (r *Record) Contributions() module.Contributions {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contributions
}

// Health returns the most recent health result.
func (r *Record) Health() module.HealthResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health
}

func (r *Record) setHealth(h module.HealthResult) {
	r.mu.Lock()
	r.health = h
	r.mu.Unlock()
}

// View is an immutable snapshot of a record for health and introspection.
type View struct {
	Name         string
	Version      string
	Description  string
	State        State
	LastError    string
	Dependencies []module.Dependency
	Health       module.HealthResult
}

// Snapshot captures the record.
func (r *Record) Snapshot() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := View{
		Name:         r.manifest.Name,
		Version:      r.manifest.Version,
		Description:  r.manifest.Identity.Description,
		State:        r.state,
		Dependencies: r.manifest.Dependencies,
		Health:       r.health,
	}
	if r.lastError != nil {
		v.LastError = r.lastError.Error()
	}
	return v
}

// transitionTable declares the legal state DAG. Failed is reachable from
// every state except Failed and Unloaded, and leaves only to Unloaded.
var transitionTable = map[State][]State{
	StateDiscovered:  {StateValidated, StateFailed},
	StateValidated:   {StateInitialized, StateFailed},
	StateInitialized: {StateConfigured, StateFailed},
	StateConfigured:  {StateStarted, StateFailed},
	StateStarted:     {StateStopping, StateFailed},
	StateStopping:    {StateStopped, StateFailed},
	// Stopped → Started is the cascading-reload restart path.
	StateStopped:     {StateUnloaded, StateStarted, StateFailed},
	StateFailed:      {StateUnloaded},
	StateUnloaded:    {},
}

// transition moves the record to next if legal, recording err alongside
// failures. Returns false when the transition is not in the DAG.
func (r *Record) transition(next State, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	legal := false
	for _, allowed := range transitionTable[r.state] {
		if allowed == next {
			legal = true
			break
		}
	}
	if !legal {
		return false
	}
	r.state = next
	if err != nil {
		r.lastError = err
	}
	return true
}

// timer measures a phase callback.
type timer struct{ start time.Time }

func startTimer() timer                { return timer{start: time.Now()} }
func (t timer) elapsed() time.Duration { return time.Since(t.start) }
