package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shellhost/shellhost/infrastructure/config"
	hosterrors "github.com/shellhost/shellhost/infrastructure/errors"
	"github.com/shellhost/shellhost/infrastructure/loader"
	"github.com/shellhost/shellhost/infrastructure/logging"
	"github.com/shellhost/shellhost/infrastructure/registry"
	"github.com/shellhost/shellhost/sdk/module"
)

// StartFailurePolicy selects how the host reacts to a module failing
// during startup.
type StartFailurePolicy string

const (
	// PolicyAbortHost aborts startup on the first failed module.
	PolicyAbortHost StartFailurePolicy = "abort_host"
	// PolicyContinue proceeds with the surviving module set.
	PolicyContinue StartFailurePolicy = "continue_without_module"
)

const (
	defaultStopTimeout  = 30 * time.Second
	defaultPhaseTimeout = 60 * time.Second
	defaultFanOut       = 4
)

// Options tune the engine.
type Options struct {
	// StopTimeout bounds each module's OnStop.
	StopTimeout time.Duration
	// PhaseTimeout bounds each module's initialize/configure/start/unload
	// callback.
	PhaseTimeout time.Duration
	// FanOut caps concurrent modules within one phase level.
	FanOut int
	// StartFailurePolicy defaults to PolicyAbortHost.
	StartFailurePolicy StartFailurePolicy
	// CascadingReload allows Reload to stop and restart dependents.
	CascadingReload bool
	// TolerateInvalid keeps the host up when a module fails validation
	// or load; the module is skipped.
	TolerateInvalid bool
}

func (o Options) withDefaults() Options {
	if o.StopTimeout <= 0 {
		o.StopTimeout = defaultStopTimeout
	}
	if o.PhaseTimeout <= 0 {
		o.PhaseTimeout = defaultPhaseTimeout
	}
	if o.FanOut <= 0 {
		o.FanOut = defaultFanOut
	}
	if o.StartFailurePolicy == "" {
		o.StartFailurePolicy = PolicyAbortHost
	}
	return o
}

// StateChange notifies observers of one record transition.
type StateChange struct {
	Module string
	From   State
	To     State
	Err    error
}

// Notifier receives state changes; the host feeds them to the event
// stream and metrics.
type Notifier func(StateChange)

// Engine drives the module set through the lifecycle phases.
type Engine struct {
	opts   Options
	loader *loader.Loader
	root   *registry.Scope
	store  *config.Store
	logger *logging.Logger
	notify Notifier

	mu      sync.RWMutex
	records map[string]*Record
	levels  [][]string
	graph   *graph

	configSub *config.Subscription
}

// NewEngine creates an Engine.
func NewEngine(opts Options, ldr *loader.Loader, root *registry.Scope, store *config.Store, logger *logging.Logger, notify Notifier) *Engine {
	if logger == nil {
		logger = logging.NewFromEnv("lifecycle")
	}
	return &Engine{
		opts:    opts.withDefaults(),
		loader:  ldr,
		root:    root,
		store:   store,
		logger:  logger,
		notify:  notify,
		records: make(map[string]*Record),
	}
}

// Records snapshots every record.
func (e *Engine) Records() []View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	views := make([]View, 0, len(e.records))
	for _, level := range e.levels {
		for _, name := range level {
			if r, ok := e.records[name]; ok {
				views = append(views, r.Snapshot())
			}
		}
	}
	// Records excluded from the ordering (failed before Order) come last.
	ordered := make(map[string]bool)
	for _, v := range views {
		ordered[v.Name] = true
	}
	for name, r := range e.records {
		if !ordered[name] {
			views = append(views, r.Snapshot())
		}
	}
	return views
}

// Record returns one record's snapshot.
func (e *Engine) Record(name string) (View, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.records[name]
	if !ok {
		return View{}, false
	}
	return r.Snapshot(), true
}

// RecordHandle returns the live record; the host composer reads
// contributions and scopes from it at seal time.
func (e *Engine) RecordHandle(name string) (*Record, bool) {
	return e.record(name)
}

func (e *Engine) record(name string) (*Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.records[name]
	return r, ok
}

func (e *Engine) setState(r *Record, next State, err error) {
	from := r.State()
	if !r.transition(next, err) {
		e.logger.WithFields(map[string]interface{}{
			"module": r.Name(),
			"from":   string(from),
			"to":     string(next),
		}).Error("illegal state transition refused")
		return
	}
	if e.notify != nil {
		e.notify(StateChange{Module: r.Name(), From: from, To: next, Err: err})
	}
}

// fail marks a record Failed and attaches the cause.
func (e *Engine) fail(r *Record, phase string, elapsed time.Duration, cause error) error {
	lcErr := hosterrors.NewLifecycleError(r.Name(), phase, elapsed, cause)
	e.setState(r, StateFailed, lcErr)
	e.logger.LogPhase(r.Name(), phase, "failure", elapsed, cause)
	return lcErr
}

// =============================================================================
// Startup
// =============================================================================

// Startup discovers, loads, validates, orders, initializes, configures, and
// starts the module set. Each phase completes across all modules before the
// next begins. Under PolicyAbortHost a failure ends startup with an error
// once the failing level has finished; the started modules are stopped and
// unloaded first only when the failure is in the start phase, and modules
// already initialized or configured are left in place. Under PolicyContinue
// failed modules and their dependents are skipped.
func (e *Engine) Startup(ctx context.Context) error {
	if err := e.discoverAndLoad(); err != nil {
		return err
	}
	if err := e.validatePhase(ctx); err != nil {
		return err
	}
	if err := e.orderPhase(); err != nil {
		return err
	}
	if err := e.sweepForward(ctx, PhaseInitialize); err != nil {
		return err
	}
	if err := e.sweepForward(ctx, PhaseConfigure); err != nil {
		return err
	}
	if err := e.sweepForward(ctx, PhaseStart); err != nil {
		return err
	}
	e.subscribeConfig()
	return nil
}

func (e *Engine) discoverAndLoad() error {
	candidates, err := e.loader.Discover()
	if err != nil {
		return err
	}

	for _, candidate := range candidates {
		if !candidate.Manifest.IsEnabled() {
			e.logger.WithFields(map[string]interface{}{
				"module": candidate.Manifest.Name,
			}).Info("module disabled in manifest; skipping")
			continue
		}

		loaded, err := e.loader.Load(candidate)
		if err != nil {
			if !e.opts.TolerateInvalid {
				return err
			}
			e.logger.WithError(err).WithFields(map[string]interface{}{
				"module": candidate.Manifest.Name,
			}).Warn("module failed to load; skipping")
			continue
		}

		entry := loaded.Context.Entry()
		if !entry.Enabled() {
			e.logger.WithFields(map[string]interface{}{
				"module": candidate.Manifest.Name,
			}).Info("module entry disabled; skipping")
			loaded.Context.Release()
			continue
		}

		record := &Record{
			manifest: loaded.Manifest,
			loadCtx:  loaded.Context,
			state:    StateDiscovered,
			health:   module.HealthResult{Status: module.Healthy},
		}
		e.mu.Lock()
		e.records[record.Name()] = record
		e.mu.Unlock()
	}
	return nil
}

// validatePhase runs entry validation concurrently; modules are
// independent here.
func (e *Engine) validatePhase(ctx context.Context) error {
	e.mu.RLock()
	records := make([]*Record, 0, len(e.records))
	identities := make([]module.Identity, 0, len(e.records))
	for _, r := range e.records {
		records = append(records, r)
		identities = append(identities, r.manifest.Identity)
	}
	e.mu.RUnlock()

	sem := make(chan struct{}, e.opts.FanOut)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []error

	for _, r := range records {
		r := r
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			e.logger.LogPhase(r.Name(), PhaseValidate, "begin", 0, nil)
			t := startTimer()
			section := e.store.Section("Modules" + config.KeySeparator + r.Name())
			result := e.loader.Validate(&loader.Loaded{Manifest: r.manifest, Context: r.loadCtx}, identities, section)

			for _, warning := range result.Warnings {
				e.logger.WithFields(map[string]interface{}{
					"module": r.Name(),
				}).Warn("validation warning: " + warning)
			}
			if !result.OK {
				err := e.fail(r, PhaseValidate, t.elapsed(),
					fmt.Errorf("validation errors: %s", strings.Join(result.Errors, "; ")))
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return
			}
			e.setState(r, StateValidated, nil)
			e.logger.LogPhase(r.Name(), PhaseValidate, "end", t.elapsed(), nil)
		}()
	}
	wg.Wait()

	if len(failures) > 0 && !e.opts.TolerateInvalid {
		return hosterrors.Join(failures...)
	}
	return nil
}

// orderPhase checks dependencies and computes the level ordering.
func (e *Engine) orderPhase() error {
	e.mu.RLock()
	validated := make([]*Record, 0, len(e.records))
	for _, r := range e.records {
		if r.State() == StateValidated {
			validated = append(validated, r)
		}
	}
	e.mu.RUnlock()

	g, depFailed := buildGraph(validated)
	var failures []error
	for name, cause := range depFailed {
		if r, ok := e.record(name); ok {
			failures = append(failures, e.fail(r, PhaseInitialize, 0, cause))
		}
	}

	levels, cycle, cycleErr := g.levels()
	for _, name := range cycle {
		if r, ok := e.record(name); ok {
			failures = append(failures, e.fail(r, PhaseInitialize, 0, cycleErr))
		}
		delete(g.records, name)
	}

	e.mu.Lock()
	e.graph = g
	e.levels = levels
	e.mu.Unlock()

	if len(failures) > 0 && e.opts.StartFailurePolicy == PolicyAbortHost {
		return hosterrors.Join(failures...)
	}
	return nil
}

// sweepForward runs one phase across the module set in dependency order,
// parallelizing independent modules within each level.
func (e *Engine) sweepForward(ctx context.Context, phase string) error {
	e.mu.RLock()
	levels := e.levels
	e.mu.RUnlock()

	expect := map[string]State{
		PhaseInitialize: StateValidated,
		PhaseConfigure:  StateInitialized,
		PhaseStart:      StateConfigured,
	}[phase]

	var failures []error
	for _, level := range levels {
		var wg sync.WaitGroup
		sem := make(chan struct{}, e.opts.FanOut)
		var mu sync.Mutex

		for _, name := range level {
			r, ok := e.record(name)
			if !ok || r.State() != expect {
				continue
			}
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if err := e.runForwardPhase(ctx, r, phase); err != nil {
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		// Phase barrier per level: dependents of failures are condemned
		// before the next level runs.
		if len(failures) > 0 {
			e.condemnDependents(failures)
		}
	}

	if len(failures) == 0 {
		return nil
	}
	if e.opts.StartFailurePolicy == PolicyAbortHost {
		if phase == PhaseStart {
			// Reverse the just-started modules before aborting.
			e.stopAll(context.Background())
			e.unloadAll(context.Background())
		}
		return hosterrors.Join(failures...)
	}
	return nil
}

func (e *Engine) runForwardPhase(ctx context.Context, r *Record, phase string) error {
	entry := r.Entry()
	if entry == nil {
		return e.fail(r, phase, 0, hosterrors.ErrInternal)
	}

	e.logger.LogPhase(r.Name(), phase, "begin", 0, nil)
	t := startTimer()

	var err error
	switch phase {
	case PhaseInitialize:
		scope := e.root.NewChild("module:" + r.Name())
		err = e.runWithTimeout(ctx, e.opts.PhaseTimeout, func(context.Context) error {
			return entry.OnInitialize(scope)
		})
		if err == nil {
			r.mu.Lock()
			r.scope = scope
			r.mu.Unlock()
			e.setState(r, StateInitialized, nil)
		} else {
			scope.Close()
		}

	case PhaseConfigure:
		recorder := &module.Recorder{}
		err = e.runWithTimeout(ctx, e.opts.PhaseTimeout, func(context.Context) error {
			return entry.OnConfigure(recorder)
		})
		if err == nil {
			r.mu.Lock()
			r.contributions = recorder.Contributions
			r.mu.Unlock()
			e.setState(r, StateConfigured, nil)
		}

	case PhaseStart:
		err = e.runWithTimeout(ctx, e.opts.PhaseTimeout, entry.OnStart)
		if err == nil {
			e.startWorkers(r)
			e.setState(r, StateStarted, nil)
		}
	}

	if err != nil {
		failure := e.fail(r, phase, t.elapsed(), err)
		e.disposeScope(r)
		return failure
	}
	e.logger.LogPhase(r.Name(), phase, "end", t.elapsed(), nil)
	return nil
}

// condemnDependents marks every transitive dependent of the failed modules
// Failed and disposes any scopes they already created, in reverse order.
func (e *Engine) condemnDependents(failures []error) {
	e.mu.RLock()
	g := e.graph
	e.mu.RUnlock()
	if g == nil {
		return
	}

	condemned := make(map[string]error)
	for _, failure := range failures {
		var lcErr *hosterrors.LifecycleError
		if !hosterrors.As(failure, &lcErr) {
			continue
		}
		for _, dependent := range g.transitiveDependents(lcErr.Module) {
			if _, already := condemned[dependent]; !already {
				condemned[dependent] = hosterrors.NewDependencyError(dependent,
					hosterrors.Join(hosterrors.ErrMissingDependency,
						fmt.Errorf("dependency %s failed", lcErr.Module)),
					dependent, lcErr.Module)
			}
		}
	}

	// Reverse startup order for disposal.
	e.mu.RLock()
	levels := e.levels
	e.mu.RUnlock()
	for i := len(levels) - 1; i >= 0; i-- {
		for _, name := range levels[i] {
			cause, hit := condemned[name]
			if !hit {
				continue
			}
			r, ok := e.record(name)
			if !ok || r.State() == StateFailed {
				continue
			}
			e.setState(r, StateFailed, cause)
			e.logger.LogPhase(name, PhaseInitialize, "failure", 0, cause)
			e.disposeScope(r)
		}
	}
}

func (e *Engine) disposeScope(r *Record) {
	r.mu.Lock()
	scope := r.scope
	r.scope = nil
	r.mu.Unlock()
	if scope != nil {
		scope.Close()
	}
}

// startWorkers launches the module's contributed run-loop workers bound to
// a per-module cancel.
func (e *Engine) startWorkers(r *Record) {
	contributions := r.Contributions()
	if len(contributions.Workers) == 0 {
		return
	}

	workerCtx, cancel := context.WithCancel(logging.WithModule(context.Background(), r.Name()))
	r.mu.Lock()
	r.workerCancel = cancel
	r.mu.Unlock()

	for _, w := range contributions.Workers {
		if w.Run == nil {
			continue // cron workers are scheduled by the host
		}
		w := w
		r.workerWG.Add(1)
		go func() {
			defer r.workerWG.Done()
			if err := w.Run(workerCtx); err != nil {
				e.logger.WithError(err).WithFields(map[string]interface{}{
					"module": r.Name(),
					"worker": w.Name,
				}).Warn("worker exited with error")
			}
		}()
	}
}

// =============================================================================
// Shutdown
// =============================================================================

// Shutdown stops and unloads every module in reverse dependency order.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.configSub != nil {
		e.configSub.Close()
		e.configSub = nil
	}
	stopErr := e.stopAll(ctx)
	unloadErr := e.unloadAll(ctx)
	return hosterrors.Join(stopErr, unloadErr)
}

func (e *Engine) stopAll(ctx context.Context) error {
	e.mu.RLock()
	levels := e.levels
	e.mu.RUnlock()

	var failures []error
	for i := len(levels) - 1; i >= 0; i-- {
		var wg sync.WaitGroup
		sem := make(chan struct{}, e.opts.FanOut)
		var mu sync.Mutex

		for _, name := range levels[i] {
			r, ok := e.record(name)
			if !ok || r.State() != StateStarted {
				continue
			}
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if err := e.stopModule(ctx, r); err != nil {
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
				}
			}()
		}
		wg.Wait() // barrier: a level fully stops before its dependencies
	}
	return hosterrors.Join(failures...)
}

func (e *Engine) stopModule(ctx context.Context, r *Record) error {
	entry := r.Entry()
	if entry == nil {
		return nil
	}

	e.setState(r, StateStopping, nil)
	e.logger.LogPhase(r.Name(), PhaseStop, "begin", 0, nil)
	t := startTimer()

	// Signal workers first so OnStop only waits for cooperative exits.
	r.mu.Lock()
	cancel := r.workerCancel
	r.workerCancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	err := e.runWithTimeout(ctx, e.opts.StopTimeout, entry.OnStop)
	if err == nil {
		err = e.awaitWorkers(r)
	}
	if err != nil {
		// A stop failure or timeout marks the module Failed; the sweep
		// proceeds. The callback goroutine is not forcibly terminated.
		return e.fail(r, PhaseStop, t.elapsed(), err)
	}

	e.setState(r, StateStopped, nil)
	e.logger.LogPhase(r.Name(), PhaseStop, "end", t.elapsed(), nil)
	return nil
}

// awaitWorkers waits for contributed workers within the stop timeout.
func (e *Engine) awaitWorkers(r *Record) error {
	done := make(chan struct{})
	go func() {
		r.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(e.opts.StopTimeout):
		return hosterrors.Join(hosterrors.ErrTimeout,
			fmt.Errorf("workers ignored cancellation"))
	}
}

func (e *Engine) unloadAll(ctx context.Context) error {
	e.mu.RLock()
	levels := e.levels
	e.mu.RUnlock()

	var failures []error
	for i := len(levels) - 1; i >= 0; i-- {
		for _, name := range levels[i] {
			r, ok := e.record(name)
			if !ok {
				continue
			}
			if state := r.State(); state != StateStopped && state != StateFailed {
				continue
			}
			if err := e.unloadModule(ctx, r); err != nil {
				failures = append(failures, err)
			}
		}
	}
	return hosterrors.Join(failures...)
}

func (e *Engine) unloadModule(ctx context.Context, r *Record) error {
	e.logger.LogPhase(r.Name(), PhaseUnload, "begin", 0, nil)
	t := startTimer()

	var err error
	if entry := r.Entry(); entry != nil {
		err = e.runWithTimeout(ctx, e.opts.PhaseTimeout, entry.OnUnload)
	}

	e.disposeScope(r)
	r.loadCtx.Release()
	e.setState(r, StateUnloaded, err)

	if err != nil {
		e.logger.LogPhase(r.Name(), PhaseUnload, "failure", t.elapsed(), err)
		return hosterrors.NewLifecycleError(r.Name(), PhaseUnload, t.elapsed(), err)
	}
	e.logger.LogPhase(r.Name(), PhaseUnload, "end", t.elapsed(), nil)
	return nil
}

// =============================================================================
// Hot reload
// =============================================================================

// Reload stops, unloads, rediscovers, and restarts a single module. When
// running dependents exist the reload is refused unless CascadingReload is
// set, in which case dependents stop first and restart after.
func (e *Engine) Reload(ctx context.Context, name string) error {
	r, ok := e.record(name)
	if !ok {
		return hosterrors.ErrModuleNotFound
	}

	e.mu.RLock()
	g := e.graph
	e.mu.RUnlock()

	var runningDependents []*Record
	if g != nil {
		for _, dependent := range g.transitiveDependents(name) {
			if dr, ok := e.record(dependent); ok && dr.State() == StateStarted {
				runningDependents = append(runningDependents, dr)
			}
		}
	}
	if len(runningDependents) > 0 && !e.opts.CascadingReload {
		return hosterrors.ErrReloadRefused
	}

	// Dependents stop before the target, closest-to-leaf first.
	for i := len(runningDependents) - 1; i >= 0; i-- {
		if err := e.stopModule(ctx, runningDependents[i]); err != nil {
			return err
		}
	}

	if r.State() == StateStarted {
		if err := e.stopModule(ctx, r); err != nil {
			return err
		}
	}
	if err := e.unloadModule(ctx, r); err != nil {
		return err
	}

	// Re-discover the single artifact and rebuild the record in place.
	candidate, err := e.loader.DiscoverOne(name)
	if err != nil {
		return err
	}
	loaded, err := e.loader.Load(candidate)
	if err != nil {
		return err
	}

	fresh := &Record{
		manifest: loaded.Manifest,
		loadCtx:  loaded.Context,
		state:    StateDiscovered,
		health:   module.HealthResult{Status: module.Healthy},
	}
	e.mu.Lock()
	e.records[name] = fresh
	e.mu.Unlock()

	identities := e.loadedIdentities()
	section := e.store.Section("Modules" + config.KeySeparator + name)
	result := e.loader.Validate(loaded, identities, section)
	if !result.OK {
		return e.fail(fresh, PhaseValidate, 0,
			fmt.Errorf("validation errors: %s", strings.Join(result.Errors, "; ")))
	}
	e.setState(fresh, StateValidated, nil)

	for _, phase := range []string{PhaseInitialize, PhaseConfigure, PhaseStart} {
		if err := e.runForwardPhase(ctx, fresh, phase); err != nil {
			return err
		}
	}

	// Restart dependents in dependency order (shallowest first).
	for _, dr := range runningDependents {
		if dr.State() != StateStopped {
			continue
		}
		entry := dr.Entry()
		if entry == nil {
			continue
		}
		e.logger.LogPhase(dr.Name(), PhaseStart, "begin", 0, nil)
		t := startTimer()
		if err := e.runWithTimeout(ctx, e.opts.PhaseTimeout, entry.OnStart); err != nil {
			return e.fail(dr, PhaseStart, t.elapsed(), err)
		}
		e.setState(dr, StateStarted, nil)
		e.startWorkers(dr)
		e.logger.LogPhase(dr.Name(), PhaseStart, "end", t.elapsed(), nil)
	}
	return nil
}

func (e *Engine) loadedIdentities() []module.Identity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	identities := make([]module.Identity, 0, len(e.records))
	for _, r := range e.records {
		identities = append(identities, r.manifest.Identity)
	}
	return identities
}

// =============================================================================
// Configuration propagation
// =============================================================================

const modulesKeyPrefix = "modules" + config.KeySeparator

// subscribeConfig forwards Modules:<name>:* changes to the owning module.
func (e *Engine) subscribeConfig() {
	if e.store == nil {
		return
	}
	e.configSub = e.store.Subscribe("Modules:*", func(ev config.ChangeEvent) {
		e.HandleConfigChange(ev)
	})
}

// HandleConfigChange routes one configuration change event to the affected
// module's OnConfigurationChanged callback.
func (e *Engine) HandleConfigChange(ev config.ChangeEvent) {
	normalized := config.NormalizeKey(ev.Key)
	if !strings.HasPrefix(normalized, modulesKeyPrefix) {
		return
	}
	rest := strings.TrimPrefix(normalized, modulesKeyPrefix)
	idx := strings.Index(rest, config.KeySeparator)
	if idx <= 0 {
		return
	}
	name := rest[:idx]

	e.mu.RLock()
	var target *Record
	for recordName, r := range e.records {
		if config.NormalizeKey(recordName) == name {
			target = r
			break
		}
	}
	e.mu.RUnlock()
	if target == nil || target.State() != StateStarted {
		return
	}
	entry := target.Entry()
	if entry == nil {
		return
	}

	values := e.store.GetAll("Modules" + config.KeySeparator + target.Name())
	if err := entry.OnConfigurationChanged(values); err != nil {
		target.mu.Lock()
		target.lastError = err
		target.mu.Unlock()
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"module": target.Name(),
			"key":    ev.Key,
		}).Error("configuration change callback failed")
	}
}

// =============================================================================
// Health
// =============================================================================

// CheckHealth runs the module's health callback and its contributed
// probes concurrently, records per-probe latency, and caches the merged
// result on the record.
func (e *Engine) CheckHealth(ctx context.Context, name string) (module.HealthResult, error) {
	r, ok := e.record(name)
	if !ok {
		return module.HealthResult{}, hosterrors.ErrModuleNotFound
	}
	entry := r.Entry()
	if entry == nil {
		return module.UnhealthyResult("module unloaded"), nil
	}

	t := startTimer()
	probes := r.Contributions().Probes
	probeResults := make([]module.HealthResult, len(probes))

	var wg sync.WaitGroup
	var result module.HealthResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		result = entry.CheckHealth(ctx)
	}()
	for i, probe := range probes {
		i, probe := i, probe
		wg.Add(1)
		go func() {
			defer wg.Done()
			pt := startTimer()
			probeResult := probe.Check(ctx)
			if probeResult.Duration == 0 {
				probeResult.Duration = pt.elapsed()
			}
			probeResults[i] = probeResult
		}()
	}
	wg.Wait()

	for i, probeResult := range probeResults {
		probe := probes[i]
		if probeResult.Status.Worse(result.Status) {
			result.Status = probeResult.Status
			result.Description = probe.Name + ": " + probeResult.Description
		}
		if result.Data == nil {
			result.Data = make(map[string]string, len(probeResult.Data)+1)
		}
		for k, v := range probeResult.Data {
			result.Data[probe.Name+"."+k] = v
		}
		result.Data[probe.Name+".latency"] = probeResult.Duration.String()
	}
	result.Duration = t.elapsed()
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}

	previous := r.Health()
	r.setHealth(result)
	if previous.Status != result.Status {
		e.logger.LogHealthTransition(r.Name(), string(previous.Status), string(result.Status))
	}
	return result, nil
}

// =============================================================================
// Helpers
// =============================================================================

// runWithTimeout executes a lifecycle callback bound to ctx plus the phase
// timeout. On timeout the callback goroutine is abandoned, not killed.
func (e *Engine) runWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return hosterrors.ErrTimeout
	}
}
