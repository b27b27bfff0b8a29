// Package host owns process composition: it builds configuration, creates
// the root service scope, drives the module loader and lifecycle engine,
// seals the HTTP pipeline from module contributions, and serves.
package host

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shellhost/shellhost/infrastructure/auth"
	"github.com/shellhost/shellhost/infrastructure/bus"
	"github.com/shellhost/shellhost/infrastructure/cache"
	"github.com/shellhost/shellhost/infrastructure/config"
	"github.com/shellhost/shellhost/infrastructure/database"
	hosterrors "github.com/shellhost/shellhost/infrastructure/errors"
	"github.com/shellhost/shellhost/infrastructure/httputil"
	"github.com/shellhost/shellhost/infrastructure/lifecycle"
	"github.com/shellhost/shellhost/infrastructure/loader"
	"github.com/shellhost/shellhost/infrastructure/logging"
	"github.com/shellhost/shellhost/infrastructure/metrics"
	"github.com/shellhost/shellhost/infrastructure/middleware"
	"github.com/shellhost/shellhost/infrastructure/redaction"
	"github.com/shellhost/shellhost/infrastructure/registry"
	"github.com/shellhost/shellhost/infrastructure/scheduler"
	"github.com/shellhost/shellhost/infrastructure/secrets"
)

// Process exit codes.
const (
	ExitOK       = 0
	ExitConfig   = 1 // configuration invalid or required source unavailable
	ExitModules  = 2 // module load or lifecycle fatal per policy
	ExitInternal = 3
)

// EnvPrefix is stripped from environment variables feeding configuration.
const EnvPrefix = "SHELLHOST_"

// Options configure the composer.
type Options struct {
	// Version is the host's semantic version, checked against module
	// minimum-host-version declarations.
	Version string

	// Environment selects the appsettings.<env>.json layer and is handed
	// to module validation. Defaults to SHELLHOST_ENVIRONMENT or
	// "production".
	Environment string

	// ConfigDir holds the appsettings files. Defaults to ".".
	ConfigDir string

	// Args are --key=value configuration overrides.
	Args []string

	// Factories is the compiled-in module entry table.
	Factories map[string]loader.Factory

	// BaseConfigOptional tolerates a missing appsettings.json; used by
	// tests and bare-environment runs.
	BaseConfigOptional bool
}

func (o Options) withDefaults() Options {
	if o.Version == "" {
		o.Version = "0.0.0"
	}
	if o.Environment == "" {
		o.Environment = strings.TrimSpace(os.Getenv(EnvPrefix + "ENVIRONMENT"))
	}
	if o.Environment == "" {
		o.Environment = "production"
	}
	if o.ConfigDir == "" {
		o.ConfigDir = "."
	}
	return o
}

// Runtime is the composed host, ready to serve.
type Runtime struct {
	Store    *config.Store
	Schema   *HostSchema
	Root     *registry.Scope
	Engine   *lifecycle.Engine
	Health   *HealthAggregator
	Hub      *EventHub
	Router   *mux.Router
	Logger   *logging.Logger
	Resolver *secrets.Resolver

	opts         Options
	metrics      *metrics.Metrics
	promRegistry *prometheus.Registry
	scheduler    *scheduler.Scheduler
	busRef       bus.Bus
	busSubs      []bus.Subscription
	server       *http.Server
	startedAt    time.Time
	stopRL       func()
}

// Composer builds and runs the host process.
type Composer struct {
	opts Options
}

// New creates a Composer.
func New(opts Options) *Composer {
	return &Composer{opts: opts.withDefaults()}
}

// Run composes the host, serves until SIGINT/SIGTERM, then shuts down in
// reverse dependency order. The return value is the process exit code.
func (c *Composer) Run(ctx context.Context) int {
	rt, code, err := c.Bootstrap(ctx)
	if err != nil {
		if rt != nil && rt.Logger != nil {
			rt.Logger.WithError(err).Error("host startup failed")
		} else {
			fmt.Fprintln(os.Stderr, "host startup failed:", err)
		}
		return code
	}

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		rt.Logger.WithFields(map[string]interface{}{
			"signal": sig.String(),
		}).Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			rt.Logger.WithError(err).Error("server error")
			rt.Shutdown(context.Background())
			return ExitInternal
		}
	case <-ctx.Done():
	}

	rt.Shutdown(context.Background())
	return ExitOK
}

// Bootstrap composes the runtime through pipeline seal. On error the
// second return value is the process exit code.
func (c *Composer) Bootstrap(ctx context.Context) (*Runtime, int, error) {
	opts := c.opts
	bootstrapLogger := logging.NewFromEnv("host")

	// --- Configuration (C2) with secret resolution (C1) ---
	resolver := secrets.NewResolver(bootstrapLogger.Named("secrets"))
	store := config.NewStore(bootstrapLogger.Named("config"), config.WithResolver(resolver))
	development := strings.EqualFold(opts.Environment, "development")

	store.AddSource(config.NewJSONFileSource("base",
		filepath.Join(opts.ConfigDir, "appsettings.json"), 0, opts.BaseConfigOptional))
	store.AddSource(config.NewJSONFileSource("environment",
		filepath.Join(opts.ConfigDir, "appsettings."+opts.Environment+".json"), 10, true))
	if development {
		store.AddSource(config.NewJSONFileSource("local",
			filepath.Join(opts.ConfigDir, "appsettings.local.json"), 20, true))
		store.AddSource(config.NewJSONFileSource("devsecrets",
			filepath.Join(opts.ConfigDir, "secrets.dev.json"), 30, true))
	}
	store.AddSource(config.NewEnvSource("env", EnvPrefix, 40))
	store.AddSource(config.NewArgsSource("args", opts.Args, 50))
	runtimeSource := config.NewMemorySource("runtime", 60, nil)
	store.AddSource(runtimeSource)

	if err := store.Load(); err != nil {
		return nil, ExitConfig, err
	}

	// --- Secret providers from configuration ---
	if path, ok := store.Get("Shell:Secrets:File"); ok && path != "" {
		resolver.Register(secrets.NewFileProvider(path))
	}
	if timeout := store.GetDuration("Shell:Secrets:LookupTimeout", 0); timeout > 0 {
		resolver.SetLookupTimeout(timeout)
	}

	// --- Host schema validation. Fail fast. ---
	schema := &HostSchema{}
	if result := store.Validate("Shell", schema); !result.Valid() {
		return nil, ExitConfig, result.Err()
	}
	if err := store.Bind("Shell", schema); err != nil {
		return nil, ExitConfig, err
	}
	if opts.Environment != "" {
		schema.Environment = opts.Environment
	}

	logger := logging.New("host", logging.Config{
		Level:  schema.Logging.Level,
		Format: schema.Logging.Format,
	})

	rt := &Runtime{
		Store:    store,
		Schema:   schema,
		Logger:   logger,
		Resolver: resolver,
		opts:     opts,
	}

	// --- Root service scope (C3) ---
	hub := NewEventHub(logger.Named("events"))
	promRegistry := prometheus.NewRegistry()
	hostMetrics := metrics.NewWithRegistry(promRegistry)
	hostMetrics.HostInfo.WithLabelValues(opts.Version, schema.Environment).Set(1)
	rt.promRegistry = promRegistry

	root, err := c.buildRootScope(ctx, rt, hostMetrics, logger)
	if err != nil {
		return rt, ExitConfig, err
	}
	rt.Root = root
	rt.Hub = hub
	rt.metrics = hostMetrics

	if err := root.ValidateAll(); err != nil {
		return rt, ExitInternal, err
	}

	// --- Loader (C4) + lifecycle engine (C5) ---
	ldr := loader.New(loader.Options{
		Directories: schema.Loader.Directories,
		Artifacts:   schema.Loader.Artifacts,
		HostVersion: opts.Version,
		Environment: schema.Environment,
	}, opts.Factories, logger.Named("loader"))

	engine := lifecycle.NewEngine(lifecycle.Options{
		StopTimeout:        schema.Lifecycle.StopTimeout,
		PhaseTimeout:       schema.Lifecycle.PhaseTimeout,
		FanOut:             schema.Lifecycle.FanOut,
		StartFailurePolicy: lifecycle.StartFailurePolicy(schema.Lifecycle.StartFailurePolicy),
		CascadingReload:    schema.Lifecycle.CascadingReload,
		TolerateInvalid:    schema.Loader.SkipInvalid,
	}, ldr, root, store, logger.Named("lifecycle"), func(change lifecycle.StateChange) {
		hostMetrics.SetModuleState(change.Module, string(change.From), string(change.To))
		fields := map[string]string{
			"module": change.Module,
			"from":   string(change.From),
			"to":     string(change.To),
		}
		if change.Err != nil {
			fields["error"] = change.Err.Error()
		}
		hub.Broadcast(Event{Type: "module.state", Fields: fields})
	})
	rt.Engine = engine

	health := NewHealthAggregator(engine, schema.Health.RequiredModules, schema.Health.DegradedBlocksReady)
	rt.Health = health
	health.MarkLive()

	if err := engine.Startup(ctx); err != nil {
		return rt, ExitModules, err
	}
	health.MarkStarted()
	hostMetrics.ModulesLoaded.Set(float64(len(engine.Records())))

	// --- Post-start wiring: bus subscribers, cron workers, watchers ---
	if err := rt.bindContributions(); err != nil {
		return rt, ExitModules, err
	}

	store.Subscribe("*", func(ev config.ChangeEvent) {
		hostMetrics.RecordConfigChange(ev.Source, string(ev.Type))
		hub.Broadcast(Event{Type: "config.changed", Fields: map[string]string{
			"key":         ev.Key,
			"source":      ev.Source,
			"change_type": string(ev.Type),
		}})
	})
	store.StartWatching(ctx)

	// --- Seal the pipeline (C6 step 7) ---
	rateLimiter := middleware.NewRateLimiter(schema.HTTP.RateLimitRPS, schema.HTTP.RateLimitBurst, logger.Named("ratelimit"))
	rt.stopRL = rateLimiter.StartCleanup(time.Minute)

	verifier, authorizer := rt.authServices()
	authMW := middleware.NewAuthMiddleware(verifier)
	authzMW := middleware.NewAuthzMiddleware(authorizer)

	rt.Router = sealPipeline(pipelineDeps{
		schema:       schema,
		engine:       engine,
		health:       health,
		hub:          hub,
		promRegistry: promRegistry,
		authMW:       authMW,
		authzMW:      authzMW,
		rateLimit:    rateLimiter,
		recovery:     middleware.NewRecoveryMiddleware(logger.Named("recovery"), development),
		logging:      middleware.LoggingMiddleware(logger.Named("http")),
		metricsMW: func(moduleName string) mux.MiddlewareFunc {
			return middleware.MetricsMiddleware(moduleName, hostMetrics)
		},
		infoFn:     rt.infoHandler(),
		configFn:   rt.configHandler(),
		reloadFn:   rt.reloadHandler(),
		moduleRows: collectRows(engine),
	})

	rt.startedAt = time.Now()
	rt.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", schema.HTTP.Host, schema.HTTP.Port),
		Handler:           rt.Router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      schema.HTTP.RequestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	logger.WithFields(map[string]interface{}{
		"version":     opts.Version,
		"environment": schema.Environment,
		"modules":     len(engine.Records()),
		"addr":        rt.server.Addr,
	}).Info("host composed")
	return rt, ExitOK, nil
}

// buildRootScope registers the shared infrastructure services.
func (c *Composer) buildRootScope(ctx context.Context, rt *Runtime, hostMetrics *metrics.Metrics, logger *logging.Logger) (*registry.Scope, error) {
	schema := rt.Schema
	root := registry.NewRoot("root")

	root.RegisterValue(config.Contract, rt.Store)
	root.RegisterValue(logging.Contract, logger)
	root.RegisterValue(secrets.Contract, rt.Resolver)
	root.RegisterValue(metrics.Contract, hostMetrics)

	// Cache backend selection.
	switch schema.Cache.Backend {
	case "redis":
		root.RegisterValue(cache.Contract, cache.NewRedis(cache.RedisConfig{
			Addr:       schema.Cache.RedisAddr,
			DB:         schema.Cache.RedisDB,
			DefaultTTL: schema.Cache.TTL,
		}))
	default:
		root.RegisterValue(cache.Contract, cache.NewMemory(cache.Config{DefaultTTL: schema.Cache.TTL}))
	}

	// Message/event bus.
	switch schema.Bus.Backend {
	case "redis":
		rt.busRef = bus.NewRedis(bus.RedisConfig{
			Addr: schema.Bus.RedisAddr,
			DB:   schema.Bus.RedisDB,
		}, logger.Named("bus"))
	default:
		rt.busRef = bus.NewMemory(logger.Named("bus"))
	}
	root.RegisterValue(bus.Contract, rt.busRef)

	// Scheduler.
	rt.scheduler = scheduler.New(logger.Named("scheduler"))
	root.RegisterValue(scheduler.Contract, rt.scheduler)

	// Data access is optional: absent DSN leaves the contract
	// unregistered.
	if schema.Database.DSN != "" {
		db, err := database.New(ctx, database.Config{
			DSN:            schema.Database.DSN,
			MaxOpenConns:   schema.Database.MaxOpenConns,
			MaxIdleConns:   schema.Database.MaxIdleConns,
			MigrationsPath: schema.Database.MigrationsPath,
		}, logger.Named("database"))
		if err != nil {
			return nil, err
		}
		root.RegisterValue(database.Contract, db)
	}

	// Authentication and authorization.
	authorizer := auth.NewRoleAuthorizer()
	root.RegisterValue(auth.AuthorizerContract, authorizer)
	if schema.Auth.Enabled {
		verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
			Secret:   schema.Auth.Secret,
			Issuer:   schema.Auth.Issuer,
			Audience: schema.Auth.Audience,
		})
		if err != nil {
			return nil, err
		}
		root.RegisterValue(auth.VerifierContract, verifier)
	}

	return root, nil
}

// authServices resolves the optional verifier and the authorizer from the
// root scope.
func (rt *Runtime) authServices() (auth.TokenVerifier, auth.Authorizer) {
	var verifier auth.TokenVerifier
	if rt.Schema.Auth.Enabled {
		if v, err := registry.Get[auth.TokenVerifier](rt.Root, auth.VerifierContract); err == nil {
			verifier = v
		}
	}
	authorizer, _ := registry.Get[auth.Authorizer](rt.Root, auth.AuthorizerContract)
	return verifier, authorizer
}

// bindContributions attaches module event subscribers to the bus and
// registers cron workers with the scheduler.
func (rt *Runtime) bindContributions() error {
	for _, view := range rt.Engine.Records() {
		if view.State != lifecycle.StateStarted {
			continue
		}
		record, ok := rt.Engine.RecordHandle(view.Name)
		if !ok {
			continue
		}
		contributions := record.Contributions()

		for _, subscriber := range contributions.Subscribers {
			sub, err := rt.busRef.Subscribe(subscriber.Topic, subscriber.Handler)
			if err != nil {
				return fmt.Errorf("bind subscriber %s/%s: %w", view.Name, subscriber.Topic, err)
			}
			rt.busSubs = append(rt.busSubs, sub)
		}

		for _, worker := range contributions.Workers {
			if worker.CronSpec == "" || worker.RunOnce == nil {
				continue
			}
			if _, err := rt.scheduler.Register(view.Name, worker.Name, worker.CronSpec, scheduler.Job(worker.RunOnce)); err != nil {
				return fmt.Errorf("schedule worker %s/%s: %w", view.Name, worker.Name, err)
			}
		}
	}
	rt.scheduler.Start()
	return nil
}

// infoHandler serves GET /admin/info.
func (rt *Runtime) infoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		modules := make([]map[string]interface{}, 0)
		for _, view := range rt.Engine.Records() {
			modules = append(modules, map[string]interface{}{
				"name":    view.Name,
				"version": view.Version,
				"state":   string(view.State),
				"health":  string(view.Health.Status),
			})
		}

		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"version":     rt.opts.Version,
			"environment": rt.Schema.Environment,
			"uptime":      time.Since(rt.startedAt).String(),
			"modules":     modules,
			"runtime": map[string]interface{}{
				"goroutines": runtime.NumGoroutine(),
				"alloc_mb":   memStats.Alloc / 1024 / 1024,
				"num_gc":     memStats.NumGC,
				"go_version": runtime.Version(),
			},
		})
	}
}

// reloadHandler serves POST /admin/modules/{name}/reload.
func (rt *Runtime) reloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if err := rt.Engine.Reload(r.Context(), name); err != nil {
			status := http.StatusInternalServerError
			switch {
			case hosterrors.Is(err, hosterrors.ErrModuleNotFound):
				status = http.StatusNotFound
			case hosterrors.Is(err, hosterrors.ErrReloadRefused):
				status = http.StatusConflict
			}
			httputil.WriteErrorResponse(w, r, status, "RELOAD_FAILED", err.Error(), nil)
			return
		}
		view, _ := rt.Engine.Record(name)
		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"module": name,
			"state":  string(view.State),
		})
	}
}

// configHandler serves GET /admin/config: the effective configuration
// with secret-bearing values masked.
func (rt *Runtime) configHandler() http.HandlerFunc {
	redactor := redaction.New(rt.Store.Sensitive)
	return func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"values": redactor.RedactValues(rt.Store.GetAll(prefix)),
		})
	}
}

// Serve begins accepting traffic. It blocks until the server stops.
func (rt *Runtime) Serve() error {
	rt.Logger.WithFields(map[string]interface{}{
		"addr": rt.server.Addr,
	}).Info("host serving")
	return rt.server.ListenAndServe()
}

// Shutdown runs the ordered teardown: stop accepting traffic, stop and
// unload modules in reverse dependency order, then release shared
// services.
func (rt *Runtime) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if rt.server != nil {
		if err := rt.server.Shutdown(shutdownCtx); err != nil {
			rt.Logger.WithError(err).Warn("server shutdown error")
		}
	}

	for _, sub := range rt.busSubs {
		sub.Close()
	}
	if rt.scheduler != nil {
		rt.scheduler.Stop()
	}

	if rt.Engine != nil {
		if err := rt.Engine.Shutdown(shutdownCtx); err != nil {
			rt.Logger.WithError(err).Warn("module shutdown reported failures")
		}
	}

	if rt.Store != nil {
		rt.Store.Stop()
	}
	if rt.stopRL != nil {
		rt.stopRL()
	}
	if rt.Hub != nil {
		rt.Hub.Close()
	}
	if rt.Root != nil {
		if err := rt.Root.Close(); err != nil {
			rt.Logger.WithError(err).Warn("root scope close reported failures")
		}
	}
	rt.Logger.Info("host stopped")
}
