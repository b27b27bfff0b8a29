package host

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shellhost/shellhost/infrastructure/lifecycle"
	"github.com/shellhost/shellhost/infrastructure/middleware"
	"github.com/shellhost/shellhost/infrastructure/registry"
)

// ModulePathPrefix is where module routes are mounted.
const ModulePathPrefix = "/modules/"

// pipelineDeps carries everything sealPipeline needs.
type pipelineDeps struct {
	schema       *HostSchema
	engine       *lifecycle.Engine
	health       *HealthAggregator
	hub          *EventHub
	promRegistry *prometheus.Registry
	authMW       *middleware.AuthMiddleware
	authzMW      *middleware.AuthzMiddleware
	rateLimit    *middleware.RateLimiter
	recovery     *middleware.RecoveryMiddleware
	logging      mux.MiddlewareFunc
	metricsMW    func(moduleName string) mux.MiddlewareFunc
	infoFn       http.HandlerFunc
	configFn     http.HandlerFunc
	reloadFn     http.HandlerFunc
	moduleRows   []moduleRow
}

// moduleRow is one started module's pipeline contribution set.
type moduleRow struct {
	name          string
	scope         *registry.Scope
	contributions contributionSet
}

type contributionSet struct {
	routes      []sealedRoute
	middlewares []mux.MiddlewareFunc
}

type sealedRoute struct {
	method    string
	path      string // absolute, under /modules/<name>/
	handler   http.Handler
	anonymous bool
	policy    string
}

// sealPipeline assembles the fixed middleware chain, module middlewares in
// dependency order, and module routes grouped under the module prefix.
// After sealing, contributions cannot change.
func sealPipeline(deps pipelineDeps) *mux.Router {
	router := mux.NewRouter()

	// Fixed chain, earliest to latest on the request path.
	router.Use(deps.rateLimit.Handler)
	router.Use(deps.recovery.Handler)
	router.Use(deps.logging)
	router.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)
	if len(deps.schema.HTTP.CORSOrigins) > 0 {
		router.Use(middleware.NewCORSMiddleware(middleware.CORSConfig{
			AllowedOrigins: deps.schema.HTTP.CORSOrigins,
		}).Handler)
	}
	if deps.schema.HTTP.MaxBodyBytes > 0 {
		router.Use(middleware.NewBodyLimitMiddleware(int64(deps.schema.HTTP.MaxBodyBytes)).Handler)
	}
	router.Use(deps.authMW.Handler)
	router.Use(deps.authzMW.Handler)
	router.Use(middleware.CompressionMiddleware)

	// Host surface: health, metrics, admin. Health and metrics bypass
	// authentication.
	deps.authMW.AllowAnonymous("/health")
	deps.authMW.AllowAnonymous("/health/")
	deps.authMW.AllowAnonymous("/metrics")
	router.HandleFunc("/health/live", deps.health.LiveHandler()).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", deps.health.ReadyHandler()).Methods(http.MethodGet)
	router.HandleFunc("/health/startup", deps.health.StartupHandler()).Methods(http.MethodGet)
	router.HandleFunc("/health", deps.health.Handler()).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(deps.promRegistry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/admin/info", deps.infoFn).Methods(http.MethodGet)
	router.HandleFunc("/admin/config", deps.configFn).Methods(http.MethodGet)
	router.HandleFunc("/admin/modules/{name}/reload", deps.reloadFn).Methods(http.MethodPost)
	router.HandleFunc("/admin/events", deps.hub.Handler()).Methods(http.MethodGet)

	// Module routes, grouped per module under the common prefix. Each
	// group carries the module's metrics, timeout, and request-scope
	// middleware, then the module's own contributed middlewares —
	// scoped to its subrouter so one module's middleware never runs on
	// another module's routes or the host surface.
	for _, row := range deps.moduleRows {
		sub := router.PathPrefix(ModulePathPrefix + row.name).Subrouter()
		sub.Use(deps.metricsMW(row.name))
		if deps.schema.HTTP.RequestTimeout > 0 {
			sub.Use(middleware.NewTimeoutMiddleware(deps.schema.HTTP.RequestTimeout).Handler)
		}
		sub.Use(requestScopeMiddleware(row.scope))
		for _, mw := range row.contributions.middlewares {
			sub.Use(mw)
		}

		for _, route := range row.contributions.routes {
			relative := strings.TrimPrefix(route.path, ModulePathPrefix+row.name)
			handler := route.handler
			r := sub.Handle(relative, handler)
			if route.method != "" {
				r.Methods(route.method)
			}
			if route.anonymous {
				deps.authMW.AllowAnonymous(route.path)
			}
			if route.policy != "" {
				deps.authzMW.RequirePolicy(route.path, route.policy)
			}
		}
	}

	return router
}

// requestScopeMiddleware opens a request scope over the module scope for
// every request and disposes it on completion.
func requestScopeMiddleware(moduleScope *registry.Scope) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if moduleScope == nil {
				next.ServeHTTP(w, r)
				return
			}
			scope := moduleScope.NewRequestScope()
			defer scope.Close()
			next.ServeHTTP(w, r.WithContext(registry.WithScope(r.Context(), scope)))
		})
	}
}

// collectRows gathers started modules' contributions in dependency order.
func collectRows(engine *lifecycle.Engine) []moduleRow {
	var rows []moduleRow
	for _, view := range engine.Records() {
		if view.State != lifecycle.StateStarted {
			continue
		}
		record, ok := engine.RecordHandle(view.Name)
		if !ok {
			continue
		}
		contributions := record.Contributions()
		row := moduleRow{name: view.Name, scope: record.Scope()}
		for _, route := range contributions.Routes {
			path := ModulePathPrefix + view.Name
			if !strings.HasPrefix(route.Path, "/") {
				path += "/"
			}
			path += route.Path
			row.contributions.routes = append(row.contributions.routes, sealedRoute{
				method:    route.Method,
				path:      path,
				handler:   route.Handler,
				anonymous: route.Anonymous,
				policy:    route.Policy,
			})
		}
		row.contributions.middlewares = contributions.Middlewares
		rows = append(rows, row)
	}
	return rows
}
