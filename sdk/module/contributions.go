package module

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
)

// Route is one module-contributed HTTP endpoint. Paths are relative to the
// module's mount prefix.
type Route struct {
	Method  string
	Path    string
	Handler http.Handler
	// Anonymous routes bypass the authentication middleware.
	Anonymous bool
	// Policy names the authorization policy guarding the route; empty
	// means authenticated-only.
	Policy string
}

// Worker is a module background task. Either Run loops until ctx is
// canceled, or CronSpec schedules RunOnce through the host scheduler.
type Worker struct {
	Name     string
	Run      func(ctx context.Context) error
	CronSpec string
	RunOnce  func(ctx context.Context) error
}

// EventSubscriber binds a handler to a bus topic for the module's lifetime.
type EventSubscriber struct {
	Topic   string
	Handler func(ctx context.Context, payload []byte) error
}

// HealthProbe is a named component check folded into the module's health.
type HealthProbe struct {
	Name  string
	Check func(ctx context.Context) HealthResult
}

// PipelineBuilder records module contributions during OnConfigure. Nothing
// is activated until the host seals the pipeline after Start.
type PipelineBuilder interface {
	// Route registers an endpoint under the module's mount prefix.
	Route(route Route)

	// Middleware appends a middleware to the module's chain. Module
	// middleware runs after the host's fixed chain, in module dependency
	// order.
	Middleware(mw mux.MiddlewareFunc)

	// Worker registers a background worker started with the module.
	Worker(w Worker)

	// Subscribe binds an event subscriber for the module's lifetime.
	Subscribe(sub EventSubscriber)

	// Probe adds a health probe folded into the module's health result.
	Probe(probe HealthProbe)
}

// Contributions is the recorded result of OnConfigure.
type Contributions struct {
	Routes      []Route
	Middlewares []mux.MiddlewareFunc
	Workers     []Worker
	Subscribers []EventSubscriber
	Probes      []HealthProbe
}

// Recorder is the host's PipelineBuilder implementation.
type Recorder struct {
	Contributions
}

// Route implements PipelineBuilder.
func (r *Recorder) Route(route Route) { r.Routes = append(r.Routes, route) }

// Middleware implements PipelineBuilder.
func (r *Recorder) Middleware(mw mux.MiddlewareFunc) {
	r.Middlewares = append(r.Middlewares, mw)
}

// Worker implements PipelineBuilder.
func (r *Recorder) Worker(w Worker) { r.Workers = append(r.Workers, w) }

// Subscribe implements PipelineBuilder.
func (r *Recorder) Subscribe(sub EventSubscriber) {
	r.Subscribers = append(r.Subscribers, sub)
}

// Probe implements PipelineBuilder.
func (r *Recorder) Probe(probe HealthProbe) { r.Probes = append(r.Probes, probe) }
