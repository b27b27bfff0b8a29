// Package module defines the contract between the host runtime and the
// business-logic modules it loads.
//
// A module is a separately-built unit that contributes routes, middleware,
// background workers, and event subscribers to the host process. The host
// interacts with exactly one value per module: the entry object implementing
// the Module interface. Everything a module consumes from the host flows
// through this package and the infrastructure contracts it references;
// module-internal types never cross the boundary.
//
// # Lifecycle
//
// The host drives every module through a fixed phase sequence:
//
//	Discovered → Validated → Initialized → Configured → Started
//	Started → Stopping → Stopped → Unloaded
//
// Each phase completes across the whole module set before the next begins,
// and within a phase modules run in dependency order. OnInitialize registers
// services only; OnConfigure records pipeline contributions without
// activating them; OnStart may begin background work. Shutdown runs the
// reverse order.
package module

import (
	"context"

	"github.com/shellhost/shellhost/infrastructure/config"
	"github.com/shellhost/shellhost/infrastructure/registry"
)

// Identity names a module. Name is the stable identifier used in dependency
// references; Version participates in constraint checks.
type Identity struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Author      string `yaml:"author,omitempty" json:"author,omitempty"`
}

// Dependency declares a requirement on another module. A dependency is
// satisfied when a loaded module's name matches and its version lies within
// [MinVersion, MaxVersion]; an absent bound is unbounded.
type Dependency struct {
	Name       string `yaml:"name" json:"name"`
	MinVersion string `yaml:"minVersion,omitempty" json:"minVersion,omitempty"`
	MaxVersion string `yaml:"maxVersion,omitempty" json:"maxVersion,omitempty"`
	Optional   bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
	Reason     string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Metadata carries descriptive attributes that do not affect identity.
// MinimumHostVersion is enforced before any lifecycle call.
type Metadata struct {
	Category           string            `yaml:"category,omitempty" json:"category,omitempty"`
	Tags               []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
	License            string            `yaml:"license,omitempty" json:"license,omitempty"`
	SupportedPlatforms []string          `yaml:"supportedPlatforms,omitempty" json:"supportedPlatforms,omitempty"`
	MinimumHostVersion string            `yaml:"minimumHostVersion,omitempty" json:"minimumHostVersion,omitempty"`
	Custom             map[string]string `yaml:"custom,omitempty" json:"custom,omitempty"`
}

// ValidationContext is handed to Validate before any lifecycle call.
type ValidationContext struct {
	HostVersion string
	Environment string
	// Loaded lists modules already accepted for this host run.
	Loaded []Identity
	// Config is the module's assigned configuration subtree
	// (Modules:<name>).
	Config *config.Section
}

// ValidationResult reports the outcome of Validate. Errors cause the module
// to be skipped.
type ValidationResult struct {
	OK       bool
	Errors   []string
	Warnings []string
}

// Valid returns a passing result.
func Valid() ValidationResult { return ValidationResult{OK: true} }

// Invalid returns a failing result with the given errors.
func Invalid(errs ...string) ValidationResult {
	return ValidationResult{OK: false, Errors: errs}
}

// Module is the entry object every module implements.
//
// The host calls lifecycle methods in phase order; every blocking callback
// receives a context bound to shutdown or the per-phase timeout and must
// honor its cancellation.
type Module interface {
	// Identity returns the module's name, version, and description.
	Identity() Identity

	// Metadata returns descriptive attributes.
	Metadata() Metadata

	// Dependencies declares the modules this module requires.
	Dependencies() []Dependency

	// Enabled reports whether the module should take part in this run.
	Enabled() bool

	// Validate checks the module against the host context. It must not
	// have side effects.
	Validate(vctx ValidationContext) ValidationResult

	// OnInitialize registers the module's services into its scope. No
	// I/O, no handlers, no calls into other modules.
	OnInitialize(scope *registry.Scope) error

	// OnConfigure contributes routes, middleware, workers, event
	// subscribers, and health probes. The builder records contributions
	// without activating them.
	OnConfigure(builder PipelineBuilder) error

	// OnStart begins background work and accepts traffic.
	OnStart(ctx context.Context) error

	// OnStop winds the module down; bounded by the stop timeout.
	OnStop(ctx context.Context) error

	// OnUnload releases whatever OnInitialize and OnStart acquired.
	OnUnload(ctx context.Context) error

	// OnConfigurationChanged delivers the module's new configuration
	// subtree after a runtime change under Modules:<name>:.
	OnConfigurationChanged(values map[string]string) error

	// CheckHealth reports the module's current health.
	CheckHealth(ctx context.Context) HealthResult
}
