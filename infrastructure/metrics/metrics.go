// Package metrics provides Prometheus metrics collection for the host.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the host process.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Module lifecycle metrics
	ModuleState     *prometheus.GaugeVec
	PhaseDuration   *prometheus.HistogramVec
	PhaseFailures   *prometheus.CounterVec
	ModulesLoaded   prometheus.Gauge

	// Configuration metrics
	ConfigChangesTotal *prometheus.CounterVec
	ConfigReloadsTotal prometheus.Counter

	// Host health
	HostUptime prometheus.Gauge
	HostInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance with a custom registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"module", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"module", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ModuleState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "module_state",
				Help: "Module lifecycle state (1 for the current state)",
			},
			[]string{"module", "state"},
		),
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "module_phase_duration_seconds",
				Help:    "Module lifecycle phase duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"module", "phase"},
		),
		PhaseFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "module_phase_failures_total",
				Help: "Total number of failed module lifecycle phases",
			},
			[]string{"module", "phase"},
		),
		ModulesLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "modules_loaded",
				Help: "Number of modules currently loaded",
			},
		),

		ConfigChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "config_changes_total",
				Help: "Total number of effective configuration changes",
			},
			[]string{"source", "change_type"},
		),
		ConfigReloadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "config_reloads_total",
				Help: "Total number of configuration reloads",
			},
		),

		HostUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "host_uptime_seconds",
				Help: "Host process uptime in seconds",
			},
		),
		HostInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "host_info",
				Help: "Host build information",
			},
			[]string{"version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ModuleState,
			m.PhaseDuration,
			m.PhaseFailures,
			m.ModulesLoaded,
			m.ConfigChangesTotal,
			m.ConfigReloadsTotal,
			m.HostUptime,
			m.HostInfo,
		)
	}
	return m
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(moduleName, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(moduleName, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(moduleName, method, path).Observe(duration.Seconds())
}

// IncrementInFlight increments the in-flight gauge.
func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }

// DecrementInFlight decrements the in-flight gauge.
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

// SetModuleState records a module's current state, clearing prior states.
func (m *Metrics) SetModuleState(moduleName, from, to string) {
	if from != "" {
		m.ModuleState.WithLabelValues(moduleName, from).Set(0)
	}
	m.ModuleState.WithLabelValues(moduleName, to).Set(1)
}

// RecordPhase records a completed phase.
func (m *Metrics) RecordPhase(moduleName, phase string, duration time.Duration, failed bool) {
	m.PhaseDuration.WithLabelValues(moduleName, phase).Observe(duration.Seconds())
	if failed {
		m.PhaseFailures.WithLabelValues(moduleName, phase).Inc()
	}
}

// RecordConfigChange records one effective configuration change.
func (m *Metrics) RecordConfigChange(source, changeType string) {
	m.ConfigChangesTotal.WithLabelValues(source, changeType).Inc()
}
