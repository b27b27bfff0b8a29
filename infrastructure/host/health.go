package host

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shellhost/shellhost/infrastructure/httputil"
	"github.com/shellhost/shellhost/infrastructure/lifecycle"
	"github.com/shellhost/shellhost/sdk/module"
)

const defaultHealthCheckTimeout = 10 * time.Second

// HealthEntry is one module's slice of the aggregate health body.
type HealthEntry struct {
	Status      module.HealthStatus `json:"status"`
	Description string              `json:"description,omitempty"`
	Duration    string              `json:"duration,omitempty"`
	Data        map[string]string   `json:"data,omitempty"`
}

// HealthResponse is the aggregate health body.
type HealthResponse struct {
	Status        module.HealthStatus    `json:"status"`
	TotalDuration string                 `json:"total_duration"`
	Entries       map[string]HealthEntry `json:"entries"`
}

// HealthAggregator composes module health probes into the host's
// live/ready/startup signals.
type HealthAggregator struct {
	engine *lifecycle.Engine

	// required lists module names that gate readiness; empty means every
	// loaded module is required.
	required []string

	// degradedBlocksReady flips the default ready-pass for Degraded.
	degradedBlocksReady bool

	// checkTimeout bounds each module's health callback.
	checkTimeout time.Duration

	live    atomic.Bool
	started atomic.Bool
}

// NewHealthAggregator creates the aggregator.
func NewHealthAggregator(engine *lifecycle.Engine, required []string, degradedBlocksReady bool) *HealthAggregator {
	return &HealthAggregator{
		engine:              engine,
		required:            required,
		degradedBlocksReady: degradedBlocksReady,
		checkTimeout:        defaultHealthCheckTimeout,
	}
}

// MarkLive is called once root services exist.
func (h *HealthAggregator) MarkLive() { h.live.Store(true) }

// MarkStarted is called once the start phase completes.
func (h *HealthAggregator) MarkStarted() { h.started.Store(true) }

// Live reports process liveness.
func (h *HealthAggregator) Live() bool { return h.live.Load() }

// Started reports startup completion.
func (h *HealthAggregator) Started() bool { return h.started.Load() }

func (h *HealthAggregator) isRequired(name string) bool {
	if len(h.required) == 0 {
		return true
	}
	for _, candidate := range h.required {
		if candidate == name {
			return true
		}
	}
	return false
}

// Check runs every module's health callback plus the built-in system
// probe, all concurrently with a per-check timeout and latency, and
// aggregates. The aggregate is Unhealthy when any required module is
// Unhealthy or not Started, Degraded when any required module is Degraded
// and none Unhealthy. The system entry is informational only.
func (h *HealthAggregator) Check(ctx context.Context) HealthResponse {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, h.checkTimeout)
	defer cancel()

	response := HealthResponse{
		Status:  module.Healthy,
		Entries: make(map[string]HealthEntry),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, view := range h.engine.Records() {
		if view.State == lifecycle.StateUnloaded {
			continue
		}
		view := view
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkStart := time.Now()

			var result module.HealthResult
			if view.State == lifecycle.StateStarted {
				checked, err := h.engine.CheckHealth(checkCtx, view.Name)
				if err != nil {
					checked = module.UnhealthyResult(err.Error())
				}
				result = checked
			} else {
				result = module.UnhealthyResult("module is " + string(view.State))
				if view.LastError != "" {
					result.Description = view.LastError
				}
			}
			if result.Duration == 0 {
				result.Duration = time.Since(checkStart)
			}

			mu.Lock()
			response.Entries[view.Name] = HealthEntry{
				Status:      result.Status,
				Description: result.Description,
				Duration:    result.Duration.String(),
				Data:        result.Data,
			}
			if h.isRequired(view.Name) && result.Status.Worse(response.Status) {
				response.Status = result.Status
			}
			mu.Unlock()
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		checkStart := time.Now()
		result := systemProbe(checkCtx)

		mu.Lock()
		response.Entries["system"] = HealthEntry{
			Status:      result.Status,
			Description: result.Description,
			Duration:    time.Since(checkStart).String(),
			Data:        result.Data,
		}
		mu.Unlock()
	}()

	wg.Wait()
	response.TotalDuration = time.Since(start).String()
	return response
}

// Ready evaluates the readiness gate over a check result.
func (h *HealthAggregator) Ready(response HealthResponse) bool {
	if !h.started.Load() {
		return false
	}
	switch response.Status {
	case module.Healthy:
		return true
	case module.Degraded:
		return !h.degradedBlocksReady
	default:
		return false
	}
}

// =============================================================================
// HTTP handlers
// =============================================================================

// LiveHandler serves GET /health/live.
func (h *HealthAggregator) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.live.Load() {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(module.Unhealthy)})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": string(module.Healthy)})
	}
}

// ReadyHandler serves GET /health/ready.
func (h *HealthAggregator) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := h.Check(r.Context())
		status := http.StatusOK
		if !h.Ready(response) {
			status = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, status, response)
	}
}

// StartupHandler serves GET /health/startup: false until the start phase
// completes, mirroring readiness afterwards.
func (h *HealthAggregator) StartupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.started.Load() {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(module.Unhealthy)})
			return
		}
		h.ReadyHandler()(w, r)
	}
}

// Handler serves GET /health with the full aggregate body.
func (h *HealthAggregator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := h.Check(r.Context())
		status := http.StatusOK
		if response.Status == module.Unhealthy {
			status = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, status, response)
	}
}
