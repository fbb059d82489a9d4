package sentinel

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker backs the proxy's /healthz and /readyz probes on the
// admin listener. Liveness turns on when the process starts serving;
// readiness additionally requires every registered named check to pass,
// typically that the block rules are loaded.
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	mu     sync.Mutex
	checks []readinessCheck
}

type readinessCheck struct {
	name string
	fn   func() error
}

// HealthResponse is the JSON body of both probe endpoints. Checks maps
// each registered readiness check to "ok" or its failure message.
type HealthResponse struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// AddReadinessCheck registers a named check that must return nil for
// the readiness probe to pass. Its result appears under the name in the
// /readyz response.
func (h *HealthChecker) AddReadinessCheck(name string, fn func() error) {
	h.mu.Lock()
	h.checks = append(h.checks, readinessCheck{name: name, fn: fn})
	h.mu.Unlock()
}

// SetAlive marks the proxy as alive (liveness probe passes).
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// SetReady marks the proxy as ready to accept sessions.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsAlive returns true if the proxy is alive.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// IsReady returns true if the proxy is serving and every readiness
// check passes.
func (h *HealthChecker) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	_, ok := h.runChecks()
	return ok
}

// runChecks evaluates the registered checks, returning per-check
// results and whether all passed.
func (h *HealthChecker) runChecks() (map[string]string, bool) {
	h.mu.Lock()
	checks := h.checks
	h.mu.Unlock()

	if len(checks) == 0 {
		return nil, true
	}

	results := make(map[string]string, len(checks))
	ok := true
	for _, c := range checks {
		if err := c.fn(); err != nil {
			results[c.name] = err.Error()
			ok = false
		} else {
			results[c.name] = "ok"
		}
	}
	return results, ok
}

// HandleHealthz handles the /healthz liveness probe endpoint.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
	}

	status := http.StatusOK
	if !h.IsAlive() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	writeHealth(w, status, resp)
}

// HandleReadyz handles the /readyz readiness probe endpoint.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
	}

	if !h.ready.Load() {
		resp.Status = "not ready"
		writeHealth(w, http.StatusServiceUnavailable, resp)
		return
	}

	results, ok := h.runChecks()
	resp.Checks = results

	if !ok {
		resp.Status = "not ready"
		writeHealth(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Status = "ok"
	writeHealth(w, http.StatusOK, resp)
}

func writeHealth(w http.ResponseWriter, status int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
