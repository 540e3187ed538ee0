package server

import (
	"net/http"
	"strconv"

	"github.com/devrev/pairdb/queryrouter/internal/model"
	"github.com/devrev/pairdb/queryrouter/internal/router"
)

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HealthCheck serves liveness and readiness probes.
type HealthCheck struct {
	router *router.Router
	out    *errorWriter
}

// LivenessHandler handles GET /health requests.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	hc.out.writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready requests.
// Returns 200 OK once at least one host can be routed to.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	counts := hc.router.Registry().AllHosts().CountByState()
	checks := map[string]string{
		"hosts_up":    strconv.Itoa(counts[model.HostStateUp]),
		"hosts_added": strconv.Itoa(counts[model.HostStateAdded]),
		"hosts_down":  strconv.Itoa(counts[model.HostStateDown]),
	}

	if !hc.router.Ready() {
		hc.out.writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{Status: "not_ready", Checks: checks})
		return
	}
	hc.out.writeJSON(w, http.StatusOK, ReadinessResponse{Status: "ready", Checks: checks})
}
