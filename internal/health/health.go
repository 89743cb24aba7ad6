// Package health provides HTTP liveness and readiness probes.
//
// The package exposes two endpoints:
//
//   - /healthz — liveness; returns 200 as long as the process serves HTTP.
//   - /readyz  — readiness; returns 200 only when every registered [Check]
//     passes.
//
// Responses are JSON objects carrying the instance name, a top-level
// "status" field ("ok" or "fail") and, for readiness, a "checks" map with
// the result of each named probe.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"
)

// probeTimeout bounds how long a single readiness probe may take before its
// context is cancelled.
const probeTimeout = 5 * time.Second

// Check is a named readiness probe. Probe returns nil when the dependency
// is healthy and an error describing the failure otherwise. It must respect
// context cancellation.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// result is the JSON response body for both endpoints.
type result struct {
	Server string            `json:"server"`
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the /healthz and /readyz endpoints for one server
// instance. It is safe for concurrent use; the probe list is fixed at
// construction time.
type Handler struct {
	server string
	checks []Check
}

// New creates a [Handler] reporting under the given instance name. The
// checks run sequentially in the order provided on every /readyz request.
func New(server string, checks ...Check) *Handler {
	return &Handler{server: server, checks: slices.Clone(checks)}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Server: h.server, Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Check] passes. Each probe runs under a [probeTimeout] deadline derived
// from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checks))
	ready := true

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := c.Probe(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ready = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Server: h.server, Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
