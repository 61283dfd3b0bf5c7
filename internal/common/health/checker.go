// Package health provides liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Check is one named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Checker aggregates readiness checks and serves health endpoints.
type Checker struct {
	mu     sync.Mutex
	checks []Check
}

// NewChecker creates an empty checker. Liveness is always up; readiness is
// the conjunction of the registered checks.
func NewChecker() *Checker {
	return &Checker{}
}

// AddReadinessCheck registers a probe.
func (c *Checker) AddReadinessCheck(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check)
}

// NATSCheck probes a broker connection.
func NATSCheck(connected func() bool) Check {
	return Check{
		Name: "nats",
		Probe: func(_ context.Context) error {
			if !connected() {
				return errNotConnected
			}
			return nil
		},
	}
}

// MongoCheck probes the document store.
func MongoCheck(ping func(ctx context.Context) error) Check {
	return Check{Name: "mongodb", Probe: ping}
}

type statusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HandleLive always reports up; the process is serving requests.
func (c *Checker) HandleLive(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, statusResponse{Status: "UP"})
}

// HandleReady runs every readiness check.
func (c *Checker) HandleReady(w http.ResponseWriter, r *http.Request) {
	c.handleChecks(w, r)
}

// HandleHealth is the combined endpoint.
func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	c.handleChecks(w, r)
}

func (c *Checker) handleChecks(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	checks := make([]Check, len(c.checks))
	copy(checks, c.checks)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := statusResponse{Status: "UP", Checks: make(map[string]string, len(checks))}
	code := http.StatusOK
	for _, check := range checks {
		if err := check.Probe(ctx); err != nil {
			resp.Status = "DOWN"
			resp.Checks[check.Name] = "DOWN: " + err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[check.Name] = "UP"
	}
	writeStatus(w, code, resp)
}

func writeStatus(w http.ResponseWriter, code int, resp statusResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

var errNotConnected = errors.New("not connected")
