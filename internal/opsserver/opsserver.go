// Package opsserver exposes the control plane's operator-facing HTTP
// surface: liveness/readiness probes, aggregated component health, and
// Prometheus metrics. It deliberately does not expose the group/policy
// CRUD API (out of scope, spec.md §1 Non-goals).
package opsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/ottercloud/autoscale-controlplane/internal/metrics"
	"github.com/ottercloud/autoscale-controlplane/pkg/logger"
)

// ComponentHealth is the health of a single dependency, as reported by a
// registered CheckFunc.
type ComponentHealth struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"` // healthy, degraded, unhealthy
	Message   string    `json:"message,omitempty"`
	Latency   string    `json:"latency,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// CheckFunc probes one dependency (store, coordination backend, ...).
type CheckFunc func(ctx context.Context) ComponentHealth

// StatusResponse is the aggregated /readyz and /status response.
type StatusResponse struct {
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	Uptime     string            `json:"uptime"`
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// HealthChecker aggregates named component checks, run concurrently and
// bounded by a shared timeout, mirroring the teacher's deep health
// checker (infrastructure/service/healthcheck.go) generalized from
// HTTP/DB probes to this repo's own dependencies (store, coordination).
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
}

// NewHealthChecker constructs an empty checker with a default 5s timeout.
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{checks: make(map[string]CheckFunc), timeout: timeout}
}

// Register adds a named health check.
func (h *HealthChecker) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

func (h *HealthChecker) run(ctx context.Context) []ComponentHealth {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(checks))
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()
			start := time.Now()
			result := check(ctx)
			result.Name = name
			result.Latency = time.Since(start).String()
			result.CheckedAt = time.Now()
			results <- result
		}(name, check)
	}
	wg.Wait()
	close(results)

	components := make([]ComponentHealth, 0, len(checks))
	for r := range results {
		components = append(components, r)
	}
	return components
}

// Server is the ops HTTP surface: /healthz (liveness), /readyz
// (aggregated component health, 503 when unhealthy), /metrics
// (Prometheus), and /status (the same aggregate plus uptime, always 200).
type Server struct {
	Checker     *HealthChecker
	Log         *logger.Logger
	ServiceName string
	startedAt   time.Time
}

// New constructs a Server and its http.Handler.
func New(checker *HealthChecker, log *logger.Logger, serviceName string) *Server {
	if log == nil {
		log = logger.NewDefault("opsserver")
	}
	if checker == nil {
		checker = NewHealthChecker(0)
	}
	return &Server{Checker: checker, Log: log, ServiceName: serviceName, startedAt: time.Now()}
}

// Handler builds the mux.Router serving this ops surface.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/healthz", metrics.InstrumentHandler(http.HandlerFunc(s.liveness))).Methods(http.MethodGet)
	r.Handle("/readyz", metrics.InstrumentHandler(http.HandlerFunc(s.readiness))).Methods(http.MethodGet)
	r.Handle("/status", metrics.InstrumentHandler(http.HandlerFunc(s.status))).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// liveness always reports healthy once the process can serve HTTP at
// all; it never probes dependencies (readiness does that).
func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	resp := s.aggregate(r.Context())
	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.aggregate(r.Context()))
}

func (s *Server) aggregate(ctx context.Context) StatusResponse {
	components := s.Checker.run(ctx)
	overall := "healthy"
	for _, c := range components {
		switch c.Status {
		case "unhealthy":
			overall = "unhealthy"
		case "degraded":
			if overall != "unhealthy" {
				overall = "degraded"
			}
		}
	}
	return StatusResponse{
		Status:     overall,
		Service:    s.ServiceName,
		Uptime:     time.Since(s.startedAt).String(),
		Components: components,
		CheckedAt:  time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
