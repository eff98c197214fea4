package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// HealthStatus represents the health status of the service.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is a single named probe (e.g. storage connectivity).
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// HealthChecker runs registered probes and aggregates their status.
type HealthChecker struct {
	checks map[string]*HealthCheck
	mu     sync.RWMutex
}

// CheckStatus is the reported outcome of one probe.
type CheckStatus struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status     HealthStatus           `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     string                 `json:"uptime"`
	Checks     map[string]CheckStatus `json:"checks"`
	Goroutines int                    `json:"num_goroutines"`
}

var startTime = time.Now()

// NewHealthChecker creates an empty health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]*HealthCheck),
	}
}

// RegisterCheck registers a probe. A zero timeout defaults to 5s.
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	if check.Timeout == 0 {
		check.Timeout = 5 * time.Second
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[check.Name] = check
}

// Run executes all probes and aggregates: any failing critical probe makes
// the service unhealthy, any failing non-critical probe degrades it.
func (hc *HealthChecker) Run(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	hc.mu.RUnlock()

	resp := HealthResponse{
		Status:     HealthStatusHealthy,
		Timestamp:  time.Now().UTC(),
		Uptime:     time.Since(startTime).Round(time.Second).String(),
		Checks:     make(map[string]CheckStatus, len(checks)),
		Goroutines: runtime.NumGoroutine(),
	}

	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, c.Timeout)
		err := c.CheckFunc(checkCtx)
		cancel()

		if err == nil {
			resp.Checks[c.Name] = CheckStatus{Status: HealthStatusHealthy}
			continue
		}

		resp.Checks[c.Name] = CheckStatus{Status: HealthStatusUnhealthy, Message: err.Error()}
		if c.Critical {
			resp.Status = HealthStatusUnhealthy
		} else if resp.Status == HealthStatusHealthy {
			resp.Status = HealthStatusDegraded
		}
	}

	return resp
}

// Handler returns the health endpoint handler. Unhealthy reports 503.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := hc.Run(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
