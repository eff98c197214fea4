package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthAggregation(t *testing.T) {
	tests := []struct {
		name       string
		checks     []*HealthCheck
		wantStatus HealthStatus
	}{
		{
			name:       "no checks",
			wantStatus: HealthStatusHealthy,
		},
		{
			name: "all passing",
			checks: []*HealthCheck{
				{Name: "storage", CheckFunc: func(ctx context.Context) error { return nil }, Critical: true},
			},
			wantStatus: HealthStatusHealthy,
		},
		{
			name: "non-critical failure degrades",
			checks: []*HealthCheck{
				{Name: "storage", CheckFunc: func(ctx context.Context) error { return nil }, Critical: true},
				{Name: "tracing", CheckFunc: func(ctx context.Context) error { return errors.New("down") }},
			},
			wantStatus: HealthStatusDegraded,
		},
		{
			name: "critical failure is unhealthy",
			checks: []*HealthCheck{
				{Name: "storage", CheckFunc: func(ctx context.Context) error { return errors.New("down") }, Critical: true},
			},
			wantStatus: HealthStatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker()
			for _, c := range tt.checks {
				hc.RegisterCheck(c)
			}

			resp := hc.Run(context.Background())
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", resp.Status, tt.wantStatus)
			}
			if len(resp.Checks) != len(tt.checks) {
				t.Errorf("reported %d checks, want %d", len(resp.Checks), len(tt.checks))
			}
		})
	}
}

func TestHealthCheckTimeout(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		CheckFunc: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		},
	})

	start := time.Now()
	resp := hc.Run(context.Background())
	if time.Since(start) > time.Second {
		t.Fatal("check did not time out")
	}
	if resp.Status != HealthStatusDegraded {
		t.Errorf("status = %s, want %s", resp.Status, HealthStatusDegraded)
	}
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:      "storage",
		Critical:  true,
		CheckFunc: func(ctx context.Context) error { return errors.New("down") },
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	hc.Handler()(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %s, want application/json", ct)
	}
}
