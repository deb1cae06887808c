package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticCheck struct {
	err error
}

func (s staticCheck) HealthCheck(ctx context.Context) error { return s.err }

func TestCheckAggregatesStatuses(t *testing.T) {
	h := NewChecker(Config{ServiceName: "test", ServiceVersion: "0.0.0"})
	h.AddCheck("ok", staticCheck{})

	resp := h.Check(context.Background())
	if resp.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", resp.Status)
	}

	h.AddCheck("broken", staticCheck{err: errors.New("down")})
	resp = h.Check(context.Background())
	if resp.Status != "unhealthy" {
		t.Errorf("Status = %q, want unhealthy", resp.Status)
	}
	if resp.Checks["broken"].Error != "down" {
		t.Errorf("broken check error = %q", resp.Checks["broken"].Error)
	}
	if resp.Checks["ok"].Status != "healthy" {
		t.Errorf("ok check status = %q", resp.Checks["ok"].Status)
	}
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	h := NewChecker(Config{ServiceName: "test", ServiceVersion: "0.0.0"})
	h.AddCheck("ok", staticCheck{})

	rec := httptest.NewRecorder()
	h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthy status code = %d, want 200", rec.Code)
	}

	h.AddCheck("broken", staticCheck{err: errors.New("down")})
	rec = httptest.NewRecorder()
	h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status code = %d, want 503", rec.Code)
	}
}

func TestLivenessAlwaysOK(t *testing.T) {
	h := NewChecker(Config{ServiceName: "test", ServiceVersion: "0.0.0"})
	h.AddCheck("broken", staticCheck{err: errors.New("down")})

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness status code = %d, want 200", rec.Code)
	}
}
