package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nexus-edge/vxi11-gateway/internal/health"
)

type fakeChecker struct {
	err error
}

func (f *fakeChecker) HealthCheck(ctx context.Context) error { return f.err }

func TestCheck_AllHealthy(t *testing.T) {
	h := health.NewChecker(health.Config{ServiceName: "gw", ServiceVersion: "1.0"})
	h.AddCheck("a", &fakeChecker{})
	h.AddCheck("b", &fakeChecker{})

	resp := h.Check(context.Background())
	if resp.Status != "healthy" {
		t.Errorf("expected overall status healthy, got %q", resp.Status)
	}
	if len(resp.Checks) != 2 {
		t.Errorf("expected 2 check results, got %d", len(resp.Checks))
	}
}

func TestCheck_OneUnhealthyMarksOverallUnhealthy(t *testing.T) {
	h := health.NewChecker(health.Config{ServiceName: "gw", ServiceVersion: "1.0"})
	h.AddCheck("a", &fakeChecker{})
	h.AddCheck("b", &fakeChecker{err: errors.New("boom")})

	resp := h.Check(context.Background())
	if resp.Status != "unhealthy" {
		t.Errorf("expected overall status unhealthy, got %q", resp.Status)
	}
	if resp.Checks["b"].Status != "unhealthy" || resp.Checks["b"].Error != "boom" {
		t.Errorf("unexpected check b result: %+v", resp.Checks["b"])
	}
	if resp.Checks["a"].Status != "healthy" {
		t.Errorf("unexpected check a result: %+v", resp.Checks["a"])
	}
}

func TestRemoveCheck(t *testing.T) {
	h := health.NewChecker(health.Config{ServiceName: "gw", ServiceVersion: "1.0"})
	h.AddCheck("a", &fakeChecker{})
	h.RemoveCheck("a")

	resp := h.Check(context.Background())
	if len(resp.Checks) != 0 {
		t.Errorf("expected no checks after RemoveCheck, got %d", len(resp.Checks))
	}
}

func TestGetStatus_ReflectsLastCheck(t *testing.T) {
	h := health.NewChecker(health.Config{ServiceName: "gw", ServiceVersion: "1.0"})
	h.AddCheck("a", &fakeChecker{err: errors.New("down")})
	h.Check(context.Background())

	status := h.GetStatus("a")
	if status == nil || status.Status != "unhealthy" {
		t.Fatalf("expected a cached unhealthy status, got %+v", status)
	}
}

func TestIsHealthy(t *testing.T) {
	h := health.NewChecker(health.Config{ServiceName: "gw", ServiceVersion: "1.0"})
	h.AddCheck("a", &fakeChecker{})
	if !h.IsHealthy(context.Background()) {
		t.Error("expected IsHealthy to be true with only healthy checks")
	}
	h.AddCheck("b", &fakeChecker{err: errors.New("down")})
	if h.IsHealthy(context.Background()) {
		t.Error("expected IsHealthy to be false once a check fails")
	}
}

func TestHealthHandler_StatusCodes(t *testing.T) {
	h := health.NewChecker(health.Config{ServiceName: "gw", ServiceVersion: "1.0"})
	h.AddCheck("a", &fakeChecker{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HealthHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when healthy, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
	if body["service"] != "gw" {
		t.Errorf("expected service name gw in response, got %v", body["service"])
	}

	h.AddCheck("b", &fakeChecker{err: errors.New("down")})
	rec2 := httptest.NewRecorder()
	h.HealthHandler(rec2, req)
	if rec2.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when unhealthy, got %d", rec2.Code)
	}
}

func TestLivenessHandler_AlwaysHealthy(t *testing.T) {
	h := health.NewChecker(health.Config{ServiceName: "gw", ServiceVersion: "1.0"})
	h.AddCheck("a", &fakeChecker{err: errors.New("down")})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected liveness to always return 200, got %d", rec.Code)
	}
}

func TestReadinessHandler_ReflectsChecks(t *testing.T) {
	h := health.NewChecker(health.Config{ServiceName: "gw", ServiceVersion: "1.0"})
	h.AddCheck("a", &fakeChecker{err: errors.New("down")})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected readiness to report 503 when a check fails, got %d", rec.Code)
	}
}

func TestListenerCheck(t *testing.T) {
	closed := false
	c := health.NewListenerCheck(func() bool { return closed })
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected a healthy listener check, got: %v", err)
	}
	closed = true
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("expected an error once the listener is closed")
	}
}

func TestDevicesLoadedCheck(t *testing.T) {
	var lastErr error
	c := health.NewDevicesLoadedCheck(func() error { return lastErr })
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected no error when the last reload succeeded, got: %v", err)
	}
	lastErr = errors.New("bad devices document")
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("expected an error once the last reload failed")
	}
}
