package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	// Set build-time variables for test.
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	handler := HandleHealth()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

func TestHandleHealth_defaultValues(t *testing.T) {
	handler := HandleHealth()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Version == "" {
		t.Error("version should have a default value")
	}
}

// --- Readiness ---

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady_policyOnly(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{PolicyLoaded: func() bool { return true }})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 1 {
		t.Errorf("checks count = %d, want 1", len(resp.Checks))
	}
}

func TestHandleReady_policyNotLoaded(t *testing.T) {
	for name, checks := range map[string]ReadinessChecks{
		"false": {PolicyLoaded: func() bool { return false }},
		"nil":   {},
	} {
		t.Run(name, func(t *testing.T) {
			code, resp := serveReady(t, checks)
			if code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", code)
			}
			if resp.Checks["policy"].Error != "no stage policy loaded" {
				t.Errorf("policy error = %q", resp.Checks["policy"].Error)
			}
		})
	}
}

func TestHandleReady_withOptionalChecks_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		PolicyLoaded:     func() bool { return true },
		SubmissionStore:  &mockHealthChecker{},
		SessionStore:     &mockHealthChecker{},
		IdempotencyStore: HealthCheckFunc(func(context.Context) error { return nil }),
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(resp.Checks) != 4 {
		t.Errorf("checks count = %d, want 4", len(resp.Checks))
	}
	for name, check := range resp.Checks {
		if check.Status != "ok" {
			t.Errorf("%s = %q, want ok", name, check.Status)
		}
	}
}

func TestHandleReady_dependencyDown(t *testing.T) {
	tests := []struct {
		name   string
		checks ReadinessChecks
		failed string
	}{
		{
			name:   "submission store",
			checks: ReadinessChecks{SubmissionStore: &mockHealthChecker{err: errors.New("connection refused")}},
			failed: "submission_store",
		},
		{
			name:   "session store",
			checks: ReadinessChecks{SessionStore: &mockHealthChecker{err: errors.New("connection refused")}},
			failed: "session_store",
		},
		{
			name:   "idempotency store",
			checks: ReadinessChecks{IdempotencyStore: &mockHealthChecker{err: errors.New("connection refused")}},
			failed: "idempotency_store",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.checks.PolicyLoaded = func() bool { return true }
			code, resp := serveReady(t, tt.checks)

			if code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", code)
			}
			if resp.Status != "not_ready" {
				t.Errorf("status = %q, want not_ready", resp.Status)
			}
			if resp.Checks[tt.failed].Error != "connection refused" {
				t.Errorf("%s error = %q, want 'connection refused'", tt.failed, resp.Checks[tt.failed].Error)
			}
			if resp.Checks["policy"].Status != "ok" {
				t.Errorf("policy = %q, want ok", resp.Checks["policy"].Status)
			}
		})
	}
}

func TestHandleReady_checksHaveLatency(t *testing.T) {
	_, resp := serveReady(t, ReadinessChecks{
		PolicyLoaded:    func() bool { return true },
		SubmissionStore: &mockHealthChecker{},
	})
	for name, check := range resp.Checks {
		if check.LatencyMs < 0 {
			t.Errorf("%s latency = %d, want >= 0", name, check.LatencyMs)
		}
	}
}

func TestHandleReady_contentType(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleReady(ReadinessChecks{PolicyLoaded: func() bool { return true }}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}
