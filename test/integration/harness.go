// Package integration provides a reusable test harness for end-to-end
// testing of the odflow approval API. It starts a full HTTP server with
// in-memory or miniredis-backed stores, a test JWT issuer, and an optional
// webhook receiver for stage events.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/odflow/internal/capability"
	"github.com/pitabwire/odflow/internal/config"
	"github.com/pitabwire/odflow/internal/idempotency"
	"github.com/pitabwire/odflow/internal/notify"
	"github.com/pitabwire/odflow/internal/observability"
	"github.com/pitabwire/odflow/internal/openapi"
	"github.com/pitabwire/odflow/internal/policy"
	"github.com/pitabwire/odflow/internal/simulation"
	"github.com/pitabwire/odflow/internal/transport"
	"github.com/pitabwire/odflow/internal/workflow"
	"github.com/pitabwire/odflow/model"
)

// TestHarness encapsulates a fully wired server for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Policy     *policy.Table
	Store      *workflow.MemorySubmissionStore
	Engine     *workflow.Engine
	Overlay    *simulation.Overlay
	Metrics    *observability.Metrics
	Dispatcher *notify.Dispatcher

	// Set by WithRedis.
	Redis       *miniredis.Miniredis
	RedisClient *redis.Client

	// Set by WithWebhook.
	Webhook *MockWebhook
	Breaker *notify.CircuitBreaker

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policyFile     string
	table          *policy.Table
	redis          bool
	webhook        *config.CircuitBreakerConfig
	handlerTimeout time.Duration
}

// WithCapabilityPolicy sets the static role capability YAML file.
func WithCapabilityPolicy(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithStagePolicy replaces the built-in stage policy table.
func WithStagePolicy(t *policy.Table) HarnessOption {
	return func(c *harnessConfig) {
		c.table = t
	}
}

// WithRedis backs simulation sessions, idempotency, and stage-event inboxes
// with an in-process Redis.
func WithRedis() HarnessOption {
	return func(c *harnessConfig) {
		c.redis = true
	}
}

// WithWebhook delivers stage events to a MockWebhook behind a circuit
// breaker with the given settings.
func WithWebhook(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.webhook = &cb
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// Step 1: Stage policy.
	h.Policy = hc.table
	if h.Policy == nil {
		h.Policy = policy.Default()
	}
	if verrs := policy.Validate(h.Policy); len(verrs) > 0 {
		t.Fatalf("stage policy invalid: %v", verrs)
	}

	// Step 2: Metrics on a private registry so tests can read them back.
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())

	// Step 3: Stores.
	var sessions simulation.SessionStore = simulation.NewMemorySessionStore()
	var idemStore idempotency.Store = idempotency.NewMemoryStore()
	var sinks notify.Multi
	if hc.redis {
		h.Redis = miniredis.RunT(t)
		h.RedisClient = redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { h.RedisClient.Close() })

		sessions = simulation.NewRedisSessionStore(h.RedisClient)
		idemStore = idempotency.NewRedisStore(h.RedisClient)
		sinks = append(sinks, notify.NewRedisNotifier(h.RedisClient, "odflow.stage-events", 50))
	}
	h.Store = workflow.NewMemorySubmissionStore()
	h.Overlay = simulation.NewOverlay(sessions, h.Policy, model.RoleAdmin, time.Hour)

	// Step 4: Notification sinks.
	if hc.webhook != nil {
		h.Webhook = newMockWebhook(t)
		h.Breaker = notify.NewCircuitBreaker(
			hc.webhook.FailureThreshold, hc.webhook.SuccessThreshold, hc.webhook.Timeout)
		sinks = append(sinks, notify.NewWebhookNotifier(h.Webhook.URL(), 2*time.Second, h.Breaker))
	}
	h.Dispatcher = notify.NewDispatcher(sinks, notify.DispatcherConfig{
		Workers:   1,
		QueueSize: 64,
		Timeout:   2 * time.Second,
		Logger:    zap.NewNop(),
		OnError: func(event model.StageEvent, _ error) {
			h.Metrics.RecordNotificationFailure(string(event.Action))
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Dispatcher.Close(ctx)
	})

	// Step 5: Engine.
	h.Engine = workflow.NewEngine(h.Policy, h.Store, h.Overlay,
		workflow.WithNotifier(h.Dispatcher),
		workflow.WithRecorder(h.Metrics),
	)

	// Step 6: Capability resolver.
	evaluator := capability.NewDefaultPolicyEvaluator()
	if hc.policyFile != "" {
		var err error
		evaluator, err = capability.NewStaticPolicyEvaluator(hc.policyFile)
		if err != nil {
			t.Fatalf("load policy file: %v", err)
		}
	}
	capResolver := capability.NewResolver(evaluator, time.Minute, capability.WithCacheRecorder(h.Metrics))

	// Step 7: JWT issuer and config.
	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	// Step 8: Router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour, nil)
	contract, err := openapi.Load()
	if err != nil {
		t.Fatalf("openapi.Load() error = %v", err)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Engine:             h.Engine,
		Overlay:            h.Overlay,
		Idempotency:        idemStore,
		Contract:           contract,
		Recorder:           h.Metrics,
		HealthHandler:      observability.HandleHealth(),
		ReadyHandler: observability.HandleReady(observability.ReadinessChecks{
			PolicyLoaded: func() bool { return len(h.Policy.Types()) > 0 },
		}),
	})

	// Step 9: Start test server.
	h.server = httptest.NewServer(h.Metrics.MetricsMiddleware(observability.TracingMiddleware(router)))
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates an expired JWT token.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the error envelope code.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Default test claims ---

// StudentClaims returns TestClaims for a student in the cse department.
func StudentClaims() TestClaims {
	return TestClaims{
		SubjectID:    "stu-100",
		Email:        "asha@students.example.edu",
		Roles:        []string{"STUDENT"},
		DepartmentID: "cse",
		SessionID:    "sess-stu-100",
	}
}

// ReviewerClaims returns TestClaims for a cse reviewer holding role.
func ReviewerClaims(role model.Role) TestClaims {
	c := TestClaims{
		SubjectID:    "fac-" + strings.ToLower(string(role)),
		Email:        strings.ToLower(string(role)) + "@example.edu",
		Roles:        []string{string(role)},
		DepartmentID: "cse",
		SessionID:    "sess-" + strings.ToLower(string(role)),
	}
	if role == model.RolePrincipal {
		c.DepartmentID = ""
	}
	return c
}

// AdminClaims returns TestClaims for an administrator with the given session.
func AdminClaims(sessionID string) TestClaims {
	return TestClaims{
		SubjectID: "adm-1",
		Email:     "admin@example.edu",
		Roles:     []string{"ADMIN"},
		SessionID: sessionID,
	}
}

// --- Workflow helpers ---

// CreateAndSubmit creates a submission of the given type slug as the
// student and submits it.
func (h *TestHarness) CreateAndSubmit(t *testing.T, typeSlug, studentToken string) model.Submission {
	t.Helper()

	var sub model.Submission
	resp := h.POST("/submissions/"+typeSlug, map[string]any{
		"eventId":  "evt-hackathon-2026",
		"title":    "State level hackathon",
		"proofUrl": "https://files.example.edu/proof/" + typeSlug + ".pdf",
		"details":  map[string]any{"venue": "Anna University"},
	}, studentToken)
	h.AssertJSON(t, resp, http.StatusCreated, &sub)

	resp = h.POST("/submissions/"+typeSlug+"/"+sub.ID+"/submit", nil, studentToken)
	h.AssertJSON(t, resp, http.StatusOK, &sub)
	return sub
}

// Decide posts a stage decision and returns the response.
func (h *TestHarness) Decide(typeSlug, id string, stage model.Stage, body map[string]any, token string) *http.Response {
	h.t.Helper()
	slug := strings.ReplaceAll(strings.ToLower(string(stage)), "_", "-")
	return h.POST("/submissions/"+typeSlug+"/"+id+"/"+slug+"-approval", body, token)
}
