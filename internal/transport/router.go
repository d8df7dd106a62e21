package transport

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/odflow/internal/config"
	"github.com/pitabwire/odflow/internal/idempotency"
	"github.com/pitabwire/odflow/internal/openapi"
	"github.com/pitabwire/odflow/internal/simulation"
	"github.com/pitabwire/odflow/internal/workflow"
	"github.com/pitabwire/odflow/model"
)

// Recorder receives transport-level counters. The observability Metrics type
// satisfies it.
type Recorder interface {
	RecordSimulation(action, role string)
	RecordIdempotentReplay()
}

type nopRecorder struct{}

func (nopRecorder) RecordSimulation(string, string) {}
func (nopRecorder) RecordIdempotentReplay()         {}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Engine             *workflow.Engine
	Overlay            *simulation.Overlay
	// Idempotency is optional; without it X-Idempotency-Key is ignored.
	Idempotency idempotency.Store
	// Contract, when set, validates request bodies and is served at
	// /openapi.yaml.
	Contract *openapi.Contract
	Recorder Recorder

	HealthHandler  http.HandlerFunc
	ReadyHandler   http.HandlerFunc
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(deps.Logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/health", orDefault(deps.HealthHandler, handleHealth))
	r.Get("/ready", orDefault(deps.ReadyHandler, handleReady))
	metricsPath := deps.Config.Observability.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, metricsPath, deps.MetricsHandler)
	} else {
		r.Get(metricsPath, handleMetrics)
	}

	if deps.Contract != nil {
		r.Get("/openapi.yaml", deps.Contract.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	gated := deps.CapabilityResolver != nil
	canView := RequireCapability(gated, model.CapSubmissionsView)
	canCreate := RequireCapability(gated, model.CapSubmissionsCreate)
	canReview := RequireCapabilityOr(gated, denyStageDecision, model.CapSubmissionsReview)
	canSimulate := RequireCapabilityOr(gated, denySimulation(deps.Overlay), model.CapRolesSimulate)
	body := func(operationID string) func(http.Handler) http.Handler {
		return ValidateBody(deps.Contract, operationID)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, deps.Logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))

		r.Route("/submissions", func(r chi.Router) {
			r.With(canView).Get("/", handleSubmissionList(deps))
			r.With(canView).Get("/pending", handleSubmissionPending(deps))
			r.With(canCreate, body("createSubmission")).Post("/{type}", handleSubmissionCreate(deps))
			r.With(canView).Get("/{type}/{id}", handleSubmissionGet(deps))
			r.With(canCreate).Post("/{type}/{id}/submit", handleSubmissionSubmit(deps))
			r.With(canCreate, body("resubmitSubmission")).Post("/{type}/{id}/resubmit", handleSubmissionResubmit(deps))
			r.With(canReview, body("decideStage")).Post("/{type}/{id}/{action}", handleStageDecision(deps))
		})

		r.Route("/auth", func(r chi.Router) {
			r.With(canSimulate, body("switchRole")).Post("/switch-role", handleSwitchRole(deps))
			r.With(canSimulate).Post("/reset-role", handleResetRole(deps))
			r.Get("/effective-role", handleEffectiveRole(deps))
		})
	})

	return r
}

// denyStageDecision answers a caller without review capability the way the
// engine would: the caller's role may not decide at the named stage.
func denyStageDecision(r *http.Request) error {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		return model.NewUnauthorizedError("missing request context")
	}
	role, _ := rctx.PrimaryRole()
	slug := chi.URLParam(r, "action")
	if len(slug) > len(approvalSuffix) && strings.HasSuffix(strings.ToLower(slug), approvalSuffix) {
		slug = slug[:len(slug)-len(approvalSuffix)]
	}
	stage, ok := model.ParseStage(slug)
	if !ok {
		stage = model.Stage(slug)
	}
	return model.NewUnauthorizedStageError(role, stage)
}

func denySimulation(overlay *simulation.Overlay) Denial {
	super := model.RoleAdmin
	if overlay != nil {
		super = overlay.SuperRole()
	}
	return func(*http.Request) error {
		return model.NewForbiddenSimulationError(super)
	}
}

func orDefault(h, fallback http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return fallback
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
}
