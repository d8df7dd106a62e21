package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	SubmissionsCreatedTotal   *prometheus.CounterVec
	SubmissionsSubmittedTotal *prometheus.CounterVec
	DecisionsTotal            *prometheus.CounterVec
	ResubmissionsTotal        *prometheus.CounterVec

	// Simulation metrics
	SimulationsTotal *prometheus.CounterVec

	// Notification metrics
	NotificationFailuresTotal *prometheus.CounterVec
	NotifierBreakerState      *prometheus.GaugeVec

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	IdempotentReplaysTotal     prometheus.Counter

	// System metrics
	PolicyStagesLoaded *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflow
		SubmissionsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odflow_submissions_created_total",
			Help: "Total number of submissions created as drafts.",
		}, []string{"type"}),
		SubmissionsSubmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odflow_submissions_submitted_total",
			Help: "Total number of drafts submitted for review.",
		}, []string{"type"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odflow_decisions_total",
			Help: "Total number of stage decisions attempted, by outcome.",
		}, []string{"type", "stage", "decision", "outcome"}),
		ResubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odflow_resubmissions_total",
			Help: "Total number of submissions resubmitted after a revision request.",
		}, []string{"type"}),

		// Simulation
		SimulationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odflow_simulations_total",
			Help: "Total number of role simulation switches and resets.",
		}, []string{"action", "role"}),

		// Notifications
		NotificationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odflow_notification_failures_total",
			Help: "Total number of stage events that could not be delivered.",
		}, []string{"action"}),
		NotifierBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odflow_notifier_circuit_breaker_state",
			Help: "Notifier circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"sink"}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odflow_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odflow_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odflow_idempotent_replays_total",
			Help: "Total create requests answered from the idempotency store.",
		}),

		// System
		PolicyStagesLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odflow_policy_stages_loaded",
			Help: "Number of review stages configured per submission type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflow
		m.SubmissionsCreatedTotal,
		m.SubmissionsSubmittedTotal,
		m.DecisionsTotal,
		m.ResubmissionsTotal,
		// Simulation
		m.SimulationsTotal,
		// Notifications
		m.NotificationFailuresTotal,
		m.NotifierBreakerState,
		// Cache
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.IdempotentReplaysTotal,
		// System
		m.PolicyStagesLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSubmissionCreated records a new draft.
func (m *Metrics) RecordSubmissionCreated(subType string) {
	m.SubmissionsCreatedTotal.WithLabelValues(subType).Inc()
}

// RecordSubmissionSubmitted records a draft entering review.
func (m *Metrics) RecordSubmissionSubmitted(subType string) {
	m.SubmissionsSubmittedTotal.WithLabelValues(subType).Inc()
}

// RecordDecision records a decide attempt. outcome is "ok" or the lowercased
// error code.
func (m *Metrics) RecordDecision(subType, stage, decision, outcome string) {
	m.DecisionsTotal.WithLabelValues(subType, stage, decision, outcome).Inc()
}

// RecordResubmission records a resubmission after a revision request.
func (m *Metrics) RecordResubmission(subType string) {
	m.ResubmissionsTotal.WithLabelValues(subType).Inc()
}

// RecordSimulation records a role switch ("switch") or reset ("reset").
func (m *Metrics) RecordSimulation(action, role string) {
	m.SimulationsTotal.WithLabelValues(action, role).Inc()
}

// RecordNotificationFailure records an undelivered stage event.
func (m *Metrics) RecordNotificationFailure(action string) {
	m.NotificationFailuresTotal.WithLabelValues(action).Inc()
}

// SetNotifierBreakerState sets the circuit breaker state for a sink.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetNotifierBreakerState(sink string, state float64) {
	m.NotifierBreakerState.WithLabelValues(sink).Set(state)
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordIdempotentReplay records a create answered from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	m.IdempotentReplaysTotal.Inc()
}

// SetPolicyStagesLoaded sets the number of stages configured for a type.
func (m *Metrics) SetPolicyStagesLoaded(subType string, count float64) {
	m.PolicyStagesLoaded.WithLabelValues(subType).Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
