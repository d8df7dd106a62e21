// Package main is the entry point for the odflow approval server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
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

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

const breakerSampleInterval = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "odflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load and validate the stage policy table.
	table, err := buildPolicyTable(cfg.Workflow)
	if err != nil {
		logger.Error("stage policy load failed", zap.Error(err))
		return 1
	}
	if verrs := policy.Validate(table); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("stage policy validation error", zap.String("error", ve.Error()))
		}
		logger.Error("stage policy validation failed", zap.Int("errors", len(verrs)))
		return 1
	}
	for _, typ := range table.Types() {
		stages, _ := table.StagesFor(typ)
		metrics.SetPolicyStagesLoaded(string(typ), float64(len(stages)))
	}
	logger.Info("stage policy loaded", zap.String("checksum", table.Checksum()))

	// Step 5: Shared Redis connection, only when something uses it.
	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb, err = buildRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Error("redis initialization failed", zap.Error(err))
			return 1
		}
		defer rdb.Close()
	}

	// Step 6: Role simulation overlay.
	superRole, ok := model.ParseRole(cfg.Simulation.SuperRole)
	if !ok {
		logger.Error("unknown simulation super role", zap.String("role", cfg.Simulation.SuperRole))
		return 1
	}
	var sessions simulation.SessionStore = simulation.NewMemorySessionStore()
	if cfg.Simulation.Driver == "redis" {
		sessions = simulation.NewRedisSessionStore(rdb)
	}
	overlay := simulation.NewOverlay(sessions, table, superRole, cfg.Simulation.TTL)

	// Step 7: Submission store.
	store, storeCheck, storeCloser, err := buildSubmissionStore(ctx, cfg.Workflow.Store, logger)
	if err != nil {
		logger.Error("submission store initialization failed", zap.Error(err))
		return 1
	}

	// Step 8: Notification sinks behind the background dispatcher.
	sinks, webhookBreaker := buildNotifiers(cfg.Notifier, rdb, logger)
	dispatcher := notify.NewDispatcher(sinks, notify.DispatcherConfig{
		Workers:   cfg.Notifier.Dispatcher.Workers,
		QueueSize: cfg.Notifier.Dispatcher.QueueSize,
		Timeout:   cfg.Notifier.Dispatcher.Timeout,
		Logger:    logger,
		OnError: func(event model.StageEvent, _ error) {
			metrics.RecordNotificationFailure(string(event.Action))
		},
	})

	// Step 9: Workflow engine.
	engine := workflow.NewEngine(table, store, overlay,
		workflow.WithNotifier(dispatcher),
		workflow.WithRecorder(metrics),
		workflow.WithLogger(logger),
	)

	// Step 10: Capability resolver and idempotency store.
	capResolver, err := buildCapabilityResolver(cfg.Capability, metrics)
	if err != nil {
		logger.Error("capability resolver initialization failed", zap.Error(err))
		return 1
	}
	idemStore := buildIdempotencyStore(cfg.Idempotency, rdb, logger)

	contract, err := openapi.Load()
	if err != nil {
		logger.Error("api contract failed to load", zap.Error(err))
		return 1
	}

	// Step 11: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readinessChecks := observability.ReadinessChecks{
		PolicyLoaded:    func() bool { return len(table.Types()) > 0 },
		SubmissionStore: storeCheck,
	}
	if rdb != nil {
		redisCheck := observability.HealthCheckFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		if cfg.Simulation.Driver == "redis" {
			readinessChecks.SessionStore = redisCheck
		}
		if cfg.Idempotency.Enabled && cfg.Idempotency.Driver == "redis" {
			readinessChecks.IdempotencyStore = redisCheck
		}
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Engine:             engine,
		Overlay:            overlay,
		Idempotency:        idemStore,
		Contract:           contract,
		Recorder:           metrics,
		HealthHandler:      observability.HandleHealth(),
		ReadyHandler:       observability.HandleReady(readinessChecks),
		MetricsHandler:     observability.Handler(),
	})

	// Wrap router with metrics middleware.
	handler := metrics.MetricsMiddleware(observability.TracingMiddleware(router))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 12: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if webhookBreaker != nil {
		go sampleBreakerState(bgCtx, webhookBreaker, metrics, breakerSampleInterval)
	}

	// Step 13: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Workflow.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	// Deliver queued notifications before the sinks go away.
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error("notification dispatcher shutdown error", zap.Error(err))
	}

	if storeCloser != nil {
		storeCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildPolicyTable loads the configured policy file, or the built-in table
// when none is set.
func buildPolicyTable(cfg config.WorkflowConfig) (*policy.Table, error) {
	if cfg.PolicyFile == "" {
		return policy.Default(), nil
	}
	return policy.LoadFile(cfg.PolicyFile)
}

func buildRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", cfg.AddrEnv)
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// buildSubmissionStore creates the submission store based on config. The
// returned checker and closer are nil for the in-memory store.
func buildSubmissionStore(
	ctx context.Context,
	cfg config.WorkflowStoreConfig,
	logger *zap.Logger,
) (workflow.SubmissionStore, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory submission store")
		return workflow.NewMemorySubmissionStore(), nil, nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("submission store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("submission store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("submission store: connect: %w", err)
		}

		store := workflow.NewPgSubmissionStore(pool)
		if err := store.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("submission store: ping: %w", err)
		}
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, nil, fmt.Errorf("submission store: migrate: %w", err)
			}
			logger.Info("submission schema migrated")
		}
		return store, observability.HealthCheckFunc(store.Ping), pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported submission store driver: %q", cfg.Driver)
	}
}

// buildNotifiers assembles the configured sinks. The webhook breaker is
// returned so its state can be exported.
func buildNotifiers(cfg config.NotifierConfig, rdb *redis.Client, logger *zap.Logger) (notify.Multi, *notify.CircuitBreaker) {
	var sinks notify.Multi
	if cfg.Log {
		sinks = append(sinks, notify.NewLogNotifier(logger))
	}
	if cfg.Redis.Enabled && rdb != nil {
		sinks = append(sinks, notify.NewRedisNotifier(rdb, cfg.Redis.Channel, cfg.Redis.InboxCap))
	}
	var breaker *notify.CircuitBreaker
	if cfg.Webhook.URL != "" {
		cb := cfg.Webhook.CircuitBreaker
		breaker = notify.NewCircuitBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout)
		sinks = append(sinks, notify.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Timeout, breaker))
	}
	return sinks, breaker
}

// buildCapabilityResolver creates the resolver from the static policy file,
// falling back to the built-in role table.
func buildCapabilityResolver(cfg config.CapabilityConfig, metrics *observability.Metrics) (*capability.Resolver, error) {
	var evaluator *capability.StaticPolicyEvaluator
	if cfg.StaticPolicyFile != "" {
		var err error
		evaluator, err = capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("static policy: %w", err)
		}
	} else {
		evaluator = capability.NewDefaultPolicyEvaluator()
	}
	return capability.NewResolver(evaluator, cfg.Cache.TTL, capability.WithCacheRecorder(metrics)), nil
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns nil when idempotency is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, rdb *redis.Client, logger *zap.Logger) idempotency.Store {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Driver == "redis" && rdb != nil {
		logger.Info("using redis idempotency store")
		return idempotency.NewRedisStore(rdb)
	}
	logger.Info("using in-memory idempotency store")
	return idempotency.NewMemoryStore()
}

// sampleBreakerState periodically exports the webhook breaker state.
func sampleBreakerState(ctx context.Context, cb *notify.CircuitBreaker, metrics *observability.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		metrics.SetNotifierBreakerState("webhook", float64(cb.State()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
