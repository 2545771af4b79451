package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/connector"
	"github.com/ocx/backend/internal/credential"
	"github.com/ocx/backend/internal/dedupe"
	"github.com/ocx/backend/internal/events"
	"github.com/ocx/backend/internal/execstream"
	"github.com/ocx/backend/internal/httpapi"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/middleware"
	"github.com/ocx/backend/internal/orgctx"
	"github.com/ocx/backend/internal/pollingscheduler"
	"github.com/ocx/backend/internal/queue"
	"github.com/ocx/backend/internal/redisx"
	"github.com/ocx/backend/internal/resumetoken"
	"github.com/ocx/backend/internal/runtime"
	"github.com/ocx/backend/internal/schedulerlock"
	"github.com/ocx/backend/internal/store"
	"github.com/ocx/backend/internal/triggerregistry"
	"github.com/ocx/backend/internal/webhookdispatch"
	"github.com/ocx/backend/internal/webhookingress"
)

func main() {
	cfg := config.Get()

	// Per-organization config overrides (replay tolerance, execution
	// timeout, worker concurrency) are optional; absence of the overrides
	// file just means every organization runs on the global defaults.
	orgConfig, err := config.NewManager(
		getEnvOrDefault("CONFIG_PATH", "config.yaml"),
		getEnvOrDefault("ORG_CONFIG_PATH", "organizations.yaml"),
	)
	if err != nil {
		slog.Warn("organization config overrides unavailable, using global defaults for every org", "error", err)
		orgConfig = nil
	}

	// =========================================================================
	// Durable store + migrations
	// =========================================================================
	// =========================================================================
	// Metrics — Prometheus collectors, exported at GET /metrics
	// =========================================================================
	metricsRegistry := metrics.New()

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// =========================================================================
	// Redis (optional) — backs the Dedupe Store and Scheduler Lock Service
	// when configured; falls back to Postgres-backed implementations when
	// Redis isn't available.
	// =========================================================================
	var redisClient *redisx.Client
	if cfg.Redis.URL != "" {
		redisClient, err = redisx.New(cfg.Redis.URL, "", 0)
		if err != nil {
			slog.Warn("Redis connection failed, falling back to Postgres-backed dedupe/locks", "error", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
			slog.Info("Redis connected", "url", cfg.Redis.URL)
		}
	}

	var dedupeStore dedupe.Store
	if redisClient != nil {
		dedupeStore = dedupe.NewRedisStore(redisClient)
	} else {
		dedupeStore = dedupe.NewPostgresStore(db)
	}

	lock, err := schedulerlock.NewFromStrategy(cfg.Scheduler.Strategy, schedulerlock.Deps{
		DB:            db,
		Redis:         redisClient,
		SingleProcess: cfg.Scheduler.SingleProcess,
	})
	if err != nil {
		log.Fatalf("Failed to configure scheduler lock: %v", err)
	}
	lock = schedulerlock.WithMetrics(lock, metricsRegistry)

	// =========================================================================
	// Trigger Registry — rehydrate from durable store before serving traffic
	// =========================================================================
	registry := triggerregistry.New(db)
	if err := registry.Rehydrate(ctx); err != nil {
		log.Fatalf("Failed to rehydrate trigger registry: %v", err)
	}

	// =========================================================================
	// Org/credential/auth plumbing
	// =========================================================================
	orgManager := orgctx.NewManager(db)

	credentialStore, err := newCredentialStore(cfg, db)
	if err != nil {
		log.Fatalf("Failed to configure credential store: %v", err)
	}

	// =========================================================================
	// Connector boundary — seed with whatever apps this deployment has wired
	// an endpoint for; Non-goals explicitly scope a full per-app catalog out.
	// =========================================================================
	catalog := connector.StaticCatalog{}
	invoker := connector.NewHTTPInvoker(catalog, 30*time.Second)

	// =========================================================================
	// Event bus — fans execution lifecycle events to the WebSocket stream
	// and the outbound webhook dispatcher.
	// =========================================================================
	bus := events.NewEventBus()

	streamer := execstream.NewStreamer()
	go streamer.Run()
	execBridge := execstream.NewBridge(bus, streamer)
	defer execBridge.Stop()

	webhookRegistry := webhookdispatch.NewRegistry()
	webhookDispatcher := webhookdispatch.NewDispatcher(webhookRegistry, 4)
	defer webhookDispatcher.Shutdown()
	webhookBridge := webhookdispatch.NewBridge(bus, webhookDispatcher)
	defer webhookBridge.Stop()

	// =========================================================================
	// Resume Token Service + quota gate + auth
	// =========================================================================
	tokens := resumetoken.New(db, resumetoken.Config{MasterSecret: cfg.Security.EncryptionMasterKey})
	quota := middleware.NewQuotaGate(middleware.QuotaConfig{
		MaxCallsPerMinute: 60,
		BurstSize:         10,
	})
	auth := middleware.NewAuthMiddleware(orgManager, cfg.Security.JWTSecret)

	// =========================================================================
	// Workflow Runtime — satisfies queue.Processor
	// =========================================================================
	runtimeEngine := runtime.New(db, invoker, credentialStore, tokens, quota, bus, slog.Default(), runtime.Config{
		ExecutionTimeout:            time.Duration(cfg.Execution.TimeoutMs) * time.Millisecond,
		DefaultMaxAPICallsPerMinute: 60,
		DefaultMaxTokensPerMinute:   100000,
	}).WithOrgConfig(orgConfig).WithMetrics(metricsRegistry)

	// =========================================================================
	// Execution Queue Service
	// =========================================================================
	queueEngine := queue.New(db, runtimeEngine, bus, queue.Config{
		WorkerCount: cfg.Worker.Concurrency,
	}).WithMetrics(metricsRegistry)
	if cfg.Worker.EnableInline {
		queueEngine.Start(ctx)
		defer queueEngine.Wait()
		slog.Info("Inline execution worker pool started", "concurrency", cfg.Worker.Concurrency)
	} else {
		slog.Info("Inline execution worker pool disabled (ENABLE_INLINE_WORKER=false); expecting a standalone worker process")
	}

	// =========================================================================
	// Polling Scheduler
	// =========================================================================
	poller := pollingscheduler.NewInvokerPoller(invoker)
	scheduler := pollingscheduler.New(registry, lock, dedupeStore, db, queueEngine, poller, pollingscheduler.Config{})
	go scheduler.Run(ctx)

	// =========================================================================
	// Webhook Ingress
	// =========================================================================
	replayTolerance := time.Duration(cfg.Webhook.ReplayToleranceSec) * time.Second
	webhookHandler := webhookingress.New(registry, dedupeStore, db, queueEngine, replayTolerance).
		WithOrgConfig(orgConfig).
		WithMetrics(metricsRegistry)

	// =========================================================================
	// Router Setup
	// =========================================================================
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		dbStatus := "connected"
		if err := db.Ping(ctx); err != nil {
			dbStatus = "error"
		}
		json.NewEncoder(w).Encode(map[string]string{
			"status":   "healthy",
			"service":  "ocx-workflow-api",
			"database": dbStatus,
		})
	}).Methods(http.MethodGet)

	webhookHandler.Register(router)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	httpapi.Register(api, httpapi.Deps{
		DB:       db,
		Queue:    queueEngine,
		Tokens:   tokens,
		Quota:    quota,
		Auth:     auth,
		Streamer: streamer,
	})

	router.Use(middleware.NewCORSMiddleware(cfg))
	router.Use(middleware.LoggingMiddleware)

	// =========================================================================
	// Server Start + Graceful Shutdown
	// =========================================================================
	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Received shutdown signal, shutting down gracefully")

		shutdownCancel()

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
	}()

	_ = shutdownCtx

	slog.Info("OCX workflow API starting", "addr", server.Addr, "health_check", "http://localhost:"+cfg.Server.Port+"/health")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	slog.Info("Server stopped")
}

// newCredentialStore picks the Supabase-backed credential store when
// configured, otherwise the Postgres-backed one sharing the API's own
// database handle.
func newCredentialStore(cfg *config.Config, db *store.Store) (credential.Store, error) {
	endpoints := credential.OAuth2Endpoints{}
	onRefresh := func(ctx context.Context, organizationID, connectionID string) {
		slog.Debug("credential refreshed", "organizationId", organizationID, "connectionId", connectionID)
	}

	if cfg.Supabase.Enabled {
		return credential.NewSupabaseStore(cfg.Supabase.URL, cfg.Supabase.ServiceKey, endpoints, onRefresh)
	}
	return credential.NewPostgresStore(db, endpoints, onRefresh), nil
}

// getEnvOrDefault returns the env var value or a default.
func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
