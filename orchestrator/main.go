package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/InsightForge/orchestrator/auth"
	"github.com/itskum47/InsightForge/orchestrator/breaker"
	"github.com/itskum47/InsightForge/orchestrator/executor"
	"github.com/itskum47/InsightForge/orchestrator/middleware"
	"github.com/itskum47/InsightForge/orchestrator/queue"
	"github.com/itskum47/InsightForge/orchestrator/registry"
	"github.com/itskum47/InsightForge/orchestrator/store"
	"github.com/itskum47/InsightForge/orchestrator/tenant"
	"github.com/itskum47/InsightForge/orchestrator/upstream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Queue data plane: Redis in production, memory for single-node dev.
	var queueStore store.QueueStore
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		rs, err := store.NewRedisStore(redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", redisAddr, err)
		}
		queueStore = rs
		log.Printf("Connected to Redis at %s for queue state", redisAddr)
	} else {
		queueStore = store.NewMemoryStore()
		log.Println("REDIS_ADDR not set. Using in-memory queue store (single-node only)")
	}
	defer queueStore.Close()

	// Relational + vector repository: Postgres, memory fallback for dev.
	var repo store.Repository
	modelVersion := os.Getenv("EMBEDDING_MODEL_VERSION")
	if modelVersion == "" {
		modelVersion = "text-embedding-3-small"
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := store.NewPostgresRepository(ctx, dsn, modelVersion)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		repo = pg
		log.Println("Connected to Postgres repository")
	} else {
		mem := store.NewMemoryStore()
		seedDevMembership(mem)
		repo = mem
		log.Println("DATABASE_URL not set. Using in-memory repository (dev mode)")
	}
	defer repo.Close()

	// Upstream clients. Fetch retries transient failures with backoff before
	// the breaker sees the error.
	analyticsURL := os.Getenv("ANALYTICS_API_URL")
	if analyticsURL == "" {
		analyticsURL = "http://localhost:9101"
	}
	embeddingURL := os.Getenv("EMBEDDING_API_URL")
	if embeddingURL == "" {
		embeddingURL = "http://localhost:9102"
	}
	analytics := upstream.NewRetryingAnalyticsClient(
		upstream.NewHTTPAnalyticsClient(analyticsURL, os.Getenv("ANALYTICS_API_TOKEN")),
		upstream.DefaultBackoffConfig(),
	)
	embedder := upstream.NewHTTPEmbeddingClient(embeddingURL, os.Getenv("EMBEDDING_API_TOKEN"))

	// Breakers are shared by every caller of a worker name.
	breakerCfg := breaker.DefaultConfig()
	if v := os.Getenv("BREAKER_FAILURE_THRESHOLD"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			breakerCfg.FailureThreshold = n
		}
	}
	if v := os.Getenv("BREAKER_RECOVERY_SECONDS"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			breakerCfg.RecoveryTimeout = time.Duration(n) * time.Second
		}
	}
	breakers := breaker.NewRegistry(breakerCfg)

	// Queue with auto-scaled per-tenant workers.
	queueCfg := queue.DefaultConfig()
	if v := os.Getenv("QUEUE_MAX_WORKERS"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			queueCfg.MaxWorkers = n
		}
	}
	q := queue.New(queueStore, analytics, queueCfg)
	q.Start(ctx)

	gate := tenant.NewGate(repo)
	registrar := registry.NewRegistrar()
	exec := executor.New(breakers)

	pipelineCfg := DefaultPipelineConfig()
	if os.Getenv("CACHE_FASTPATH_DISABLED") == "true" {
		pipelineCfg.CacheEnabled = false
	}
	orchestrator := NewOrchestrator(gate, repo, q, exec, analytics, embedder, pipelineCfg)

	api := NewAPI(orchestrator, q, breakers, registrar, gate, queueStore)

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	protected := func(h http.HandlerFunc) http.Handler {
		return middleware.AuthMiddleware(middleware.TenantMiddleware(h))
	}

	// Streaming pipeline
	http.Handle("/query/stream", protected(api.handleQueryStream))

	// Queue submission and status
	http.Handle("/queue/requests", protected(func(w http.ResponseWriter, r *http.Request) {
		// Wrap with idempotency for POST
		api.withIdempotency(api.handleSubmitRequest)(w, r)
	}))
	http.Handle("/queue/requests/", protected(api.handleGetRequest))
	http.Handle("/queue/stream/", protected(api.handleQueueStream))

	// Metrics Endpoint
	http.Handle("/metrics", promhttp.Handler())

	// Debug Snapshot Endpoint
	http.HandleFunc("/queue/debug/snapshot", api.handleQueueSnapshot)

	// Admin Endpoints
	http.Handle("/admin/breakers", protected(api.handleListBreakers))
	http.Handle("/admin/breakers/reset", protected(api.handleResetBreaker))
	http.Handle("/admin/connections", protected(api.handleListConnections))
	http.Handle("/admin/shutdown", protected(api.handleShutdown))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:    ":" + port,
		Handler: middleware.CORSMiddleware(http.DefaultServeMux),
	}

	go func() {
		log.Printf("InsightForge orchestrator listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Signal-driven graceful shutdown: refuse new streams, drain live ones
	// within the grace window, stop queue workers, then close the listener.
	<-ctx.Done()
	log.Println("Shutdown signal received, draining...")

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := registrar.InitiateShutdown(drainCtx, 20*time.Second, 30); err != nil && err != registry.ErrShutdownInProgress {
		log.Printf("Drain error: %v", err)
	}

	q.Stop()

	if err := server.Shutdown(drainCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	log.Println("Shutdown complete")
}

// seedDevMembership provisions a workspace and prints a usable token so the
// dev-mode server is exercisable without a database.
func seedDevMembership(mem *store.MemoryStore) {
	now := time.Now()
	mem.PutMembership(&tenant.Membership{
		UserID:     "dev-user",
		TenantID:   "dev-tenant",
		Role:       tenant.RoleOwner,
		AcceptedAt: &now,
	})

	token, err := auth.GenerateToken("dev-user", "dev@insightforge.local")
	if err != nil {
		log.Printf("Dev seed: token generation failed: %v", err)
		return
	}
	log.Printf("Dev seed: tenant=dev-tenant user=dev-user token=%s", token)
}
