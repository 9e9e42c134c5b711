package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"desagate/internal/admin"
	"desagate/internal/audit"
	"desagate/internal/authn"
	"desagate/internal/config"
	"desagate/internal/csrf"
	"desagate/internal/db"
	"desagate/internal/logger"
	"desagate/internal/metrics"
	"desagate/internal/middleware"
	"desagate/internal/notify"
	"desagate/internal/ratelimit"
	"desagate/internal/rbac"
	"desagate/internal/store"
)

func main() {
	logger.Init(logger.DefaultConfig())
	log := logger.WithComponent("main")

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		log.Error("database initialization failed", "error", err.Error())
		os.Exit(1)
	}
	defer database.Close()

	// Counter store: redis when configured, otherwise the in-process
	// fallback. The fallback loses state on restart and does not share
	// counters between replicas.
	var counterStore store.Store
	if cfg.Redis.Addr != "" {
		redisStore, err := store.NewRedis(cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable, falling back to in-memory counters",
				"addr", cfg.Redis.Addr, "error", err.Error())
			counterStore = store.NewMemory()
		} else {
			counterStore = redisStore
		}
	} else {
		counterStore = store.NewMemory()
	}
	defer counterStore.Close()

	var publisher audit.AlertPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, err := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Warn("kafka unavailable, alerts stay local", "error", err.Error())
		} else {
			publisher = kafkaPublisher
			defer kafkaPublisher.Close()
		}
	}

	collector := metrics.NewCollector()
	pipeline := audit.NewPipeline(database.Events(), database.Alerts(), publisher).WithMetrics(collector)

	resolver, err := rbac.NewResolver(database.Catalog())
	if err != nil {
		log.Error("rbac initialization failed", "error", err.Error())
		os.Exit(1)
	}
	authz := rbac.NewMiddleware(resolver, pipeline)

	limiter, err := ratelimit.NewLimiter(counterStore, cfg.RateLimits)
	if err != nil {
		log.Error("rate limiter initialization failed", "error", err.Error())
		os.Exit(1)
	}
	limiter.WithDenialRecorder(pipeline)

	guard, err := csrf.NewGuard([]byte(cfg.CSRFSecret), cfg.CSRFTTL, counterStore)
	if err != nil {
		log.Error("csrf initialization failed", "error", err.Error())
		os.Exit(1)
	}
	csrfProtect := csrf.NewMiddleware(guard, pipeline)

	authenticator, err := authn.NewAuthenticator([]byte(cfg.AuthSecret), cfg.AuthIssuer, cfg.AuthTTL)
	if err != nil {
		log.Error("authn initialization failed", "error", err.Error())
		os.Exit(1)
	}

	// Management routes require the security:manage permission on top
	// of the shared chain.
	apiMux := http.NewServeMux()
	manageGuard := func(next http.Handler) http.Handler {
		return authz.RequirePermission("security", "manage", next)
	}
	admin.NewHandlers(pipeline, resolver, limiter).Register(apiMux, manageGuard)
	apiMux.Handle("GET /v1/csrf/token", csrfProtect.IssueHandler())

	protected := middleware.Chain(apiMux,
		authenticator.Middleware,
		func(next http.Handler) http.Handler { return limiter.Middleware(ratelimit.TypeAPI, next) },
		csrfProtect.Protect,
	)

	rootMux := http.NewServeMux()
	rootMux.Handle("GET /health", healthHandler(database, counterStore))
	rootMux.Handle("GET /metrics", collector.Handler())
	rootMux.Handle("/", protected)

	handler := middleware.Chain(rootMux,
		middleware.WithRequestContext,
		func(next http.Handler) http.Handler { return middleware.AccessLog(collector, next) },
		middleware.NewSecurityHeaders(middleware.APISecurityConfig()).Handler,
	)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("desagate starting", "addr", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		log.Error("server failed", "error", err.Error())
		os.Exit(1)
	case <-ctx.Done():
	}

	log.Info("shutting down", "timeout", cfg.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", "error", err.Error())
	}
}

func healthHandler(database *db.Database, counterStore store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := map[string]string{"database": "ok", "store": "ok"}
		if err := database.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if err := counterStore.Ping(ctx); err != nil {
			// The limiter fails open without the store, so the service
			// keeps serving; report degraded instead of down.
			checks["store"] = err.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": http.StatusText(status),
			"checks": checks,
		})
	})
}
