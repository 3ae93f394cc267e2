package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payment-orchestrator/config"
	httpHandler "payment-orchestrator/internal/adapter/http/handler"
	"payment-orchestrator/internal/adapter/provider"
	natsQueue "payment-orchestrator/internal/adapter/queue/nats"
	pgStorage "payment-orchestrator/internal/adapter/storage/postgres"
	redisStorage "payment-orchestrator/internal/adapter/storage/redis"
	"payment-orchestrator/internal/breaker"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/observability"
	"payment-orchestrator/internal/service"
	"payment-orchestrator/pkg/logger"
)

const (
	dbMonitorInterval    = 10 * time.Second
	dbMonitorMaxFailures = 5
)

func main() {
	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New("api", cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Msg("Starting Payment Orchestrator API")

	ctx := context.Background()

	// Initialize PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()
	log.Info().Msg("PostgreSQL connected")

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	// Initialize NATS delivery queue
	queue, err := natsQueue.Connect(cfg.NATS, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer queue.Close()

	// Initialize repositories
	paymentRepo := pgStorage.NewPaymentRepo(pool)
	refundRepo := pgStorage.NewRefundRepo(pool)
	txRepo := pgStorage.NewTransactionRepo(pool)
	webhookRepo := pgStorage.NewWebhookRepo(pool)
	idempotencyRepo := pgStorage.NewIdempotencyRepo(pool)
	apiKeyRepo := pgStorage.NewAPIKeyRepo(pool)
	auditRepo := pgStorage.NewAuditRepo(pool)
	transactor := pgStorage.NewTransactor(pool)

	// Initialize Redis stores
	idempotencyCache := redisStorage.NewIdempotencyCache(rdb)
	dedupStore := redisStorage.NewEventDedupStore(rdb)
	rateLimitStore := redisStorage.NewRateLimitStore(rdb)

	// Initialize provider simulators. Disabled providers are simply not
	// registered, so requests naming them fail with unknown_provider.
	var sims []ports.PaymentProvider
	if cfg.Providers.Stripe.Enabled {
		sims = append(sims, provider.NewStripe(cfg.Providers.Stripe.WebhookSecret, cfg.Providers.Stripe.Latency, log))
	}
	if cfg.Providers.PayPal.Enabled {
		sims = append(sims, provider.NewPayPal(cfg.Providers.PayPal.WebhookSecret, cfg.Providers.PayPal.Latency, log))
	}
	providers := provider.NewRegistry(sims...)
	log.Info().Strs("providers", providers.Names()).Msg("Payment providers registered")

	// Initialize circuit breakers
	breakers := breaker.NewRegistry(breaker.Config{
		VolumeThreshold:  uint32(cfg.Breaker.VolumeThreshold),
		ErrorRatePercent: uint32(cfg.Breaker.ErrorRatePercent),
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		CallTimeout:      cfg.Breaker.CallTimeout,
		OnStateChange: func(name string, from, to breaker.State) {
			observability.Breakers().RecordTransition(name, to.String())
		},
	}, log)

	// Initialize core services
	sigSvc := service.NewHMACSignatureService()
	auditSvc := service.NewAuditService(auditRepo, transactor, log)
	webhookSvc := service.NewWebhookService(
		webhookRepo,
		transactor,
		sigSvc,
		queue,
		nil,
		cfg.Webhook,
		!cfg.Server.IsProduction(),
		log,
	)
	idemSvc := service.NewIdempotencyService(idempotencyRepo, idempotencyCache, transactor, cfg.Idempotency.TTL, log)

	// Initialize business services
	paymentSvc := service.NewPaymentService(
		paymentRepo,
		txRepo,
		refundRepo,
		providers,
		breakers,
		transactor,
		webhookSvc,
		auditSvc,
		dedupStore,
		log,
	)
	refundSvc := service.NewRefundService(
		refundRepo,
		paymentRepo,
		txRepo,
		providers,
		breakers,
		transactor,
		webhookSvc,
		auditSvc,
		log,
	)

	// Initialize health checkers
	pgHealth := pgStorage.NewHealthCheck(pool)
	redisHealth := redisStorage.NewHealthCheck(rdb)

	// Setup Gin router with all routes
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		PaymentSvc:     paymentSvc,
		RefundSvc:      refundSvc,
		IdemSvc:        idemSvc,
		APIKeyRepo:     apiKeyRepo,
		SigSvc:         sigSvc,
		RateLimitStore: rateLimitStore,
		HealthCheckers: []ports.HealthChecker{pgHealth, redisHealth},
		ReadyCheckers:  []ports.HealthChecker{pgHealth, redisHealth, queue},
		Breakers:       breakers,
		AuditSvc:       auditSvc,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Mode:           cfg.Server.Mode,
		Logger:         log,
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Database health monitor: sustained connectivity loss drains the
	// server instead of serving 500s until an operator notices.
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	monitor := pgStorage.NewHealthMonitor(pgHealth, dbMonitorInterval, dbMonitorMaxFailures, func() {
		select {
		case quit <- syscall.SIGTERM:
		default:
		}
	}, log)
	go monitor.Run(monitorCtx)

	// Graceful shutdown
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
