package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"payment-orchestrator/config"
	natsQueue "payment-orchestrator/internal/adapter/queue/nats"
	pgStorage "payment-orchestrator/internal/adapter/storage/postgres"
	redisStorage "payment-orchestrator/internal/adapter/storage/redis"
	"payment-orchestrator/internal/service"
	"payment-orchestrator/internal/worker"
	"payment-orchestrator/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New("worker", cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Msg("Starting Payment Orchestrator worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	// Initialize repositories and services
	webhookRepo := pgStorage.NewWebhookRepo(pool)
	idempotencyRepo := pgStorage.NewIdempotencyRepo(pool)
	transactor := pgStorage.NewTransactor(pool)
	idempotencyCache := redisStorage.NewIdempotencyCache(rdb)

	sigSvc := service.NewHMACSignatureService()
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

	w := worker.New(webhookSvc, idemSvc, queue, cfg.Webhook.SweepInterval, cfg.Idempotency.GCInterval, log)

	log.Info().
		Dur("sweep_interval", cfg.Webhook.SweepInterval).
		Dur("gc_interval", cfg.Idempotency.GCInterval).
		Msg("Worker running")

	// Run blocks until a signal cancels ctx; queue.Close then drains the
	// in-flight subscription before the process exits.
	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Worker exited with error")
	}

	log.Info().Msg("Worker exited")
}
