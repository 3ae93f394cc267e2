// Package worker runs the background half of webhook delivery: the queue
// consumer performing delivery attempts, the sweeper that recovers overdue
// events, and the idempotency garbage collector.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultSweepInterval = 60 * time.Second
	defaultGCInterval    = 10 * time.Minute
)

// Worker ties the delivery consumer and the periodic maintenance loops
// together under one lifecycle.
type Worker struct {
	webhookSvc ports.WebhookService
	idemSvc    ports.IdempotencyService
	consumer   ports.DeliveryConsumer

	sweepInterval time.Duration
	gcInterval    time.Duration

	log zerolog.Logger
}

// New creates a Worker. Zero intervals fall back to 60 s sweeps and 10 min
// idempotency GC.
func New(
	webhookSvc ports.WebhookService,
	idemSvc ports.IdempotencyService,
	consumer ports.DeliveryConsumer,
	sweepInterval time.Duration,
	gcInterval time.Duration,
	log zerolog.Logger,
) *Worker {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	if gcInterval <= 0 {
		gcInterval = defaultGCInterval
	}
	return &Worker{
		webhookSvc:    webhookSvc,
		idemSvc:       idemSvc,
		consumer:      consumer,
		sweepInterval: sweepInterval,
		gcInterval:    gcInterval,
		log:           log,
	}
}

// Run blocks until ctx is done, running the consumer and both tickers.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.consumer.Consume(ctx, w.HandleDelivery); err != nil {
			w.log.Error().Err(err).Msg("delivery consumer stopped")
			select {
			case errCh <- err:
			default:
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runSweeper(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runIdempotencyGC(ctx)
	}()

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// HandleDelivery performs one delivery attempt and maps the outcome onto a
// broker disposition. Failed deliveries are dropped, not retried: the
// persisted schedule owns the retry, and the sweeper republishes it. Only
// infrastructure errors (row unreachable, repo update failed) ask the
// broker for redelivery.
func (w *Worker) HandleDelivery(ctx context.Context, webhookID uuid.UUID) ports.Disposition {
	err := w.webhookSvc.Send(ctx, webhookID)
	switch {
	case err == nil:
		return ports.DispositionAck
	case errors.Is(err, service.ErrEventNotFound):
		w.log.Warn().Str("webhook_id", webhookID.String()).Msg("delivery job for missing event, acked")
		return ports.DispositionAck
	case errors.Is(err, service.ErrDeliveryFailed):
		return ports.DispositionDrop
	default:
		w.log.Error().Err(err).Str("webhook_id", webhookID.String()).Msg("delivery attempt hit infrastructure error")
		return ports.DispositionRetry
	}
}

func (w *Worker) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.webhookSvc.SweepDue(ctx); err != nil {
				w.log.Error().Err(err).Msg("webhook sweep failed")
			}
		}
	}
}

func (w *Worker) runIdempotencyGC(ctx context.Context) {
	ticker := time.NewTicker(w.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := w.idemSvc.PurgeExpired(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("idempotency purge failed")
				continue
			}
			if purged > 0 {
				w.log.Info().Int64("purged", purged).Msg("expired idempotency records removed")
			}
		}
	}
}
