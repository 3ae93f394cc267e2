// Package nats carries webhook delivery jobs over a JetStream work queue.
// Jobs reference webhook_events rows by ID; the row is the source of truth
// and the queue is only a wakeup mechanism, so losing a message delays a
// delivery until the database sweeper re-publishes it.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payment-orchestrator/config"
	"payment-orchestrator/internal/core/ports"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// deliveryJob is the wire shape of one queued delivery.
type deliveryJob struct {
	WebhookID uuid.UUID `json:"webhook_id"`
}

// Queue implements ports.DeliveryPublisher and ports.DeliveryConsumer over a
// single JetStream stream.
type Queue struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	stream  string
	subject string
	durable string
	log     zerolog.Logger
}

// Connect dials NATS, ensures the stream exists, and returns the queue.
func Connect(cfg config.NATSConfig, log zerolog.Logger) (*Queue, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("payment-orchestrator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("opening jetstream context: %w", err)
	}

	q := &Queue{
		nc:      nc,
		js:      js,
		stream:  cfg.StreamName,
		subject: cfg.Subject,
		durable: cfg.Durable,
		log:     log,
	}
	if err := q.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}

	log.Info().Str("url", cfg.URL).Str("stream", cfg.StreamName).Msg("NATS connection established")
	return q, nil
}

// ensureStream creates the delivery stream when it does not exist yet.
func (q *Queue) ensureStream() error {
	_, err := q.js.StreamInfo(q.stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}

	_, err = q.js.AddStream(&nats.StreamConfig{
		Name:      q.stream,
		Subjects:  []string{q.subject},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
		// Dedupe window for Nats-Msg-Id; retries use a fresh ID per attempt.
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", q.stream, err)
	}
	return nil
}

// Publish schedules a delivery attempt. A zero delay publishes now; a
// positive delay arms an in-process timer. A timer lost to a crash is
// covered by the sweeper, which re-publishes overdue events from the
// database.
func (q *Queue) Publish(ctx context.Context, webhookID uuid.UUID, attempt int, delay time.Duration) error {
	if delay <= 0 {
		return q.publishNow(webhookID, attempt)
	}

	time.AfterFunc(delay, func() {
		if err := q.publishNow(webhookID, attempt); err != nil {
			q.log.Error().Err(err).
				Str("webhook_id", webhookID.String()).
				Int("attempt", attempt).
				Msg("Delayed webhook publish failed; sweeper will recover")
		}
	})
	return nil
}

func (q *Queue) publishNow(webhookID uuid.UUID, attempt int) error {
	payload, err := json.Marshal(deliveryJob{WebhookID: webhookID})
	if err != nil {
		return fmt.Errorf("encode delivery job: %w", err)
	}

	// One ID per (event, attempt) pair: re-publishing the same attempt is
	// deduped, while the next attempt goes through.
	msgID := fmt.Sprintf("%s:%d", webhookID, attempt)
	if _, err := q.js.Publish(q.subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("publish delivery job: %w", err)
	}
	return nil
}

// Consume pulls delivery jobs one at a time until ctx is done. The handler's
// disposition drives the broker ack: Ack removes the message, Retry asks for
// redelivery, Drop terminates it (the database schedule owns further
// retries).
func (q *Queue) Consume(ctx context.Context, handler func(ctx context.Context, webhookID uuid.UUID) ports.Disposition) error {
	sub, err := q.js.PullSubscribe(q.subject, q.durable,
		nats.AckExplicit(),
		nats.AckWait(30*time.Second),
		nats.MaxDeliver(5),
	)
	if err != nil {
		return fmt.Errorf("pull subscribe: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(2*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			q.log.Error().Err(err).Msg("Queue fetch failed")
			continue
		}

		for _, msg := range msgs {
			q.dispatch(ctx, msg, handler)
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, msg *nats.Msg, handler func(ctx context.Context, webhookID uuid.UUID) ports.Disposition) {
	var job deliveryJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		q.log.Error().Err(err).Msg("Malformed delivery job; terminating message")
		_ = msg.Term()
		return
	}

	switch handler(ctx, job.WebhookID) {
	case ports.DispositionAck:
		if err := msg.Ack(); err != nil {
			q.log.Error().Err(err).Str("webhook_id", job.WebhookID.String()).Msg("Queue ack failed")
		}
	case ports.DispositionRetry:
		if err := msg.Nak(); err != nil {
			q.log.Error().Err(err).Str("webhook_id", job.WebhookID.String()).Msg("Queue nak failed")
		}
	case ports.DispositionDrop:
		if err := msg.Term(); err != nil {
			q.log.Error().Err(err).Str("webhook_id", job.WebhookID.String()).Msg("Queue term failed")
		}
	}
}

// Ping implements ports.HealthChecker.
func (q *Queue) Ping(ctx context.Context) error {
	if !q.nc.IsConnected() {
		return fmt.Errorf("nats connection down: %s", q.nc.Status())
	}
	return nil
}

// Name returns the dependency name.
func (q *Queue) Name() string {
	return "nats"
}

// Close drains the connection, letting in-flight acks finish.
func (q *Queue) Close() {
	if err := q.nc.Drain(); err != nil {
		q.log.Error().Err(err).Msg("NATS drain failed")
	}
}
