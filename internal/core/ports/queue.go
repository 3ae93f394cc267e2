package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Disposition tells the queue what to do with a consumed message.
type Disposition int

const (
	// DispositionAck removes the message; processing finished.
	DispositionAck Disposition = iota
	// DispositionRetry redelivers the message after the broker's backoff.
	DispositionRetry
	// DispositionDrop removes the message without further redelivery.
	DispositionDrop
)

// DeliveryPublisher enqueues webhook delivery jobs.
type DeliveryPublisher interface {
	// Publish schedules a delivery attempt for the event. A zero delay
	// publishes immediately; otherwise the job lands after the delay.
	Publish(ctx context.Context, webhookID uuid.UUID, attempt int, delay time.Duration) error
}

// DeliveryConsumer feeds webhook delivery jobs to a handler.
type DeliveryConsumer interface {
	// Consume blocks, invoking handler per message until ctx is done.
	Consume(ctx context.Context, handler func(ctx context.Context, webhookID uuid.UUID) Disposition) error
}
