package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookStatus represents the delivery state of a webhook event.
type WebhookStatus string

const (
	WebhookStatusPending WebhookStatus = "pending"
	WebhookStatusSent    WebhookStatus = "sent"
	WebhookStatusFailed  WebhookStatus = "failed"
)

// Webhook event types emitted to merchants.
const (
	EventPaymentPending           = "payment.pending"
	EventPaymentProcessing        = "payment.processing"
	EventPaymentCompleted         = "payment.completed"
	EventPaymentFailed            = "payment.failed"
	EventPaymentRefunded          = "payment.refunded"
	EventPaymentPartiallyRefunded = "payment.partially_refunded"
	EventRefundCompleted          = "refund.completed"
	EventRefundFailed             = "refund.failed"
)

// PaymentEventType maps a payment status to its merchant event type.
func PaymentEventType(status PaymentStatus) string {
	return "payment." + string(status)
}

// WebhookEvent is one delivery attempt stream to a merchant endpoint. The
// payload bytes are frozen at enqueue time so the signature stays valid
// across retries.
type WebhookEvent struct {
	ID          uuid.UUID       `json:"id"`
	PaymentID   *uuid.UUID      `json:"payment_id,omitempty"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	URL         string          `json:"url"`
	Signature   string          `json:"-"` // X-Webhook-Signature header value
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	Status      WebhookStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	SentAt      *time.Time      `json:"sent_at,omitempty"`
}

// ExhaustedAttempts reports whether the event has used up its delivery budget.
func (w *WebhookEvent) ExhaustedAttempts() bool {
	return w.Attempts >= w.MaxAttempts
}
