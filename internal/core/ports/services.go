package ports

import (
	"context"
	"errors"
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ErrEventNotProcessed reports a provider event that was authenticated and
// acknowledged but produced no state change: no matching payment, a
// transition the status table forbids, or an unparseable payload.
var ErrEventNotProcessed = errors.New("provider event not processed")

// SignatureService handles HMAC-SHA256 signing, verification, and API key
// hashing.
type SignatureService interface {
	Sign(secret string, payload []byte) string
	Verify(secret string, payload []byte, signature string) bool
	SignatureHeader(secret string, ts time.Time, payload []byte) string
	VerifySignatureHeader(secret string, header string, payload []byte, now time.Time, maxSkew time.Duration) error
	HashAPIKey(key string) string
	GenerateAPIKey() (plaintext string, hash string, err error)
	// NewShortID returns 32 lowercase hex characters from 16 random
	// bytes, for compact identifiers that do not need UUID structure.
	NewShortID() string
}

// IdempotencyCache is the Redis-layer idempotency replay check (fast path).
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, error) // Returns cached response JSON or nil
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// TTL reports the remaining lifetime of a cached entry, 0 when the
	// key is absent or carries no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// EventDedup claims inbound provider event IDs so redelivered notifications
// are reconciled once.
type EventDedup interface {
	// Claim returns true when this call claimed the event.
	Claim(ctx context.Context, provider, eventID string, ttl time.Duration) (bool, error)
	// Release drops a claim after a failed handler run.
	Release(ctx context.Context, provider, eventID string) error
}

// --- Service Ports (Business Logic) ---

// PaymentService defines the core charge orchestration logic.
type PaymentService interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResult, error)
	// GetPayment loads a payment with its transaction history and refunds.
	GetPayment(ctx context.Context, merchantID, paymentID uuid.UUID) (*PaymentDetail, error)
	ListPayments(ctx context.Context, params PaymentListParams) ([]domain.Payment, int64, error)
	// HandleProviderEvent reconciles an inbound provider notification with
	// the matching payment.
	HandleProviderEvent(ctx context.Context, provider string, payload []byte, signatureHeader string) error
}

// CreatePaymentRequest holds validated input for charge processing.
type CreatePaymentRequest struct {
	MerchantID  uuid.UUID
	Amount      decimal.Decimal
	Currency    string
	Provider    string
	Description string
	ExternalID  *string
	Metadata    map[string]string
	WebhookURL  *string
	ClientIP    string
	UserAgent   string
}

// CreatePaymentResult carries the persisted payment plus the provider
// decline code, if any. A declined charge is a completed request, not an
// error: the payment comes back with status failed and ErrorCode set.
type CreatePaymentResult struct {
	Payment   *domain.Payment
	ErrorCode string
}

// PaymentDetail is a payment with its embedded attempt log and refunds.
type PaymentDetail struct {
	Payment      *domain.Payment
	Transactions []domain.Transaction
	Refunds      []domain.Refund
}

// RefundService defines refund orchestration logic.
type RefundService interface {
	CreateRefund(ctx context.Context, req CreateRefundRequest) (*CreateRefundResult, error)
	GetRefund(ctx context.Context, merchantID, refundID uuid.UUID) (*domain.Refund, error)
	// Refundable reports how much of the payment is still refundable.
	Refundable(ctx context.Context, merchantID, paymentID uuid.UUID) (*RefundableSummary, error)
}

// CreateRefundRequest holds validated input for refund processing.
type CreateRefundRequest struct {
	MerchantID uuid.UUID
	PaymentID  uuid.UUID
	Amount     *decimal.Decimal // nil = refund the remaining balance
	Reason     string
	ClientIP   string
	UserAgent  string
}

// CreateRefundResult carries the refund plus the payment status it left
// behind. A refund the provider rejected is a completed request, not an
// error: the refund comes back with status failed and ErrorCode set, and
// the payment status is unchanged.
type CreateRefundResult struct {
	Refund        *domain.Refund
	PaymentStatus domain.PaymentStatus
	ErrorCode     string
}

// RefundableSummary is the remaining-balance view of a payment.
type RefundableSummary struct {
	PaymentAmount      decimal.Decimal
	TotalRefunded      decimal.Decimal
	PendingRefunds     decimal.Decimal
	AvailableForRefund decimal.Decimal
}

// WebhookService defines durable merchant webhook delivery.
type WebhookService interface {
	// ValidateURL checks a destination against the delivery policy
	// (scheme and SSRF deny rules) without enqueueing anything, so
	// callers can refuse a bad destination up front.
	ValidateURL(rawURL string) error
	// Enqueue persists a webhook event and schedules its first delivery.
	Enqueue(ctx context.Context, params EnqueueWebhookParams) (*domain.WebhookEvent, error)
	// Send performs one delivery attempt for the event.
	Send(ctx context.Context, webhookID uuid.UUID) error
	// SweepDue re-schedules pending events whose retry time has passed.
	SweepDue(ctx context.Context) (int, error)
}

// EnqueueWebhookParams describes the event to deliver.
type EnqueueWebhookParams struct {
	PaymentID *uuid.UUID
	EventType string
	Payload   interface{}
	URL       string
}

// IdempotencyDecision is the outcome of starting an idempotent request.
type IdempotencyDecision struct {
	// Replay is true when a completed response for this key exists. The
	// stored status and body must be returned verbatim.
	Replay     bool
	StatusCode int
	Body       []byte
}

// IdempotencyService coordinates at-most-once request execution.
type IdempotencyService interface {
	// Begin claims the key for this request. A nil decision means the
	// caller owns the key and must eventually call Complete.
	Begin(ctx context.Context, key string, merchantID uuid.UUID, method, path string, body []byte) (*IdempotencyDecision, error)
	// Complete stores the response for future replays.
	Complete(ctx context.Context, key string, merchantID uuid.UUID, statusCode int, body []byte) error
	// Remove drops the claim when a request aborts before completion so
	// the caller may retry cleanly.
	Remove(ctx context.Context, key string, merchantID uuid.UUID) error
	// Fingerprint canonicalizes the request for payload comparison.
	Fingerprint(method, path string, body []byte) (string, error)
	// PurgeExpired removes records past their TTL.
	PurgeExpired(ctx context.Context) (int64, error)
}

// AuditService records who changed what.
type AuditService interface {
	// Record writes an entry inside the caller's transaction so the trail
	// commits atomically with the change it describes.
	Record(ctx context.Context, tx pgx.Tx, entry *domain.AuditLog) error
	// RecordAsync writes an entry outside any transaction, fire-and-forget.
	RecordAsync(ctx context.Context, entry *domain.AuditLog)
}
