package ports

import (
	"context"
	"errors"
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PaymentRepository defines persistence operations for payments.
// Methods accepting pgx.Tx are used inside transaction blocks for pessimistic locking.
type PaymentRepository interface {
	Create(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Payment, error)
	GetByProviderReference(ctx context.Context, provider string, providerTxID string) (*domain.Payment, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status domain.PaymentStatus) error
	SetProviderReference(ctx context.Context, tx pgx.Tx, id uuid.UUID, providerTxID string) error
	List(ctx context.Context, params PaymentListParams) ([]domain.Payment, int64, error)
}

// PaymentListParams holds filter + pagination for listing payments.
type PaymentListParams struct {
	MerchantID uuid.UUID
	Status     *domain.PaymentStatus
	Provider   *string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// RefundRepository defines persistence operations for refunds.
type RefundRepository interface {
	Create(ctx context.Context, tx pgx.Tx, refund *domain.Refund) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Refund, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status domain.RefundStatus, providerRefundID *string) error
	ListByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]domain.Refund, error)
	// Totals sums completed and pending refund amounts for a payment.
	// Callers must hold the payment row lock to get a stable answer.
	Totals(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID) (*domain.RefundTotals, error)
}

// TransactionRepository defines persistence for the append-only attempt log.
type TransactionRepository interface {
	Create(ctx context.Context, tx pgx.Tx, transaction *domain.Transaction) error
	ListByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]domain.Transaction, error)
}

// ErrIdempotencyKeyHeld is returned by IdempotencyRepository.Create when a
// live record already holds the (key, merchant) pair.
var ErrIdempotencyKeyHeld = errors.New("idempotency key already held")

// IdempotencyRepository defines persistence for idempotency records.
type IdempotencyRepository interface {
	Get(ctx context.Context, key string, merchantID uuid.UUID) (*domain.IdempotencyRecord, error)
	Create(ctx context.Context, tx pgx.Tx, record *domain.IdempotencyRecord) error
	// Complete stores the final response and flips the record to completed.
	Complete(ctx context.Context, key string, merchantID uuid.UUID, statusCode int, body []byte) error
	// Delete removes a single record, freeing the key for a clean retry.
	Delete(ctx context.Context, key string, merchantID uuid.UUID) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// WebhookRepository defines persistence for outbound webhook events.
type WebhookRepository interface {
	Create(ctx context.Context, tx pgx.Tx, event *domain.WebhookEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error)
	// ListDue returns pending events that still have attempts left and
	// whose next_retry_at is unset or has passed, oldest first, capped
	// at limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error)
	MarkSent(ctx context.Context, id uuid.UUID, attempts int, sentAt time.Time) error
	MarkRetry(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string) error
}

// AuditRepository defines persistence for audit log entries.
type AuditRepository interface {
	Create(ctx context.Context, tx pgx.Tx, entry *domain.AuditLog) error
	ListByEntity(ctx context.Context, entityType, entityID string) ([]domain.AuditLog, error)
}

// APIKeyRepository defines persistence for merchant API keys.
type APIKeyRepository interface {
	Create(ctx context.Context, key *domain.APIKey) error
	GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Transactor provides database transaction management.
type Transactor interface {
	// WithinTx runs fn inside a transaction, committing on nil and rolling
	// back on error.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
	// WithAdvisoryLock takes a transaction-scoped advisory lock derived
	// from key. The lock releases when the transaction ends.
	WithAdvisoryLock(ctx context.Context, tx pgx.Tx, key string) error
}
