package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus represents the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusProcessing        PaymentStatus = "processing"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// validPaymentTransitions encodes the status-transition table applied to
// webhook-driven and manual updates. A transition absent from this map is
// invalid and must never be applied. Writing the same status again is a
// no-op, not a transition; callers skip the check in that case.
var validPaymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:           {PaymentStatusProcessing, PaymentStatusCompleted, PaymentStatusFailed},
	PaymentStatusProcessing:        {PaymentStatusCompleted, PaymentStatusFailed},
	PaymentStatusCompleted:         {PaymentStatusRefunded, PaymentStatusPartiallyRefunded},
	PaymentStatusFailed:            {},
	PaymentStatusRefunded:          {},
	PaymentStatusPartiallyRefunded: {PaymentStatusRefunded},
}

// CanTransition reports whether a payment may move from one status to another.
func CanTransition(from, to PaymentStatus) bool {
	for _, allowed := range validPaymentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Payment is the aggregate root: a request to move money through a provider.
// Payments are never deleted; every status change appends a Transaction row.
type Payment struct {
	ID                    uuid.UUID         `json:"id"`
	ExternalID            *string           `json:"external_id,omitempty"` // Merchant-supplied, unique per merchant
	MerchantID            uuid.UUID         `json:"merchant_id"`
	Amount                decimal.Decimal   `json:"amount"`
	Currency              string            `json:"currency"`
	Status                PaymentStatus     `json:"status"`
	Provider              string            `json:"provider"`
	ProviderTransactionID *string           `json:"provider_transaction_id,omitempty"`
	Description           string            `json:"description,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	WebhookURL            *string           `json:"webhook_url,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// Money returns the payment amount as a typed Money value.
func (p Payment) Money() Money {
	return Money{Amount: p.Amount, Currency: p.Currency}
}

// IsTerminal reports whether the payment admits no further transitions.
func (p Payment) IsTerminal() bool {
	return p.Status == PaymentStatusFailed || p.Status == PaymentStatusRefunded
}

// IsRefundable reports whether refunds may be created against this payment.
func (p Payment) IsRefundable() bool {
	return p.Status == PaymentStatusCompleted || p.Status == PaymentStatusPartiallyRefunded
}
