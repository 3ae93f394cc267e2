package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RefundStatus represents the lifecycle state of a refund.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusCompleted RefundStatus = "completed"
	RefundStatusFailed    RefundStatus = "failed"
)

// Refund is a proposed movement of money back to the payer, bound to a
// payment. Its currency is implicit from the payment. The sum of completed
// plus pending refund amounts never exceeds the payment amount.
type Refund struct {
	ID               uuid.UUID       `json:"id"`
	PaymentID        uuid.UUID       `json:"payment_id"`
	Amount           decimal.Decimal `json:"amount"`
	Status           RefundStatus    `json:"status"`
	Reason           string          `json:"reason,omitempty"`
	ProviderRefundID *string         `json:"provider_refund_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// RefundTotals aggregates refund amounts for a payment, used to enforce
// amount conservation before creating a new refund.
type RefundTotals struct {
	Completed decimal.Decimal
	Pending   decimal.Decimal
}

// Available computes how much of paymentAmount may still be refunded,
// clamped at zero.
func (t RefundTotals) Available(paymentAmount decimal.Decimal) decimal.Decimal {
	avail := paymentAmount.Sub(t.Completed).Sub(t.Pending)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}
