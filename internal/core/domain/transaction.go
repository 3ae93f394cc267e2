package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Transaction is one row of the append-only step log kept per payment: a
// status transition or a provider interaction. Rows are never updated or
// deleted, and creation time is strictly monotonic per payment.
type Transaction struct {
	ID               uuid.UUID       `json:"id"`
	PaymentID        uuid.UUID       `json:"payment_id"`
	Status           PaymentStatus   `json:"status"`
	ProviderResponse json.RawMessage `json:"provider_response,omitempty"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// NewTransaction builds a step-log row for a payment at the given status.
func NewTransaction(paymentID uuid.UUID, status PaymentStatus) *Transaction {
	return &Transaction{
		ID:        uuid.New(),
		PaymentID: paymentID,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

// WithProviderResponse attaches the raw provider response object.
func (t *Transaction) WithProviderResponse(raw json.RawMessage) *Transaction {
	t.ProviderResponse = raw
	return t
}

// WithError attaches an error message to the row.
func (t *Transaction) WithError(msg string) *Transaction {
	if msg != "" {
		t.ErrorMessage = &msg
	}
	return t
}
