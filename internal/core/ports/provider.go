package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProviderStatus is the outcome a provider reports for a charge or refund.
type ProviderStatus string

const (
	// ProviderStatusCompleted means the operation settled synchronously.
	ProviderStatusCompleted ProviderStatus = "completed"
	// ProviderStatusPending means the provider accepted the operation and
	// will confirm the outcome later through its webhook.
	ProviderStatusPending ProviderStatus = "pending"
	// ProviderStatusDeclined means the provider rejected the operation.
	// A decline is a business outcome, not a transport failure.
	ProviderStatusDeclined ProviderStatus = "declined"
)

// ChargeRequest is the provider-facing charge input.
type ChargeRequest struct {
	PaymentID   uuid.UUID
	Amount      decimal.Decimal
	Currency    string
	Description string
	Metadata    map[string]string
}

// ChargeResult is the provider's answer to a charge.
type ChargeResult struct {
	Status                ProviderStatus
	ProviderTransactionID string
	ErrorCode             string // set when Status is declined
	Raw                   json.RawMessage
}

// RefundRequest is the provider-facing refund input.
type RefundRequest struct {
	ProviderTransactionID string
	RefundID              uuid.UUID
	Amount                decimal.Decimal
	Currency              string
	Reason                string
}

// RefundResult is the provider's answer to a refund.
type RefundResult struct {
	Status           ProviderStatus
	ProviderRefundID string
	ErrorCode        string
	Raw              json.RawMessage
}

// ProviderEvent is a parsed inbound provider notification.
type ProviderEvent struct {
	EventID               string
	ProviderTransactionID string
	Status                ProviderStatus
	ErrorCode             string
	Raw                   json.RawMessage
}

// PaymentProvider abstracts a payment processor.
type PaymentProvider interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	// VerifyWebhook authenticates an inbound notification.
	VerifyWebhook(payload []byte, signatureHeader string, now time.Time) error
	// ParseWebhook extracts the event from a verified payload.
	ParseWebhook(payload []byte) (*ProviderEvent, error)
}

// ProviderRegistry resolves providers by name.
type ProviderRegistry interface {
	// Get returns the provider for name, case-insensitively.
	Get(name string) (PaymentProvider, bool)
	Names() []string
}
