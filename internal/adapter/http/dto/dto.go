package dto

import (
	"encoding/json"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"

	"github.com/shopspring/decimal"
)

// CreatePaymentRequest is the request body for charge creation. The amount
// accepts a JSON number or string; four fractional digits maximum is
// enforced by the service.
type CreatePaymentRequest struct {
	Amount      decimal.Decimal   `json:"amount" binding:"required"`
	Currency    string            `json:"currency" binding:"required,currency_code"`
	Provider    string            `json:"provider" binding:"required,min=1,max=32"`
	Description string            `json:"description" binding:"omitempty,max=500"`
	ExternalID  *string           `json:"external_id,omitempty" binding:"omitempty,max=128"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	WebhookURL  *string           `json:"webhook_url,omitempty" binding:"omitempty,max=2048,safe_url"`
}

// CreateRefundRequest is the request body for refund creation. A missing
// amount refunds the remaining balance.
type CreateRefundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Reason string           `json:"reason" binding:"omitempty,max=500"`
}

// PaymentResponse is the serialized payment. Amounts are decimal strings
// with four fractional digits; currencies uppercase three-letter codes.
type PaymentResponse struct {
	ID                    string            `json:"id"`
	ExternalID            *string           `json:"external_id,omitempty"`
	Amount                string            `json:"amount"`
	Currency              string            `json:"currency"`
	Status                string            `json:"status"`
	Provider              string            `json:"provider"`
	ProviderTransactionID *string           `json:"provider_transaction_id,omitempty"`
	Description           string            `json:"description,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	WebhookURL            *string           `json:"webhook_url,omitempty"`
	ErrorCode             string            `json:"error_code,omitempty"`
	CreatedAt             string            `json:"created_at"`
	UpdatedAt             string            `json:"updated_at"`
}

// TransactionResponse is one row of a payment's append-only attempt log.
type TransactionResponse struct {
	ID               string          `json:"id"`
	Status           string          `json:"status"`
	ProviderResponse json.RawMessage `json:"provider_response,omitempty"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	CreatedAt        string          `json:"created_at"`
}

// RefundResponse is the serialized refund.
type RefundResponse struct {
	ID               string  `json:"id"`
	PaymentID        string  `json:"payment_id"`
	Amount           string  `json:"amount"`
	Status           string  `json:"status"`
	Reason           string  `json:"reason,omitempty"`
	ProviderRefundID *string `json:"provider_refund_id,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

// CreateRefundResponse carries the refund plus the payment status it left
// behind, and the provider's error code when the refund was rejected.
type CreateRefundResponse struct {
	RefundResponse
	PaymentStatus string `json:"payment_status"`
	ErrorCode     string `json:"error_code,omitempty"`
}

// PaymentDetailResponse embeds the attempt log and refunds of one payment.
type PaymentDetailResponse struct {
	PaymentResponse
	Transactions []TransactionResponse `json:"transactions"`
	Refunds      []RefundResponse      `json:"refunds"`
}

// Pagination describes the window a list response covers.
type Pagination struct {
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"has_more"`
}

// PaymentListResponse is the paginated payment list envelope.
type PaymentListResponse struct {
	Data       []PaymentResponse `json:"data"`
	Pagination Pagination        `json:"pagination"`
}

// RefundableResponse reports how much of a payment is still refundable.
type RefundableResponse struct {
	PaymentAmount      string `json:"payment_amount"`
	TotalRefunded      string `json:"total_refunded"`
	PendingRefunds     string `json:"pending_refunds"`
	AvailableForRefund string `json:"available_for_refund"`
}

// WebhookAck is the body returned to providers for inbound event
// notifications. Processed is only present (false) when the event was
// authenticated but produced no state change.
type WebhookAck struct {
	Received  bool  `json:"received"`
	Processed *bool `json:"processed,omitempty"`
}

// ToPaymentResponse converts a domain payment. errorCode is the provider
// decline code for just-processed charges, empty otherwise.
func ToPaymentResponse(p *domain.Payment, errorCode string) PaymentResponse {
	return PaymentResponse{
		ID:                    p.ID.String(),
		ExternalID:            p.ExternalID,
		Amount:                domain.FormatAmount(p.Amount),
		Currency:              p.Currency,
		Status:                string(p.Status),
		Provider:              p.Provider,
		ProviderTransactionID: p.ProviderTransactionID,
		Description:           p.Description,
		Metadata:              p.Metadata,
		WebhookURL:            p.WebhookURL,
		ErrorCode:             errorCode,
		CreatedAt:             p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:             p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// ToTransactionResponse converts one attempt-log row.
func ToTransactionResponse(t *domain.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:               t.ID.String(),
		Status:           string(t.Status),
		ProviderResponse: t.ProviderResponse,
		ErrorMessage:     t.ErrorMessage,
		CreatedAt:        t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ToRefundResponse converts a domain refund.
func ToRefundResponse(r *domain.Refund) RefundResponse {
	return RefundResponse{
		ID:               r.ID.String(),
		PaymentID:        r.PaymentID.String(),
		Amount:           domain.FormatAmount(r.Amount),
		Status:           string(r.Status),
		Reason:           r.Reason,
		ProviderRefundID: r.ProviderRefundID,
		CreatedAt:        r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// ToPaymentDetailResponse converts a payment with its embedded history.
func ToPaymentDetailResponse(d *ports.PaymentDetail) PaymentDetailResponse {
	txns := make([]TransactionResponse, 0, len(d.Transactions))
	for i := range d.Transactions {
		txns = append(txns, ToTransactionResponse(&d.Transactions[i]))
	}
	refunds := make([]RefundResponse, 0, len(d.Refunds))
	for i := range d.Refunds {
		refunds = append(refunds, ToRefundResponse(&d.Refunds[i]))
	}
	return PaymentDetailResponse{
		PaymentResponse: ToPaymentResponse(d.Payment, ""),
		Transactions:    txns,
		Refunds:         refunds,
	}
}

// ToRefundableResponse converts the remaining-balance summary.
func ToRefundableResponse(s *ports.RefundableSummary) RefundableResponse {
	return RefundableResponse{
		PaymentAmount:      domain.FormatAmount(s.PaymentAmount),
		TotalRefunded:      domain.FormatAmount(s.TotalRefunded),
		PendingRefunds:     domain.FormatAmount(s.PendingRefunds),
		AvailableForRefund: domain.FormatAmount(s.AvailableForRefund),
	}
}
