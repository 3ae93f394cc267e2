package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// paypalRefundCap is the largest refund the simulator accepts; anything
// above it is rejected with instrument_declined.
var paypalRefundCap = decimal.NewFromInt(5000)

// PayPal simulates the PayPal processor. Charges always capture; refunds
// above the cap are declined.
type PayPal struct {
	secret  string
	latency time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

// NewPayPal creates the PayPal simulator.
func NewPayPal(secret string, latency time.Duration, log zerolog.Logger) *PayPal {
	return &PayPal{
		secret:  secret,
		latency: latency,
		log:     log.With().Str("provider", "paypal").Logger(),
		now:     time.Now,
	}
}

// Name returns "paypal".
func (p *PayPal) Name() string {
	return "paypal"
}

// paypalAmount is the nested money document PayPal responses use.
type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// paypalCapture is the raw response document for a capture.
type paypalCapture struct {
	ID         string       `json:"id"`
	Status     string       `json:"status"`
	Amount     paypalAmount `json:"amount"`
	CreateTime string       `json:"create_time"`
}

// paypalRefund is the raw response document for a refund.
type paypalRefund struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	Amount        paypalAmount `json:"amount"`
	CaptureID     string       `json:"capture_id"`
	StatusDetails *struct {
		Reason string `json:"reason"`
	} `json:"status_details,omitempty"`
	CreateTime string `json:"create_time"`
}

// Charge processes a simulated capture. PayPal captures always settle.
func (p *PayPal) Charge(ctx context.Context, req ports.ChargeRequest) (*ports.ChargeResult, error) {
	if err := waitLatency(ctx, p.latency); err != nil {
		return nil, err
	}

	txID := "PAYID-" + randUpperHex(8)
	capture := paypalCapture{
		ID:     txID,
		Status: "COMPLETED",
		Amount: paypalAmount{
			CurrencyCode: req.Currency,
			Value:        domain.FormatAmount(req.Amount),
		},
		CreateTime: p.now().UTC().Format(time.RFC3339),
	}

	p.log.Debug().
		Stringer("payment_id", req.PaymentID).
		Str("transaction_id", txID).
		Msg("simulated capture")
	return &ports.ChargeResult{
		Status:                ports.ProviderStatusCompleted,
		ProviderTransactionID: txID,
		Raw:                   marshalRaw(capture),
	}, nil
}

// Refund processes a simulated refund, declining amounts above the cap.
func (p *PayPal) Refund(ctx context.Context, req ports.RefundRequest) (*ports.RefundResult, error) {
	if err := waitLatency(ctx, p.latency); err != nil {
		return nil, err
	}

	refundID := randUpperHex(8)
	refund := paypalRefund{
		ID: refundID,
		Amount: paypalAmount{
			CurrencyCode: req.Currency,
			Value:        domain.FormatAmount(req.Amount),
		},
		CaptureID:  req.ProviderTransactionID,
		CreateTime: p.now().UTC().Format(time.RFC3339),
	}

	result := &ports.RefundResult{ProviderRefundID: refundID}
	if req.Amount.GreaterThan(paypalRefundCap) {
		refund.Status = "DENIED"
		refund.StatusDetails = &struct {
			Reason string `json:"reason"`
		}{Reason: "instrument_declined"}
		result.Status = ports.ProviderStatusDeclined
		result.ErrorCode = "instrument_declined"
	} else {
		refund.Status = "COMPLETED"
		result.Status = ports.ProviderStatusCompleted
	}
	result.Raw = marshalRaw(refund)

	p.log.Debug().
		Stringer("refund_id", req.RefundID).
		Str("provider_refund_id", refundID).
		Str("status", refund.Status).
		Msg("simulated refund")
	return result, nil
}

// SignEvent produces the signature header this simulator attaches to its
// own notifications: "<unix>.<base64 hmac(ts.payload)>".
func (p *PayPal) SignEvent(payload []byte, ts time.Time) string {
	return fmt.Sprintf("%d.%s", ts.Unix(), p.mac(ts.Unix(), payload))
}

// VerifyWebhook authenticates an inbound notification header.
func (p *PayPal) VerifyWebhook(payload []byte, signatureHeader string, now time.Time) error {
	tsPart, sig, found := strings.Cut(signatureHeader, ".")
	if !found || sig == "" {
		return ErrMalformedSignature
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return ErrMalformedSignature
	}

	if err := checkTolerance(ts, now); err != nil {
		return err
	}

	if !hmac.Equal([]byte(p.mac(ts, payload)), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

// paypalEvent is the inbound notification envelope.
type paypalEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		StatusDetails struct {
			Reason string `json:"reason"`
		} `json:"status_details"`
	} `json:"resource"`
}

// ParseWebhook extracts the event from a verified payload.
func (p *PayPal) ParseWebhook(payload []byte) (*ports.ProviderEvent, error) {
	var event paypalEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode paypal event: %w", err)
	}
	if event.ID == "" || event.Resource.ID == "" {
		return nil, fmt.Errorf("paypal event missing id fields")
	}

	var status ports.ProviderStatus
	switch event.Resource.Status {
	case "COMPLETED":
		status = ports.ProviderStatusCompleted
	case "PENDING":
		status = ports.ProviderStatusPending
	case "DENIED":
		status = ports.ProviderStatusDeclined
	default:
		return nil, fmt.Errorf("unknown paypal resource status %q", event.Resource.Status)
	}

	return &ports.ProviderEvent{
		EventID:               event.ID,
		ProviderTransactionID: event.Resource.ID,
		Status:                status,
		ErrorCode:             event.Resource.StatusDetails.Reason,
		Raw:                   payload,
	}, nil
}

func (p *PayPal) mac(ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(p.secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
