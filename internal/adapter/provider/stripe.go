package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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

// Charge outcomes are keyed off the fractional part of the amount so every
// path can be driven from a request body alone.
var (
	centsDeclined = decimal.RequireFromString("0.99")
	centsPending  = decimal.RequireFromString("0.50")
)

// Stripe simulates the Stripe card processor. Amounts ending in .99 are
// declined with card_declined, amounts ending in .50 are accepted but left
// processing, everything else settles synchronously.
type Stripe struct {
	secret  string
	latency time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

// NewStripe creates the Stripe simulator.
func NewStripe(secret string, latency time.Duration, log zerolog.Logger) *Stripe {
	return &Stripe{
		secret:  secret,
		latency: latency,
		log:     log.With().Str("provider", "stripe").Logger(),
		now:     time.Now,
	}
}

// Name returns "stripe".
func (s *Stripe) Name() string {
	return "stripe"
}

// stripeCharge is the raw response document for a charge attempt.
type stripeCharge struct {
	ID             string `json:"id"`
	Object         string `json:"object"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	FailureCode    string `json:"failure_code,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
	Created        int64  `json:"created"`
}

// stripeRefund is the raw response document for a refund attempt.
type stripeRefund struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Charge   string `json:"charge"`
	Status   string `json:"status"`
	Created  int64  `json:"created"`
}

// Charge processes a simulated card charge.
func (s *Stripe) Charge(ctx context.Context, req ports.ChargeRequest) (*ports.ChargeResult, error) {
	if err := waitLatency(ctx, s.latency); err != nil {
		return nil, err
	}

	txID := "ch_" + randHex(12)
	cents := req.Amount.Sub(req.Amount.Truncate(0))

	charge := stripeCharge{
		ID:       txID,
		Object:   "charge",
		Amount:   domain.FormatAmount(req.Amount),
		Currency: strings.ToLower(req.Currency),
		Created:  s.now().Unix(),
	}

	result := &ports.ChargeResult{ProviderTransactionID: txID}
	switch {
	case cents.Equal(centsDeclined):
		charge.Status = "failed"
		charge.FailureCode = "card_declined"
		charge.FailureMessage = "Your card was declined."
		result.Status = ports.ProviderStatusDeclined
		result.ErrorCode = "card_declined"
	case cents.Equal(centsPending):
		charge.Status = "processing"
		result.Status = ports.ProviderStatusPending
	default:
		charge.Status = "succeeded"
		result.Status = ports.ProviderStatusCompleted
	}
	result.Raw = marshalRaw(charge)

	s.log.Debug().
		Stringer("payment_id", req.PaymentID).
		Str("transaction_id", txID).
		Str("status", charge.Status).
		Msg("simulated charge")
	return result, nil
}

// Refund processes a simulated refund. Stripe refunds always settle.
func (s *Stripe) Refund(ctx context.Context, req ports.RefundRequest) (*ports.RefundResult, error) {
	if err := waitLatency(ctx, s.latency); err != nil {
		return nil, err
	}

	refundID := "re_" + randHex(12)
	refund := stripeRefund{
		ID:       refundID,
		Object:   "refund",
		Amount:   domain.FormatAmount(req.Amount),
		Currency: strings.ToLower(req.Currency),
		Charge:   req.ProviderTransactionID,
		Status:   "succeeded",
		Created:  s.now().Unix(),
	}

	s.log.Debug().
		Stringer("refund_id", req.RefundID).
		Str("provider_refund_id", refundID).
		Msg("simulated refund")
	return &ports.RefundResult{
		Status:           ports.ProviderStatusCompleted,
		ProviderRefundID: refundID,
		Raw:              marshalRaw(refund),
	}, nil
}

// SignEvent produces the signature header this simulator attaches to its
// own notifications: "t=<unix>,v1=<hex hmac(ts.payload)>".
func (s *Stripe) SignEvent(payload []byte, ts time.Time) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), s.mac(ts.Unix(), payload))
}

// VerifyWebhook authenticates an inbound notification header.
func (s *Stripe) VerifyWebhook(payload []byte, signatureHeader string, now time.Time) error {
	var (
		ts     int64
		tsSeen bool
		sigs   []string
	)
	for _, part := range strings.Split(signatureHeader, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return ErrMalformedSignature
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ErrMalformedSignature
			}
			ts = parsed
			tsSeen = true
		case "v1":
			sigs = append(sigs, value)
		}
	}
	if !tsSeen || len(sigs) == 0 {
		return ErrMalformedSignature
	}

	if err := checkTolerance(ts, now); err != nil {
		return err
	}

	expected := s.mac(ts, payload)
	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// stripeEvent is the inbound notification envelope.
type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID          string `json:"id"`
			Status      string `json:"status"`
			FailureCode string `json:"failure_code"`
		} `json:"object"`
	} `json:"data"`
}

// ParseWebhook extracts the event from a verified payload.
func (s *Stripe) ParseWebhook(payload []byte) (*ports.ProviderEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode stripe event: %w", err)
	}
	if event.ID == "" || event.Data.Object.ID == "" {
		return nil, fmt.Errorf("stripe event missing id fields")
	}

	var status ports.ProviderStatus
	switch event.Data.Object.Status {
	case "succeeded":
		status = ports.ProviderStatusCompleted
	case "processing", "pending":
		status = ports.ProviderStatusPending
	case "failed":
		status = ports.ProviderStatusDeclined
	default:
		return nil, fmt.Errorf("unknown stripe charge status %q", event.Data.Object.Status)
	}

	return &ports.ProviderEvent{
		EventID:               event.ID,
		ProviderTransactionID: event.Data.Object.ID,
		Status:                status,
		ErrorCode:             event.Data.Object.FailureCode,
		Raw:                   payload,
	}, nil
}

func (s *Stripe) mac(ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
