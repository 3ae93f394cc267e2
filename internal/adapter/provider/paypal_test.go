package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"payment-orchestrator/internal/core/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPayPal() *PayPal {
	return NewPayPal("whsec_paypal_test", 0, zerolog.Nop())
}

func refundReq(amount string) ports.RefundRequest {
	return ports.RefundRequest{
		ProviderTransactionID: "PAYID-ABCDEF1234567890",
		RefundID:              uuid.New(),
		Amount:                decimal.RequireFromString(amount),
		Currency:              "USD",
	}
}

func TestPayPal_Charge(t *testing.T) {
	result, err := newTestPayPal().Charge(context.Background(), chargeReq("250.00"))
	require.NoError(t, err)

	assert.Equal(t, ports.ProviderStatusCompleted, result.Status)
	assert.Regexp(t, `^PAYID-[0-9A-F]{16}$`, result.ProviderTransactionID)

	var raw paypalCapture
	require.NoError(t, json.Unmarshal(result.Raw, &raw))
	assert.Equal(t, "COMPLETED", raw.Status)
	assert.Equal(t, "USD", raw.Amount.CurrencyCode)
	assert.Equal(t, "250.0000", raw.Amount.Value)
}

func TestPayPal_Charge_CancelledDuringLatency(t *testing.T) {
	p := NewPayPal("whsec", time.Minute, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Charge(ctx, chargeReq("250.00"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPayPal_Refund_Completed(t *testing.T) {
	result, err := newTestPayPal().Refund(context.Background(), refundReq("30.00"))
	require.NoError(t, err)

	assert.Equal(t, ports.ProviderStatusCompleted, result.Status)
	assert.Regexp(t, `^[0-9A-F]{16}$`, result.ProviderRefundID)
	assert.Empty(t, result.ErrorCode)

	var raw paypalRefund
	require.NoError(t, json.Unmarshal(result.Raw, &raw))
	assert.Equal(t, "COMPLETED", raw.Status)
	assert.Equal(t, "PAYID-ABCDEF1234567890", raw.CaptureID)
}

func TestPayPal_Refund_DeclinedAboveCap(t *testing.T) {
	result, err := newTestPayPal().Refund(context.Background(), refundReq("5000.01"))
	require.NoError(t, err, "a decline is data, not an error")

	assert.Equal(t, ports.ProviderStatusDeclined, result.Status)
	assert.Equal(t, "instrument_declined", result.ErrorCode)

	var raw paypalRefund
	require.NoError(t, json.Unmarshal(result.Raw, &raw))
	assert.Equal(t, "DENIED", raw.Status)
	require.NotNil(t, raw.StatusDetails)
	assert.Equal(t, "instrument_declined", raw.StatusDetails.Reason)
}

func TestPayPal_Refund_ExactCapAllowed(t *testing.T) {
	result, err := newTestPayPal().Refund(context.Background(), refundReq("5000.00"))
	require.NoError(t, err)
	assert.Equal(t, ports.ProviderStatusCompleted, result.Status)
}

func TestPayPal_SignAndVerify(t *testing.T) {
	p := newTestPayPal()
	payload := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED"}`)
	now := time.Now()

	header := p.SignEvent(payload, now)
	assert.Regexp(t, `^\d+\.[A-Za-z0-9+/]+=*$`, header)
	assert.NoError(t, p.VerifyWebhook(payload, header, now))

	assert.ErrorIs(t, p.VerifyWebhook([]byte(`{"id":"WH-2"}`), header, now),
		ErrInvalidSignature)

	other := NewPayPal("whsec_other", 0, zerolog.Nop())
	assert.ErrorIs(t, other.VerifyWebhook(payload, header, now), ErrInvalidSignature)
}

func TestPayPal_Verify_StaleTimestamp(t *testing.T) {
	p := newTestPayPal()
	payload := []byte(`{}`)
	signedAt := time.Now()

	header := p.SignEvent(payload, signedAt)
	assert.ErrorIs(t, p.VerifyWebhook(payload, header, signedAt.Add(6*time.Minute)),
		ErrStaleTimestamp)
	assert.NoError(t, p.VerifyWebhook(payload, header, signedAt.Add(4*time.Minute)))
}

func TestPayPal_Verify_MalformedHeaders(t *testing.T) {
	p := newTestPayPal()
	for _, header := range []string{"", "nodot", "notanumber.c2ln", "12345."} {
		assert.ErrorIs(t, p.VerifyWebhook([]byte(`{}`), header, time.Now()),
			ErrMalformedSignature, "header %q", header)
	}
}

func TestPayPal_ParseWebhook(t *testing.T) {
	payload := []byte(`{
		"id": "WH-58D329510W468432D-8HN650336L201105X",
		"event_type": "PAYMENT.CAPTURE.COMPLETED",
		"resource": {"id": "PAYID-ABCDEF1234567890", "status": "COMPLETED"}
	}`)

	event, err := newTestPayPal().ParseWebhook(payload)
	require.NoError(t, err)

	assert.Equal(t, "WH-58D329510W468432D-8HN650336L201105X", event.EventID)
	assert.Equal(t, "PAYID-ABCDEF1234567890", event.ProviderTransactionID)
	assert.Equal(t, ports.ProviderStatusCompleted, event.Status)
}

func TestPayPal_ParseWebhook_StatusNormalization(t *testing.T) {
	tests := []struct {
		raw  string
		want ports.ProviderStatus
	}{
		{"COMPLETED", ports.ProviderStatusCompleted},
		{"PENDING", ports.ProviderStatusPending},
		{"DENIED", ports.ProviderStatusDeclined},
	}
	for _, tt := range tests {
		payload := fmt.Sprintf(`{"id":"WH-1","resource":{"id":"PAYID-1","status":%q}}`, tt.raw)
		event, err := newTestPayPal().ParseWebhook([]byte(payload))
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, event.Status, tt.raw)
	}
}

func TestPayPal_ParseWebhook_DeniedReasonCarried(t *testing.T) {
	payload := []byte(`{"id":"WH-1","resource":{"id":"PAYID-1","status":"DENIED","status_details":{"reason":"instrument_declined"}}}`)

	event, err := newTestPayPal().ParseWebhook(payload)
	require.NoError(t, err)
	assert.Equal(t, ports.ProviderStatusDeclined, event.Status)
	assert.Equal(t, "instrument_declined", event.ErrorCode)
}

func TestPayPal_ParseWebhook_Rejections(t *testing.T) {
	p := newTestPayPal()

	_, err := p.ParseWebhook([]byte(`not json`))
	assert.Error(t, err)

	_, err = p.ParseWebhook([]byte(`{"id":"WH-1","resource":{"id":"","status":"COMPLETED"}}`))
	assert.Error(t, err)

	_, err = p.ParseWebhook([]byte(`{"id":"WH-1","resource":{"id":"PAYID-1","status":"REVERSED"}}`))
	assert.Error(t, err)
}
