package provider

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidSignature is returned when a webhook signature does not
	// match the payload.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrStaleTimestamp is returned when the signed timestamp falls
	// outside the accepted window.
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")
	// ErrMalformedSignature is returned when the signature header cannot
	// be parsed at all.
	ErrMalformedSignature = errors.New("malformed signature header")
)

// signatureTolerance is how far a signed timestamp may drift from now in
// either direction before the notification is rejected.
const signatureTolerance = 300 * time.Second

// waitLatency blocks for the simulated processing delay, honoring caller
// cancellation so breaker timeouts behave as they would against a real
// processor.
func waitLatency(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// randHex returns 2n lowercase hex characters from a crypto source.
func randHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read only fails when the OS entropy source is broken,
		// at which point nothing else in the process works either.
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// randUpperHex returns 2n uppercase hex characters.
func randUpperHex(n int) string {
	return strings.ToUpper(randHex(n))
}

// marshalRaw renders a simulator response document. The input is always a
// local struct, so marshaling cannot fail.
func marshalRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// checkTolerance validates a signed unix timestamp against now.
func checkTolerance(ts int64, now time.Time) error {
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > signatureTolerance {
		return ErrStaleTimestamp
	}
	return nil
}
