package service

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidSignature is returned when a signature fails verification.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrSignatureExpired is returned when the signed timestamp falls
	// outside the accepted skew window.
	ErrSignatureExpired = errors.New("signature timestamp outside tolerance")
	// ErrMalformedSignature is returned when the header cannot be parsed.
	ErrMalformedSignature = errors.New("malformed signature header")
)

// HMACSignatureService signs and verifies webhook payloads with HMAC-SHA256
// and derives storage hashes for merchant API keys.
type HMACSignatureService struct{}

// NewHMACSignatureService creates a new HMAC-SHA256 signature service.
func NewHMACSignatureService() *HMACSignatureService {
	return &HMACSignatureService{}
}

// Sign computes HMAC-SHA256 of payload using secret.
// Returns lowercase hex-encoded signature.
func (s *HMACSignatureService) Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks if signature matches HMAC-SHA256(secret, payload).
// Uses constant-time comparison to prevent timing attacks.
func (s *HMACSignatureService) Verify(secret string, payload []byte, signature string) bool {
	expected := s.Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignatureHeader builds the versioned signature header sent with outbound
// webhooks: "t=<unix>,v1=<hex>". The signed content is "<unix>.<payload>"
// so the timestamp cannot be swapped without invalidating the signature.
func (s *HMACSignatureService) SignatureHeader(secret string, ts time.Time, payload []byte) string {
	unix := ts.Unix()
	signed := fmt.Sprintf("%d.%s", unix, payload)
	return fmt.Sprintf("t=%d,v1=%s", unix, s.Sign(secret, []byte(signed)))
}

// VerifySignatureHeader validates a "t=...,v1=..." header against payload.
// The timestamp must be within maxSkew of now in either direction.
func (s *HMACSignatureService) VerifySignatureHeader(secret string, header string, payload []byte, now time.Time, maxSkew time.Duration) error {
	ts, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > maxSkew {
		return ErrSignatureExpired
	}

	signed := fmt.Sprintf("%d.%s", ts, payload)
	for _, sig := range signatures {
		if s.Verify(secret, []byte(signed), sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// parseSignatureHeader extracts the timestamp and every v1 signature from
// the header. Multiple v1 entries are accepted to allow secret rotation.
func parseSignatureHeader(header string) (int64, []string, error) {
	var (
		ts         int64
		tsSeen     bool
		signatures []string
	)

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return 0, nil, ErrMalformedSignature
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, ErrMalformedSignature
			}
			ts = parsed
			tsSeen = true
		case "v1":
			signatures = append(signatures, value)
		}
	}

	if !tsSeen || len(signatures) == 0 {
		return 0, nil, ErrMalformedSignature
	}
	return ts, signatures, nil
}

// HashAPIKey derives the storage hash for a merchant API key. Keys are
// high-entropy random strings, so an unsalted SHA-256 is sufficient and
// keeps lookups to a single indexed query. The algorithm prefix lets the
// scheme change later without rehashing everything at once.
func (s *HMACSignatureService) HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// NewShortID returns the lowercase hex encoding of 16 random bytes: a
// compact 128-bit identifier for values that do not need UUID structure.
func (s *HMACSignatureService) NewShortID() string {
	raw := make([]byte, 16)
	rand.Read(raw)
	return hex.EncodeToString(raw)
}

// GenerateAPIKey mints a new merchant API key and its storage hash.
// The plaintext is shown once and never persisted.
func (s *HMACSignatureService) GenerateAPIKey() (plaintext string, hash string, err error) {
	plaintext = "sk_live_" + s.NewShortID()
	return plaintext, s.HashAPIKey(plaintext), nil
}
