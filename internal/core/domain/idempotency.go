package domain

import (
	"time"

	"github.com/google/uuid"
)

// IdempotencyStatus represents the processing state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusCompleted  IdempotencyStatus = "completed"
)

// DefaultIdempotencyTTL is how long a record gates replays after creation.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyRecord is the at-most-once gate for one (merchant, key) pair.
// While status is processing the original request is still in flight;
// completed records carry the response to replay byte-for-byte.
type IdempotencyRecord struct {
	Key                string            `json:"key"`
	MerchantID         uuid.UUID         `json:"merchant_id"`
	RequestFingerprint string            `json:"request_fingerprint"`
	RequestPath        string            `json:"request_path"`
	RequestMethod      string            `json:"request_method"`
	Status             IdempotencyStatus `json:"status"`
	ResponseBody       []byte            `json:"response_body,omitempty"`
	ResponseStatusCode *int              `json:"response_status_code,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	ExpiresAt          time.Time         `json:"expires_at"`
}

// Expired reports whether the record's gate has lapsed.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// IdempotencyLockKey builds the advisory-lock key that serializes
// start-processing for one (key, merchant) pair across replicas.
func IdempotencyLockKey(key string, merchantID uuid.UUID) string {
	return "idempotency:" + key + ":" + merchantID.String()
}
