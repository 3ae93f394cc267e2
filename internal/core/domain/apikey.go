package domain

import (
	"time"

	"github.com/google/uuid"
)

// API-key permissions checked per route group.
const (
	PermissionPaymentsWrite = "payments:write"
	PermissionPaymentsRead  = "payments:read"
	PermissionRefundsWrite  = "refunds:write"
)

// APIKey is an opaque merchant credential. Only the algorithm-prefixed
// SHA-256 digest ("sha256:<hex>") is stored; the plaintext key is shown
// once at creation.
type APIKey struct {
	ID          uuid.UUID  `json:"id"`
	KeyHash     string     `json:"-"`
	MerchantID  uuid.UUID  `json:"merchant_id"`
	Permissions []string   `json:"permissions"`
	Active      bool       `json:"active"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// HasPermission reports whether the key carries the named permission.
func (k *APIKey) HasPermission(perm string) bool {
	for _, p := range k.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}
