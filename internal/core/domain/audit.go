package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audit actions recorded for entity changes.
const (
	AuditActionPaymentCreated       = "payment.created"
	AuditActionPaymentStatusChanged = "payment.status_changed"
	AuditActionRefundCreated        = "refund.created"
	AuditActionRefundStatusChanged  = "refund.status_changed"
	AuditActionWebhookEnqueued      = "webhook.enqueued"
)

// Actor types attributed on audit rows.
const (
	ActorTypeMerchant = "merchant"
	ActorTypeProvider = "provider"
	ActorTypeSystem   = "system"
)

// AuditLog is one append-only record of an entity change, carrying enough to
// reconstruct what changed, who caused it, and from where.
type AuditLog struct {
	ID         uuid.UUID       `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	OldValues  json.RawMessage `json:"old_values,omitempty"`
	NewValues  json.RawMessage `json:"new_values,omitempty"`
	Actor      string          `json:"actor"`
	ActorType  string          `json:"actor_type"`
	IPAddress  string          `json:"ip_address,omitempty"`
	UserAgent  string          `json:"user_agent,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
