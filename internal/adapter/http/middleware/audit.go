package middleware

import (
	"encoding/json"
	"net/http"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AuditTrail records successful write operations as API-level audit entries,
// after the response is sent. Entity-level trails (payment.created,
// refund.status_changed) are written by the services inside their
// transactions; this middleware adds the request-surface view: which caller,
// from where, hit which mutating route.
func AuditTrail(auditSvc ports.AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Status() < 200 || c.Writer.Status() >= 300 {
			return
		}
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead || c.Request.Method == http.MethodOptions {
			return
		}

		action := mapRouteToAction(c.FullPath(), c.Request.Method)
		if action == "" {
			return
		}

		actor := "anonymous"
		actorType := domain.ActorTypeSystem
		if mid, exists := c.Get(CtxMerchantID); exists {
			if id, ok := mid.(uuid.UUID); ok {
				actor = id.String()
				actorType = domain.ActorTypeMerchant
			}
		} else if provider := c.Param("provider"); provider != "" {
			actor = provider
			actorType = domain.ActorTypeProvider
		}

		details, _ := json.Marshal(map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		})

		auditSvc.RecordAsync(c.Request.Context(), &domain.AuditLog{
			EntityType: "http_request",
			EntityID:   c.GetString(CtxRequestID),
			Action:     action,
			NewValues:  details,
			Actor:      actor,
			ActorType:  actorType,
			IPAddress:  c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
		})
	}
}

func mapRouteToAction(route, method string) string {
	switch {
	case route == "/api/v1/payments" && method == http.MethodPost:
		return "api.payment_requested"
	case route == "/api/v1/payments/:id/refunds" && method == http.MethodPost:
		return "api.refund_requested"
	case route == "/api/v1/webhooks/:provider" && method == http.MethodPost:
		return "api.provider_event_received"
	}
	return ""
}
