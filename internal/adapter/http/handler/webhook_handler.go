package handler

import (
	"errors"

	"payment-orchestrator/internal/adapter/http/dto"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/pkg/apperror"
	"payment-orchestrator/pkg/response"

	"github.com/gin-gonic/gin"
)

// HeaderProviderSignature carries the provider's signature over the inbound
// event payload. Both simulated providers send it; their value formats
// differ.
const HeaderProviderSignature = "X-Provider-Signature"

// WebhookHandler receives inbound provider event notifications.
type WebhookHandler struct {
	paymentSvc ports.PaymentService
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(paymentSvc ports.PaymentService) *WebhookHandler {
	return &WebhookHandler{paymentSvc: paymentSvc}
}

// HandleProviderEvent handles POST /api/v1/webhooks/:provider. Events that
// were authenticated but produced no state change (unknown payment,
// forbidden transition, unparseable payload) are acknowledged with
// processed=false so the provider stops redelivering them.
func (h *WebhookHandler) HandleProviderEvent(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		response.Error(c, apperror.Validation("Unreadable request body"))
		return
	}

	err = h.paymentSvc.HandleProviderEvent(
		c.Request.Context(),
		c.Param("provider"),
		payload,
		c.GetHeader(HeaderProviderSignature),
	)
	switch {
	case err == nil:
		response.OK(c, dto.WebhookAck{Received: true})
	case errors.Is(err, ports.ErrEventNotProcessed):
		processed := false
		response.OK(c, dto.WebhookAck{Received: true, Processed: &processed})
	default:
		response.Error(c, err)
	}
}
