package handler

import (
	"payment-orchestrator/internal/adapter/http/dto"
	"payment-orchestrator/internal/adapter/http/middleware"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/pkg/apperror"
	"payment-orchestrator/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RefundHandler handles refund endpoints.
type RefundHandler struct {
	refundSvc ports.RefundService
}

// NewRefundHandler creates a new RefundHandler.
func NewRefundHandler(refundSvc ports.RefundService) *RefundHandler {
	return &RefundHandler{refundSvc: refundSvc}
}

// CreateRefund handles POST /api/v1/payments/:id/refunds. A refund the
// provider rejected still created the refund resource; it renders 200 with
// the rejection code instead of 201.
func (h *RefundHandler) CreateRefund(c *gin.Context) {
	merchantID, ok := c.Get(middleware.CtxMerchantID)
	if !ok {
		response.Error(c, apperror.Unauthorized("Missing API key"))
		return
	}

	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.NotFound("Payment"))
		return
	}

	var req dto.CreateRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	result, err := h.refundSvc.CreateRefund(c.Request.Context(), ports.CreateRefundRequest{
		MerchantID: merchantID.(uuid.UUID),
		PaymentID:  paymentID,
		Amount:     req.Amount,
		Reason:     req.Reason,
		ClientIP:   c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	body := dto.CreateRefundResponse{
		RefundResponse: dto.ToRefundResponse(result.Refund),
		PaymentStatus:  string(result.PaymentStatus),
		ErrorCode:      result.ErrorCode,
	}
	if result.ErrorCode != "" {
		response.OK(c, body)
		return
	}
	response.Created(c, body)
}

// GetRefund handles GET /api/v1/refunds/:id.
func (h *RefundHandler) GetRefund(c *gin.Context) {
	merchantID, ok := c.Get(middleware.CtxMerchantID)
	if !ok {
		response.Error(c, apperror.Unauthorized("Missing API key"))
		return
	}

	refundID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.NotFound("Refund"))
		return
	}

	refund, err := h.refundSvc.GetRefund(c.Request.Context(), merchantID.(uuid.UUID), refundID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.ToRefundResponse(refund))
}

// Refundable handles GET /api/v1/payments/:id/refundable.
func (h *RefundHandler) Refundable(c *gin.Context) {
	merchantID, ok := c.Get(middleware.CtxMerchantID)
	if !ok {
		response.Error(c, apperror.Unauthorized("Missing API key"))
		return
	}

	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.NotFound("Payment"))
		return
	}

	summary, err := h.refundSvc.Refundable(c.Request.Context(), merchantID.(uuid.UUID), paymentID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.ToRefundableResponse(summary))
}
