package handler

import (
	"payment-orchestrator/internal/adapter/http/middleware"
	redisStore "payment-orchestrator/internal/adapter/storage/redis"
	"payment-orchestrator/internal/breaker"
	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	PaymentSvc     ports.PaymentService
	RefundSvc      ports.RefundService
	IdemSvc        ports.IdempotencyService
	APIKeyRepo     ports.APIKeyRepository
	SigSvc         ports.SignatureService
	RateLimitStore *redisStore.RateLimitStore // nil = rate limiting disabled
	HealthCheckers []ports.HealthChecker
	ReadyCheckers  []ports.HealthChecker
	Breakers       *breaker.Registry
	AuditSvc       ports.AuditService // nil = request audit trail disabled
	MaxBodyBytes   int64
	Mode           string // gin mode; empty = release
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	mode := deps.Mode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)
	r := gin.New()

	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.MaxBodySize(maxBody))

	// Request audit trail (after response)
	if deps.AuditSvc != nil {
		r.Use(middleware.AuditTrail(deps.AuditSvc))
	}

	// Operational endpoints
	r.GET("/health", HealthCheck(deps.HealthCheckers...))
	r.GET("/ready", Ready(deps.Breakers, deps.ReadyCheckers...))
	r.GET("/metrics", gin.WrapH(observability.Handler()))

	// Rate limit rules
	rules := middleware.DefaultRateLimitRules()

	// Helper: return rate limiter middleware if store is available, else noop.
	rl := func(group string) gin.HandlerFunc {
		if deps.RateLimitStore == nil {
			return func(c *gin.Context) { c.Next() }
		}
		rule, ok := rules[group]
		if !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	paymentHandler := NewPaymentHandler(deps.PaymentSvc)
	refundHandler := NewRefundHandler(deps.RefundSvc)
	webhookHandler := NewWebhookHandler(deps.PaymentSvc)

	// API v1 routes
	v1 := r.Group("/api/v1")

	// --- Provider event routes (signature-authenticated, no API key) ---
	webhooks := v1.Group("/webhooks")
	{
		webhooks.POST("/:provider", rl("provider_events"), webhookHandler.HandleProviderEvent)
	}

	// --- API-key-authenticated routes (merchant API) ---
	apiAuth := middleware.APIKeyAuth(deps.APIKeyRepo, deps.SigSvc, deps.Logger)
	idem := middleware.Idempotency(deps.IdemSvc, deps.Logger)

	payments := v1.Group("/payments", apiAuth)
	{
		payments.POST("",
			middleware.RequirePermission(domain.PermissionPaymentsWrite),
			rl("payments"), idem, paymentHandler.CreatePayment)
		payments.GET("",
			middleware.RequirePermission(domain.PermissionPaymentsRead),
			rl("payments_read"), paymentHandler.ListPayments)
		payments.GET("/:id",
			middleware.RequirePermission(domain.PermissionPaymentsRead),
			rl("payments_read"), paymentHandler.GetPayment)
		payments.GET("/:id/refundable",
			middleware.RequirePermission(domain.PermissionPaymentsRead),
			rl("payments_read"), refundHandler.Refundable)
		payments.POST("/:id/refunds",
			middleware.RequirePermission(domain.PermissionRefundsWrite),
			rl("refunds"), idem, refundHandler.CreateRefund)
	}

	refunds := v1.Group("/refunds", apiAuth)
	{
		refunds.GET("/:id",
			middleware.RequirePermission(domain.PermissionPaymentsRead),
			rl("payments_read"), refundHandler.GetRefund)
	}

	return r
}
