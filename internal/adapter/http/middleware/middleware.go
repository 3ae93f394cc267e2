package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/observability"
	"payment-orchestrator/pkg/apperror"
	"payment-orchestrator/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// Header names
	HeaderAPIKey         = "X-API-Key"
	HeaderRequestID      = "X-Request-Id"
	HeaderIdempotencyKey = "Idempotency-Key"
	headerTraceparent    = "traceparent"

	// Context keys
	CtxMerchantID = "merchant_id"
	CtxAPIKey     = "api_key"
	CtxRequestID  = "request_id"

	// last_used writes are throttled to one per key per interval.
	lastUsedFlushInterval = time.Minute

	zeroTraceID = "00000000000000000000000000000000"
)

// RequestID echoes an inbound X-Request-Id or generates one. When the
// request carries a W3C traceparent, its trace id becomes the request id so
// log lines join up with distributed traces.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = traceIDFromTraceparent(c.GetHeader(headerTraceparent))
		}
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(CtxRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// traceIDFromTraceparent extracts the trace-id field of a traceparent header
// ("00-<32 hex trace id>-<16 hex span id>-<flags>"). Returns "" when the
// header is absent or malformed.
func traceIDFromTraceparent(header string) string {
	parts := strings.Split(header, "-")
	if len(parts) < 4 || len(parts[1]) != 32 || parts[1] == zeroTraceID {
		return ""
	}
	return strings.ToLower(parts[1])
}

// APIKeyAuth resolves the X-API-Key header to a merchant attribution via the
// stored key digest. Unknown or missing keys render 401, disabled keys 403.
func APIKeyAuth(keys ports.APIKeyRepository, sigSvc ports.SignatureService, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		plaintext := c.GetHeader(HeaderAPIKey)
		if plaintext == "" {
			response.Error(c, apperror.Unauthorized("Missing API key"))
			c.Abort()
			return
		}

		key, err := keys.GetByHash(c.Request.Context(), sigSvc.HashAPIKey(plaintext))
		if err != nil {
			log.Error().Err(err).Msg("api key lookup failed")
			response.Error(c, apperror.InternalError(err))
			c.Abort()
			return
		}
		if key == nil {
			response.Error(c, apperror.Unauthorized("Invalid API key"))
			c.Abort()
			return
		}
		if !key.Active {
			response.Error(c, apperror.Forbidden("API key is disabled"))
			c.Abort()
			return
		}

		if key.LastUsedAt == nil || time.Since(*key.LastUsedAt) > lastUsedFlushInterval {
			if err := keys.TouchLastUsed(c.Request.Context(), key.ID, time.Now().UTC()); err != nil {
				log.Warn().Err(err).Str("key_id", key.ID.String()).Msg("touch api key last_used failed")
			}
		}

		c.Set(CtxMerchantID, key.MerchantID)
		c.Set(CtxAPIKey, key)
		c.Next()
	}
}

// RequirePermission rejects keys that lack the named permission. Must run
// after APIKeyAuth.
func RequirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(CtxAPIKey)
		if !ok {
			response.Error(c, apperror.Unauthorized("Missing API key"))
			c.Abort()
			return
		}
		key, ok := v.(*domain.APIKey)
		if !ok || !key.HasPermission(perm) {
			response.Error(c, apperror.Forbidden(fmt.Sprintf("API key lacks the %s permission", perm)))
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestLogger logs every HTTP request with its request id.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		if status >= http.StatusInternalServerError {
			event = log.Error()
		} else if status >= http.StatusBadRequest {
			event = log.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Str("request_id", c.GetString(CtxRequestID)).
			Msg("http request")
	}
}

// Metrics records the request counter and latency histogram per route
// template.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		observability.HTTP().Observe(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// Recovery converts panics into 500 responses with the standard envelope.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("panic recovered")
				response.Error(c, apperror.InternalError(fmt.Errorf("panic: %v", r)))
				c.Abort()
			}
		}()
		c.Next()
	}
}
