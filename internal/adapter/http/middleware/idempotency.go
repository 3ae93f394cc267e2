package middleware

import (
	"bytes"
	"io"
	"net/http"

	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/pkg/apperror"
	"payment-orchestrator/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxIdempotencyKeyBytes bounds the Idempotency-Key header.
const maxIdempotencyKeyBytes = 256

// bodyCaptureWriter tees the response body so the idempotency engine can
// store it for replay.
type bodyCaptureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyCaptureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyCaptureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency wraps mutating requests that carry an Idempotency-Key header.
// Completed responses replay byte-for-byte with their stored status code;
// in-flight or repurposed keys render 409. The claim is released when the
// request ends in a 5xx or a panic so the merchant can retry cleanly.
// Must run after APIKeyAuth: the key is scoped per merchant.
func Idempotency(idemSvc ports.IdempotencyService, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			c.Next()
			return
		}

		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyBytes {
			response.Error(c, apperror.Validation("Idempotency-Key must not exceed 256 bytes"))
			c.Abort()
			return
		}

		v, ok := c.Get(CtxMerchantID)
		if !ok {
			c.Next()
			return
		}
		merchantID := v.(uuid.UUID)

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			response.Error(c, apperror.Validation("cannot read request body"))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		decision, err := idemSvc.Begin(c.Request.Context(), key, merchantID, c.Request.Method, c.Request.URL.Path, body)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		if decision != nil && decision.Replay {
			log.Debug().
				Str("idempotency_key", key).
				Str("merchant_id", merchantID.String()).
				Msg("idempotent replay")
			response.Raw(c, decision.StatusCode, decision.Body)
			c.Abort()
			return
		}

		writer := &bodyCaptureWriter{ResponseWriter: c.Writer}
		c.Writer = writer

		defer func() {
			if r := recover(); r != nil {
				removeClaim(c, idemSvc, key, merchantID, log)
				panic(r) // recovery middleware renders the 500
			}
			if writer.Status() >= http.StatusInternalServerError {
				removeClaim(c, idemSvc, key, merchantID, log)
				return
			}
			if err := idemSvc.Complete(c.Request.Context(), key, merchantID, writer.Status(), writer.body.Bytes()); err != nil {
				log.Error().Err(err).
					Str("idempotency_key", key).
					Msg("store idempotent response failed")
			}
		}()

		c.Next()
	}
}

func removeClaim(c *gin.Context, idemSvc ports.IdempotencyService, key string, merchantID uuid.UUID, log zerolog.Logger) {
	if err := idemSvc.Remove(c.Request.Context(), key, merchantID); err != nil {
		log.Error().Err(err).
			Str("idempotency_key", key).
			Msg("release idempotency claim failed")
	}
}
