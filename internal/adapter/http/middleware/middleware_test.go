package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports/mocks"
	"payment-orchestrator/pkg/apperror"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestRequestID_Generated(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	var captured string
	router.GET("/test", func(c *gin.Context) {
		captured = c.GetString(CtxRequestID)
		c.JSON(200, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, captured)
	_, err := uuid.Parse(captured)
	assert.NoError(t, err)
	assert.Equal(t, captured, w.Header().Get(HeaderRequestID))
}

func TestRequestID_EchoesInbound(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(HeaderRequestID, "req-from-client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-from-client", w.Header().Get(HeaderRequestID))
}

func TestRequestID_Traceparent(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("traceparent", "00-4BF92F3577B34DA6A3CE929D0E0E4736-00f067aa0ba902b7-01")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", w.Header().Get(HeaderRequestID))
}

func TestRequestID_ZeroTraceIDIgnored(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("traceparent", "00-00000000000000000000000000000000-00f067aa0ba902b7-01")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	id := w.Header().Get(HeaderRequestID)
	require.NotEmpty(t, id)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
}

func TestAPIKeyAuth_MissingKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	keys := mocks.NewMockAPIKeyRepository(ctrl)
	sigSvc := mocks.NewMockSignatureService(ctrl)

	router := gin.New()
	router.POST("/test", APIKeyAuth(keys, sigSvc, zerolog.Nop()), func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIKeyAuth_UnknownKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	keys := mocks.NewMockAPIKeyRepository(ctrl)
	sigSvc := mocks.NewMockSignatureService(ctrl)

	sigSvc.EXPECT().HashAPIKey("pk_unknown").Return("sha256:deadbeef")
	keys.EXPECT().GetByHash(gomock.Any(), "sha256:deadbeef").Return(nil, nil)

	router := gin.New()
	router.POST("/test", APIKeyAuth(keys, sigSvc, zerolog.Nop()), func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set(HeaderAPIKey, "pk_unknown")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIKeyAuth_LookupError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	keys := mocks.NewMockAPIKeyRepository(ctrl)
	sigSvc := mocks.NewMockSignatureService(ctrl)

	sigSvc.EXPECT().HashAPIKey("pk_any").Return("sha256:aa")
	keys.EXPECT().GetByHash(gomock.Any(), "sha256:aa").Return(nil, assert.AnError)

	router := gin.New()
	router.POST("/test", APIKeyAuth(keys, sigSvc, zerolog.Nop()), func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set(HeaderAPIKey, "pk_any")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAPIKeyAuth_DisabledKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	keys := mocks.NewMockAPIKeyRepository(ctrl)
	sigSvc := mocks.NewMockSignatureService(ctrl)

	key := &domain.APIKey{
		ID:         uuid.New(),
		MerchantID: uuid.New(),
		Active:     false,
	}
	sigSvc.EXPECT().HashAPIKey("pk_disabled").Return("sha256:bb")
	keys.EXPECT().GetByHash(gomock.Any(), "sha256:bb").Return(key, nil)

	router := gin.New()
	router.POST("/test", APIKeyAuth(keys, sigSvc, zerolog.Nop()), func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set(HeaderAPIKey, "pk_disabled")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAPIKeyAuth_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	keys := mocks.NewMockAPIKeyRepository(ctrl)
	sigSvc := mocks.NewMockSignatureService(ctrl)

	merchantID := uuid.New()
	key := &domain.APIKey{
		ID:          uuid.New(),
		MerchantID:  merchantID,
		Permissions: []string{domain.PermissionPaymentsWrite},
		Active:      true,
	}
	sigSvc.EXPECT().HashAPIKey("pk_valid").Return("sha256:cc")
	keys.EXPECT().GetByHash(gomock.Any(), "sha256:cc").Return(key, nil)
	// Never-used key gets its last_used stamped.
	keys.EXPECT().TouchLastUsed(gomock.Any(), key.ID, gomock.Any()).Return(nil)

	var capturedID uuid.UUID
	router := gin.New()
	router.POST("/test", APIKeyAuth(keys, sigSvc, zerolog.Nop()), func(c *gin.Context) {
		id, _ := c.Get(CtxMerchantID)
		capturedID = id.(uuid.UUID)
		c.JSON(200, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set(HeaderAPIKey, "pk_valid")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, merchantID, capturedID)
}

func TestAPIKeyAuth_RecentKeySkipsTouch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	keys := mocks.NewMockAPIKeyRepository(ctrl)
	sigSvc := mocks.NewMockSignatureService(ctrl)

	lastUsed := time.Now().Add(-5 * time.Second)
	key := &domain.APIKey{
		ID:         uuid.New(),
		MerchantID: uuid.New(),
		Active:     true,
		LastUsedAt: &lastUsed,
	}
	sigSvc.EXPECT().HashAPIKey("pk_warm").Return("sha256:dd")
	keys.EXPECT().GetByHash(gomock.Any(), "sha256:dd").Return(key, nil)
	// No TouchLastUsed expectation: a write within the flush interval is skipped.

	router := gin.New()
	router.POST("/test", APIKeyAuth(keys, sigSvc, zerolog.Nop()), func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set(HeaderAPIKey, "pk_warm")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequirePermission_Allowed(t *testing.T) {
	key := &domain.APIKey{
		ID:          uuid.New(),
		MerchantID:  uuid.New(),
		Permissions: []string{domain.PermissionPaymentsWrite, domain.PermissionPaymentsRead},
		Active:      true,
	}

	router := gin.New()
	router.POST("/test",
		func(c *gin.Context) { c.Set(CtxAPIKey, key) },
		RequirePermission(domain.PermissionPaymentsWrite),
		func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequirePermission_Denied(t *testing.T) {
	key := &domain.APIKey{
		ID:          uuid.New(),
		MerchantID:  uuid.New(),
		Permissions: []string{domain.PermissionPaymentsRead},
		Active:      true,
	}

	router := gin.New()
	router.POST("/test",
		func(c *gin.Context) { c.Set(CtxAPIKey, key) },
		RequirePermission(domain.PermissionRefundsWrite),
		func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, apperror.CodeForbidden, resp["code"])
}

func TestRequirePermission_NoKeyInContext(t *testing.T) {
	router := gin.New()
	router.POST("/test",
		RequirePermission(domain.PermissionPaymentsWrite),
		func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRecovery_Panic(t *testing.T) {
	router := gin.New()
	router.Use(Recovery(zerolog.Nop()))
	router.GET("/boom", func(c *gin.Context) {
		panic("kaboom")
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, apperror.CodeInternal, resp["code"])
}
