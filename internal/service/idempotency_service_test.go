package service

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/core/ports/mocks"
	"payment-orchestrator/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type idempotencyTestDeps struct {
	svc        *IdempotencyServiceImpl
	repo       *mocks.MockIdempotencyRepository
	cache      *mocks.MockIdempotencyCache
	transactor *mocks.MockTransactor
	now        time.Time
	ctrl       *gomock.Controller
}

func setupIdempotencyService(t *testing.T) *idempotencyTestDeps {
	ctrl := gomock.NewController(t)
	d := &idempotencyTestDeps{
		repo:       mocks.NewMockIdempotencyRepository(ctrl),
		cache:      mocks.NewMockIdempotencyCache(ctrl),
		transactor: mocks.NewMockTransactor(ctrl),
		now:        time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ctrl:       ctrl,
	}
	d.svc = NewIdempotencyService(d.repo, d.cache, d.transactor, domain.DefaultIdempotencyTTL, zerolog.Nop())
	d.svc.now = func() time.Time { return d.now }
	return d
}

// runClosure makes the mocked transactor execute the transactional closure
// with the given tx, the way the real transactor would.
func runClosure(tx pgx.Tx) func(context.Context, func(context.Context, pgx.Tx) error) error {
	return func(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
		return fn(ctx, tx)
	}
}

func assertConflict(t *testing.T, err error) {
	t.Helper()
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.CodeIdempotencyConflict, appErr.Code)
	assert.Equal(t, http.StatusConflict, appErr.HTTPStatus)
}

// ==================== Begin Tests ====================

func TestIdempotencyService_Begin_ClaimsNewKey(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	merchantID := uuid.New()
	body := []byte(`{"amount":"100.00","currency":"usd"}`)
	fp, err := d.svc.Fingerprint("POST", "/api/v1/payments", body)
	require.NoError(t, err)
	tx := &mockTx{}

	// Cache miss, DB miss
	d.cache.EXPECT().Get(ctx, merchantID.String()+":key-1").Return(nil, nil)
	d.repo.EXPECT().Get(ctx, "key-1", merchantID).Return(nil, nil)
	// Claim under advisory lock
	d.transactor.EXPECT().WithinTx(ctx, gomock.Any()).DoAndReturn(runClosure(tx))
	d.transactor.EXPECT().WithAdvisoryLock(ctx, tx, domain.IdempotencyLockKey("key-1", merchantID)).Return(nil)
	d.repo.EXPECT().Get(ctx, "key-1", merchantID).Return(nil, nil)
	d.repo.EXPECT().Create(ctx, tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ pgx.Tx, record *domain.IdempotencyRecord) error {
			assert.Equal(t, "key-1", record.Key)
			assert.Equal(t, merchantID, record.MerchantID)
			assert.Equal(t, fp, record.RequestFingerprint)
			assert.Equal(t, domain.IdempotencyStatusProcessing, record.Status)
			assert.Equal(t, d.now.Add(domain.DefaultIdempotencyTTL), record.ExpiresAt)
			return nil
		})

	decision, err := d.svc.Begin(ctx, "key-1", merchantID, "POST", "/api/v1/payments", body)
	require.NoError(t, err)
	assert.Nil(t, decision, "caller should own a freshly claimed key")
}

func TestIdempotencyService_Begin_CacheReplay(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	merchantID := uuid.New()
	body := []byte(`{"amount":"100.00"}`)
	fp, err := d.svc.Fingerprint("POST", "/api/v1/payments", body)
	require.NoError(t, err)

	stored := []byte(`{"id":"pay_1","status":"completed"}`)
	envelope, err := json.Marshal(cachedResponse{StatusCode: 201, Body: stored, Fingerprint: fp})
	require.NoError(t, err)

	d.cache.EXPECT().Get(ctx, merchantID.String()+":key-1").Return(envelope, nil)

	decision, err := d.svc.Begin(ctx, "key-1", merchantID, "POST", "/api/v1/payments", body)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.True(t, decision.Replay)
	assert.Equal(t, 201, decision.StatusCode)
	assert.JSONEq(t, string(stored), string(decision.Body))
}

func TestIdempotencyService_Begin_CacheFingerprintMismatch(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	merchantID := uuid.New()

	envelope, err := json.Marshal(cachedResponse{StatusCode: 201, Body: []byte(`{}`), Fingerprint: "other"})
	require.NoError(t, err)
	d.cache.EXPECT().Get(ctx, gomock.Any()).Return(envelope, nil)

	decision, err := d.svc.Begin(ctx, "key-1", merchantID, "POST", "/api/v1/payments", []byte(`{"amount":"5.00"}`))
	assert.Nil(t, decision)
	assertConflict(t, err)
}

func TestIdempotencyService_Begin_DBReplayBackfillsCache(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	merchantID := uuid.New()
	body := []byte(`{"amount":"42.00"}`)
	fp, err := d.svc.Fingerprint("POST", "/api/v1/payments", body)
	require.NoError(t, err)

	statusCode := 201
	record := &domain.IdempotencyRecord{
		Key:                "key-1",
		MerchantID:         merchantID,
		RequestFingerprint: fp,
		Status:             domain.IdempotencyStatusCompleted,
		ResponseBody:       []byte(`{"id":"pay_9"}`),
		ResponseStatusCode: &statusCode,
		ExpiresAt:          d.now.Add(6 * time.Hour),
	}

	d.cache.EXPECT().Get(ctx, gomock.Any()).Return(nil, nil)
	d.repo.EXPECT().Get(ctx, "key-1", merchantID).Return(record, nil)
	// Replay from DB warms the cache for the record's remaining lifetime.
	d.cache.EXPECT().Set(ctx, merchantID.String()+":key-1", gomock.Any(), 6*time.Hour).Return(nil)

	decision, err := d.svc.Begin(ctx, "key-1", merchantID, "POST", "/api/v1/payments", body)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.True(t, decision.Replay)
	assert.Equal(t, 201, decision.StatusCode)
	assert.Equal(t, record.ResponseBody, []byte(decision.Body))
}

func TestIdempotencyService_Begin_InFlightConflict(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	merchantID := uuid.New()
	body := []byte(`{"amount":"42.00"}`)
	fp, err := d.svc.Fingerprint("POST", "/api/v1/payments", body)
	require.NoError(t, err)

	record := &domain.IdempotencyRecord{
		Key:                "key-1",
		MerchantID:         merchantID,
		RequestFingerprint: fp,
		Status:             domain.IdempotencyStatusProcessing,
		ExpiresAt:          d.now.Add(time.Hour),
	}

	d.cache.EXPECT().Get(ctx, gomock.Any()).Return(nil, nil)
	d.repo.EXPECT().Get(ctx, "key-1", merchantID).Return(record, nil)

	decision, err := d.svc.Begin(ctx, "key-1", merchantID, "POST", "/api/v1/payments", body)
	assert.Nil(t, decision)
	assertConflict(t, err)
}

func TestIdempotencyService_Begin_ClaimRaceLost(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	merchantID := uuid.New()
	tx := &mockTx{}

	d.cache.EXPECT().Get(ctx, gomock.Any()).Return(nil, nil)
	d.repo.EXPECT().Get(ctx, "key-1", merchantID).Return(nil, nil)
	d.transactor.EXPECT().WithinTx(ctx, gomock.Any()).DoAndReturn(runClosure(tx))
	d.transactor.EXPECT().WithAdvisoryLock(ctx, tx, gomock.Any()).Return(nil)
	d.repo.EXPECT().Get(ctx, "key-1", merchantID).Return(nil, nil)
	// The upsert found a live row despite the lock re-check.
	d.repo.EXPECT().Create(ctx, tx, gomock.Any()).Return(ports.ErrIdempotencyKeyHeld)

	decision, err := d.svc.Begin(ctx, "key-1", merchantID, "POST", "/api/v1/payments", []byte(`{}`))
	assert.Nil(t, decision)
	assertConflict(t, err)
}

func TestIdempotencyService_Begin_RecheckUnderLockReplays(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	merchantID := uuid.New()
	body := []byte(`{"amount":"10.00"}`)
	fp, err := d.svc.Fingerprint("POST", "/api/v1/payments", body)
	require.NoError(t, err)
	tx := &mockTx{}

	statusCode := 201
	record := &domain.IdempotencyRecord{
		Key:                "key-1",
		MerchantID:         merchantID,
		RequestFingerprint: fp,
		Status:             domain.IdempotencyStatusCompleted,
		ResponseBody:       []byte(`{"id":"pay_7"}`),
		ResponseStatusCode: &statusCode,
		ExpiresAt:          d.now.Add(time.Hour),
	}

	d.cache.EXPECT().Get(ctx, gomock.Any()).Return(nil, nil)
	// Pre-lock check misses; the concurrent winner commits while we wait on
	// the advisory lock, so the re-check finds its completed record.
	d.repo.EXPECT().Get(ctx, "key-1", merchantID).Return(nil, nil)
	d.transactor.EXPECT().WithinTx(ctx, gomock.Any()).DoAndReturn(runClosure(tx))
	d.transactor.EXPECT().WithAdvisoryLock(ctx, tx, gomock.Any()).Return(nil)
	d.repo.EXPECT().Get(ctx, "key-1", merchantID).Return(record, nil)
	d.cache.EXPECT().Set(ctx, gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	decision, err := d.svc.Begin(ctx, "key-1", merchantID, "POST", "/api/v1/payments", body)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.True(t, decision.Replay)
	assert.Equal(t, 201, decision.StatusCode)
}

func TestIdempotencyService_Begin_ExpiredRecordReclaimed(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	merchantID := uuid.New()
	tx := &mockTx{}

	expired := &domain.IdempotencyRecord{
		Key:                "key-1",
		MerchantID:         merchantID,
		RequestFingerprint: "stale",
		Status:             domain.IdempotencyStatusProcessing,
		ExpiresAt:          d.now.Add(-time.Minute),
	}

	d.cache.EXPECT().Get(ctx, gomock.Any()).Return(nil, nil)
	d.repo.EXPECT().Get(ctx, "key-1", merchantID).Return(expired, nil)
	d.transactor.EXPECT().WithinTx(ctx, gomock.Any()).DoAndReturn(runClosure(tx))
	d.transactor.EXPECT().WithAdvisoryLock(ctx, tx, gomock.Any()).Return(nil)
	d.repo.EXPECT().Get(ctx, "key-1", merchantID).Return(expired, nil)
	d.repo.EXPECT().Create(ctx, tx, gomock.Any()).Return(nil)

	decision, err := d.svc.Begin(ctx, "key-1", merchantID, "POST", "/api/v1/payments", []byte(`{"amount":"1.00"}`))
	require.NoError(t, err)
	assert.Nil(t, decision, "expired record must not block a new claim")
}

func TestIdempotencyService_Begin_InvalidBody(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	decision, err := d.svc.Begin(context.Background(), "key-1", uuid.New(), "POST", "/api/v1/payments", []byte(`{broken`))
	assert.Nil(t, decision)

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.CodeValidation, appErr.Code)
}

func TestIdempotencyService_Begin_CacheErrorFallsThrough(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	merchantID := uuid.New()
	tx := &mockTx{}

	d.cache.EXPECT().Get(ctx, gomock.Any()).Return(nil, assert.AnError)
	d.repo.EXPECT().Get(ctx, "key-1", merchantID).Return(nil, nil)
	d.transactor.EXPECT().WithinTx(ctx, gomock.Any()).DoAndReturn(runClosure(tx))
	d.transactor.EXPECT().WithAdvisoryLock(ctx, tx, gomock.Any()).Return(nil)
	d.repo.EXPECT().Get(ctx, "key-1", merchantID).Return(nil, nil)
	d.repo.EXPECT().Create(ctx, tx, gomock.Any()).Return(nil)

	decision, err := d.svc.Begin(ctx, "key-1", merchantID, "POST", "/api/v1/payments", []byte(`{}`))
	require.NoError(t, err)
	assert.Nil(t, decision, "a cache outage must not block new claims")
}

// ==================== Complete Tests ====================

func TestIdempotencyService_Complete_StoresAndCaches(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	merchantID := uuid.New()
	responseBody := []byte(`{"id":"pay_1","status":"completed"}`)

	record := &domain.IdempotencyRecord{
		Key:                "key-1",
		MerchantID:         merchantID,
		RequestFingerprint: "fp-abc",
		Status:             domain.IdempotencyStatusProcessing,
		ExpiresAt:          d.now.Add(12 * time.Hour),
	}

	d.repo.EXPECT().Get(ctx, "key-1", merchantID).Return(record, nil)
	d.repo.EXPECT().Complete(ctx, "key-1", merchantID, 201, responseBody).Return(nil)
	d.cache.EXPECT().Set(ctx, merchantID.String()+":key-1", gomock.Any(), 12*time.Hour).DoAndReturn(
		func(_ context.Context, _ string, value []byte, _ time.Duration) error {
			var envelope cachedResponse
			require.NoError(t, json.Unmarshal(value, &envelope))
			assert.Equal(t, 201, envelope.StatusCode)
			assert.Equal(t, "fp-abc", envelope.Fingerprint)
			assert.JSONEq(t, string(responseBody), string(envelope.Body))
			return nil
		})

	err := d.svc.Complete(ctx, "key-1", merchantID, 201, responseBody)
	assert.NoError(t, err)
}

func TestIdempotencyService_Complete_CacheFailureIsNotFatal(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	merchantID := uuid.New()
	record := &domain.IdempotencyRecord{
		Key:        "key-1",
		MerchantID: merchantID,
		ExpiresAt:  d.now.Add(time.Hour),
	}

	d.repo.EXPECT().Get(ctx, "key-1", merchantID).Return(record, nil)
	d.repo.EXPECT().Complete(ctx, "key-1", merchantID, 200, gomock.Any()).Return(nil)
	d.cache.EXPECT().Set(ctx, gomock.Any(), gomock.Any(), gomock.Any()).Return(assert.AnError)

	err := d.svc.Complete(ctx, "key-1", merchantID, 200, []byte(`{}`))
	assert.NoError(t, err)
}

func TestIdempotencyService_Complete_UnclaimedKey(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	merchantID := uuid.New()
	d.repo.EXPECT().Get(ctx, "key-1", merchantID).Return(nil, nil)

	err := d.svc.Complete(ctx, "key-1", merchantID, 200, []byte(`{}`))
	assert.Error(t, err)
}

// ==================== Remove Tests ====================

func TestIdempotencyService_Remove(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	merchantID := uuid.New()

	d.repo.EXPECT().Delete(ctx, "key-1", merchantID).Return(nil)
	d.cache.EXPECT().Delete(ctx, merchantID.String()+":key-1").Return(nil)

	assert.NoError(t, d.svc.Remove(ctx, "key-1", merchantID))
}

func TestIdempotencyService_Remove_CacheEvictFailureIsNotFatal(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	merchantID := uuid.New()

	d.repo.EXPECT().Delete(ctx, "key-1", merchantID).Return(nil)
	d.cache.EXPECT().Delete(ctx, gomock.Any()).Return(assert.AnError)

	assert.NoError(t, d.svc.Remove(ctx, "key-1", merchantID))
}

// ==================== Fingerprint Tests ====================

func TestIdempotencyService_Fingerprint_KeyOrderInsensitive(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	a, err := d.svc.Fingerprint("POST", "/api/v1/payments", []byte(`{"amount":"100.00","currency":"usd"}`))
	require.NoError(t, err)
	b, err := d.svc.Fingerprint("POST", "/api/v1/payments", []byte(`{"currency":"usd", "amount": "100.00"}`))
	require.NoError(t, err)
	assert.Equal(t, a, b, "key order and whitespace must not change the fingerprint")
}

func TestIdempotencyService_Fingerprint_SensitiveToContent(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	base, err := d.svc.Fingerprint("POST", "/api/v1/payments", []byte(`{"amount":"100.00"}`))
	require.NoError(t, err)

	otherBody, err := d.svc.Fingerprint("POST", "/api/v1/payments", []byte(`{"amount":"100.01"}`))
	require.NoError(t, err)
	assert.NotEqual(t, base, otherBody)

	otherPath, err := d.svc.Fingerprint("POST", "/api/v1/refunds", []byte(`{"amount":"100.00"}`))
	require.NoError(t, err)
	assert.NotEqual(t, base, otherPath)

	otherMethod, err := d.svc.Fingerprint("GET", "/api/v1/payments", []byte(`{"amount":"100.00"}`))
	require.NoError(t, err)
	assert.NotEqual(t, base, otherMethod)
}

func TestIdempotencyService_Fingerprint_EmptyBody(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	fp, err := d.svc.Fingerprint("POST", "/api/v1/payments", nil)
	require.NoError(t, err)
	assert.Len(t, fp, 64)
}

// ==================== PurgeExpired Tests ====================

func TestIdempotencyService_PurgeExpired(t *testing.T) {
	d := setupIdempotencyService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	d.repo.EXPECT().DeleteExpired(ctx, d.now).Return(int64(5), nil)

	purged, err := d.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), purged)
}
