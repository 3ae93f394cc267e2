package postgres

import (
	"context"
	"testing"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idempotencyColumns() []string {
	return []string{"key", "merchant_id", "request_fingerprint", "request_path", "request_method",
		"status", "response_body", "response_status_code", "created_at", "expires_at"}
}

func newTestIdempotencyRecord(merchantID uuid.UUID) *domain.IdempotencyRecord {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.IdempotencyRecord{
		Key:                "idem-key-001",
		MerchantID:         merchantID,
		RequestFingerprint: "a1b2c3d4",
		RequestPath:        "/api/v1/payments",
		RequestMethod:      "POST",
		Status:             domain.IdempotencyStatusProcessing,
		CreatedAt:          now,
		ExpiresAt:          now.Add(domain.DefaultIdempotencyTTL),
	}
}

func TestIdempotencyRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewIdempotencyRepo(mock)
	record := newTestIdempotencyRecord(uuid.New())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(record.Key, record.MerchantID, record.RequestFingerprint, record.RequestPath,
			record.RequestMethod, record.Status, record.ResponseBody, record.ResponseStatusCode,
			record.CreatedAt, record.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.Create(context.Background(), tx, record)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepo_Create_KeyHeld(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewIdempotencyRepo(mock)
	record := newTestIdempotencyRecord(uuid.New())

	// A live row for the same (key, merchant) blocks the upsert: zero rows affected.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(record.Key, record.MerchantID, record.RequestFingerprint, record.RequestPath,
			record.RequestMethod, record.Status, record.ResponseBody, record.ResponseStatusCode,
			record.CreatedAt, record.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.Create(context.Background(), tx, record)
	assert.ErrorIs(t, err, ports.ErrIdempotencyKeyHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepo_Get(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewIdempotencyRepo(mock)
	merchantID := uuid.New()
	record := newTestIdempotencyRecord(merchantID)
	record.Status = domain.IdempotencyStatusCompleted
	record.ResponseBody = []byte(`{"id":"pay_1","status":"completed"}`)
	statusCode := 201
	record.ResponseStatusCode = &statusCode

	mock.ExpectQuery("SELECT .+ FROM idempotency_records WHERE key").
		WithArgs(record.Key, merchantID).
		WillReturnRows(pgxmock.NewRows(idempotencyColumns()).AddRow(
			record.Key, record.MerchantID, record.RequestFingerprint, record.RequestPath,
			record.RequestMethod, record.Status, record.ResponseBody, record.ResponseStatusCode,
			record.CreatedAt, record.ExpiresAt,
		))

	result, err := repo.Get(context.Background(), record.Key, merchantID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.IdempotencyStatusCompleted, result.Status)
	assert.Equal(t, record.ResponseBody, result.ResponseBody)
	assert.Equal(t, 201, *result.ResponseStatusCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepo_Get_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewIdempotencyRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM idempotency_records WHERE key").
		WithArgs("nonexistent-key", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(idempotencyColumns()))

	result, err := repo.Get(context.Background(), "nonexistent-key", uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepo_Complete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewIdempotencyRepo(mock)
	merchantID := uuid.New()
	body := []byte(`{"id":"pay_1"}`)

	mock.ExpectExec("UPDATE idempotency_records SET status").
		WithArgs(domain.IdempotencyStatusCompleted, 201, body, "idem-key-001", merchantID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = repo.Complete(context.Background(), "idem-key-001", merchantID, 201, body)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepo_Complete_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewIdempotencyRepo(mock)

	mock.ExpectExec("UPDATE idempotency_records SET status").
		WithArgs(domain.IdempotencyStatusCompleted, 200, []byte(`{}`), "missing", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = repo.Complete(context.Background(), "missing", uuid.New(), 200, []byte(`{}`))
	assert.ErrorContains(t, err, "idempotency record not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepo_Delete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewIdempotencyRepo(mock)
	merchantID := uuid.New()

	mock.ExpectExec("DELETE FROM idempotency_records WHERE key").
		WithArgs("idem-key-1", merchantID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	err = repo.Delete(context.Background(), "idem-key-1", merchantID)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepo_Delete_AbsentRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewIdempotencyRepo(mock)
	merchantID := uuid.New()

	mock.ExpectExec("DELETE FROM idempotency_records WHERE key").
		WithArgs("gone", merchantID).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err = repo.Delete(context.Background(), "gone", merchantID)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyRepo_DeleteExpired(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewIdempotencyRepo(mock)
	now := time.Now().UTC()

	mock.ExpectExec("DELETE FROM idempotency_records WHERE expires_at").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	deleted, err := repo.DeleteExpired(context.Background(), now)
	assert.NoError(t, err)
	assert.Equal(t, int64(7), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
