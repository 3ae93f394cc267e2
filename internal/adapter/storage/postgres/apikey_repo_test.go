package postgres

import (
	"context"
	"testing"
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPIKey() *domain.APIKey {
	return &domain.APIKey{
		ID:          uuid.New(),
		KeyHash:     "sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		MerchantID:  uuid.New(),
		Permissions: []string{domain.PermissionPaymentsWrite, domain.PermissionPaymentsRead},
		Active:      true,
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
}

func apiKeyColumns() []string {
	return []string{"id", "key_hash", "merchant_id", "permissions", "active", "last_used_at", "created_at"}
}

func TestAPIKeyRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewAPIKeyRepo(mock)
	key := newTestAPIKey()

	mock.ExpectExec("INSERT INTO api_keys").
		WithArgs(key.ID, key.KeyHash, key.MerchantID, key.Permissions, key.Active,
			key.LastUsedAt, key.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = repo.Create(context.Background(), key)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIKeyRepo_GetByHash(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewAPIKeyRepo(mock)
	key := newTestAPIKey()

	mock.ExpectQuery("SELECT .+ FROM api_keys WHERE key_hash").
		WithArgs(key.KeyHash).
		WillReturnRows(pgxmock.NewRows(apiKeyColumns()).AddRow(
			key.ID, key.KeyHash, key.MerchantID, key.Permissions, key.Active,
			key.LastUsedAt, key.CreatedAt,
		))

	result, err := repo.GetByHash(context.Background(), key.KeyHash)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, key.MerchantID, result.MerchantID)
	assert.True(t, result.HasPermission(domain.PermissionPaymentsWrite))
	assert.False(t, result.HasPermission(domain.PermissionRefundsWrite))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIKeyRepo_GetByHash_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewAPIKeyRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM api_keys WHERE key_hash").
		WithArgs("unknown-hash").
		WillReturnRows(pgxmock.NewRows(apiKeyColumns()))

	result, err := repo.GetByHash(context.Background(), "unknown-hash")
	assert.NoError(t, err)
	assert.Nil(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIKeyRepo_TouchLastUsed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewAPIKeyRepo(mock)
	id := uuid.New()
	at := time.Now().UTC()

	mock.ExpectExec("UPDATE api_keys SET last_used_at").
		WithArgs(at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = repo.TouchLastUsed(context.Background(), id, at)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
