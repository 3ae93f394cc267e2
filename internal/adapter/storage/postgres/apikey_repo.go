package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// APIKeyRepo implements ports.APIKeyRepository. Only the SHA-256 hash of a
// key is ever stored; lookups hash the presented key and match on the hash.
type APIKeyRepo struct {
	pool Pool
}

// NewAPIKeyRepo creates a new APIKeyRepo.
func NewAPIKeyRepo(pool Pool) *APIKeyRepo {
	return &APIKeyRepo{pool: pool}
}

// Create inserts a new API key record.
func (r *APIKeyRepo) Create(ctx context.Context, key *domain.APIKey) error {
	query := `INSERT INTO api_keys (id, key_hash, merchant_id, permissions, active, last_used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.pool.Exec(ctx, query,
		key.ID, key.KeyHash, key.MerchantID, key.Permissions, key.Active,
		key.LastUsedAt, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetByHash fetches an active API key by its hash. Revoked keys are treated
// as absent.
func (r *APIKeyRepo) GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	query := `SELECT id, key_hash, merchant_id, permissions, active, last_used_at, created_at
		FROM api_keys WHERE key_hash = $1 AND active = TRUE`

	key := &domain.APIKey{}
	err := r.pool.QueryRow(ctx, query, keyHash).Scan(
		&key.ID, &key.KeyHash, &key.MerchantID, &key.Permissions, &key.Active,
		&key.LastUsedAt, &key.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return key, nil
}

// TouchLastUsed records when the key last authenticated a request.
func (r *APIKeyRepo) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`

	_, err := r.pool.Exec(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("touch api key last_used_at: %w", err)
	}
	return nil
}
