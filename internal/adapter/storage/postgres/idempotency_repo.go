package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// IdempotencyRepo implements ports.IdempotencyRepository.
type IdempotencyRepo struct {
	pool Pool
}

// NewIdempotencyRepo creates a new IdempotencyRepo.
func NewIdempotencyRepo(pool Pool) *IdempotencyRepo {
	return &IdempotencyRepo{pool: pool}
}

// Get fetches an idempotency record by key and merchant.
func (r *IdempotencyRepo) Get(ctx context.Context, key string, merchantID uuid.UUID) (*domain.IdempotencyRecord, error) {
	query := `SELECT key, merchant_id, request_fingerprint, request_path, request_method, status,
		response_body, response_status_code, created_at, expires_at
		FROM idempotency_records WHERE key = $1 AND merchant_id = $2`

	record := &domain.IdempotencyRecord{}
	err := r.pool.QueryRow(ctx, query, key, merchantID).Scan(
		&record.Key, &record.MerchantID, &record.RequestFingerprint, &record.RequestPath,
		&record.RequestMethod, &record.Status, &record.ResponseBody, &record.ResponseStatusCode,
		&record.CreatedAt, &record.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return record, nil
}

// Create inserts an in-flight idempotency record within a database
// transaction. A conflicting row is overwritten only when it has already
// expired; claiming against a live row affects zero rows, which is how
// concurrent holders lose the race.
func (r *IdempotencyRepo) Create(ctx context.Context, tx pgx.Tx, record *domain.IdempotencyRecord) error {
	query := `INSERT INTO idempotency_records (key, merchant_id, request_fingerprint, request_path,
		request_method, status, response_body, response_status_code, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (key, merchant_id) DO UPDATE SET
			request_fingerprint = EXCLUDED.request_fingerprint,
			request_path = EXCLUDED.request_path,
			request_method = EXCLUDED.request_method,
			status = EXCLUDED.status,
			response_body = EXCLUDED.response_body,
			response_status_code = EXCLUDED.response_status_code,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= EXCLUDED.created_at`

	tag, err := tx.Exec(ctx, query,
		record.Key, record.MerchantID, record.RequestFingerprint, record.RequestPath,
		record.RequestMethod, record.Status, record.ResponseBody, record.ResponseStatusCode,
		record.CreatedAt, record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrIdempotencyKeyHeld
	}
	return nil
}

// Complete stores the final response bytes and flips the record to completed.
func (r *IdempotencyRepo) Complete(ctx context.Context, key string, merchantID uuid.UUID, statusCode int, body []byte) error {
	query := `UPDATE idempotency_records SET status = $1, response_status_code = $2, response_body = $3
		WHERE key = $4 AND merchant_id = $5`

	tag, err := r.pool.Exec(ctx, query, domain.IdempotencyStatusCompleted, statusCode, body, key, merchantID)
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency record not found: %s", key)
	}
	return nil
}

// Delete removes a single record. Deleting an absent record is not an
// error; the point is that the key is free afterwards.
func (r *IdempotencyRepo) Delete(ctx context.Context, key string, merchantID uuid.UUID) error {
	query := `DELETE FROM idempotency_records WHERE key = $1 AND merchant_id = $2`

	if _, err := r.pool.Exec(ctx, query, key, merchantID); err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

// DeleteExpired removes records past their expiry, returning the count.
func (r *IdempotencyRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM idempotency_records WHERE expires_at <= $1`

	tag, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}
