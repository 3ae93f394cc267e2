package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// cachedResponse is the Redis envelope for a completed idempotent request.
// The fingerprint travels with the response so replays from cache still
// detect key reuse with a different payload.
type cachedResponse struct {
	StatusCode  int             `json:"status_code"`
	Body        json.RawMessage `json:"body"`
	Fingerprint string          `json:"fingerprint"`
}

// IdempotencyServiceImpl implements ports.IdempotencyService with a Redis
// fast path over a Postgres system of record.
type IdempotencyServiceImpl struct {
	repo       ports.IdempotencyRepository
	cache      ports.IdempotencyCache
	transactor ports.Transactor
	ttl        time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewIdempotencyService creates a new IdempotencyServiceImpl. A non-positive
// ttl falls back to domain.DefaultIdempotencyTTL.
func NewIdempotencyService(
	repo ports.IdempotencyRepository,
	cache ports.IdempotencyCache,
	transactor ports.Transactor,
	ttl time.Duration,
	log zerolog.Logger,
) *IdempotencyServiceImpl {
	if ttl <= 0 {
		ttl = domain.DefaultIdempotencyTTL
	}
	return &IdempotencyServiceImpl{
		repo:       repo,
		cache:      cache,
		transactor: transactor,
		ttl:        ttl,
		log:        log,
		now:        time.Now,
	}
}

// Begin claims key for this request. It returns a replay decision when a
// completed response exists, a conflict error when the key is in flight or
// was used with a different payload, and (nil, nil) when the caller now owns
// the key and must finish with Complete or Remove.
func (s *IdempotencyServiceImpl) Begin(ctx context.Context, key string, merchantID uuid.UUID, method, path string, body []byte) (*ports.IdempotencyDecision, error) {
	fingerprint, err := s.Fingerprint(method, path, body)
	if err != nil {
		return nil, apperror.Validation("Request body must be valid JSON")
	}

	// Layer 1: Redis fast path. Cache errors fall through to Postgres.
	cached, err := s.cache.Get(ctx, cacheKey(key, merchantID))
	if err != nil {
		s.log.Warn().Err(err).Str("idempotency_key", key).Msg("idempotency cache lookup failed, falling through to DB")
	}
	if cached != nil {
		var envelope cachedResponse
		if err := json.Unmarshal(cached, &envelope); err != nil {
			s.log.Warn().Err(err).Str("idempotency_key", key).Msg("corrupt idempotency cache entry, falling through to DB")
		} else {
			if envelope.Fingerprint != fingerprint {
				return nil, apperror.IdempotencyConflict("Idempotency-Key was already used with a different request payload")
			}
			return &ports.IdempotencyDecision{Replay: true, StatusCode: envelope.StatusCode, Body: envelope.Body}, nil
		}
	}

	// Layer 2: DB check before taking the lock.
	record, err := s.repo.Get(ctx, key, merchantID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("db idempotency check: %w", err))
	}
	if record != nil && !record.Expired(s.now()) {
		return s.resolve(ctx, record, fingerprint)
	}

	// Claim under an advisory lock so concurrent requests with the same key
	// serialize. The second claimant blocks here until the first commits,
	// then sees its processing record on the re-check.
	var decision *ports.IdempotencyDecision
	claimErr := s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.transactor.WithAdvisoryLock(ctx, tx, domain.IdempotencyLockKey(key, merchantID)); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		record, err := s.repo.Get(ctx, key, merchantID)
		if err != nil {
			return fmt.Errorf("recheck idempotency record: %w", err)
		}
		if record != nil && !record.Expired(s.now()) {
			decision, err = s.resolve(ctx, record, fingerprint)
			return err
		}

		now := s.now()
		claim := &domain.IdempotencyRecord{
			Key:                key,
			MerchantID:         merchantID,
			RequestFingerprint: fingerprint,
			RequestPath:        path,
			RequestMethod:      method,
			Status:             domain.IdempotencyStatusProcessing,
			CreatedAt:          now,
			ExpiresAt:          now.Add(s.ttl),
		}
		if err := s.repo.Create(ctx, tx, claim); err != nil {
			if errors.Is(err, ports.ErrIdempotencyKeyHeld) {
				return apperror.IdempotencyConflict("A request with this Idempotency-Key is already in progress")
			}
			return fmt.Errorf("claim idempotency key: %w", err)
		}
		return nil
	})
	if claimErr != nil {
		var appErr *apperror.AppError
		if errors.As(claimErr, &appErr) {
			return nil, appErr
		}
		return nil, apperror.InternalError(claimErr)
	}
	return decision, nil
}

// resolve turns a live idempotency record into a decision: replay for
// completed records, conflict for in-flight ones. Completed replays are
// backfilled into the cache.
func (s *IdempotencyServiceImpl) resolve(ctx context.Context, record *domain.IdempotencyRecord, fingerprint string) (*ports.IdempotencyDecision, error) {
	if record.RequestFingerprint != fingerprint {
		return nil, apperror.IdempotencyConflict("Idempotency-Key was already used with a different request payload")
	}
	if record.Status != domain.IdempotencyStatusCompleted {
		return nil, apperror.IdempotencyConflict("A request with this Idempotency-Key is already in progress")
	}

	statusCode := http.StatusOK
	if record.ResponseStatusCode != nil {
		statusCode = *record.ResponseStatusCode
	}
	s.cacheResponse(ctx, record, statusCode)
	return &ports.IdempotencyDecision{Replay: true, StatusCode: statusCode, Body: record.ResponseBody}, nil
}

// Complete stores the final response on the record and caches it for the
// remainder of the record's lifetime. Cache failures are logged, not fatal.
func (s *IdempotencyServiceImpl) Complete(ctx context.Context, key string, merchantID uuid.UUID, statusCode int, body []byte) error {
	record, err := s.repo.Get(ctx, key, merchantID)
	if err != nil {
		return fmt.Errorf("load idempotency record: %w", err)
	}
	if record == nil {
		return fmt.Errorf("complete unclaimed idempotency key %q", key)
	}

	if err := s.repo.Complete(ctx, key, merchantID, statusCode, body); err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}

	record.Status = domain.IdempotencyStatusCompleted
	record.ResponseBody = body
	s.cacheResponse(ctx, record, statusCode)
	return nil
}

// Remove drops the claim so the merchant can retry after a failure that
// produced no durable outcome.
func (s *IdempotencyServiceImpl) Remove(ctx context.Context, key string, merchantID uuid.UUID) error {
	if err := s.repo.Delete(ctx, key, merchantID); err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	if err := s.cache.Delete(ctx, cacheKey(key, merchantID)); err != nil {
		s.log.Warn().Err(err).Str("idempotency_key", key).Msg("evict idempotency cache entry failed")
	}
	return nil
}

// Fingerprint hashes the canonical form of the request. The body is parsed
// and re-marshaled so key order and whitespace do not change the result.
func (s *IdempotencyServiceImpl) Fingerprint(method, path string, body []byte) (string, error) {
	var parsed any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("parse request body: %w", err)
		}
	}
	canonical, err := json.Marshal(map[string]any{
		"body":   parsed,
		"method": method,
		"path":   path,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize request: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// PurgeExpired deletes records past their TTL and reports how many went.
func (s *IdempotencyServiceImpl) PurgeExpired(ctx context.Context) (int64, error) {
	purged, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired idempotency records: %w", err)
	}
	if purged > 0 {
		s.log.Info().Int64("purged", purged).Msg("expired idempotency records removed")
	}
	return purged, nil
}

func (s *IdempotencyServiceImpl) cacheResponse(ctx context.Context, record *domain.IdempotencyRecord, statusCode int) {
	remaining := record.ExpiresAt.Sub(s.now())
	if remaining <= 0 {
		return
	}
	envelope, err := json.Marshal(cachedResponse{
		StatusCode:  statusCode,
		Body:        record.ResponseBody,
		Fingerprint: record.RequestFingerprint,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("idempotency_key", record.Key).Msg("marshal idempotency cache entry failed")
		return
	}
	if err := s.cache.Set(ctx, cacheKey(record.Key, record.MerchantID), envelope, remaining); err != nil {
		s.log.Warn().Err(err).Str("idempotency_key", record.Key).Msg("write idempotency cache entry failed")
	}
}

// cacheKey scopes cached responses per merchant so two merchants reusing the
// same Idempotency-Key never see each other's responses.
func cacheKey(key string, merchantID uuid.UUID) string {
	return merchantID.String() + ":" + key
}
