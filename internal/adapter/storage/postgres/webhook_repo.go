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

const webhookColumns = `id, payment_id, event_type, payload, url, signature, attempts, max_attempts,
		next_retry_at, last_error, status, created_at, sent_at`

// WebhookRepo implements ports.WebhookRepository.
type WebhookRepo struct {
	pool Pool
}

// NewWebhookRepo creates a new WebhookRepo.
func NewWebhookRepo(pool Pool) *WebhookRepo {
	return &WebhookRepo{pool: pool}
}

// Create inserts a webhook event within a database transaction, so the event
// commits atomically with the state change it announces.
func (r *WebhookRepo) Create(ctx context.Context, tx pgx.Tx, event *domain.WebhookEvent) error {
	query := `INSERT INTO webhook_events (id, payment_id, event_type, payload, url, signature, attempts,
		max_attempts, next_retry_at, last_error, status, created_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := tx.Exec(ctx, query,
		event.ID, event.PaymentID, event.EventType, []byte(event.Payload), event.URL, event.Signature,
		event.Attempts, event.MaxAttempts, event.NextRetryAt, event.LastError, event.Status,
		event.CreatedAt, event.SentAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// GetByID fetches a webhook event by UUID.
func (r *WebhookRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM webhook_events WHERE id = $1`, webhookColumns)

	event, err := scanWebhookEvent(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return event, nil
}

// ListDue fetches pending events whose retry time has passed, oldest first.
// The sweeper uses this to recover events whose queue delivery was lost.
func (r *WebhookRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM webhook_events
		WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2) AND attempts < max_attempts
		ORDER BY created_at ASC LIMIT $3`, webhookColumns)

	rows, err := r.pool.Query(ctx, query, domain.WebhookStatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due webhook events: %w", err)
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook event rows: %w", err)
	}
	return events, nil
}

// MarkSent records a successful delivery.
func (r *WebhookRepo) MarkSent(ctx context.Context, id uuid.UUID, attempts int, sentAt time.Time) error {
	query := `UPDATE webhook_events SET status = $1, attempts = $2, sent_at = $3, next_retry_at = NULL, last_error = NULL
		WHERE id = $4`

	tag, err := r.pool.Exec(ctx, query, domain.WebhookStatusSent, attempts, sentAt, id)
	if err != nil {
		return fmt.Errorf("mark webhook sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event not found: %s", id)
	}
	return nil
}

// MarkRetry records a failed attempt and schedules the next one.
func (r *WebhookRepo) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time, lastError string) error {
	query := `UPDATE webhook_events SET attempts = $1, next_retry_at = $2, last_error = $3
		WHERE id = $4`

	tag, err := r.pool.Exec(ctx, query, attempts, nextRetryAt, lastError, id)
	if err != nil {
		return fmt.Errorf("mark webhook retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event not found: %s", id)
	}
	return nil
}

// MarkFailed records final exhaustion of the delivery budget.
func (r *WebhookRepo) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string) error {
	query := `UPDATE webhook_events SET status = $1, attempts = $2, next_retry_at = NULL, last_error = $3
		WHERE id = $4`

	tag, err := r.pool.Exec(ctx, query, domain.WebhookStatusFailed, attempts, lastError, id)
	if err != nil {
		return fmt.Errorf("mark webhook failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event not found: %s", id)
	}
	return nil
}

func scanWebhookEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	event := &domain.WebhookEvent{}
	var payload []byte
	err := row.Scan(
		&event.ID, &event.PaymentID, &event.EventType, &payload, &event.URL, &event.Signature,
		&event.Attempts, &event.MaxAttempts, &event.NextRetryAt, &event.LastError, &event.Status,
		&event.CreatedAt, &event.SentAt,
	)
	if err != nil {
		return nil, err
	}
	event.Payload = payload
	return event, nil
}
