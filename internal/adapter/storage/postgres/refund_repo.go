package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const refundColumns = `id, payment_id, amount::text, status, reason, provider_refund_id, created_at, updated_at`

// RefundRepo implements ports.RefundRepository.
type RefundRepo struct {
	pool Pool
}

// NewRefundRepo creates a new RefundRepo.
func NewRefundRepo(pool Pool) *RefundRepo {
	return &RefundRepo{pool: pool}
}

// Create inserts a new refund within a database transaction.
func (r *RefundRepo) Create(ctx context.Context, tx pgx.Tx, rf *domain.Refund) error {
	query := `INSERT INTO refunds (id, payment_id, amount, status, reason, provider_refund_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := tx.Exec(ctx, query,
		rf.ID, rf.PaymentID, domain.FormatAmount(rf.Amount), rf.Status, rf.Reason,
		rf.ProviderRefundID, rf.CreatedAt, rf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

// GetByID fetches a refund by UUID.
func (r *RefundRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Refund, error) {
	query := fmt.Sprintf(`SELECT %s FROM refunds WHERE id = $1`, refundColumns)

	rf, err := scanRefund(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get refund: %w", err)
	}
	return rf, nil
}

// UpdateStatus updates a refund's status within a database transaction. A
// non-nil providerRefundID is stored alongside; nil leaves the column as is.
func (r *RefundRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status domain.RefundStatus, providerRefundID *string) error {
	query := `UPDATE refunds SET status = $1, provider_refund_id = COALESCE($2, provider_refund_id), updated_at = $3
		WHERE id = $4`

	tag, err := tx.Exec(ctx, query, status, providerRefundID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update refund status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("refund not found: %s", id)
	}
	return nil
}

// ListByPaymentID fetches all refunds for a payment, oldest first.
func (r *RefundRepo) ListByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]domain.Refund, error) {
	query := fmt.Sprintf(`SELECT %s FROM refunds WHERE payment_id = $1 ORDER BY created_at ASC`, refundColumns)

	rows, err := r.pool.Query(ctx, query, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	var refunds []domain.Refund
	for rows.Next() {
		rf, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refund row: %w", err)
		}
		refunds = append(refunds, *rf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refund rows: %w", err)
	}
	return refunds, nil
}

// Totals sums refund amounts per status for a payment. Runs inside the
// caller's transaction so the sums are read under the payment's row lock.
func (r *RefundRepo) Totals(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID) (*domain.RefundTotals, error) {
	query := `SELECT
		COALESCE(SUM(amount) FILTER (WHERE status = 'completed'), 0)::text,
		COALESCE(SUM(amount) FILTER (WHERE status = 'pending'), 0)::text
		FROM refunds WHERE payment_id = $1`

	var completedStr, pendingStr string
	if err := tx.QueryRow(ctx, query, paymentID).Scan(&completedStr, &pendingStr); err != nil {
		return nil, fmt.Errorf("sum refunds: %w", err)
	}

	completed, err := decimal.NewFromString(completedStr)
	if err != nil {
		return nil, fmt.Errorf("parse completed total %q: %w", completedStr, err)
	}
	pending, err := decimal.NewFromString(pendingStr)
	if err != nil {
		return nil, fmt.Errorf("parse pending total %q: %w", pendingStr, err)
	}
	return &domain.RefundTotals{Completed: completed, Pending: pending}, nil
}

func scanRefund(row pgx.Row) (*domain.Refund, error) {
	rf := &domain.Refund{}
	var amountStr string
	err := row.Scan(
		&rf.ID, &rf.PaymentID, &amountStr, &rf.Status, &rf.Reason,
		&rf.ProviderRefundID, &rf.CreatedAt, &rf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rf.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse refund amount %q: %w", amountStr, err)
	}
	return rf, nil
}
