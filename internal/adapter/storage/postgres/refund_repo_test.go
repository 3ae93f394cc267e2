package postgres

import (
	"context"
	"testing"
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRefund(paymentID uuid.UUID) *domain.Refund {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.Refund{
		ID:        uuid.New(),
		PaymentID: paymentID,
		Amount:    decimal.RequireFromString("25.00"),
		Status:    domain.RefundStatusPending,
		Reason:    "customer request",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func refundTestColumns() []string {
	return []string{"id", "payment_id", "amount", "status", "reason", "provider_refund_id", "created_at", "updated_at"}
}

func refundRow(rf *domain.Refund) *pgxmock.Rows {
	return pgxmock.NewRows(refundTestColumns()).AddRow(
		rf.ID, rf.PaymentID, domain.FormatAmount(rf.Amount), rf.Status, rf.Reason,
		rf.ProviderRefundID, rf.CreatedAt, rf.UpdatedAt,
	)
}

func TestRefundRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepo(mock)
	rf := newTestRefund(uuid.New())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO refunds").
		WithArgs(rf.ID, rf.PaymentID, "25.0000", rf.Status, rf.Reason,
			rf.ProviderRefundID, rf.CreatedAt, rf.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	dbTx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.Create(context.Background(), dbTx, rf)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundRepo_GetByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepo(mock)
	rf := newTestRefund(uuid.New())

	mock.ExpectQuery("SELECT .+ FROM refunds WHERE id").
		WithArgs(rf.ID).
		WillReturnRows(refundRow(rf))

	result, err := repo.GetByID(context.Background(), rf.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, rf.ID, result.ID)
	assert.True(t, result.Amount.Equal(decimal.RequireFromString("25.00")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundRepo_GetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM refunds WHERE id").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(refundTestColumns()))

	result, err := repo.GetByID(context.Background(), uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundRepo_UpdateStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepo(mock)
	refundID := uuid.New()
	providerRefundID := strPtr("re_abc123")

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE refunds SET status").
		WithArgs(domain.RefundStatusCompleted, providerRefundID, pgxmock.AnyArg(), refundID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	dbTx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.UpdateStatus(context.Background(), dbTx, refundID, domain.RefundStatusCompleted, providerRefundID)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundRepo_UpdateStatus_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepo(mock)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE refunds SET status").
		WithArgs(domain.RefundStatusFailed, (*string)(nil), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	dbTx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.UpdateStatus(context.Background(), dbTx, uuid.New(), domain.RefundStatusFailed, nil)
	assert.ErrorContains(t, err, "refund not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundRepo_ListByPaymentID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepo(mock)
	paymentID := uuid.New()
	rf1 := newTestRefund(paymentID)
	rf2 := newTestRefund(paymentID)
	rf2.Status = domain.RefundStatusCompleted

	rows := pgxmock.NewRows(refundTestColumns()).
		AddRow(rf1.ID, rf1.PaymentID, "25.0000", rf1.Status, rf1.Reason, rf1.ProviderRefundID, rf1.CreatedAt, rf1.UpdatedAt).
		AddRow(rf2.ID, rf2.PaymentID, "10.0000", rf2.Status, rf2.Reason, rf2.ProviderRefundID, rf2.CreatedAt, rf2.UpdatedAt)

	mock.ExpectQuery("SELECT .+ FROM refunds WHERE payment_id").
		WithArgs(paymentID).
		WillReturnRows(rows)

	refunds, err := repo.ListByPaymentID(context.Background(), paymentID)
	require.NoError(t, err)
	require.Len(t, refunds, 2)
	assert.Equal(t, rf1.ID, refunds[0].ID)
	assert.True(t, refunds[1].Amount.Equal(decimal.RequireFromString("10")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundRepo_Totals(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepo(mock)
	paymentID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").
		WithArgs(paymentID).
		WillReturnRows(pgxmock.NewRows([]string{"completed", "pending"}).AddRow("30.0000", "20.0000"))

	dbTx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	totals, err := repo.Totals(context.Background(), dbTx, paymentID)
	require.NoError(t, err)
	require.NotNil(t, totals)
	assert.True(t, totals.Completed.Equal(decimal.RequireFromString("30")))
	assert.True(t, totals.Pending.Equal(decimal.RequireFromString("20")))

	avail := totals.Available(decimal.RequireFromString("100"))
	assert.True(t, avail.Equal(decimal.RequireFromString("50")))
	assert.NoError(t, mock.ExpectationsWereMet())
}
