package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payment-orchestrator/internal/breaker"
	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/observability"
	"payment-orchestrator/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Error codes reported for refunds that failed without a provider decline.
const (
	refundErrUnavailable = "provider_unavailable"
	refundErrTimeout     = "provider_timeout"
	refundErrProvider    = "provider_error"
)

// RefundServiceImpl implements ports.RefundService.
type RefundServiceImpl struct {
	refundRepo  ports.RefundRepository
	paymentRepo ports.PaymentRepository
	txRepo      ports.TransactionRepository
	providers   ports.ProviderRegistry
	breakers    *breaker.Registry
	transactor  ports.Transactor
	webhookSvc  ports.WebhookService
	auditSvc    ports.AuditService
	log         zerolog.Logger
	now         func() time.Time
}

// NewRefundService creates a new RefundServiceImpl.
func NewRefundService(
	refundRepo ports.RefundRepository,
	paymentRepo ports.PaymentRepository,
	txRepo ports.TransactionRepository,
	providers ports.ProviderRegistry,
	breakers *breaker.Registry,
	transactor ports.Transactor,
	webhookSvc ports.WebhookService,
	auditSvc ports.AuditService,
	log zerolog.Logger,
) *RefundServiceImpl {
	return &RefundServiceImpl{
		refundRepo:  refundRepo,
		paymentRepo: paymentRepo,
		txRepo:      txRepo,
		providers:   providers,
		breakers:    breakers,
		transactor:  transactor,
		webhookSvc:  webhookSvc,
		auditSvc:    auditSvc,
		log:         log,
		now:         time.Now,
	}
}

// CreateRefund validates amount conservation under the payment row lock,
// inserts the refund as pending, calls the provider through its breaker,
// and settles both rows. A refund the provider rejects is a business
// outcome: the call succeeds and the result carries status failed plus the
// error code.
func (s *RefundServiceImpl) CreateRefund(ctx context.Context, req ports.CreateRefundRequest) (*ports.CreateRefundResult, error) {
	if req.Amount != nil {
		if !req.Amount.IsPositive() {
			return nil, apperror.Validation("Refund amount must be greater than zero")
		}
		if err := domain.CheckAmountPrecision(*req.Amount); err != nil {
			return nil, apperror.Validation(fmt.Sprintf("Invalid amount: %v", err))
		}
	}

	var (
		payment *domain.Payment
		refund  *domain.Refund
	)
	// Phase 1: validate and insert the pending refund under the row lock.
	// Once committed, the pending amount counts toward the totals every
	// concurrent refund sees, so the lock does not have to span the
	// provider call.
	err := s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		locked, err := s.paymentRepo.GetByIDForUpdate(ctx, tx, req.PaymentID)
		if err != nil {
			return fmt.Errorf("lock payment: %w", err)
		}
		if locked == nil || locked.MerchantID != req.MerchantID {
			return apperror.NotFound("Payment")
		}
		if !locked.IsRefundable() {
			return apperror.Validation(fmt.Sprintf("Payment in status %q cannot be refunded", locked.Status))
		}

		totals, err := s.refundRepo.Totals(ctx, tx, locked.ID)
		if err != nil {
			return fmt.Errorf("sum refunds: %w", err)
		}
		available := totals.Available(locked.Amount)

		amount := available
		if req.Amount != nil {
			amount = *req.Amount
		}
		if !amount.IsPositive() {
			return apperror.Validation("No refundable amount remains")
		}
		if amount.GreaterThan(available) {
			return apperror.Validation(fmt.Sprintf(
				"Refund amount %s exceeds the available balance %s",
				domain.FormatAmount(amount), domain.FormatAmount(available),
			))
		}

		now := s.now().UTC()
		refund = &domain.Refund{
			ID:        uuid.New(),
			PaymentID: locked.ID,
			Amount:    amount,
			Status:    domain.RefundStatusPending,
			Reason:    req.Reason,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.refundRepo.Create(ctx, tx, refund); err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}

		snapshot, err := json.Marshal(refund)
		if err != nil {
			return fmt.Errorf("marshal refund snapshot: %w", err)
		}
		if err := s.auditSvc.Record(ctx, tx, &domain.AuditLog{
			EntityType: "refund",
			EntityID:   refund.ID.String(),
			Action:     domain.AuditActionRefundCreated,
			NewValues:  snapshot,
			Actor:      req.MerchantID.String(),
			ActorType:  domain.ActorTypeMerchant,
			IPAddress:  req.ClientIP,
			UserAgent:  req.UserAgent,
		}); err != nil {
			return err
		}

		payment = locked
		return nil
	})
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, apperror.InternalError(err)
	}

	// Phase 2: the provider call.
	res, errorCode, callErr := s.invokeProviderRefund(ctx, payment, refund)

	// Phase 3: settle.
	if callErr != nil {
		if settleErr := s.settleFailedRefund(ctx, payment, refund, errorCode); settleErr != nil {
			return nil, apperror.InternalError(settleErr)
		}
		s.enqueueRefundWebhook(ctx, payment, refund, errorCode)
		observability.Payments().RecordRefund(payment.Provider, string(domain.RefundStatusFailed))
		s.log.Warn().Err(callErr).
			Str("refund_id", refund.ID.String()).
			Str("payment_id", payment.ID.String()).
			Str("error_code", errorCode).
			Msg("refund rejected by provider")
		return &ports.CreateRefundResult{
			Refund:        refund,
			PaymentStatus: payment.Status,
			ErrorCode:     errorCode,
		}, nil
	}

	newStatus, err := s.settleCompletedRefund(ctx, payment, refund, res)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	s.enqueueRefundWebhook(ctx, payment, refund, "")
	observability.Payments().RecordRefund(payment.Provider, string(refund.Status))
	s.log.Info().
		Str("refund_id", refund.ID.String()).
		Str("payment_id", payment.ID.String()).
		Str("amount", domain.FormatAmount(refund.Amount)).
		Str("payment_status", string(newStatus)).
		Msg("refund processed")

	return &ports.CreateRefundResult{Refund: refund, PaymentStatus: newStatus}, nil
}

// invokeProviderRefund calls the provider through its breaker. On any
// failure it returns the error code to record on the failed refund.
func (s *RefundServiceImpl) invokeProviderRefund(ctx context.Context, payment *domain.Payment, refund *domain.Refund) (*ports.RefundResult, string, error) {
	provider, ok := s.providers.Get(payment.Provider)
	if !ok {
		return nil, refundErrProvider, fmt.Errorf("provider %q not registered", payment.Provider)
	}
	if payment.ProviderTransactionID == nil {
		return nil, refundErrProvider, errors.New("payment has no provider transaction reference")
	}

	var res *ports.RefundResult
	br := s.breakers.Get(payment.Provider)
	start := time.Now()
	err := br.Execute(ctx, func(ctx context.Context) error {
		r, refundErr := provider.Refund(ctx, ports.RefundRequest{
			ProviderTransactionID: *payment.ProviderTransactionID,
			RefundID:              refund.ID,
			Amount:                refund.Amount,
			Currency:              payment.Currency,
			Reason:                refund.Reason,
		})
		if refundErr != nil {
			return refundErr
		}
		res = r
		return nil
	})
	observability.Payments().ObserveProviderCall(payment.Provider, "refund", time.Since(start))

	switch {
	case errors.Is(err, breaker.ErrOpen):
		return nil, refundErrUnavailable, err
	case errors.Is(err, breaker.ErrCallTimeout):
		return nil, refundErrTimeout, err
	case err != nil:
		return nil, refundErrProvider, err
	}
	if res.Status == ports.ProviderStatusDeclined {
		code := res.ErrorCode
		if code == "" {
			code = "refund_declined"
		}
		return nil, code, fmt.Errorf("refund declined: %s", code)
	}
	return res, "", nil
}

// settleFailedRefund flips the refund to failed. The payment is untouched.
func (s *RefundServiceImpl) settleFailedRefund(ctx context.Context, payment *domain.Payment, refund *domain.Refund, errorCode string) error {
	err := s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.refundRepo.UpdateStatus(ctx, tx, refund.ID, domain.RefundStatusFailed, nil); err != nil {
			return fmt.Errorf("mark refund failed: %w", err)
		}
		return s.auditSvc.Record(ctx, tx, &domain.AuditLog{
			EntityType: "refund",
			EntityID:   refund.ID.String(),
			Action:     domain.AuditActionRefundStatusChanged,
			OldValues:  refundStatusJSON(domain.RefundStatusPending),
			NewValues:  json.RawMessage(fmt.Sprintf(`{"status":%q,"error_code":%q}`, domain.RefundStatusFailed, errorCode)),
			Actor:      payment.Provider,
			ActorType:  domain.ActorTypeProvider,
		})
	})
	if err != nil {
		return err
	}
	refund.Status = domain.RefundStatusFailed
	refund.UpdatedAt = s.now().UTC()
	return nil
}

// settleCompletedRefund re-locks the payment, completes the refund, and
// derives the payment's new status from the fresh completed total.
func (s *RefundServiceImpl) settleCompletedRefund(ctx context.Context, payment *domain.Payment, refund *domain.Refund, res *ports.RefundResult) (domain.PaymentStatus, error) {
	var newStatus domain.PaymentStatus
	err := s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		locked, err := s.paymentRepo.GetByIDForUpdate(ctx, tx, payment.ID)
		if err != nil {
			return fmt.Errorf("lock payment: %w", err)
		}
		if locked == nil {
			return fmt.Errorf("payment %s disappeared during refund", payment.ID)
		}

		var providerRefundID *string
		if res.ProviderRefundID != "" {
			providerRefundID = &res.ProviderRefundID
		}
		if err := s.refundRepo.UpdateStatus(ctx, tx, refund.ID, domain.RefundStatusCompleted, providerRefundID); err != nil {
			return fmt.Errorf("mark refund completed: %w", err)
		}

		// Totals sees the status flip above because it runs in the same tx.
		totals, err := s.refundRepo.Totals(ctx, tx, locked.ID)
		if err != nil {
			return fmt.Errorf("sum refunds: %w", err)
		}
		newStatus = domain.PaymentStatusPartiallyRefunded
		if totals.Completed.GreaterThanOrEqual(locked.Amount) {
			newStatus = domain.PaymentStatusRefunded
		}

		row := domain.NewTransaction(locked.ID, newStatus).WithProviderResponse(res.Raw)
		if err := s.txRepo.Create(ctx, tx, row); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		if locked.Status != newStatus {
			if err := s.paymentRepo.UpdateStatus(ctx, tx, locked.ID, newStatus); err != nil {
				return fmt.Errorf("update payment status: %w", err)
			}
			if err := s.auditSvc.Record(ctx, tx, &domain.AuditLog{
				EntityType: "payment",
				EntityID:   locked.ID.String(),
				Action:     domain.AuditActionPaymentStatusChanged,
				OldValues:  statusJSON(locked.Status),
				NewValues:  statusJSON(newStatus),
				Actor:      locked.Provider,
				ActorType:  domain.ActorTypeProvider,
			}); err != nil {
				return err
			}
		}
		return s.auditSvc.Record(ctx, tx, &domain.AuditLog{
			EntityType: "refund",
			EntityID:   refund.ID.String(),
			Action:     domain.AuditActionRefundStatusChanged,
			OldValues:  refundStatusJSON(domain.RefundStatusPending),
			NewValues:  refundStatusJSON(domain.RefundStatusCompleted),
			Actor:      locked.Provider,
			ActorType:  domain.ActorTypeProvider,
		})
	})
	if err != nil {
		return "", err
	}

	refund.Status = domain.RefundStatusCompleted
	if res.ProviderRefundID != "" {
		refund.ProviderRefundID = &res.ProviderRefundID
	}
	refund.UpdatedAt = s.now().UTC()
	payment.Status = newStatus
	return newStatus, nil
}

// enqueueRefundWebhook schedules the merchant notification for a settled
// refund. Failures are logged, never propagated.
func (s *RefundServiceImpl) enqueueRefundWebhook(ctx context.Context, payment *domain.Payment, refund *domain.Refund, errorCode string) {
	if payment.WebhookURL == nil || *payment.WebhookURL == "" {
		return
	}
	eventType := domain.EventRefundCompleted
	if refund.Status == domain.RefundStatusFailed {
		eventType = domain.EventRefundFailed
	}
	data := map[string]interface{}{
		"id":             refund.ID.String(),
		"payment_id":     payment.ID.String(),
		"status":         string(refund.Status),
		"amount":         domain.FormatAmount(refund.Amount),
		"currency":       payment.Currency,
		"payment_status": string(payment.Status),
	}
	if refund.Reason != "" {
		data["reason"] = refund.Reason
	}
	if refund.ProviderRefundID != nil {
		data["provider_refund_id"] = *refund.ProviderRefundID
	}
	if errorCode != "" {
		data["error_code"] = errorCode
	}
	if _, err := s.webhookSvc.Enqueue(ctx, ports.EnqueueWebhookParams{
		PaymentID: &payment.ID,
		EventType: eventType,
		Payload:   data,
		URL:       *payment.WebhookURL,
	}); err != nil {
		s.log.Warn().Err(err).
			Str("refund_id", refund.ID.String()).
			Msg("enqueue refund webhook failed")
	}
}

// GetRefund loads one refund. Refunds whose payment belongs to another
// merchant render as absent.
func (s *RefundServiceImpl) GetRefund(ctx context.Context, merchantID, refundID uuid.UUID) (*domain.Refund, error) {
	refund, err := s.refundRepo.GetByID(ctx, refundID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("get refund: %w", err))
	}
	if refund == nil {
		return nil, apperror.NotFound("Refund")
	}
	payment, err := s.paymentRepo.GetByID(ctx, refund.PaymentID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("get payment: %w", err))
	}
	if payment == nil || payment.MerchantID != merchantID {
		return nil, apperror.NotFound("Refund")
	}
	return refund, nil
}

// Refundable reports the remaining-balance view of a payment. The row lock
// gives a stable snapshot against in-flight refunds.
func (s *RefundServiceImpl) Refundable(ctx context.Context, merchantID, paymentID uuid.UUID) (*ports.RefundableSummary, error) {
	var summary *ports.RefundableSummary
	err := s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		payment, err := s.paymentRepo.GetByIDForUpdate(ctx, tx, paymentID)
		if err != nil {
			return fmt.Errorf("lock payment: %w", err)
		}
		if payment == nil || payment.MerchantID != merchantID {
			return apperror.NotFound("Payment")
		}
		totals, err := s.refundRepo.Totals(ctx, tx, payment.ID)
		if err != nil {
			return fmt.Errorf("sum refunds: %w", err)
		}
		summary = &ports.RefundableSummary{
			PaymentAmount:      payment.Amount,
			TotalRefunded:      totals.Completed,
			PendingRefunds:     totals.Pending,
			AvailableForRefund: totals.Available(payment.Amount),
		}
		return nil
	})
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, apperror.InternalError(err)
	}
	return summary, nil
}

// refundStatusJSON renders a one-field status document for audit values.
func refundStatusJSON(status domain.RefundStatus) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"status":%q}`, status))
}
