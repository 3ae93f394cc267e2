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
	"payment-orchestrator/internal/saga"
	"payment-orchestrator/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Saga step names; they surface in logs and in error classification.
const (
	stepPersistPayment = "persist-payment"
	stepInvokeProvider = "invoke-provider"
	stepEnqueueWebhook = "enqueue-webhook"
)

// providerEventDedupTTL bounds how long inbound provider event IDs are
// remembered. Providers stop redelivering well before this.
const providerEventDedupTTL = 48 * time.Hour

// List pagination bounds.
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// errProviderCall marks errors raised by the provider call itself, as
// opposed to persistence failures around it.
var errProviderCall = errors.New("provider call failed")

// PaymentServiceImpl implements ports.PaymentService.
type PaymentServiceImpl struct {
	paymentRepo ports.PaymentRepository
	txRepo      ports.TransactionRepository
	refundRepo  ports.RefundRepository
	providers   ports.ProviderRegistry
	breakers    *breaker.Registry
	transactor  ports.Transactor
	webhookSvc  ports.WebhookService
	auditSvc    ports.AuditService
	dedup       ports.EventDedup
	log         zerolog.Logger
	now         func() time.Time
}

// NewPaymentService creates a new PaymentServiceImpl.
func NewPaymentService(
	paymentRepo ports.PaymentRepository,
	txRepo ports.TransactionRepository,
	refundRepo ports.RefundRepository,
	providers ports.ProviderRegistry,
	breakers *breaker.Registry,
	transactor ports.Transactor,
	webhookSvc ports.WebhookService,
	auditSvc ports.AuditService,
	dedup ports.EventDedup,
	log zerolog.Logger,
) *PaymentServiceImpl {
	return &PaymentServiceImpl{
		paymentRepo: paymentRepo,
		txRepo:      txRepo,
		refundRepo:  refundRepo,
		providers:   providers,
		breakers:    breakers,
		transactor:  transactor,
		webhookSvc:  webhookSvc,
		auditSvc:    auditSvc,
		dedup:       dedup,
		log:         log,
		now:         time.Now,
	}
}

// chargeSagaState is the mutable state threaded through the charge saga.
type chargeSagaState struct {
	payment   *domain.Payment
	provider  ports.PaymentProvider
	request   ports.CreatePaymentRequest
	result    *ports.ChargeResult
	errorCode string
}

// CreatePayment runs the charge saga: persist pending, invoke the provider
// through its breaker, settle the status, enqueue the merchant webhook.
// A provider decline is a business outcome, not a saga failure: the run
// completes and the result carries status failed plus the decline code.
func (s *PaymentServiceImpl) CreatePayment(ctx context.Context, req ports.CreatePaymentRequest) (*ports.CreatePaymentResult, error) {
	currency := domain.NormalizeCurrency(req.Currency)
	if !domain.IsSupportedCurrency(currency) {
		return nil, apperror.Validation(fmt.Sprintf("Unsupported currency %q", req.Currency))
	}
	if !req.Amount.IsPositive() {
		return nil, apperror.Validation("Amount must be greater than zero")
	}
	if err := domain.CheckAmountPrecision(req.Amount); err != nil {
		return nil, apperror.Validation(fmt.Sprintf("Invalid amount: %v", err))
	}
	provider, ok := s.providers.Get(req.Provider)
	if !ok {
		return nil, apperror.UnknownProvider(req.Provider)
	}
	if req.WebhookURL != nil && *req.WebhookURL != "" {
		if err := s.webhookSvc.ValidateURL(*req.WebhookURL); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	state := &chargeSagaState{
		payment: &domain.Payment{
			ID:          uuid.New(),
			ExternalID:  req.ExternalID,
			MerchantID:  req.MerchantID,
			Amount:      req.Amount,
			Currency:    currency,
			Status:      domain.PaymentStatusPending,
			Provider:    provider.Name(),
			Description: req.Description,
			Metadata:    req.Metadata,
			WebhookURL:  req.WebhookURL,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		provider: provider,
		request:  req,
	}

	result := s.chargeSaga().Execute(ctx, state)
	if !result.Ok() {
		return nil, s.classifyChargeError(provider.Name(), result.Err)
	}

	observability.Payments().RecordPayment(provider.Name(), string(state.payment.Status))
	s.log.Info().
		Str("payment_id", state.payment.ID.String()).
		Str("merchant_id", req.MerchantID.String()).
		Str("provider", provider.Name()).
		Str("status", string(state.payment.Status)).
		Str("amount", domain.FormatAmount(state.payment.Amount)).
		Str("currency", currency).
		Msg("payment processed")

	return &ports.CreatePaymentResult{Payment: state.payment, ErrorCode: state.errorCode}, nil
}

func (s *PaymentServiceImpl) chargeSaga() *saga.Saga[chargeSagaState] {
	return saga.New[chargeSagaState]("charge", s.log).
		AddStep(saga.Step[chargeSagaState]{
			Name:       stepPersistPayment,
			Run:        s.persistPayment,
			Compensate: s.failPayment,
		}).
		AddStep(saga.Step[chargeSagaState]{
			Name: stepInvokeProvider,
			Run:  s.invokeProvider,
		}).
		AddStep(saga.Step[chargeSagaState]{
			Name: stepEnqueueWebhook,
			Run:  s.enqueuePaymentWebhook,
		})
}

// persistPayment writes the pending payment, its first attempt row, and the
// creation audit entry in one transaction.
func (s *PaymentServiceImpl) persistPayment(ctx context.Context, state *chargeSagaState) error {
	payment := state.payment
	return s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.paymentRepo.Create(ctx, tx, payment); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		if err := s.txRepo.Create(ctx, tx, domain.NewTransaction(payment.ID, payment.Status)); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		snapshot, err := json.Marshal(payment)
		if err != nil {
			return fmt.Errorf("marshal payment snapshot: %w", err)
		}
		return s.auditSvc.Record(ctx, tx, &domain.AuditLog{
			EntityType: "payment",
			EntityID:   payment.ID.String(),
			Action:     domain.AuditActionPaymentCreated,
			NewValues:  snapshot,
			Actor:      payment.MerchantID.String(),
			ActorType:  domain.ActorTypeMerchant,
			IPAddress:  state.request.ClientIP,
			UserAgent:  state.request.UserAgent,
		})
	})
}

// failPayment is the persist step's compensation. The payment row stays;
// the abort is recorded as a terminal failed status with its own attempt
// row and audit entry.
func (s *PaymentServiceImpl) failPayment(ctx context.Context, state *chargeSagaState) error {
	payment := state.payment
	err := s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.paymentRepo.UpdateStatus(ctx, tx, payment.ID, domain.PaymentStatusFailed); err != nil {
			return fmt.Errorf("mark payment failed: %w", err)
		}
		row := domain.NewTransaction(payment.ID, domain.PaymentStatusFailed).
			WithError("charge aborted before completion")
		if err := s.txRepo.Create(ctx, tx, row); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		return s.auditSvc.Record(ctx, tx, &domain.AuditLog{
			EntityType: "payment",
			EntityID:   payment.ID.String(),
			Action:     domain.AuditActionPaymentStatusChanged,
			OldValues:  statusJSON(payment.Status),
			NewValues:  statusJSON(domain.PaymentStatusFailed),
			Actor:      "system",
			ActorType:  domain.ActorTypeSystem,
		})
	})
	if err == nil {
		payment.Status = domain.PaymentStatusFailed
	}
	return err
}

// invokeProvider flips the payment to processing, charges through the
// provider's breaker, and settles the status from the provider's answer.
func (s *PaymentServiceImpl) invokeProvider(ctx context.Context, state *chargeSagaState) error {
	payment := state.payment

	err := s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.paymentRepo.UpdateStatus(ctx, tx, payment.ID, domain.PaymentStatusProcessing); err != nil {
			return fmt.Errorf("mark payment processing: %w", err)
		}
		return s.txRepo.Create(ctx, tx, domain.NewTransaction(payment.ID, domain.PaymentStatusProcessing))
	})
	if err != nil {
		return err
	}
	payment.Status = domain.PaymentStatusProcessing

	br := s.breakers.Get(payment.Provider)
	start := time.Now()
	err = br.Execute(ctx, func(ctx context.Context) error {
		result, chargeErr := state.provider.Charge(ctx, ports.ChargeRequest{
			PaymentID:   payment.ID,
			Amount:      payment.Amount,
			Currency:    payment.Currency,
			Description: payment.Description,
			Metadata:    payment.Metadata,
		})
		if chargeErr != nil {
			return chargeErr
		}
		state.result = result
		return nil
	})
	observability.Payments().ObserveProviderCall(payment.Provider, "charge", time.Since(start))
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) || errors.Is(err, breaker.ErrCallTimeout) {
			return err
		}
		return fmt.Errorf("%w: %w", errProviderCall, err)
	}

	// Map the provider's answer. A decline is an outcome, not an error.
	result := state.result
	newStatus := domain.PaymentStatusPending
	switch result.Status {
	case ports.ProviderStatusCompleted:
		newStatus = domain.PaymentStatusCompleted
	case ports.ProviderStatusDeclined:
		newStatus = domain.PaymentStatusFailed
		state.errorCode = result.ErrorCode
	}

	err = s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if result.ProviderTransactionID != "" {
			if err := s.paymentRepo.SetProviderReference(ctx, tx, payment.ID, result.ProviderTransactionID); err != nil {
				return fmt.Errorf("set provider reference: %w", err)
			}
		}
		if err := s.paymentRepo.UpdateStatus(ctx, tx, payment.ID, newStatus); err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		row := domain.NewTransaction(payment.ID, newStatus).
			WithProviderResponse(result.Raw).
			WithError(state.errorCode)
		if err := s.txRepo.Create(ctx, tx, row); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		return s.auditSvc.Record(ctx, tx, &domain.AuditLog{
			EntityType: "payment",
			EntityID:   payment.ID.String(),
			Action:     domain.AuditActionPaymentStatusChanged,
			OldValues:  statusJSON(domain.PaymentStatusProcessing),
			NewValues:  statusJSON(newStatus),
			Actor:      payment.Provider,
			ActorType:  domain.ActorTypeProvider,
		})
	})
	if err != nil {
		return err
	}

	if result.ProviderTransactionID != "" {
		payment.ProviderTransactionID = &result.ProviderTransactionID
	}
	payment.Status = newStatus
	payment.UpdatedAt = s.now().UTC()
	return nil
}

// enqueuePaymentWebhook schedules the merchant notification. It never fails
// the saga: a lost enqueue must not unwind a settled charge.
func (s *PaymentServiceImpl) enqueuePaymentWebhook(ctx context.Context, state *chargeSagaState) error {
	payment := state.payment
	if payment.WebhookURL == nil || *payment.WebhookURL == "" {
		return nil
	}
	_, err := s.webhookSvc.Enqueue(ctx, ports.EnqueueWebhookParams{
		PaymentID: &payment.ID,
		EventType: domain.PaymentEventType(payment.Status),
		Payload:   paymentEventData(payment, state.errorCode),
		URL:       *payment.WebhookURL,
	})
	if err != nil {
		s.log.Warn().Err(err).
			Str("payment_id", payment.ID.String()).
			Msg("enqueue payment webhook failed")
	}
	return nil
}

// classifyChargeError maps a failed saga run onto the API error taxonomy.
func (s *PaymentServiceImpl) classifyChargeError(providerName string, err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	switch {
	case errors.Is(err, breaker.ErrOpen):
		return apperror.CircuitOpen(providerName)
	case errors.Is(err, breaker.ErrCallTimeout), errors.Is(err, errProviderCall):
		return apperror.ProviderError(providerName, err)
	}
	return apperror.InternalError(err)
}

// GetPayment loads one payment with its attempt log and refunds. Payments
// owned by another merchant render as absent.
func (s *PaymentServiceImpl) GetPayment(ctx context.Context, merchantID, paymentID uuid.UUID) (*ports.PaymentDetail, error) {
	payment, err := s.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("get payment: %w", err))
	}
	if payment == nil || payment.MerchantID != merchantID {
		return nil, apperror.NotFound("Payment")
	}
	transactions, err := s.txRepo.ListByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("list transactions: %w", err))
	}
	refunds, err := s.refundRepo.ListByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("list refunds: %w", err))
	}
	return &ports.PaymentDetail{Payment: payment, Transactions: transactions, Refunds: refunds}, nil
}

// ListPayments returns one page of the merchant's payments plus the total
// row count for the filter.
func (s *PaymentServiceImpl) ListPayments(ctx context.Context, params ports.PaymentListParams) ([]domain.Payment, int64, error) {
	if params.Limit <= 0 {
		params.Limit = defaultListLimit
	}
	if params.Limit > maxListLimit {
		params.Limit = maxListLimit
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	payments, total, err := s.paymentRepo.List(ctx, params)
	if err != nil {
		return nil, 0, apperror.InternalError(fmt.Errorf("list payments: %w", err))
	}
	return payments, total, nil
}

// eventOutcome says what a provider event did to the matched payment.
type eventOutcome int

const (
	outcomeApplied   eventOutcome = iota
	outcomeNoChange               // re-announcement of the current status
	outcomeUnmatched              // no payment carries the provider reference
	outcomeIgnored                // transition forbidden by the status table
)

// HandleProviderEvent authenticates, dedupes, and reconciles one inbound
// provider notification. Events that match nothing or would violate the
// transition table are acknowledged but reported as not processed.
func (s *PaymentServiceImpl) HandleProviderEvent(ctx context.Context, providerName string, payload []byte, signatureHeader string) error {
	provider, ok := s.providers.Get(providerName)
	if !ok {
		return apperror.UnknownProvider(providerName)
	}
	if err := provider.VerifyWebhook(payload, signatureHeader, s.now()); err != nil {
		return apperror.Unauthorized("Invalid webhook signature")
	}
	event, err := provider.ParseWebhook(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("provider", provider.Name()).Msg("unparseable provider event")
		return fmt.Errorf("%w: %v", ports.ErrEventNotProcessed, err)
	}

	claimed, err := s.dedup.Claim(ctx, provider.Name(), event.EventID, providerEventDedupTTL)
	if err != nil {
		// The transition table makes replays harmless; keep going.
		s.log.Warn().Err(err).Str("provider", provider.Name()).Msg("event dedup claim failed")
	} else if !claimed {
		s.log.Info().
			Str("provider", provider.Name()).
			Str("event_id", event.EventID).
			Msg("duplicate provider event ignored")
		return nil
	}

	outcome, payment, err := s.applyProviderEvent(ctx, provider.Name(), event)
	if err != nil {
		// Free the claim so the provider's next delivery can retry.
		if relErr := s.dedup.Release(ctx, provider.Name(), event.EventID); relErr != nil {
			s.log.Warn().Err(relErr).Str("event_id", event.EventID).Msg("event dedup release failed")
		}
		return err
	}

	switch outcome {
	case outcomeUnmatched:
		return fmt.Errorf("%w: no payment for provider transaction %s", ports.ErrEventNotProcessed, event.ProviderTransactionID)
	case outcomeIgnored:
		return fmt.Errorf("%w: transition not allowed for event %s", ports.ErrEventNotProcessed, event.EventID)
	case outcomeNoChange:
		return nil
	}

	if payment.WebhookURL != nil && *payment.WebhookURL != "" {
		_, enqErr := s.webhookSvc.Enqueue(ctx, ports.EnqueueWebhookParams{
			PaymentID: &payment.ID,
			EventType: domain.PaymentEventType(payment.Status),
			Payload:   paymentEventData(payment, event.ErrorCode),
			URL:       *payment.WebhookURL,
		})
		if enqErr != nil {
			s.log.Warn().Err(enqErr).
				Str("payment_id", payment.ID.String()).
				Msg("enqueue reconciliation webhook failed")
		}
	}
	observability.Payments().RecordPayment(provider.Name(), string(payment.Status))
	s.log.Info().
		Str("payment_id", payment.ID.String()).
		Str("provider", provider.Name()).
		Str("event_id", event.EventID).
		Str("status", string(payment.Status)).
		Msg("provider event reconciled")
	return nil
}

// applyProviderEvent updates the matched payment under its row lock.
func (s *PaymentServiceImpl) applyProviderEvent(ctx context.Context, providerName string, event *ports.ProviderEvent) (eventOutcome, *domain.Payment, error) {
	outcome := outcomeUnmatched
	var payment *domain.Payment

	err := s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		found, err := s.paymentRepo.GetByProviderReference(ctx, providerName, event.ProviderTransactionID)
		if err != nil {
			return fmt.Errorf("lookup payment by provider reference: %w", err)
		}
		if found == nil {
			s.log.Warn().
				Str("provider", providerName).
				Str("provider_transaction_id", event.ProviderTransactionID).
				Msg("provider event references unknown payment")
			return nil
		}
		locked, err := s.paymentRepo.GetByIDForUpdate(ctx, tx, found.ID)
		if err != nil {
			return fmt.Errorf("lock payment: %w", err)
		}
		if locked == nil {
			return nil
		}

		newStatus := paymentStatusFromProvider(event.Status)
		if locked.Status == newStatus {
			outcome = outcomeNoChange
			payment = locked
			return nil
		}
		if !domain.CanTransition(locked.Status, newStatus) {
			s.log.Warn().
				Str("payment_id", locked.ID.String()).
				Str("from", string(locked.Status)).
				Str("to", string(newStatus)).
				Msg("provider event transition forbidden, ignoring")
			outcome = outcomeIgnored
			return nil
		}

		if err := s.paymentRepo.UpdateStatus(ctx, tx, locked.ID, newStatus); err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		row := domain.NewTransaction(locked.ID, newStatus).
			WithProviderResponse(event.Raw).
			WithError(event.ErrorCode)
		if err := s.txRepo.Create(ctx, tx, row); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		if err := s.auditSvc.Record(ctx, tx, &domain.AuditLog{
			EntityType: "payment",
			EntityID:   locked.ID.String(),
			Action:     domain.AuditActionPaymentStatusChanged,
			OldValues:  statusJSON(locked.Status),
			NewValues:  statusJSON(newStatus),
			Actor:      providerName,
			ActorType:  domain.ActorTypeProvider,
		}); err != nil {
			return err
		}

		locked.Status = newStatus
		locked.UpdatedAt = s.now().UTC()
		payment = locked
		outcome = outcomeApplied
		return nil
	})
	if err != nil {
		return outcome, nil, apperror.InternalError(err)
	}
	return outcome, payment, nil
}

// paymentStatusFromProvider maps a provider outcome onto the payment
// lifecycle.
func paymentStatusFromProvider(status ports.ProviderStatus) domain.PaymentStatus {
	switch status {
	case ports.ProviderStatusCompleted:
		return domain.PaymentStatusCompleted
	case ports.ProviderStatusDeclined:
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}

// paymentEventData is the merchant-facing payload for payment.* events.
func paymentEventData(payment *domain.Payment, errorCode string) map[string]interface{} {
	data := map[string]interface{}{
		"id":       payment.ID.String(),
		"status":   string(payment.Status),
		"amount":   domain.FormatAmount(payment.Amount),
		"currency": payment.Currency,
		"provider": payment.Provider,
	}
	if payment.ExternalID != nil {
		data["external_id"] = *payment.ExternalID
	}
	if payment.ProviderTransactionID != nil {
		data["provider_transaction_id"] = *payment.ProviderTransactionID
	}
	if errorCode != "" {
		data["error_code"] = errorCode
	}
	return data
}

// statusJSON renders a one-field status document for audit old/new values.
func statusJSON(status domain.PaymentStatus) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"status":%q}`, status))
}
