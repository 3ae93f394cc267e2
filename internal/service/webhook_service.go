package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payment-orchestrator/config"
	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/observability"
	"payment-orchestrator/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

var (
	// ErrEventNotFound signals a delivery job whose row no longer exists.
	// The worker acks these; there is nothing left to deliver.
	ErrEventNotFound = errors.New("webhook event not found")
	// ErrDeliveryFailed signals that the endpoint was reached (or reachable
	// in principle) and the attempt failed. The persisted schedule owns the
	// retry, so the worker must not requeue the message.
	ErrDeliveryFailed = errors.New("webhook delivery failed")
)

// defaultRetryDelays backs the schedule when config carries none.
var defaultRetryDelays = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
}

const (
	defaultMaxAttempts     = 5
	defaultSweepBatchSize  = 100
	defaultDeliveryTimeout = 30 * time.Second
)

// HTTPClient is the outbound POST surface, extracted for tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// webhookEnvelope is the JSON body POSTed to merchant endpoints. The payload
// is frozen at enqueue time; redeliveries carry identical bytes.
type webhookEnvelope struct {
	EventType string          `json:"event_type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// WebhookServiceImpl implements ports.WebhookService. Events persist to
// Postgres as the system of record; the queue only carries (id, attempt)
// hints, so a lost message costs latency, never the event.
type WebhookServiceImpl struct {
	repo       ports.WebhookRepository
	transactor ports.Transactor
	sigSvc     ports.SignatureService
	publisher  ports.DeliveryPublisher
	httpClient HTTPClient

	secret      string
	maxAttempts int
	delays      []time.Duration
	batchSize   int
	allowHTTP   bool

	log zerolog.Logger
	now func() time.Time
}

// NewWebhookService creates a new WebhookServiceImpl. A nil httpClient gets
// a default client with the configured delivery timeout. allowHTTP permits
// plain-http destinations and should only be set outside production.
func NewWebhookService(
	repo ports.WebhookRepository,
	transactor ports.Transactor,
	sigSvc ports.SignatureService,
	publisher ports.DeliveryPublisher,
	httpClient HTTPClient,
	cfg config.WebhookConfig,
	allowHTTP bool,
	log zerolog.Logger,
) *WebhookServiceImpl {
	delays, err := cfg.RetryDelays()
	if err != nil || len(delays) == 0 {
		// Config validation rejects unparseable schedules at startup.
		delays = defaultRetryDelays
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	batchSize := cfg.SweepBatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	if httpClient == nil {
		timeout := cfg.DeliveryTimeout
		if timeout <= 0 {
			timeout = defaultDeliveryTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &WebhookServiceImpl{
		repo:        repo,
		transactor:  transactor,
		sigSvc:      sigSvc,
		publisher:   publisher,
		httpClient:  httpClient,
		secret:      cfg.SigningSecret,
		maxAttempts: maxAttempts,
		delays:      delays,
		batchSize:   batchSize,
		allowHTTP:   allowHTTP,
		log:         log,
		now:         time.Now,
	}
}

// ValidateURL checks a destination against the delivery policy. Payment
// creation calls this up front so a forbidden URL fails the request instead
// of silently losing notifications at enqueue time.
func (s *WebhookServiceImpl) ValidateURL(rawURL string) error {
	if err := validateWebhookURL(rawURL, s.allowHTTP); err != nil {
		return apperror.Validation(fmt.Sprintf("Invalid webhook URL: %v", err))
	}
	return nil
}

// Enqueue freezes the payload, signs it, persists the event, and schedules
// the first delivery. The persisted row is authoritative: when the publish
// is lost, the sweeper re-schedules from the row.
func (s *WebhookServiceImpl) Enqueue(ctx context.Context, params ports.EnqueueWebhookParams) (*domain.WebhookEvent, error) {
	if err := s.ValidateURL(params.URL); err != nil {
		return nil, err
	}

	data, err := json.Marshal(params.Payload)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("marshal webhook payload: %w", err))
	}
	now := s.now().UTC()
	payload, err := json.Marshal(webhookEnvelope{
		EventType: params.EventType,
		Timestamp: now.Unix(),
		Data:      data,
	})
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("marshal webhook envelope: %w", err))
	}

	event := &domain.WebhookEvent{
		ID:          uuid.New(),
		PaymentID:   params.PaymentID,
		EventType:   params.EventType,
		Payload:     payload,
		URL:         params.URL,
		Signature:   s.sigSvc.SignatureHeader(s.secret, now, payload),
		Attempts:    0,
		MaxAttempts: s.maxAttempts,
		Status:      domain.WebhookStatusPending,
		CreatedAt:   now,
	}

	err = s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return s.repo.Create(ctx, tx, event)
	})
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("persist webhook event: %w", err))
	}

	if err := s.publisher.Publish(ctx, event.ID, 0, 0); err != nil {
		s.log.Warn().Err(err).
			Str("webhook_id", event.ID.String()).
			Msg("publish webhook delivery failed, sweeper will recover it")
	}

	s.log.Info().
		Str("webhook_id", event.ID.String()).
		Str("event_type", event.EventType).
		Str("url", event.URL).
		Msg("webhook enqueued")
	return event, nil
}

// Send performs one delivery attempt. Events already sent or failed are
// skipped; a 2xx marks the event sent; anything else advances the retry
// schedule and reports ErrDeliveryFailed.
func (s *WebhookServiceImpl) Send(ctx context.Context, webhookID uuid.UUID) error {
	event, err := s.repo.GetByID(ctx, webhookID)
	if err != nil {
		return fmt.Errorf("load webhook event: %w", err)
	}
	if event == nil {
		return fmt.Errorf("%w: %s", ErrEventNotFound, webhookID)
	}
	if event.Status != domain.WebhookStatusPending {
		s.log.Debug().
			Str("webhook_id", event.ID.String()).
			Str("status", string(event.Status)).
			Msg("skipping delivery for settled webhook")
		return nil
	}
	if event.ExhaustedAttempts() {
		// Should have been marked failed already; settle it now.
		if err := s.repo.MarkFailed(ctx, event.ID, event.Attempts, "attempts exhausted"); err != nil {
			return fmt.Errorf("mark webhook failed: %w", err)
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, event.URL, bytes.NewReader(event.Payload))
	if err != nil {
		return s.handleFailure(ctx, event, 0, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", event.Signature)
	req.Header.Set("X-Webhook-Id", event.ID.String())
	req.Header.Set("X-Event-Type", event.EventType)

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		return s.handleFailure(ctx, event, duration, err.Error())
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.handleFailure(ctx, event, duration, fmt.Sprintf("endpoint returned %d", resp.StatusCode))
	}

	attempts := event.Attempts + 1
	if err := s.repo.MarkSent(ctx, event.ID, attempts, s.now().UTC()); err != nil {
		return fmt.Errorf("mark webhook sent: %w", err)
	}
	observability.Webhooks().RecordDelivery("sent", duration)
	s.log.Info().
		Str("webhook_id", event.ID.String()).
		Str("event_type", event.EventType).
		Int("attempts", attempts).
		Int("status", resp.StatusCode).
		Msg("webhook delivered")
	return nil
}

// handleFailure advances the attempt counter and either schedules the next
// retry or marks the event failed when the budget is spent.
func (s *WebhookServiceImpl) handleFailure(ctx context.Context, event *domain.WebhookEvent, duration time.Duration, lastError string) error {
	attempts := event.Attempts + 1

	if attempts >= event.MaxAttempts {
		if err := s.repo.MarkFailed(ctx, event.ID, attempts, lastError); err != nil {
			return fmt.Errorf("mark webhook failed: %w", err)
		}
		observability.Webhooks().RecordDelivery("failed", duration)
		s.log.Error().
			Str("webhook_id", event.ID.String()).
			Str("event_type", event.EventType).
			Int("attempts", attempts).
			Str("error", lastError).
			Msg("webhook delivery exhausted")
		return fmt.Errorf("%w after %d attempts: %s", ErrDeliveryFailed, attempts, lastError)
	}

	delay := s.retryDelay(attempts)
	nextRetryAt := s.now().UTC().Add(delay)
	if err := s.repo.MarkRetry(ctx, event.ID, attempts, nextRetryAt, lastError); err != nil {
		return fmt.Errorf("mark webhook retry: %w", err)
	}
	observability.Webhooks().RecordDelivery("retried", duration)
	if err := s.publisher.Publish(ctx, event.ID, attempts, delay); err != nil {
		s.log.Warn().Err(err).
			Str("webhook_id", event.ID.String()).
			Msg("republish webhook delivery failed, sweeper will recover it")
	}
	s.log.Warn().
		Str("webhook_id", event.ID.String()).
		Str("event_type", event.EventType).
		Int("attempts", attempts).
		Dur("retry_in", delay).
		Str("error", lastError).
		Msg("webhook delivery failed, retry scheduled")
	return fmt.Errorf("%w: %s", ErrDeliveryFailed, lastError)
}

// retryDelay maps a just-failed attempt count to the wait before the next
// try. Attempts past the end of the schedule reuse the last delay.
func (s *WebhookServiceImpl) retryDelay(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.delays) {
		idx = len(s.delays) - 1
	}
	return s.delays[idx]
}

// SweepDue republishes pending events whose retry time has passed. It is the
// durability backstop for lost queue messages and delayed retries.
func (s *WebhookServiceImpl) SweepDue(ctx context.Context) (int, error) {
	events, err := s.repo.ListDue(ctx, s.now().UTC(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due webhook events: %w", err)
	}
	observability.Webhooks().RecordSweepBacklog(len(events))

	published := 0
	for i := range events {
		event := &events[i]
		if err := s.publisher.Publish(ctx, event.ID, event.Attempts, 0); err != nil {
			s.log.Warn().Err(err).
				Str("webhook_id", event.ID.String()).
				Msg("sweep republish failed")
			continue
		}
		published++
	}
	if published > 0 {
		s.log.Info().Int("republished", published).Int("due", len(events)).Msg("webhook sweep completed")
	}
	return published, nil
}

// validateWebhookURL rejects destinations that could reach internal
// infrastructure. Hostname deny-listing plus literal-IP range checks; with
// allowHTTP false only https schemes pass and loopback literals are
// rejected too.
func validateWebhookURL(rawURL string, allowHTTP bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !allowHTTP {
			return errors.New("scheme must be https")
		}
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errors.New("missing host")
	}
	switch host {
	case "localhost", "metadata.google.internal":
		return fmt.Errorf("host %q is not allowed", host)
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("host %q is not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			// Local receivers are a development affordance, gated by the
			// same flag as plain http.
			if !allowHTTP {
				return fmt.Errorf("address %q is in a private or reserved range", host)
			}
		} else if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("address %q is in a private or reserved range", host)
		}
	}
	return nil
}
