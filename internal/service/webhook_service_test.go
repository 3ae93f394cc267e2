package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"payment-orchestrator/config"
	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/core/ports/mocks"
	"payment-orchestrator/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// mockHTTPClient implements HTTPClient for testing.
type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.doFunc(req)
}

func newTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func httpResponse(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

type webhookTestDeps struct {
	svc        *WebhookServiceImpl
	repo       *mocks.MockWebhookRepository
	transactor *mocks.MockTransactor
	sigSvc     *mocks.MockSignatureService
	publisher  *mocks.MockDeliveryPublisher
	http       *mockHTTPClient
	now        time.Time
	ctrl       *gomock.Controller
}

func setupWebhookService(t *testing.T, allowHTTP bool) *webhookTestDeps {
	ctrl := gomock.NewController(t)
	d := &webhookTestDeps{
		repo:       mocks.NewMockWebhookRepository(ctrl),
		transactor: mocks.NewMockTransactor(ctrl),
		sigSvc:     mocks.NewMockSignatureService(ctrl),
		publisher:  mocks.NewMockDeliveryPublisher(ctrl),
		http:       &mockHTTPClient{},
		now:        time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ctrl:       ctrl,
	}
	cfg := config.WebhookConfig{
		SigningSecret:   "whsec_test",
		DeliveryTimeout: 5 * time.Second,
		MaxAttempts:     5,
		RetrySchedule:   "60s,300s,900s,3600s",
		SweepBatchSize:  100,
	}
	d.svc = NewWebhookService(d.repo, d.transactor, d.sigSvc, d.publisher, d.http, cfg, allowHTTP, newTestLogger())
	d.svc.now = func() time.Time { return d.now }
	return d
}

func pendingWebhookEvent(attempts int) *domain.WebhookEvent {
	paymentID := uuid.New()
	return &domain.WebhookEvent{
		ID:          uuid.New(),
		PaymentID:   &paymentID,
		EventType:   domain.EventPaymentCompleted,
		Payload:     json.RawMessage(`{"event_type":"payment.completed","timestamp":1748779200,"data":{"id":"x"}}`),
		URL:         "https://merchant.example.com/hooks",
		Signature:   "t=1748779200,v1=abcdef",
		Attempts:    attempts,
		MaxAttempts: 5,
		Status:      domain.WebhookStatusPending,
		CreatedAt:   time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
	}
}

// ==================== Enqueue Tests ====================

func TestWebhookService_Enqueue_PersistsAndPublishes(t *testing.T) {
	d := setupWebhookService(t, false)
	defer d.ctrl.Finish()

	ctx := context.Background()
	paymentID := uuid.New()
	tx := &mockTx{}

	d.sigSvc.EXPECT().SignatureHeader("whsec_test", gomock.Any(), gomock.Any()).Return("t=99,v1=signed")
	d.transactor.EXPECT().WithinTx(ctx, gomock.Any()).DoAndReturn(runClosure(tx))
	d.repo.EXPECT().Create(ctx, tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ pgx.Tx, event *domain.WebhookEvent) error {
			assert.Equal(t, domain.WebhookStatusPending, event.Status)
			assert.Equal(t, 0, event.Attempts)
			assert.Equal(t, 5, event.MaxAttempts)
			assert.Equal(t, "t=99,v1=signed", event.Signature)
			assert.Nil(t, event.NextRetryAt)
			return nil
		})
	d.publisher.EXPECT().Publish(ctx, gomock.Any(), 0, time.Duration(0)).Return(nil)

	event, err := d.svc.Enqueue(ctx, ports.EnqueueWebhookParams{
		PaymentID: &paymentID,
		EventType: domain.EventPaymentCompleted,
		Payload:   map[string]string{"id": "pay_1", "status": "completed"},
		URL:       "https://merchant.example.com/hooks",
	})
	require.NoError(t, err)
	require.NotNil(t, event)

	var envelope struct {
		EventType string          `json:"event_type"`
		Timestamp int64           `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(event.Payload, &envelope))
	assert.Equal(t, domain.EventPaymentCompleted, envelope.EventType)
	assert.Equal(t, d.now.Unix(), envelope.Timestamp)
	assert.JSONEq(t, `{"id":"pay_1","status":"completed"}`, string(envelope.Data))
}

func TestWebhookService_Enqueue_PublishFailureStillDurable(t *testing.T) {
	d := setupWebhookService(t, false)
	defer d.ctrl.Finish()

	ctx := context.Background()
	tx := &mockTx{}

	d.sigSvc.EXPECT().SignatureHeader(gomock.Any(), gomock.Any(), gomock.Any()).Return("t=1,v1=a")
	d.transactor.EXPECT().WithinTx(ctx, gomock.Any()).DoAndReturn(runClosure(tx))
	d.repo.EXPECT().Create(ctx, tx, gomock.Any()).Return(nil)
	d.publisher.EXPECT().Publish(ctx, gomock.Any(), 0, time.Duration(0)).Return(errors.New("nats down"))

	// The persisted row is authoritative; the sweeper recovers lost publishes.
	event, err := d.svc.Enqueue(ctx, ports.EnqueueWebhookParams{
		EventType: domain.EventPaymentFailed,
		Payload:   map[string]string{"id": "pay_2"},
		URL:       "https://merchant.example.com/hooks",
	})
	require.NoError(t, err)
	assert.NotNil(t, event)
}

func TestWebhookService_Enqueue_RejectsUnsafeURLs(t *testing.T) {
	d := setupWebhookService(t, false)
	defer d.ctrl.Finish()

	urls := []string{
		"http://merchant.example.com/hooks",
		"ftp://merchant.example.com/hooks",
		"https://localhost/hooks",
		"https://api.localhost/hooks",
		"https://127.0.0.1/hooks",
		"https://0.0.0.0/hooks",
		"https://[::1]/hooks",
		"https://10.0.0.8/hooks",
		"https://172.16.4.2/hooks",
		"https://192.168.1.10/hooks",
		"https://169.254.169.254/latest/meta-data",
		"https://metadata.google.internal/computeMetadata",
		"https://[fe80::1]/hooks",
		"https://[fc00::2]/hooks",
		"https://billing.corp.internal/hooks",
		"https://printer.office.local/hooks",
	}
	for _, rawURL := range urls {
		_, err := d.svc.Enqueue(context.Background(), ports.EnqueueWebhookParams{
			EventType: domain.EventPaymentCompleted,
			Payload:   map[string]string{},
			URL:       rawURL,
		})
		var appErr *apperror.AppError
		require.ErrorAs(t, err, &appErr, "url %s must be rejected", rawURL)
		assert.Equal(t, apperror.CodeValidation, appErr.Code, "url %s", rawURL)
	}
}

func TestWebhookService_Enqueue_AllowsHTTPWhenConfigured(t *testing.T) {
	d := setupWebhookService(t, true)
	defer d.ctrl.Finish()

	ctx := context.Background()
	tx := &mockTx{}

	d.sigSvc.EXPECT().SignatureHeader(gomock.Any(), gomock.Any(), gomock.Any()).Return("t=1,v1=a")
	d.transactor.EXPECT().WithinTx(ctx, gomock.Any()).DoAndReturn(runClosure(tx))
	d.repo.EXPECT().Create(ctx, tx, gomock.Any()).Return(nil)
	d.publisher.EXPECT().Publish(ctx, gomock.Any(), 0, time.Duration(0)).Return(nil)

	_, err := d.svc.Enqueue(ctx, ports.EnqueueWebhookParams{
		EventType: domain.EventPaymentCompleted,
		Payload:   map[string]string{},
		URL:       "http://merchant.example.com/hooks",
	})
	assert.NoError(t, err)
}

// ==================== Send Tests ====================

func TestWebhookService_Send_Success(t *testing.T) {
	d := setupWebhookService(t, false)
	defer d.ctrl.Finish()

	ctx := context.Background()
	event := pendingWebhookEvent(0)

	d.repo.EXPECT().GetByID(ctx, event.ID).Return(event, nil)
	d.http.doFunc = func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, event.URL, req.URL.String())
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		assert.Equal(t, event.Signature, req.Header.Get("X-Webhook-Signature"))
		assert.Equal(t, event.ID.String(), req.Header.Get("X-Webhook-Id"))
		assert.Equal(t, event.EventType, req.Header.Get("X-Event-Type"))

		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		assert.Equal(t, []byte(event.Payload), body, "redelivered payload must be byte-identical")
		return httpResponse(200), nil
	}
	d.repo.EXPECT().MarkSent(ctx, event.ID, 1, d.now).Return(nil)

	assert.NoError(t, d.svc.Send(ctx, event.ID))
}

func TestWebhookService_Send_NonSuccessSchedulesRetry(t *testing.T) {
	d := setupWebhookService(t, false)
	defer d.ctrl.Finish()

	ctx := context.Background()
	event := pendingWebhookEvent(0)

	d.repo.EXPECT().GetByID(ctx, event.ID).Return(event, nil)
	d.http.doFunc = func(*http.Request) (*http.Response, error) {
		return httpResponse(500), nil
	}
	d.repo.EXPECT().MarkRetry(ctx, event.ID, 1, d.now.Add(60*time.Second), "endpoint returned 500").Return(nil)
	d.publisher.EXPECT().Publish(ctx, event.ID, 1, 60*time.Second).Return(nil)

	err := d.svc.Send(ctx, event.ID)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestWebhookService_Send_TransportErrorSchedulesRetry(t *testing.T) {
	d := setupWebhookService(t, false)
	defer d.ctrl.Finish()

	ctx := context.Background()
	event := pendingWebhookEvent(1)

	d.repo.EXPECT().GetByID(ctx, event.ID).Return(event, nil)
	d.http.doFunc = func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}
	// Second failure waits per the second schedule entry.
	d.repo.EXPECT().MarkRetry(ctx, event.ID, 2, d.now.Add(300*time.Second), gomock.Any()).Return(nil)
	d.publisher.EXPECT().Publish(ctx, event.ID, 2, 300*time.Second).Return(nil)

	err := d.svc.Send(ctx, event.ID)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestWebhookService_Send_ScheduleClampsToLastDelay(t *testing.T) {
	d := setupWebhookService(t, false)
	defer d.ctrl.Finish()

	ctx := context.Background()
	event := pendingWebhookEvent(5)
	event.MaxAttempts = 8

	d.repo.EXPECT().GetByID(ctx, event.ID).Return(event, nil)
	d.http.doFunc = func(*http.Request) (*http.Response, error) {
		return httpResponse(503), nil
	}
	d.repo.EXPECT().MarkRetry(ctx, event.ID, 6, d.now.Add(3600*time.Second), gomock.Any()).Return(nil)
	d.publisher.EXPECT().Publish(ctx, event.ID, 6, 3600*time.Second).Return(nil)

	err := d.svc.Send(ctx, event.ID)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestWebhookService_Send_ExhaustsAtMaxAttempts(t *testing.T) {
	d := setupWebhookService(t, false)
	defer d.ctrl.Finish()

	ctx := context.Background()
	event := pendingWebhookEvent(4)

	d.repo.EXPECT().GetByID(ctx, event.ID).Return(event, nil)
	d.http.doFunc = func(*http.Request) (*http.Response, error) {
		return httpResponse(500), nil
	}
	// Fifth failure spends the budget; no republish.
	d.repo.EXPECT().MarkFailed(ctx, event.ID, 5, gomock.Any()).Return(nil)

	err := d.svc.Send(ctx, event.ID)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestWebhookService_Send_MissingRow(t *testing.T) {
	d := setupWebhookService(t, false)
	defer d.ctrl.Finish()

	ctx := context.Background()
	id := uuid.New()
	d.repo.EXPECT().GetByID(ctx, id).Return(nil, nil)

	err := d.svc.Send(ctx, id)
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestWebhookService_Send_SkipsSettledEvents(t *testing.T) {
	d := setupWebhookService(t, false)
	defer d.ctrl.Finish()

	ctx := context.Background()
	for _, status := range []domain.WebhookStatus{domain.WebhookStatusSent, domain.WebhookStatusFailed} {
		event := pendingWebhookEvent(1)
		event.Status = status
		d.repo.EXPECT().GetByID(ctx, event.ID).Return(event, nil)

		assert.NoError(t, d.svc.Send(ctx, event.ID), "status %s", status)
	}
}

// ==================== SweepDue Tests ====================

func TestWebhookService_SweepDue_RepublishesDueEvents(t *testing.T) {
	d := setupWebhookService(t, false)
	defer d.ctrl.Finish()

	ctx := context.Background()
	first := pendingWebhookEvent(0)
	second := pendingWebhookEvent(2)

	d.repo.EXPECT().ListDue(ctx, d.now, 100).Return([]domain.WebhookEvent{*first, *second}, nil)
	d.publisher.EXPECT().Publish(ctx, first.ID, 0, time.Duration(0)).Return(nil)
	d.publisher.EXPECT().Publish(ctx, second.ID, 2, time.Duration(0)).Return(errors.New("nats down"))

	published, err := d.svc.SweepDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published, "only successfully republished events count")
}

func TestWebhookService_SweepDue_ListError(t *testing.T) {
	d := setupWebhookService(t, false)
	defer d.ctrl.Finish()

	ctx := context.Background()
	d.repo.EXPECT().ListDue(ctx, d.now, 100).Return(nil, assert.AnError)

	_, err := d.svc.SweepDue(ctx)
	assert.Error(t, err)
}

// ==================== URL Validation Tests ====================

func TestValidateWebhookURL_AcceptsPublicHTTPS(t *testing.T) {
	for _, rawURL := range []string{
		"https://merchant.example.com/hooks",
		"https://hooks.shop.io:8443/payments",
		"https://203.0.113.9/callback",
	} {
		assert.NoError(t, validateWebhookURL(rawURL, false), "url %s", rawURL)
	}
}

func TestValidateWebhookURL_SchemeRules(t *testing.T) {
	assert.Error(t, validateWebhookURL("http://merchant.example.com/hooks", false))
	assert.NoError(t, validateWebhookURL("http://merchant.example.com/hooks", true))
	assert.Error(t, validateWebhookURL("ftp://merchant.example.com/hooks", true))
	assert.Error(t, validateWebhookURL("://bad", true))
}

func TestValidateWebhookURL_LoopbackOnlyWithAllowHTTP(t *testing.T) {
	assert.Error(t, validateWebhookURL("https://127.0.0.1/hooks", false))
	assert.NoError(t, validateWebhookURL("http://127.0.0.1:9090/hooks", true))
	assert.NoError(t, validateWebhookURL("https://[::1]/hooks", true))

	// Everything else in the deny set stays denied in dev mode too.
	assert.Error(t, validateWebhookURL("https://10.0.0.8/hooks", true))
	assert.Error(t, validateWebhookURL("https://localhost/hooks", true))
	assert.Error(t, validateWebhookURL("https://169.254.169.254/latest/meta-data", true))
}
