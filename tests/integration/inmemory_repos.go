package integration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// The fakes here back the integration suite: map-based repos guarded by
// mutexes, a transactor whose advisory and row locks are real mutexes (so
// the concurrency scenarios exercise genuine mutual exclusion), and a
// loopback delivery queue standing in for JetStream. Writes apply
// immediately; there is no rollback.

// --- Lock table ---

// lockTable hands out named mutexes, modeling advisory and row locks.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

// acquire blocks until the named lock is held and returns its release func.
func (lt *lockTable) acquire(name string) func() {
	lt.mu.Lock()
	l, ok := lt.locks[name]
	if !ok {
		l = &sync.Mutex{}
		lt.locks[name] = l
	}
	lt.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// --- In-Memory Transactor ---

type inMemoryTransactor struct {
	locks *lockTable
}

func newInMemoryTransactor(locks *lockTable) *inMemoryTransactor {
	return &inMemoryTransactor{locks: locks}
}

func (t *inMemoryTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx := &memTx{}
	defer tx.release()
	return fn(ctx, tx)
}

func (t *inMemoryTransactor) WithAdvisoryLock(ctx context.Context, tx pgx.Tx, key string) error {
	mt, ok := tx.(*memTx)
	if !ok {
		return fmt.Errorf("advisory lock requires a memTx, got %T", tx)
	}
	mt.hold(t.locks.acquire("advisory:" + key))
	return nil
}

// memTx is a no-op pgx.Tx that carries the locks taken during the
// transaction. They release when the transactor's callback returns,
// mirroring transaction-scoped locks in Postgres.
type memTx struct {
	releases []func()
}

func (t *memTx) hold(release func()) {
	t.releases = append(t.releases, release)
}

func (t *memTx) release() {
	for i := len(t.releases) - 1; i >= 0; i-- {
		t.releases[i]()
	}
	t.releases = nil
}

func (t *memTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *memTx) Commit(ctx context.Context) error          { return nil }
func (t *memTx) Rollback(ctx context.Context) error        { return nil }
func (t *memTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *memTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *memTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *memTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *memTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *memTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *memTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}
func (t *memTx) Conn() *pgx.Conn { return nil }

// --- In-Memory Payment Repo ---

type inMemoryPaymentRepo struct {
	mu       sync.RWMutex
	payments map[uuid.UUID]*domain.Payment
	locks    *lockTable
}

func newInMemoryPaymentRepo(locks *lockTable) *inMemoryPaymentRepo {
	return &inMemoryPaymentRepo{payments: make(map[uuid.UUID]*domain.Payment), locks: locks}
}

func (r *inMemoryPaymentRepo) Create(ctx context.Context, tx pgx.Tx, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ExternalID != nil {
		for _, existing := range r.payments {
			if existing.MerchantID == p.MerchantID && existing.ExternalID != nil && *existing.ExternalID == *p.ExternalID {
				return fmt.Errorf("external id %q already used", *p.ExternalID)
			}
		}
	}
	r.payments[p.ID] = clonePayment(p)
	return nil
}

func (r *inMemoryPaymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, nil
	}
	return clonePayment(p), nil
}

// GetByIDForUpdate takes the payment's row lock for the rest of the
// transaction before reading.
func (r *inMemoryPaymentRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Payment, error) {
	if mt, ok := tx.(*memTx); ok {
		mt.hold(r.locks.acquire("payment:" + id.String()))
	}
	return r.GetByID(ctx, id)
}

func (r *inMemoryPaymentRepo) GetByProviderReference(ctx context.Context, provider string, providerTxID string) (*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.payments {
		if p.Provider == provider && p.ProviderTransactionID != nil && *p.ProviderTransactionID == providerTxID {
			return clonePayment(p), nil
		}
	}
	return nil, nil
}

func (r *inMemoryPaymentRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status domain.PaymentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return fmt.Errorf("payment not found: %s", id)
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *inMemoryPaymentRepo) SetProviderReference(ctx context.Context, tx pgx.Tx, id uuid.UUID, providerTxID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return fmt.Errorf("payment not found: %s", id)
	}
	ref := providerTxID
	p.ProviderTransactionID = &ref
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *inMemoryPaymentRepo) List(ctx context.Context, params ports.PaymentListParams) ([]domain.Payment, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []domain.Payment
	for _, p := range r.payments {
		if p.MerchantID != params.MerchantID {
			continue
		}
		if params.Status != nil && p.Status != *params.Status {
			continue
		}
		if params.Provider != nil && p.Provider != *params.Provider {
			continue
		}
		if params.From != nil && p.CreatedAt.Before(*params.From) {
			continue
		}
		if params.To != nil && p.CreatedAt.After(*params.To) {
			continue
		}
		matched = append(matched, *clonePayment(p))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := int64(len(matched))

	if params.Offset >= len(matched) {
		return []domain.Payment{}, total, nil
	}
	end := params.Offset + params.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[params.Offset:end], total, nil
}

func clonePayment(p *domain.Payment) *domain.Payment {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// --- In-Memory Refund Repo ---

type inMemoryRefundRepo struct {
	mu      sync.RWMutex
	refunds map[uuid.UUID]*domain.Refund
}

func newInMemoryRefundRepo() *inMemoryRefundRepo {
	return &inMemoryRefundRepo{refunds: make(map[uuid.UUID]*domain.Refund)}
}

func (r *inMemoryRefundRepo) Create(ctx context.Context, tx pgx.Tx, refund *domain.Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *refund
	r.refunds[refund.ID] = &cp
	return nil
}

func (r *inMemoryRefundRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Refund, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rf, ok := r.refunds[id]
	if !ok {
		return nil, nil
	}
	cp := *rf
	return &cp, nil
}

func (r *inMemoryRefundRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status domain.RefundStatus, providerRefundID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, ok := r.refunds[id]
	if !ok {
		return fmt.Errorf("refund not found: %s", id)
	}
	rf.Status = status
	if providerRefundID != nil {
		ref := *providerRefundID
		rf.ProviderRefundID = &ref
	}
	rf.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *inMemoryRefundRepo) ListByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]domain.Refund, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []domain.Refund
	for _, rf := range r.refunds {
		if rf.PaymentID == paymentID {
			result = append(result, *rf)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *inMemoryRefundRepo) Totals(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID) (*domain.RefundTotals, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	totals := &domain.RefundTotals{Completed: decimal.Zero, Pending: decimal.Zero}
	for _, rf := range r.refunds {
		if rf.PaymentID != paymentID {
			continue
		}
		switch rf.Status {
		case domain.RefundStatusCompleted:
			totals.Completed = totals.Completed.Add(rf.Amount)
		case domain.RefundStatusPending:
			totals.Pending = totals.Pending.Add(rf.Amount)
		}
	}
	return totals, nil
}

// --- In-Memory Transaction Repo ---

type inMemoryTransactionRepo struct {
	mu           sync.RWMutex
	transactions map[uuid.UUID]*domain.Transaction
}

func newInMemoryTransactionRepo() *inMemoryTransactionRepo {
	return &inMemoryTransactionRepo{transactions: make(map[uuid.UUID]*domain.Transaction)}
}

func (r *inMemoryTransactionRepo) Create(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.transactions[t.ID] = &cp
	return nil
}

func (r *inMemoryTransactionRepo) ListByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []domain.Transaction
	for _, t := range r.transactions {
		if t.PaymentID == paymentID {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// --- In-Memory Idempotency Repo ---

type inMemoryIdempotencyRepo struct {
	mu      sync.RWMutex
	records map[string]*domain.IdempotencyRecord
}

func newInMemoryIdempotencyRepo() *inMemoryIdempotencyRepo {
	return &inMemoryIdempotencyRepo{records: make(map[string]*domain.IdempotencyRecord)}
}

func idemKey(key string, merchantID uuid.UUID) string {
	return key + "|" + merchantID.String()
}

func (r *inMemoryIdempotencyRepo) Get(ctx context.Context, key string, merchantID uuid.UUID) (*domain.IdempotencyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[idemKey(key, merchantID)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// Create claims the (key, merchant) pair. A live record wins over the new
// claimant; an expired one is overwritten, matching the SQL upsert.
func (r *inMemoryIdempotencyRepo) Create(ctx context.Context, tx pgx.Tx, record *domain.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := idemKey(record.Key, record.MerchantID)
	if existing, ok := r.records[k]; ok && existing.ExpiresAt.After(record.CreatedAt) {
		return ports.ErrIdempotencyKeyHeld
	}
	cp := *record
	r.records[k] = &cp
	return nil
}

func (r *inMemoryIdempotencyRepo) Complete(ctx context.Context, key string, merchantID uuid.UUID, statusCode int, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[idemKey(key, merchantID)]
	if !ok {
		return fmt.Errorf("idempotency record not found: %s", key)
	}
	rec.Status = domain.IdempotencyStatusCompleted
	code := statusCode
	rec.ResponseStatusCode = &code
	rec.ResponseBody = append([]byte(nil), body...)
	return nil
}

func (r *inMemoryIdempotencyRepo) Delete(ctx context.Context, key string, merchantID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, idemKey(key, merchantID))
	return nil
}

func (r *inMemoryIdempotencyRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged int64
	for k, rec := range r.records {
		if !rec.ExpiresAt.After(now) {
			delete(r.records, k)
			purged++
		}
	}
	return purged, nil
}

// --- In-Memory Webhook Repo ---

type inMemoryWebhookRepo struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*domain.WebhookEvent
}

func newInMemoryWebhookRepo() *inMemoryWebhookRepo {
	return &inMemoryWebhookRepo{events: make(map[uuid.UUID]*domain.WebhookEvent)}
}

func (r *inMemoryWebhookRepo) Create(ctx context.Context, tx pgx.Tx, event *domain.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *event
	r.events[event.ID] = &cp
	return nil
}

func (r *inMemoryWebhookRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.events[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *inMemoryWebhookRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var due []domain.WebhookEvent
	for _, e := range r.events {
		if e.Status != domain.WebhookStatusPending || e.Attempts >= e.MaxAttempts {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		due = append(due, *e)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *inMemoryWebhookRepo) MarkSent(ctx context.Context, id uuid.UUID, attempts int, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return fmt.Errorf("webhook event not found: %s", id)
	}
	e.Status = domain.WebhookStatusSent
	e.Attempts = attempts
	at := sentAt
	e.SentAt = &at
	e.NextRetryAt = nil
	e.LastError = nil
	return nil
}

func (r *inMemoryWebhookRepo) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return fmt.Errorf("webhook event not found: %s", id)
	}
	e.Attempts = attempts
	at := nextRetryAt
	e.NextRetryAt = &at
	msg := lastError
	e.LastError = &msg
	return nil
}

func (r *inMemoryWebhookRepo) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return fmt.Errorf("webhook event not found: %s", id)
	}
	e.Status = domain.WebhookStatusFailed
	e.Attempts = attempts
	e.NextRetryAt = nil
	msg := lastError
	e.LastError = &msg
	return nil
}

// all snapshots every stored event, for test assertions.
func (r *inMemoryWebhookRepo) all() []domain.WebhookEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make([]domain.WebhookEvent, 0, len(r.events))
	for _, e := range r.events {
		events = append(events, *e)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events
}

// --- In-Memory Audit Repo ---

type inMemoryAuditRepo struct {
	mu      sync.RWMutex
	entries []domain.AuditLog
}

func newInMemoryAuditRepo() *inMemoryAuditRepo {
	return &inMemoryAuditRepo{}
}

func (r *inMemoryAuditRepo) Create(ctx context.Context, tx pgx.Tx, entry *domain.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *inMemoryAuditRepo) ListByEntity(ctx context.Context, entityType, entityID string) ([]domain.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []domain.AuditLog
	for _, e := range r.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// --- In-Memory API Key Repo ---

type inMemoryAPIKeyRepo struct {
	mu   sync.RWMutex
	keys map[uuid.UUID]*domain.APIKey
}

func newInMemoryAPIKeyRepo() *inMemoryAPIKeyRepo {
	return &inMemoryAPIKeyRepo{keys: make(map[uuid.UUID]*domain.APIKey)}
}

func (r *inMemoryAPIKeyRepo) Create(ctx context.Context, key *domain.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *key
	r.keys[key.ID] = &cp
	return nil
}

func (r *inMemoryAPIKeyRepo) GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.keys {
		if k.KeyHash == keyHash && k.Active {
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *inMemoryAPIKeyRepo) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return fmt.Errorf("api key not found: %s", id)
	}
	touched := at
	k.LastUsedAt = &touched
	return nil
}

// --- Loopback delivery queue ---

// loopbackQueue implements the delivery publisher and consumer over a
// buffered channel, standing in for JetStream. Delays and retry redelivery
// use timers, as the broker adapter does.
type loopbackQueue struct {
	ch chan uuid.UUID
}

func newLoopbackQueue() *loopbackQueue {
	return &loopbackQueue{ch: make(chan uuid.UUID, 256)}
}

func (q *loopbackQueue) Publish(ctx context.Context, webhookID uuid.UUID, attempt int, delay time.Duration) error {
	if delay <= 0 {
		q.ch <- webhookID
		return nil
	}
	time.AfterFunc(delay, func() {
		select {
		case q.ch <- webhookID:
		default:
		}
	})
	return nil
}

func (q *loopbackQueue) Consume(ctx context.Context, handler func(ctx context.Context, webhookID uuid.UUID) ports.Disposition) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-q.ch:
			if handler(ctx, id) == ports.DispositionRetry {
				q.requeue(id)
			}
		}
	}
}

func (q *loopbackQueue) requeue(id uuid.UUID) {
	time.AfterFunc(5*time.Millisecond, func() {
		select {
		case q.ch <- id:
		default:
		}
	})
}
