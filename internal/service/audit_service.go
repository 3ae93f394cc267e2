package service

import (
	"context"
	"fmt"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// AuditServiceImpl implements ports.AuditService over an append-only table.
type AuditServiceImpl struct {
	repo       ports.AuditRepository
	transactor ports.Transactor
	log        zerolog.Logger
	now        func() time.Time
}

// NewAuditService creates a new AuditServiceImpl.
func NewAuditService(repo ports.AuditRepository, transactor ports.Transactor, log zerolog.Logger) *AuditServiceImpl {
	return &AuditServiceImpl{
		repo:       repo,
		transactor: transactor,
		log:        log,
		now:        time.Now,
	}
}

// Record appends an entry inside the caller's transaction so the trail
// commits or rolls back with the change it describes.
func (s *AuditServiceImpl) Record(ctx context.Context, tx pgx.Tx, entry *domain.AuditLog) error {
	s.stamp(entry)
	if err := s.repo.Create(ctx, tx, entry); err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// RecordAsync appends an entry outside any caller transaction, fire-and-forget.
// Persistence failures are logged and swallowed; audit must never take the
// request path down with it.
func (s *AuditServiceImpl) RecordAsync(ctx context.Context, entry *domain.AuditLog) {
	s.stamp(entry)
	go func() {
		err := s.transactor.WithinTx(context.Background(), func(ctx context.Context, tx pgx.Tx) error {
			return s.repo.Create(ctx, tx, entry)
		})
		if err != nil {
			s.log.Warn().Err(err).
				Str("entity_type", entry.EntityType).
				Str("entity_id", entry.EntityID).
				Str("action", entry.Action).
				Msg("failed to persist audit entry")
		}
	}()
}

func (s *AuditServiceImpl) stamp(entry *domain.AuditLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	if entry.ActorType == "" {
		entry.ActorType = domain.ActorTypeSystem
	}
}
