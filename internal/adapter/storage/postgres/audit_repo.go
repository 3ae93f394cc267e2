package postgres

import (
	"context"
	"fmt"

	"payment-orchestrator/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// AuditRepo implements ports.AuditRepository. The table is append-only;
// there is no update or delete path.
type AuditRepo struct {
	pool Pool
}

// NewAuditRepo creates a new AuditRepo.
func NewAuditRepo(pool Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// Create appends an audit row within a database transaction, so the record
// commits atomically with the change it describes.
func (r *AuditRepo) Create(ctx context.Context, tx pgx.Tx, entry *domain.AuditLog) error {
	query := `INSERT INTO audit_logs (id, entity_type, entity_id, action, old_values, new_values,
		actor, actor_type, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := tx.Exec(ctx, query,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action,
		[]byte(entry.OldValues), []byte(entry.NewValues),
		entry.Actor, entry.ActorType, entry.IPAddress, entry.UserAgent, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListByEntity fetches the audit trail for one entity, oldest first.
func (r *AuditRepo) ListByEntity(ctx context.Context, entityType, entityID string) ([]domain.AuditLog, error) {
	query := `SELECT id, entity_type, entity_id, action, old_values, new_values,
		actor, actor_type, ip_address, user_agent, created_at
		FROM audit_logs WHERE entity_type = $1 AND entity_id = $2 ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditLog
	for rows.Next() {
		entry := domain.AuditLog{}
		var oldValues, newValues []byte
		err := rows.Scan(
			&entry.ID, &entry.EntityType, &entry.EntityID, &entry.Action,
			&oldValues, &newValues,
			&entry.Actor, &entry.ActorType, &entry.IPAddress, &entry.UserAgent, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit log row: %w", err)
		}
		entry.OldValues = oldValues
		entry.NewValues = newValues
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log rows: %w", err)
	}
	return entries, nil
}
