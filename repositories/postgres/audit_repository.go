package postgres

import (
	"context"
	"fmt"

	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/TitaniumShinobi/vsi-governance/repositories"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditRepository implements the repositories.AuditRepository interface.
// The audit trail is append-only: no update or delete statements exist here.
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert appends a new audit entry. The store assigns seq from a sequence so
// entries for a construct read back in insertion order across restarts.
func (r *AuditRepository) Insert(ctx context.Context, entry *models.AuditEntry) error {
	query := `
		INSERT INTO audit_entries (
			id, construct_id, manifest_id, event, user_id, payload, request_id, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING seq
	`

	executor := GetExecutor(ctx, r.db)
	err := executor.QueryRowContext(ctx, query,
		entry.ID,
		entry.ConstructID,
		entry.ManifestID,
		entry.Event,
		entry.UserID,
		entry.Payload,
		entry.RequestID,
		entry.CreatedAt,
	).Scan(&entry.Seq)

	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	r.logger.Debug("audit entry inserted",
		zap.String("id", entry.ID.String()),
		zap.String("event", string(entry.Event)),
		zap.Int64("seq", entry.Seq))
	return nil
}

// GetByConstructID retrieves audit entries for a construct in chronological order
func (r *AuditRepository) GetByConstructID(ctx context.Context, constructID string, limit, offset int) ([]*models.AuditEntry, error) {
	query := `
		SELECT id, seq, construct_id, manifest_id, event, user_id, payload, request_id, created_at
		FROM audit_entries
		WHERE construct_id = $1
		ORDER BY seq ASC
		LIMIT $2 OFFSET $3
	`

	return r.queryEntries(ctx, query, constructID, limit, offset)
}

// GetByManifestID retrieves the audit entries for one manifest in chronological order
func (r *AuditRepository) GetByManifestID(ctx context.Context, manifestID uuid.UUID) ([]*models.AuditEntry, error) {
	query := `
		SELECT id, seq, construct_id, manifest_id, event, user_id, payload, request_id, created_at
		FROM audit_entries
		WHERE manifest_id = $1
		ORDER BY seq ASC
	`

	return r.queryEntries(ctx, query, manifestID)
}

// CountByConstructID returns the number of audit entries for a construct
func (r *AuditRepository) CountByConstructID(ctx context.Context, constructID string) (int64, error) {
	query := `SELECT COUNT(*) FROM audit_entries WHERE construct_id = $1`

	executor := GetExecutor(ctx, r.db)
	var count int64
	if err := executor.QueryRowContext(ctx, query, constructID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	return count, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *AuditRepository) WithTx(tx repositories.Transaction) repositories.AuditRepository {
	return &AuditRepository{
		db:     r.db,
		logger: r.logger,
	}
}

// queryEntries is a helper method to query multiple audit entries
func (r *AuditRepository) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*models.AuditEntry, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		entry := &models.AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Seq,
			&entry.ConstructID,
			&entry.ManifestID,
			&entry.Event,
			&entry.UserID,
			&entry.Payload,
			&entry.RequestID,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entry rows: %w", err)
	}

	return entries, nil
}
