package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/TitaniumShinobi/vsi-governance/repositories"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const manifestColumns = `
	id, construct_id, user_id, scope, target, action,
	current_state, proposed_state, rationale, risk_level, status, version,
	job_id, result, failure_reason, preview_data, previewed_at,
	approved_by, approved_at, rejected_by, rejected_at, reject_reason,
	queued_at, executed_at, rolled_back_at, created_at, expires_at`

// ManifestRepository implements the repositories.ManifestRepository interface
type ManifestRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewManifestRepository creates a new manifest repository
func NewManifestRepository(db *DB, logger *zap.Logger) repositories.ManifestRepository {
	return &ManifestRepository{
		db:     db,
		logger: logger,
	}
}

// Create persists a new manifest
func (r *ManifestRepository) Create(ctx context.Context, manifest *models.Manifest) error {
	query := `
		INSERT INTO manifests (
			id, construct_id, user_id, scope, target, action,
			current_state, proposed_state, rationale, risk_level, status, version,
			created_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		manifest.ID,
		manifest.ConstructID,
		manifest.UserID,
		manifest.Scope,
		manifest.Target,
		manifest.Action,
		manifest.CurrentState,
		manifest.ProposedState,
		manifest.Rationale,
		manifest.RiskLevel,
		manifest.Status,
		manifest.Version,
		manifest.CreatedAt,
		manifest.ExpiresAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}

	r.logger.Debug("manifest created",
		zap.String("id", manifest.ID.String()),
		zap.String("construct_id", manifest.ConstructID))
	return nil
}

// GetByID retrieves a manifest by ID
func (r *ManifestRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Manifest, error) {
	query := `SELECT` + manifestColumns + ` FROM manifests WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByJobID retrieves the manifest bound to a spooled job
func (r *ManifestRepository) GetByJobID(ctx context.Context, jobID uuid.UUID) (*models.Manifest, error) {
	query := `SELECT` + manifestColumns + ` FROM manifests WHERE job_id = $1`
	return r.getOne(ctx, query, jobID)
}

// ListPending retrieves manifests awaiting a decision or execution, oldest first
func (r *ManifestRepository) ListPending(ctx context.Context) ([]*models.Manifest, error) {
	query := `SELECT` + manifestColumns + `
		FROM manifests
		WHERE status IN ($1, $2, $3)
		ORDER BY created_at ASC`

	return r.queryManifests(ctx, query,
		models.StatusProposed, models.StatusApproved, models.StatusQueued)
}

// ListByConstruct retrieves manifests for a construct with pagination, newest first
func (r *ManifestRepository) ListByConstruct(ctx context.Context, constructID string, limit, offset int) ([]*models.Manifest, error) {
	query := `SELECT` + manifestColumns + `
		FROM manifests
		WHERE construct_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	return r.queryManifests(ctx, query, constructID, limit, offset)
}

// Update persists manifest changes guarded by the version the caller read.
// The WHERE clause pins the expected version so two racing writers cannot
// both win; the loser sees ErrVersionConflict and no rows change.
func (r *ManifestRepository) Update(ctx context.Context, manifest *models.Manifest) error {
	query := `
		UPDATE manifests
		SET status = $2,
		    version = version + 1,
		    job_id = $3,
		    result = $4,
		    failure_reason = $5,
		    preview_data = $6,
		    previewed_at = $7,
		    approved_by = $8,
		    approved_at = $9,
		    rejected_by = $10,
		    rejected_at = $11,
		    reject_reason = $12,
		    queued_at = $13,
		    executed_at = $14,
		    rolled_back_at = $15
		WHERE id = $1 AND version = $16
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		manifest.ID,
		manifest.Status,
		manifest.JobID,
		manifest.Result,
		manifest.FailureReason,
		manifest.PreviewData,
		manifest.PreviewedAt,
		manifest.ApprovedBy,
		manifest.ApprovedAt,
		manifest.RejectedBy,
		manifest.RejectedAt,
		manifest.RejectReason,
		manifest.QueuedAt,
		manifest.ExecutedAt,
		manifest.RolledBackAt,
		manifest.Version,
	)

	if err != nil {
		return fmt.Errorf("failed to update manifest: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// Either the row does not exist or another writer advanced the version.
		if _, getErr := r.GetByID(ctx, manifest.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("manifest %s: %w", manifest.ID, repositories.ErrVersionConflict)
	}

	manifest.Version++

	r.logger.Debug("manifest updated",
		zap.String("id", manifest.ID.String()),
		zap.String("status", string(manifest.Status)),
		zap.Int("version", manifest.Version))
	return nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *ManifestRepository) WithTx(tx repositories.Transaction) repositories.ManifestRepository {
	return &ManifestRepository{
		db:     r.db,
		logger: r.logger,
	}
}

// getOne is a helper method to query a single manifest
func (r *ManifestRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.Manifest, error) {
	executor := GetExecutor(ctx, r.db)
	manifest := &models.Manifest{}

	err := scanManifest(executor.QueryRowContext(ctx, query, arg), manifest)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("manifest %v: %w", arg, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}

	return manifest, nil
}

// queryManifests is a helper method to query multiple manifests
func (r *ManifestRepository) queryManifests(ctx context.Context, query string, args ...interface{}) ([]*models.Manifest, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query manifests: %w", err)
	}
	defer rows.Close()

	var manifests []*models.Manifest
	for rows.Next() {
		manifest := &models.Manifest{}
		if err := scanManifest(rows, manifest); err != nil {
			return nil, fmt.Errorf("failed to scan manifest: %w", err)
		}
		manifests = append(manifests, manifest)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating manifest rows: %w", err)
	}

	return manifests, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanManifest
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanManifest(row rowScanner, m *models.Manifest) error {
	return row.Scan(
		&m.ID,
		&m.ConstructID,
		&m.UserID,
		&m.Scope,
		&m.Target,
		&m.Action,
		&m.CurrentState,
		&m.ProposedState,
		&m.Rationale,
		&m.RiskLevel,
		&m.Status,
		&m.Version,
		&m.JobID,
		&m.Result,
		&m.FailureReason,
		&m.PreviewData,
		&m.PreviewedAt,
		&m.ApprovedBy,
		&m.ApprovedAt,
		&m.RejectedBy,
		&m.RejectedAt,
		&m.RejectReason,
		&m.QueuedAt,
		&m.ExecutedAt,
		&m.RolledBackAt,
		&m.CreatedAt,
		&m.ExpiresAt,
	)
}
