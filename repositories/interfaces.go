package repositories

import (
	"context"
	"errors"

	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/google/uuid"
)

// Sentinel errors returned by repository implementations. Services translate
// these into domain errors; handlers never see them directly.
var (
	// ErrNotFound indicates the requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates a version-guarded update matched no row
	// because another writer got there first
	ErrVersionConflict = errors.New("version conflict")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// ManifestRepository handles manifest data operations. Manifests are never
// deleted; updates are version-guarded so concurrent writers cannot both win.
type ManifestRepository interface {
	// Create persists a new manifest
	Create(ctx context.Context, manifest *models.Manifest) error

	// GetByID retrieves a manifest by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Manifest, error)

	// GetByJobID retrieves the manifest bound to a spooled job
	GetByJobID(ctx context.Context, jobID uuid.UUID) (*models.Manifest, error)

	// ListPending retrieves manifests awaiting a decision or execution
	// (proposed, approved, queued), oldest first
	ListPending(ctx context.Context) ([]*models.Manifest, error)

	// ListByConstruct retrieves manifests for a construct with pagination, newest first
	ListByConstruct(ctx context.Context, constructID string, limit, offset int) ([]*models.Manifest, error)

	// Update persists manifest changes guarded by the version the caller read.
	// Returns ErrVersionConflict when the row moved on; on success the
	// manifest's Version is advanced to the stored value.
	Update(ctx context.Context, manifest *models.Manifest) error

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) ManifestRepository
}

// PolicyRepository handles construct policy reads and seeding. The governance
// core never mutates policies outside of startup seeding.
type PolicyRepository interface {
	// GetByConstructID retrieves the policy document for a construct
	GetByConstructID(ctx context.Context, constructID string) (*models.ConstructPolicy, error)

	// Upsert creates or replaces a construct's policy document (startup seeding)
	Upsert(ctx context.Context, policy *models.ConstructPolicy) error

	// List retrieves all construct policies
	List(ctx context.Context) ([]*models.ConstructPolicy, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) PolicyRepository
}

// AuditRepository handles append-only audit trail operations. Entries are
// only ever inserted; there is no update or delete.
type AuditRepository interface {
	// Insert appends a new audit entry and fills in its store-assigned Seq
	Insert(ctx context.Context, entry *models.AuditEntry) error

	// GetByConstructID retrieves audit entries for a construct in
	// chronological (Seq ascending) order with pagination
	GetByConstructID(ctx context.Context, constructID string, limit, offset int) ([]*models.AuditEntry, error)

	// GetByManifestID retrieves the audit entries for one manifest in
	// chronological order
	GetByManifestID(ctx context.Context, manifestID uuid.UUID) ([]*models.AuditEntry, error)

	// CountByConstructID returns the number of audit entries for a construct
	CountByConstructID(ctx context.Context, constructID string) (int64, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) AuditRepository
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Manifests ManifestRepository
	Policies  PolicyRepository
	AuditLogs AuditRepository
}
