// Package memory provides in-memory implementations of the repository
// interfaces. They back service tests and embedded single-process
// deployments where postgres is not available.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/TitaniumShinobi/vsi-governance/repositories"
	"github.com/google/uuid"
)

// NewRepositories creates a full set of in-memory repositories.
func NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Manifests: NewManifestRepository(),
		Policies:  NewPolicyRepository(),
		AuditLogs: NewAuditRepository(),
	}
}

// ManifestRepository is an in-memory repositories.ManifestRepository.
type ManifestRepository struct {
	mu        sync.RWMutex
	manifests map[uuid.UUID]models.Manifest
}

// NewManifestRepository creates an empty in-memory manifest repository.
func NewManifestRepository() *ManifestRepository {
	return &ManifestRepository{manifests: map[uuid.UUID]models.Manifest{}}
}

// Create persists a new manifest
func (r *ManifestRepository) Create(ctx context.Context, manifest *models.Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.manifests[manifest.ID]; exists {
		return fmt.Errorf("manifest %s already exists", manifest.ID)
	}
	r.manifests[manifest.ID] = *manifest
	return nil
}

// GetByID retrieves a manifest by ID
func (r *ManifestRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.manifests[id]
	if !ok {
		return nil, fmt.Errorf("manifest %s: %w", id, repositories.ErrNotFound)
	}
	return &m, nil
}

// GetByJobID retrieves the manifest bound to a spooled job
func (r *ManifestRepository) GetByJobID(ctx context.Context, jobID uuid.UUID) (*models.Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.manifests {
		if m.JobID != nil && *m.JobID == jobID {
			m := m
			return &m, nil
		}
	}
	return nil, fmt.Errorf("job %s: %w", jobID, repositories.ErrNotFound)
}

// ListPending retrieves manifests awaiting a decision or execution, oldest first
func (r *ManifestRepository) ListPending(ctx context.Context) ([]*models.Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var pending []*models.Manifest
	for _, m := range r.manifests {
		if m.Status.IsPending() {
			m := m
			pending = append(pending, &m)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// ListByConstruct retrieves manifests for a construct with pagination, newest first
func (r *ManifestRepository) ListByConstruct(ctx context.Context, constructID string, limit, offset int) ([]*models.Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Manifest
	for _, m := range r.manifests {
		if m.ConstructID == constructID {
			m := m
			matched = append(matched, &m)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// Update persists manifest changes guarded by the version the caller read
func (r *ManifestRepository) Update(ctx context.Context, manifest *models.Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.manifests[manifest.ID]
	if !ok {
		return fmt.Errorf("manifest %s: %w", manifest.ID, repositories.ErrNotFound)
	}
	if stored.Version != manifest.Version {
		return fmt.Errorf("manifest %s: %w", manifest.ID, repositories.ErrVersionConflict)
	}

	manifest.Version++
	r.manifests[manifest.ID] = *manifest
	return nil
}

// WithTx returns the repository itself; the in-memory store has no transactions
func (r *ManifestRepository) WithTx(tx repositories.Transaction) repositories.ManifestRepository {
	return r
}

// PolicyRepository is an in-memory repositories.PolicyRepository.
type PolicyRepository struct {
	mu       sync.RWMutex
	policies map[string]models.ConstructPolicy
}

// NewPolicyRepository creates an empty in-memory policy repository.
func NewPolicyRepository() *PolicyRepository {
	return &PolicyRepository{policies: map[string]models.ConstructPolicy{}}
}

// GetByConstructID retrieves the policy document for a construct
func (r *PolicyRepository) GetByConstructID(ctx context.Context, constructID string) (*models.ConstructPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[constructID]
	if !ok {
		return nil, fmt.Errorf("policy for construct %s: %w", constructID, repositories.ErrNotFound)
	}
	return &p, nil
}

// Upsert creates or replaces a construct's policy document
func (r *PolicyRepository) Upsert(ctx context.Context, policy *models.ConstructPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.policies[policy.ConstructID] = *policy
	return nil
}

// List retrieves all construct policies
func (r *PolicyRepository) List(ctx context.Context) ([]*models.ConstructPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	policies := make([]*models.ConstructPolicy, 0, len(r.policies))
	for _, p := range r.policies {
		p := p
		policies = append(policies, &p)
	}
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].ConstructID < policies[j].ConstructID
	})
	return policies, nil
}

// WithTx returns the repository itself; the in-memory store has no transactions
func (r *PolicyRepository) WithTx(tx repositories.Transaction) repositories.PolicyRepository {
	return r
}

// AuditRepository is an in-memory repositories.AuditRepository.
type AuditRepository struct {
	mu      sync.RWMutex
	entries []models.AuditEntry
	nextSeq int64
}

// NewAuditRepository creates an empty in-memory audit repository.
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{nextSeq: 1}
}

// Insert appends a new audit entry and assigns its Seq
func (r *AuditRepository) Insert(ctx context.Context, entry *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.Seq = r.nextSeq
	r.nextSeq++
	r.entries = append(r.entries, *entry)
	return nil
}

// GetByConstructID retrieves audit entries for a construct in chronological order
func (r *AuditRepository) GetByConstructID(ctx context.Context, constructID string, limit, offset int) ([]*models.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.AuditEntry
	for i := range r.entries {
		if r.entries[i].ConstructID == constructID {
			e := r.entries[i]
			matched = append(matched, &e)
		}
	}

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// GetByManifestID retrieves the audit entries for one manifest in chronological order
func (r *AuditRepository) GetByManifestID(ctx context.Context, manifestID uuid.UUID) ([]*models.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.AuditEntry
	for i := range r.entries {
		if r.entries[i].ManifestID == manifestID {
			e := r.entries[i]
			matched = append(matched, &e)
		}
	}
	return matched, nil
}

// CountByConstructID returns the number of audit entries for a construct
func (r *AuditRepository) CountByConstructID(ctx context.Context, constructID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var count int64
	for i := range r.entries {
		if r.entries[i].ConstructID == constructID {
			count++
		}
	}
	return count, nil
}

// WithTx returns the repository itself; the in-memory store has no transactions
func (r *AuditRepository) WithTx(tx repositories.Transaction) repositories.AuditRepository {
	return r
}

// TransactionManager is a pass-through repositories.TransactionManager for
// the in-memory stores: the callback runs directly on the caller's context.
type TransactionManager struct{}

// NewTransactionManager creates a pass-through transaction manager.
func NewTransactionManager() *TransactionManager {
	return &TransactionManager{}
}

// Begin starts a no-op transaction
func (tm *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return &noopTransaction{ctx: ctx}, nil
}

// InTransaction executes fn directly; there is nothing to commit or roll back
func (tm *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	return fn(ctx, &noopTransaction{ctx: ctx})
}

type noopTransaction struct {
	ctx context.Context
}

func (t *noopTransaction) Commit() error            { return nil }
func (t *noopTransaction) Rollback() error          { return nil }
func (t *noopTransaction) Context() context.Context { return t.ctx }
