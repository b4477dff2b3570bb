// Package permission resolves what a construct is allowed to touch and which
// gates apply. It is read-only by design: policies change through startup
// seeding or operator tooling, never through the manifest flow itself.
package permission

import (
	"context"
	"errors"
	"time"

	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/TitaniumShinobi/vsi-governance/repositories"
	"github.com/TitaniumShinobi/vsi-governance/services"
	"go.uber.org/zap"
)

const defaultCacheSize = 512

// PermissionService serves construct policies with an LRU cache in front of
// the policy repository. Unknown constructs resolve to a deny-all policy.
type PermissionService struct {
	policyRepo repositories.PolicyRepository
	cache      *PolicyCache
	logger     *zap.Logger
}

// NewPermissionService creates a new PermissionService instance
func NewPermissionService(policyRepo repositories.PolicyRepository, logger *zap.Logger, cacheTTL time.Duration) *PermissionService {
	return &PermissionService{
		policyRepo: policyRepo,
		cache:      NewPolicyCache(defaultCacheSize, cacheTTL),
		logger:     logger,
	}
}

// GetPolicy returns the policy document for a construct. A construct without
// a stored policy gets the empty deny-all policy: permission failures must
// fail closed, never open.
func (s *PermissionService) GetPolicy(ctx context.Context, constructID string) (*models.ConstructPolicy, error) {
	if cached := s.cache.Get(constructID); cached != nil {
		return cached, nil
	}

	policy, err := s.policyRepo.GetByConstructID(ctx, constructID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			s.logger.Debug("no policy for construct, denying all scopes",
				zap.String("construct_id", constructID))
			empty := models.EmptyPolicy(constructID)
			s.cache.Set(constructID, empty)
			return empty, nil
		}
		return nil, services.WrapInternal("failed to load construct policy", err)
	}

	s.cache.Set(constructID, policy)
	return policy, nil
}

// GetPermissions returns the fully resolved permission set for a construct:
// every permitted scope crossed with every risk level, defaults applied.
func (s *PermissionService) GetPermissions(ctx context.Context, constructID string) (models.PermissionSet, error) {
	policy, err := s.GetPolicy(ctx, constructID)
	if err != nil {
		return models.PermissionSet{}, err
	}
	return policy.Resolve(), nil
}

// Invalidate drops a construct's cached policy so the next read hits the store.
func (s *PermissionService) Invalidate(constructID string) {
	s.cache.Invalidate(constructID)
}

// CacheStats exposes cache statistics for diagnostics.
func (s *PermissionService) CacheStats() CacheStats {
	return s.cache.Stats()
}
