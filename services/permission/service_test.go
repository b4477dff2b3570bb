package permission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/TitaniumShinobi/vsi-governance/repositories/memory"
	"github.com/TitaniumShinobi/vsi-governance/services"
)

// countingPolicyRepo tracks how often the store is actually read
type countingPolicyRepo struct {
	*memory.PolicyRepository
	mu    sync.Mutex
	reads int
}

func newCountingPolicyRepo() *countingPolicyRepo {
	return &countingPolicyRepo{PolicyRepository: memory.NewPolicyRepository()}
}

func (r *countingPolicyRepo) GetByConstructID(ctx context.Context, constructID string) (*models.ConstructPolicy, error) {
	r.mu.Lock()
	r.reads++
	r.mu.Unlock()
	return r.PolicyRepository.GetByConstructID(ctx, constructID)
}

func (r *countingPolicyRepo) Reads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

func novaPolicy() *models.ConstructPolicy {
	return &models.ConstructPolicy{
		ConstructID:     "vsi-nova",
		PermittedScopes: []string{"ui.theme", "memory.index"},
		Rules: map[string]models.PolicyGate{
			models.RuleKey("ui.theme", models.RiskHigh): {RequiresApproval: true},
		},
		UpdatedAt: time.Now().UTC(),
	}
}

func TestGetPolicy_CachesReads(t *testing.T) {
	repo := newCountingPolicyRepo()
	require.NoError(t, repo.Upsert(context.Background(), novaPolicy()))

	svc := NewPermissionService(repo, zap.NewNop(), time.Minute)

	for i := 0; i < 3; i++ {
		policy, err := svc.GetPolicy(context.Background(), "vsi-nova")
		require.NoError(t, err)
		assert.True(t, policy.PermitsScope("ui.theme"))
	}

	assert.Equal(t, 1, repo.Reads())

	stats := svc.CacheStats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestGetPolicy_UnknownConstructDeniesAll(t *testing.T) {
	repo := newCountingPolicyRepo()
	svc := NewPermissionService(repo, zap.NewNop(), time.Minute)

	policy, err := svc.GetPolicy(context.Background(), "vsi-ghost")
	require.NoError(t, err)
	assert.Empty(t, policy.PermittedScopes)
	assert.False(t, policy.PermitsScope("ui.theme"))

	// The deny-all answer is cached like any other
	_, err = svc.GetPolicy(context.Background(), "vsi-ghost")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.Reads())
}

func TestGetPolicy_InvalidateRefreshes(t *testing.T) {
	repo := newCountingPolicyRepo()
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, novaPolicy()))

	svc := NewPermissionService(repo, zap.NewNop(), time.Minute)

	policy, err := svc.GetPolicy(ctx, "vsi-nova")
	require.NoError(t, err)
	assert.Len(t, policy.PermittedScopes, 2)

	// The store changes behind the cache
	updated := novaPolicy()
	updated.PermittedScopes = []string{"ui.theme"}
	require.NoError(t, repo.Upsert(ctx, updated))

	cached, err := svc.GetPolicy(ctx, "vsi-nova")
	require.NoError(t, err)
	assert.Len(t, cached.PermittedScopes, 2)

	svc.Invalidate("vsi-nova")

	fresh, err := svc.GetPolicy(ctx, "vsi-nova")
	require.NoError(t, err)
	assert.Len(t, fresh.PermittedScopes, 1)
	assert.Equal(t, 2, repo.Reads())
}

func TestGetPolicy_CacheEntriesExpire(t *testing.T) {
	repo := newCountingPolicyRepo()
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, novaPolicy()))

	svc := NewPermissionService(repo, zap.NewNop(), 10*time.Millisecond)

	_, err := svc.GetPolicy(ctx, "vsi-nova")
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	_, err = svc.GetPolicy(ctx, "vsi-nova")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.Reads())
}

// failingPolicyRepo returns a store error that is not a missing policy
type failingPolicyRepo struct {
	*memory.PolicyRepository
}

func (r failingPolicyRepo) GetByConstructID(ctx context.Context, constructID string) (*models.ConstructPolicy, error) {
	return nil, errors.New("connection reset")
}

func TestGetPolicy_StoreError(t *testing.T) {
	repo := failingPolicyRepo{memory.NewPolicyRepository()}
	svc := NewPermissionService(repo, zap.NewNop(), time.Minute)

	_, err := svc.GetPolicy(context.Background(), "vsi-nova")
	require.Error(t, err)
	assert.True(t, services.IsInternalError(err))
}

func TestGetPermissions(t *testing.T) {
	repo := newCountingPolicyRepo()
	require.NoError(t, repo.Upsert(context.Background(), novaPolicy()))

	svc := NewPermissionService(repo, zap.NewNop(), time.Minute)

	set, err := svc.GetPermissions(context.Background(), "vsi-nova")
	require.NoError(t, err)

	assert.Equal(t, "vsi-nova", set.ConstructID)
	assert.ElementsMatch(t, []string{"ui.theme", "memory.index"}, set.Scopes)
	assert.Len(t, set.Gates, 2*len(models.RiskLevels))

	// The explicit rule overrides the default for that cell only
	assert.Equal(t, models.PolicyGate{RequiresApproval: true},
		set.Gates[models.RuleKey("ui.theme", models.RiskHigh)])
	assert.Equal(t, models.DefaultGate(models.RiskHigh),
		set.Gates[models.RuleKey("memory.index", models.RiskHigh)])
	assert.Equal(t, models.PolicyGate{},
		set.Gates[models.RuleKey("ui.theme", models.RiskLow)])
}

func TestPolicyCache_LRUEviction(t *testing.T) {
	cache := NewPolicyCache(2, time.Minute)

	cache.Set("vsi-a", models.EmptyPolicy("vsi-a"))
	cache.Set("vsi-b", models.EmptyPolicy("vsi-b"))

	// Touch vsi-a so vsi-b is the eviction candidate
	require.NotNil(t, cache.Get("vsi-a"))

	cache.Set("vsi-c", models.EmptyPolicy("vsi-c"))

	assert.NotNil(t, cache.Get("vsi-a"))
	assert.Nil(t, cache.Get("vsi-b"))
	assert.NotNil(t, cache.Get("vsi-c"))
	assert.Equal(t, 2, cache.Stats().Size)
}

func TestPolicyCache_Expiry(t *testing.T) {
	cache := NewPolicyCache(4, 10*time.Millisecond)

	cache.Set("vsi-a", models.EmptyPolicy("vsi-a"))
	require.NotNil(t, cache.Get("vsi-a"))

	time.Sleep(25 * time.Millisecond)

	assert.Nil(t, cache.Get("vsi-a"))
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestPolicyCache_Clear(t *testing.T) {
	cache := NewPolicyCache(4, time.Minute)

	cache.Set("vsi-a", models.EmptyPolicy("vsi-a"))
	cache.Set("vsi-b", models.EmptyPolicy("vsi-b"))
	cache.Clear()

	assert.Nil(t, cache.Get("vsi-a"))
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestPolicyCache_Stats(t *testing.T) {
	cache := NewPolicyCache(4, time.Minute)

	cache.Set("vsi-a", models.EmptyPolicy("vsi-a"))
	cache.Get("vsi-a")
	cache.Get("vsi-a")
	cache.Get("vsi-missing")

	stats := cache.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 0.001)
	assert.Equal(t, 4, stats.MaxSize)
}
