package manifest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TitaniumShinobi/vsi-governance/config"
	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/TitaniumShinobi/vsi-governance/repositories/memory"
	"github.com/TitaniumShinobi/vsi-governance/services"
	"github.com/TitaniumShinobi/vsi-governance/services/audit"
	"github.com/TitaniumShinobi/vsi-governance/services/capability"
	"github.com/TitaniumShinobi/vsi-governance/services/permission"
	"github.com/TitaniumShinobi/vsi-governance/spool"
)

func testGovernance() config.GovernanceConfig {
	return config.GovernanceConfig{
		Scopes:      []string{"ui.theme", "ui.layout", "persona.profile", "memory.index", "files.workspace"},
		ActionTypes: []string{"create", "update", "delete", "rename"},
		TTLLow:      72 * time.Hour,
		TTLMedium:   24 * time.Hour,
		TTLHigh:     6 * time.Hour,
		TTLCritical: time.Hour,
	}
}

type testEnv struct {
	svc         *ManifestService
	manifests   *memory.ManifestRepository
	policies    *memory.PolicyRepository
	permissions *permission.PermissionService
	auditSvc    *audit.AuditService
	registry    *capability.Registry
	store       *capability.MemoryStateStore
	jobSpool    *spool.Spool
}

// newTestEnv wires a full service over in-memory stores: the statepatch
// capability serves ui.* and persona.*, memory and file scopes queue to the
// spool.
func newTestEnv(t *testing.T, governance config.GovernanceConfig) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	manifests := memory.NewManifestRepository()
	policies := memory.NewPolicyRepository()
	auditSvc := audit.NewAuditService(memory.NewAuditRepository(), logger, audit.DefaultConfig())
	permissions := permission.NewPermissionService(policies, logger, time.Minute)

	store := capability.NewMemoryStateStore()
	registry := capability.NewRegistry(logger)
	statePatch := capability.NewStatePatch(store, logger)
	require.NoError(t, registry.Register(statePatch))
	require.NoError(t, registry.BindPrefix("ui.", statePatch.Name()))
	require.NoError(t, registry.BindPrefix("persona.", statePatch.Name()))

	jobSpool, err := spool.New(t.TempDir(), logger)
	require.NoError(t, err)

	return &testEnv{
		svc:         NewManifestService(manifests, permissions, auditSvc, registry, jobSpool, governance, logger),
		manifests:   manifests,
		policies:    policies,
		permissions: permissions,
		auditSvc:    auditSvc,
		registry:    registry,
		store:       store,
		jobSpool:    jobSpool,
	}
}

func (e *testEnv) seedPolicy(t *testing.T, constructID string, scopes []string, rules map[string]models.PolicyGate) {
	t.Helper()
	require.NoError(t, e.policies.Upsert(context.Background(), &models.ConstructPolicy{
		ConstructID:     constructID,
		PermittedScopes: scopes,
		Rules:           rules,
		UpdatedAt:       time.Now().UTC(),
	}))
	e.permissions.Invalidate(constructID)
}

// newEnv is the common fixture: vsi-nova may touch everything except
// files.workspace.
func newEnv(t *testing.T) *testEnv {
	t.Helper()
	e := newTestEnv(t, testGovernance())
	e.seedPolicy(t, "vsi-nova", []string{"ui.theme", "ui.layout", "persona.profile", "memory.index"}, nil)
	return e
}

func validProposal(scope string, risk models.RiskLevel) ProposeRequest {
	return ProposeRequest{
		ConstructID:   "vsi-nova",
		UserID:        "user-1",
		Scope:         scope,
		Target:        "primary",
		Action:        "update",
		CurrentState:  json.RawMessage(`{"palette":"daylight"}`),
		ProposedState: json.RawMessage(`{"palette":"midnight"}`),
		Rationale:     "switch to the midnight palette",
		RiskLevel:     risk,
	}
}

func (e *testEnv) propose(t *testing.T, scope string, risk models.RiskLevel) *models.Manifest {
	t.Helper()
	res, err := e.svc.Propose(context.Background(), validProposal(scope, risk))
	require.NoError(t, err)
	return res.Manifest
}

// seedExpired plants a manifest whose deadline already passed
func (e *testEnv) seedExpired(t *testing.T, status models.ManifestStatus) *models.Manifest {
	t.Helper()
	m := models.NewManifest("vsi-nova", "user-1", "ui.theme", "primary", "update", models.RiskLow, -time.Minute)
	m.ProposedState = json.RawMessage(`{"palette":"midnight"}`)
	m.Status = status
	require.NoError(t, e.manifests.Create(context.Background(), m))
	return m
}

func (e *testEnv) trail(t *testing.T, id uuid.UUID) []*models.AuditEntry {
	t.Helper()
	entries, err := e.auditSvc.Trail(context.Background(), id)
	require.NoError(t, err)
	return entries
}

func trailEvents(entries []*models.AuditEntry) []models.AuditEvent {
	events := make([]models.AuditEvent, len(entries))
	for i, entry := range entries {
		events[i] = entry.Event
	}
	return events
}

func TestPropose(t *testing.T) {
	e := newEnv(t)

	res, err := e.svc.Propose(context.Background(), validProposal("ui.theme", models.RiskMedium))
	require.NoError(t, err)

	// Medium risk defaults to gated approval without a preview
	assert.True(t, res.RequiresApproval)
	assert.False(t, res.RequiresPreview)

	m := res.Manifest
	assert.Equal(t, models.StatusProposed, m.Status)
	assert.Equal(t, "vsi-nova", m.ConstructID)
	assert.Equal(t, "user-1", m.UserID)
	assert.Equal(t, "ui.theme", m.Scope)
	assert.Equal(t, "primary", m.Target)
	assert.Equal(t, "update", m.Action)
	assert.Equal(t, models.RiskMedium, m.RiskLevel)
	assert.Equal(t, "switch to the midnight palette", m.Rationale)
	assert.Equal(t, 1, m.Version)
	assert.WithinDuration(t, time.Now().UTC().Add(24*time.Hour), m.ExpiresAt, time.Minute)

	stored, err := e.svc.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, stored.ID)

	entries := e.trail(t, m.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditEventProposed, entries[0].Event)
	assert.Equal(t, "user-1", entries[0].UserID)
	assert.Equal(t, "vsi-nova", entries[0].ConstructID)
}

func TestPropose_RiskDrivesExpiry(t *testing.T) {
	e := newEnv(t)

	low := e.propose(t, "ui.theme", models.RiskLow)
	critical := e.propose(t, "ui.theme", models.RiskCritical)

	assert.WithinDuration(t, time.Now().UTC().Add(72*time.Hour), low.ExpiresAt, time.Minute)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), critical.ExpiresAt, time.Minute)
}

func TestPropose_GatesFollowPolicy(t *testing.T) {
	e := newTestEnv(t, testGovernance())
	e.seedPolicy(t, "vsi-nova", []string{"ui.theme"}, map[string]models.PolicyGate{
		models.RuleKey("ui.theme", models.RiskLow): {RequiresApproval: true, RequiresPreview: true},
	})

	// The explicit rule overrides the permissive low-risk default
	res, err := e.svc.Propose(context.Background(), validProposal("ui.theme", models.RiskLow))
	require.NoError(t, err)
	assert.True(t, res.RequiresApproval)
	assert.True(t, res.RequiresPreview)

	// No rule for critical, so the risk-tier default applies
	res, err = e.svc.Propose(context.Background(), validProposal("ui.theme", models.RiskCritical))
	require.NoError(t, err)
	assert.True(t, res.RequiresApproval)
	assert.True(t, res.RequiresPreview)
}

func TestPropose_DeleteNeedsNoProposedState(t *testing.T) {
	e := newEnv(t)

	req := validProposal("ui.theme", models.RiskLow)
	req.Action = "delete"
	req.ProposedState = nil

	res, err := e.svc.Propose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "delete", res.Manifest.Action)
}

func TestPropose_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*ProposeRequest)
		contains string
	}{
		{
			name:     "missing construct",
			mutate:   func(r *ProposeRequest) { r.ConstructID = "" },
			contains: "invalid input",
		},
		{
			name:     "missing user",
			mutate:   func(r *ProposeRequest) { r.UserID = "" },
			contains: "invalid input",
		},
		{
			name:     "missing target",
			mutate:   func(r *ProposeRequest) { r.Target = "" },
			contains: "invalid input",
		},
		{
			name:     "unknown scope",
			mutate:   func(r *ProposeRequest) { r.Scope = "net.firewall" },
			contains: "unknown scope",
		},
		{
			name:     "unknown action",
			mutate:   func(r *ProposeRequest) { r.Action = "merge" },
			contains: "unknown action",
		},
		{
			name:     "unknown risk level",
			mutate:   func(r *ProposeRequest) { r.RiskLevel = "extreme" },
			contains: "unknown risk level",
		},
		{
			name:     "update without proposed state",
			mutate:   func(r *ProposeRequest) { r.ProposedState = nil },
			contains: "proposed state is required",
		},
		{
			name:     "malformed proposed state",
			mutate:   func(r *ProposeRequest) { r.ProposedState = json.RawMessage(`{broken`) },
			contains: "invalid input",
		},
		{
			name:     "malformed current state",
			mutate:   func(r *ProposeRequest) { r.CurrentState = json.RawMessage(`{broken`) },
			contains: "invalid input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			req := validProposal("ui.theme", models.RiskLow)
			tt.mutate(&req)

			_, err := e.svc.Propose(context.Background(), req)
			require.Error(t, err)
			assert.True(t, services.IsValidationError(err))
			assert.ErrorContains(t, err, tt.contains)
		})
	}
}

func TestPropose_ScopeNotPermitted(t *testing.T) {
	e := newEnv(t)

	// files.workspace is a known scope but not in vsi-nova's policy
	req := validProposal("files.workspace", models.RiskLow)
	_, err := e.svc.Propose(context.Background(), req)
	require.Error(t, err)
	assert.True(t, services.IsPermissionDeniedError(err))
	assert.ErrorContains(t, err, "scope not permitted")

	details := services.GetErrorDetails(err)
	assert.Equal(t, "vsi-nova", details["construct_id"])
	assert.Equal(t, "files.workspace", details["scope"])
}

func TestPropose_UnknownConstructDeniedAll(t *testing.T) {
	e := newEnv(t)

	req := validProposal("ui.theme", models.RiskLow)
	req.ConstructID = "vsi-ghost"

	_, err := e.svc.Propose(context.Background(), req)
	require.Error(t, err)
	assert.True(t, services.IsPermissionDeniedError(err))
}

func TestGet_NotFound(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.Get(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, services.IsNotFoundError(err))
	assert.ErrorContains(t, err, "manifest not found")
}

func TestGet_LazyExpiry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m := e.seedExpired(t, models.StatusProposed)

	got, err := e.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)

	entries := e.trail(t, m.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditEventExpired, entries[0].Event)
	assert.Equal(t, "system", entries[0].UserID)

	// Decisions on an expired manifest are refused
	_, err = e.svc.Approve(ctx, m.ID, "user-2")
	require.Error(t, err)
	assert.True(t, services.IsExpiredError(err))
}

func TestListPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	older := models.NewManifest("vsi-nova", "user-1", "ui.theme", "primary", "update", models.RiskLow, time.Hour)
	older.ProposedState = json.RawMessage(`{"palette":"midnight"}`)
	older.CreatedAt = older.CreatedAt.Add(-2 * time.Hour)
	require.NoError(t, e.manifests.Create(ctx, older))

	newer := e.propose(t, "ui.theme", models.RiskMedium)
	_, err := e.svc.Approve(ctx, newer.ID, "user-2")
	require.NoError(t, err)

	rejected := e.propose(t, "ui.layout", models.RiskLow)
	_, err = e.svc.Reject(ctx, rejected.ID, "user-2", "not needed")
	require.NoError(t, err)

	expired := e.seedExpired(t, models.StatusProposed)

	pending, err := e.svc.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, older.ID, pending[0].ID)
	assert.Equal(t, newer.ID, pending[1].ID)
	assert.Equal(t, models.StatusApproved, pending[1].Status)

	// The expired manifest was finalized on the way out, not just hidden
	got, err := e.svc.Get(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
}

func TestListByConstruct(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for _, age := range []time.Duration{3 * time.Hour, 2 * time.Hour, time.Hour} {
		m := models.NewManifest("vsi-nova", "user-1", "ui.theme", "primary", "update", models.RiskLow, 24*time.Hour)
		m.ProposedState = json.RawMessage(`{"palette":"midnight"}`)
		m.CreatedAt = m.CreatedAt.Add(-age)
		require.NoError(t, e.manifests.Create(ctx, m))
		ids = append(ids, m.ID)
	}

	// Newest first
	page, err := e.svc.ListByConstruct(ctx, "vsi-nova", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)

	page, err = e.svc.ListByConstruct(ctx, "vsi-nova", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
	assert.Equal(t, ids[0], page[1].ID)

	// Out-of-range limits fall back to the default
	all, err := e.svc.ListByConstruct(ctx, "vsi-nova", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := e.svc.ListByConstruct(ctx, "vsi-ghost", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = e.svc.ListByConstruct(ctx, "", 10, 0)
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
}

func TestPreview_CapabilityScope(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Live document differs from the snapshot captured at proposal time
	require.NoError(t, e.store.Put(ctx, "vsi-nova", "ui.theme", "primary",
		json.RawMessage(`{"palette":"daylight","font":"mono"}`)))

	m := e.propose(t, "ui.theme", models.RiskHigh)

	previewed, err := e.svc.Preview(ctx, m.ID, "user-2")
	require.NoError(t, err)
	assert.True(t, previewed.Previewed())
	require.NotNil(t, previewed.PreviewedAt)
	require.NotEmpty(t, previewed.PreviewData)

	var preview struct {
		Changes []struct {
			Field string `json:"field"`
		} `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(previewed.PreviewData, &preview))
	fields := make([]string, 0, len(preview.Changes))
	for _, c := range preview.Changes {
		fields = append(fields, c.Field)
	}
	assert.Contains(t, fields, "palette")
	assert.Contains(t, fields, "font")

	// The preview persists on the manifest
	stored, err := e.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, stored.Previewed())

	assert.Equal(t,
		[]models.AuditEvent{models.AuditEventProposed, models.AuditEventPreviewed},
		trailEvents(e.trail(t, m.ID)))
}

func TestPreview_DiffFallback(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// memory.index has no bound capability; the preview diffs the captured
	// state documents instead
	m := e.propose(t, "memory.index", models.RiskLow)

	previewed, err := e.svc.Preview(ctx, m.ID, "user-2")
	require.NoError(t, err)
	require.NotEmpty(t, previewed.PreviewData)

	var preview struct {
		Changes []struct {
			Field string      `json:"field"`
			From  interface{} `json:"from"`
			To    interface{} `json:"to"`
		} `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(previewed.PreviewData, &preview))
	require.Len(t, preview.Changes, 1)
	assert.Equal(t, "palette", preview.Changes[0].Field)
	assert.Equal(t, "daylight", preview.Changes[0].From)
	assert.Equal(t, "midnight", preview.Changes[0].To)
}

func TestPreview_DeleteDiffsAgainstNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	req := validProposal("memory.index", models.RiskLow)
	req.Action = "delete"
	req.ProposedState = nil

	res, err := e.svc.Propose(ctx, req)
	require.NoError(t, err)

	previewed, err := e.svc.Preview(ctx, res.Manifest.ID, "user-2")
	require.NoError(t, err)

	var preview struct {
		Changes []struct {
			Field string      `json:"field"`
			To    interface{} `json:"to"`
		} `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(previewed.PreviewData, &preview))
	require.Len(t, preview.Changes, 1)
	assert.Equal(t, "palette", preview.Changes[0].Field)
	assert.Nil(t, preview.Changes[0].To)
}

func TestPreview_WrongStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m := e.propose(t, "ui.theme", models.RiskLow)
	_, err := e.svc.Reject(ctx, m.ID, "user-2", "no")
	require.NoError(t, err)

	_, err = e.svc.Preview(ctx, m.ID, "user-2")
	require.Error(t, err)
	assert.True(t, services.IsInvalidTransitionError(err))
	assert.ErrorContains(t, err, "already finalized")
}

func TestApprove(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m := e.propose(t, "ui.theme", models.RiskMedium)

	approved, err := e.svc.Approve(ctx, m.ID, "user-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, "user-2", *approved.ApprovedBy)
	assert.NotNil(t, approved.ApprovedAt)

	assert.Equal(t,
		[]models.AuditEvent{models.AuditEventProposed, models.AuditEventApproved},
		trailEvents(e.trail(t, m.ID)))
}

func TestApprove_SelfApprovalDenied(t *testing.T) {
	e := newEnv(t)

	m := e.propose(t, "ui.theme", models.RiskMedium)

	_, err := e.svc.Approve(context.Background(), m.ID, "user-1")
	require.Error(t, err)
	assert.True(t, services.IsPermissionDeniedError(err))
	assert.ErrorContains(t, err, "own manifest")
}

func TestApprove_SelfApprovalPermittedWhenEnabled(t *testing.T) {
	governance := testGovernance()
	governance.AllowSelfApproval = true
	e := newTestEnv(t, governance)
	e.seedPolicy(t, "vsi-nova", []string{"ui.theme"}, nil)

	m := e.propose(t, "ui.theme", models.RiskMedium)

	approved, err := e.svc.Approve(context.Background(), m.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)
}

func TestApprove_WrongStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m := e.propose(t, "ui.theme", models.RiskMedium)
	_, err := e.svc.Approve(ctx, m.ID, "user-2")
	require.NoError(t, err)

	_, err = e.svc.Approve(ctx, m.ID, "user-3")
	require.Error(t, err)
	assert.True(t, services.IsInvalidTransitionError(err))
}

func TestApprove_MissingApprover(t *testing.T) {
	e := newEnv(t)

	m := e.propose(t, "ui.theme", models.RiskMedium)

	_, err := e.svc.Approve(context.Background(), m.ID, "")
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
}

func TestReject(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m := e.propose(t, "ui.theme", models.RiskMedium)

	rejected, err := e.svc.Reject(ctx, m.ID, "user-2", "too risky this close to launch")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectedBy)
	assert.Equal(t, "user-2", *rejected.RejectedBy)
	assert.NotNil(t, rejected.RejectedAt)
	require.NotNil(t, rejected.RejectReason)
	assert.Equal(t, "too risky this close to launch", *rejected.RejectReason)

	// Rejection is final
	_, err = e.svc.Reject(ctx, m.ID, "user-2", "again")
	require.Error(t, err)
	assert.ErrorContains(t, err, "already finalized")

	assert.Equal(t,
		[]models.AuditEvent{models.AuditEventProposed, models.AuditEventRejected},
		trailEvents(e.trail(t, m.ID)))
}

func TestReject_ApprovedManifest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m := e.propose(t, "ui.theme", models.RiskMedium)
	_, err := e.svc.Approve(ctx, m.ID, "user-2")
	require.NoError(t, err)

	rejected, err := e.svc.Reject(ctx, m.ID, "user-3", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)
	assert.Nil(t, rejected.RejectReason)
}
