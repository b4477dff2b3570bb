package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/TitaniumShinobi/vsi-governance/repositories"
	"github.com/TitaniumShinobi/vsi-governance/services"
	"github.com/TitaniumShinobi/vsi-governance/spool"
)

func TestExecute_LowRiskRunsImmediately(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m := e.propose(t, "ui.theme", models.RiskLow)

	result, err := e.svc.Execute(ctx, m.ID, "user-1")
	require.NoError(t, err)
	assert.False(t, result.Queued)
	assert.Equal(t, models.StatusExecuted, result.Manifest.Status)
	assert.NotNil(t, result.Manifest.ExecutedAt)

	var outcome struct {
		Applied    bool   `json:"applied"`
		Capability string `json:"capability"`
	}
	require.NoError(t, json.Unmarshal(result.Manifest.Result, &outcome))
	assert.True(t, outcome.Applied)
	assert.Equal(t, "statepatch", outcome.Capability)

	// The proposed document landed in the state store
	doc, err := e.store.Get(ctx, "vsi-nova", "ui.theme", "primary")
	require.NoError(t, err)
	assert.JSONEq(t, `{"palette":"midnight"}`, string(doc))

	assert.Equal(t,
		[]models.AuditEvent{models.AuditEventProposed, models.AuditEventExecuted},
		trailEvents(e.trail(t, m.ID)))
}

func TestExecute_ApprovalGate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m := e.propose(t, "ui.theme", models.RiskMedium)

	_, err := e.svc.Execute(ctx, m.ID, "user-1")
	require.Error(t, err)
	assert.True(t, services.IsPermissionDeniedError(err))
	assert.ErrorContains(t, err, "approval required")

	_, err = e.svc.Approve(ctx, m.ID, "user-2")
	require.NoError(t, err)

	result, err := e.svc.Execute(ctx, m.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, result.Manifest.Status)

	assert.Equal(t,
		[]models.AuditEvent{models.AuditEventProposed, models.AuditEventApproved, models.AuditEventExecuted},
		trailEvents(e.trail(t, m.ID)))
}

func TestExecute_PreviewGate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m := e.propose(t, "ui.theme", models.RiskHigh)

	_, err := e.svc.Approve(ctx, m.ID, "user-2")
	require.NoError(t, err)

	_, err = e.svc.Execute(ctx, m.ID, "user-1")
	require.Error(t, err)
	assert.True(t, services.IsPermissionDeniedError(err))
	assert.ErrorContains(t, err, "preview required")

	_, err = e.svc.Preview(ctx, m.ID, "user-2")
	require.NoError(t, err)

	result, err := e.svc.Execute(ctx, m.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, result.Manifest.Status)
}

func TestExecute_ExplicitRuleOverridesDefault(t *testing.T) {
	e := newEnv(t)

	// A critical-risk scope ruled gate-free executes straight away
	e.seedPolicy(t, "vsi-nova", []string{"ui.theme"}, map[string]models.PolicyGate{
		models.RuleKey("ui.theme", models.RiskCritical): {},
	})

	m := e.propose(t, "ui.theme", models.RiskCritical)

	result, err := e.svc.Execute(context.Background(), m.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, result.Manifest.Status)
}

func TestExecute_ScopeRevokedAfterProposal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m := e.propose(t, "ui.theme", models.RiskLow)

	// Policy tightened between proposal and execution
	e.seedPolicy(t, "vsi-nova", []string{"memory.index"}, nil)

	_, err := e.svc.Execute(ctx, m.ID, "user-1")
	require.Error(t, err)
	assert.True(t, services.IsPermissionDeniedError(err))
	assert.ErrorContains(t, err, "scope not permitted")

	// The manifest did not move
	got, err := e.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProposed, got.Status)
}

func TestExecute_UnboundScopeQueues(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m := e.propose(t, "memory.index", models.RiskLow)

	result, err := e.svc.Execute(ctx, m.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, result.Queued)
	assert.Equal(t, models.StatusQueued, result.Manifest.Status)
	require.NotNil(t, result.Manifest.JobID)
	assert.NotNil(t, result.Manifest.QueuedAt)

	// The job file is on the spool for the runner
	job, err := e.jobSpool.ReadJob(*result.Manifest.JobID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, job.ManifestID)
	assert.Equal(t, "vsi-nova", job.ConstructID)
	assert.Equal(t, "memory.index", job.Scope)

	assert.Equal(t,
		[]models.AuditEvent{models.AuditEventProposed, models.AuditEventQueued},
		trailEvents(e.trail(t, m.ID)))
}

func TestExecute_SpoolUnavailable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m := e.propose(t, "memory.index", models.RiskLow)

	require.NoError(t, os.RemoveAll(e.jobSpool.Dir()))

	_, err := e.svc.Execute(ctx, m.ID, "user-1")
	require.Error(t, err)
	assert.True(t, services.IsInternalError(err))
	assert.ErrorContains(t, err, "job spool unavailable")

	// The claimed manifest is finalized rather than stranded in queued
	got, err := e.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Contains(t, *got.FailureReason, "job spool unavailable")
}

func TestExecute_WrongStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	executed := e.propose(t, "ui.theme", models.RiskLow)
	_, err := e.svc.Execute(ctx, executed.ID, "user-1")
	require.NoError(t, err)

	_, err = e.svc.Execute(ctx, executed.ID, "user-1")
	require.Error(t, err)
	assert.True(t, services.IsInvalidTransitionError(err))

	rejected := e.propose(t, "ui.theme", models.RiskLow)
	_, err = e.svc.Reject(ctx, rejected.ID, "user-2", "no")
	require.NoError(t, err)

	_, err = e.svc.Execute(ctx, rejected.ID, "user-1")
	require.Error(t, err)
	assert.ErrorContains(t, err, "already finalized")
}

type failingCapability struct{}

func (failingCapability) Name() string { return "flaky" }

func (failingCapability) Execute(ctx context.Context, m *models.Manifest) (json.RawMessage, error) {
	return nil, errors.New("disk offline")
}

func (failingCapability) Preview(ctx context.Context, m *models.Manifest) (json.RawMessage, error) {
	return nil, errors.New("disk offline")
}

func (failingCapability) Rollback(ctx context.Context, m *models.Manifest) error {
	return errors.New("disk offline")
}

func TestExecute_CapabilityFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.registry.Register(failingCapability{}))
	require.NoError(t, e.registry.Bind("ui.layout", "flaky"))

	m := e.propose(t, "ui.layout", models.RiskLow)

	_, err := e.svc.Execute(ctx, m.ID, "user-1")
	require.Error(t, err)
	assert.True(t, services.IsExecutorFailureError(err))
	assert.ErrorContains(t, err, "disk offline")

	got, err := e.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Contains(t, *got.FailureReason, "disk offline")

	assert.Equal(t,
		[]models.AuditEvent{models.AuditEventProposed, models.AuditEventExecutionFailed},
		trailEvents(e.trail(t, m.ID)))
}

// conflictingUpdates simulates losing the optimistic concurrency race on
// every write.
type conflictingUpdates struct {
	repositories.ManifestRepository
}

func (conflictingUpdates) Update(ctx context.Context, m *models.Manifest) error {
	return repositories.ErrVersionConflict
}

func TestExecute_VersionConflict(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m := e.propose(t, "ui.theme", models.RiskMedium)

	racing := NewManifestService(conflictingUpdates{e.manifests}, e.permissions, e.auditSvc,
		e.registry, e.jobSpool, testGovernance(), zap.NewNop())

	_, err := racing.Approve(ctx, m.ID, "user-2")
	require.Error(t, err)
	assert.True(t, services.IsConflictError(err))
	assert.ErrorContains(t, err, "concurrent update")
}

// queueManifest proposes an unbound-scope manifest and executes it onto the spool
func queueManifest(t *testing.T, e *testEnv) (*models.Manifest, uuid.UUID) {
	t.Helper()
	m := e.propose(t, "memory.index", models.RiskLow)
	result, err := e.svc.Execute(context.Background(), m.ID, "user-1")
	require.NoError(t, err)
	require.True(t, result.Queued)
	return result.Manifest, *result.Manifest.JobID
}

func TestStartJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m, jobID := queueManifest(t, e)

	started, err := e.svc.StartJob(ctx, jobID, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuting, started.Status)

	entries := e.trail(t, m.ID)
	require.Len(t, entries, 3)
	assert.Equal(t, models.AuditEventExecutionStarted, entries[2].Event)
	assert.Equal(t, "runner-1", entries[2].UserID)

	// A second start report is refused
	_, err = e.svc.StartJob(ctx, jobID, "runner-2")
	require.Error(t, err)
	assert.True(t, services.IsConflictError(err))
	assert.ErrorContains(t, err, "already reported")
}

func TestStartJob_UnknownJob(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.StartJob(context.Background(), uuid.New(), "runner-1")
	require.Error(t, err)
	assert.True(t, services.IsNotFoundError(err))
	assert.ErrorContains(t, err, "spooled job not found")
}

// seedExpiredQueued plants a queued manifest past its deadline with its job
// file on the spool.
func seedExpiredQueued(t *testing.T, e *testEnv) (*models.Manifest, uuid.UUID) {
	t.Helper()
	m := models.NewManifest("vsi-nova", "user-1", "memory.index", "primary", "update", models.RiskLow, -time.Minute)
	m.ProposedState = json.RawMessage(`{"entries":12}`)
	jobID := uuid.New()
	now := time.Now().UTC()
	m.Status = models.StatusQueued
	m.JobID = &jobID
	m.QueuedAt = &now
	require.NoError(t, e.manifests.Create(context.Background(), m))
	require.NoError(t, e.jobSpool.Enqueue(spool.JobFromManifest(m, jobID)))
	return m, jobID
}

func TestStartJob_ExpiredManifest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m, jobID := seedExpiredQueued(t, e)

	_, err := e.svc.StartJob(ctx, jobID, "runner-1")
	require.Error(t, err)
	assert.True(t, services.IsExpiredError(err))

	// The manifest expired and the stale job left the spool
	got, err := e.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)

	_, err = e.jobSpool.ReadJob(jobID)
	assert.True(t, os.IsNotExist(err))
}

func TestCompleteJob_Success(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m, jobID := queueManifest(t, e)

	// A start report is optional; completion alone finalizes the job
	done, err := e.svc.CompleteJob(ctx, jobID, "runner-1", JobReport{
		Success: true,
		Result:  json.RawMessage(`{"indexed":128}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, done.Status)
	assert.JSONEq(t, `{"indexed":128}`, string(done.Result))
	assert.NotNil(t, done.ExecutedAt)

	_, err = e.jobSpool.ReadJob(jobID)
	assert.True(t, os.IsNotExist(err))

	entries := e.trail(t, m.ID)
	require.Len(t, entries, 3)
	assert.Equal(t, models.AuditEventExecuted, entries[2].Event)
	assert.Equal(t, "runner-1", entries[2].UserID)
}

func TestCompleteJob_Failure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m, jobID := queueManifest(t, e)

	_, err := e.svc.StartJob(ctx, jobID, "runner-1")
	require.NoError(t, err)

	done, err := e.svc.CompleteJob(ctx, jobID, "runner-1", JobReport{
		Success:       false,
		FailureReason: "workspace locked",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, done.Status)
	require.NotNil(t, done.FailureReason)
	assert.Equal(t, "workspace locked", *done.FailureReason)

	assert.Equal(t,
		[]models.AuditEvent{
			models.AuditEventProposed,
			models.AuditEventQueued,
			models.AuditEventExecutionStarted,
			models.AuditEventExecutionFailed,
		},
		trailEvents(e.trail(t, m.ID)))
}

func TestCompleteJob_FailureWithoutReason(t *testing.T) {
	e := newEnv(t)

	_, jobID := queueManifest(t, e)

	done, err := e.svc.CompleteJob(context.Background(), jobID, "runner-1", JobReport{Success: false})
	require.NoError(t, err)
	require.NotNil(t, done.FailureReason)
	assert.Equal(t, "runner reported failure", *done.FailureReason)
}

func TestCompleteJob_Twice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, jobID := queueManifest(t, e)

	_, err := e.svc.CompleteJob(ctx, jobID, "runner-1", JobReport{Success: true, Result: json.RawMessage(`{}`)})
	require.NoError(t, err)

	_, err = e.svc.CompleteJob(ctx, jobID, "runner-1", JobReport{Success: true, Result: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.True(t, services.IsInvalidTransitionError(err))
}

func TestCompleteJob_ExpiredManifest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, jobID := seedExpiredQueued(t, e)

	_, err := e.svc.CompleteJob(ctx, jobID, "runner-1", JobReport{Success: true, Result: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.True(t, services.IsExpiredError(err))

	_, err = e.jobSpool.ReadJob(jobID)
	assert.True(t, os.IsNotExist(err))
}

func TestRollback(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m := e.propose(t, "ui.theme", models.RiskLow)
	_, err := e.svc.Execute(ctx, m.ID, "user-1")
	require.NoError(t, err)

	rolled, err := e.svc.Rollback(ctx, m.ID, "user-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRolledBack, rolled.Status)
	assert.NotNil(t, rolled.RolledBackAt)

	// The document captured at proposal time is back
	doc, err := e.store.Get(ctx, "vsi-nova", "ui.theme", "primary")
	require.NoError(t, err)
	assert.JSONEq(t, `{"palette":"daylight"}`, string(doc))

	assert.Equal(t,
		[]models.AuditEvent{models.AuditEventProposed, models.AuditEventExecuted, models.AuditEventRolledBack},
		trailEvents(e.trail(t, m.ID)))

	// Rollback happens at most once
	_, err = e.svc.Rollback(ctx, m.ID, "user-2")
	require.Error(t, err)
	assert.True(t, services.IsInvalidTransitionError(err))
	assert.ErrorContains(t, err, "already rolled back")
}

func TestRollback_WrongStatus(t *testing.T) {
	e := newEnv(t)

	m := e.propose(t, "ui.theme", models.RiskLow)

	_, err := e.svc.Rollback(context.Background(), m.ID, "user-2")
	require.Error(t, err)
	assert.True(t, services.IsInvalidTransitionError(err))
}

func TestRollback_NoCapabilityForScope(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, jobID := queueManifest(t, e)
	done, err := e.svc.CompleteJob(ctx, jobID, "runner-1", JobReport{Success: true, Result: json.RawMessage(`{}`)})
	require.NoError(t, err)

	// Runner-executed scopes have nothing in-process to reverse through
	_, err = e.svc.Rollback(ctx, done.ID, "user-2")
	require.Error(t, err)
	assert.True(t, services.IsExecutorFailureError(err))
	assert.ErrorContains(t, err, "no capability registered")
}
