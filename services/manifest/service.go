// Package manifest implements the governance core: the manifest lifecycle
// from proposal through decision, execution, and rollback. Every transition
// is validated against the status machine, checked against the construct's
// policy, version-guarded against concurrent writers, and recorded on the
// audit trail.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TitaniumShinobi/vsi-governance/config"
	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/TitaniumShinobi/vsi-governance/repositories"
	"github.com/TitaniumShinobi/vsi-governance/services"
	"github.com/TitaniumShinobi/vsi-governance/services/audit"
	"github.com/TitaniumShinobi/vsi-governance/services/capability"
	"github.com/TitaniumShinobi/vsi-governance/services/permission"
	"github.com/TitaniumShinobi/vsi-governance/spool"
)

// systemActor attributes audit entries for transitions nobody requested,
// such as lazy expiry.
const systemActor = "system"

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ManifestService orchestrates the manifest lifecycle
type ManifestService struct {
	manifestRepo repositories.ManifestRepository
	permissions  *permission.PermissionService
	auditService *audit.AuditService
	capabilities *capability.Registry
	jobSpool     *spool.Spool
	governance   config.GovernanceConfig
	logger       *zap.Logger
}

// NewManifestService creates a new ManifestService instance
func NewManifestService(
	manifestRepo repositories.ManifestRepository,
	permissions *permission.PermissionService,
	auditService *audit.AuditService,
	capabilities *capability.Registry,
	jobSpool *spool.Spool,
	governance config.GovernanceConfig,
	logger *zap.Logger,
) *ManifestService {
	return &ManifestService{
		manifestRepo: manifestRepo,
		permissions:  permissions,
		auditService: auditService,
		capabilities: capabilities,
		jobSpool:     jobSpool,
		governance:   governance,
		logger:       logger,
	}
}

// Propose validates a proposed change against the closed vocabularies and
// the construct's policy, then opens a manifest in the proposed state with
// a risk-derived expiry deadline. The result carries the policy gates so
// the proposer knows whether approval or a preview is still owed.
func (s *ManifestService) Propose(ctx context.Context, req ProposeRequest) (*ProposeResult, error) {
	if err := s.validatePropose(req); err != nil {
		return nil, err
	}

	policy, err := s.permissions.GetPolicy(ctx, req.ConstructID)
	if err != nil {
		return nil, err
	}
	if !policy.PermitsScope(req.Scope) {
		return nil, services.Detailed(services.ErrScopeNotPermitted).
			WithDetail("construct_id", req.ConstructID).
			WithDetail("scope", req.Scope)
	}
	gate := policy.GateFor(req.Scope, req.RiskLevel)

	m := models.NewManifest(req.ConstructID, req.UserID, req.Scope, req.Target, req.Action,
		req.RiskLevel, s.governance.TTLFor(req.RiskLevel))
	m.CurrentState = req.CurrentState
	m.ProposedState = req.ProposedState
	m.Rationale = req.Rationale

	if err := s.manifestRepo.Create(ctx, m); err != nil {
		return nil, services.WrapInternal("failed to store manifest", err)
	}

	s.recordTransition(ctx, m, models.AuditEventProposed, req.UserID, map[string]interface{}{
		"scope":      m.Scope,
		"target":     m.Target,
		"action":     m.Action,
		"risk_level": m.RiskLevel,
		"rationale":  m.Rationale,
		"expires_at": m.ExpiresAt,
	})

	s.logger.Info("manifest proposed",
		zap.String("manifest_id", m.ID.String()),
		zap.String("construct_id", m.ConstructID),
		zap.String("scope", m.Scope),
		zap.String("risk_level", string(m.RiskLevel)),
		zap.Bool("requires_approval", gate.RequiresApproval),
		zap.Bool("requires_preview", gate.RequiresPreview))

	return &ProposeResult{
		Manifest:         m,
		RequiresApproval: gate.RequiresApproval,
		RequiresPreview:  gate.RequiresPreview,
	}, nil
}

func (s *ManifestService) validatePropose(req ProposeRequest) error {
	if req.ConstructID == "" {
		return services.Detailed(services.ErrInvalidInput).WithDetail("field", "construct_id")
	}
	if req.UserID == "" {
		return services.Detailed(services.ErrInvalidInput).WithDetail("field", "user_id")
	}
	if req.Target == "" {
		return services.Detailed(services.ErrInvalidInput).WithDetail("field", "target")
	}
	if !s.governance.KnownScope(req.Scope) {
		return services.Detailed(services.ErrUnknownScope).
			WithDetail("scope", req.Scope).
			WithDetail("known_scopes", s.governance.Scopes)
	}
	if !s.governance.KnownAction(req.Action) {
		return services.Detailed(services.ErrUnknownAction).
			WithDetail("action", req.Action).
			WithDetail("known_actions", s.governance.ActionTypes)
	}
	if !req.RiskLevel.Valid() {
		return services.Detailed(services.ErrUnknownRiskLevel).WithDetail("risk_level", req.RiskLevel)
	}
	if req.Action != "delete" && len(req.ProposedState) == 0 {
		return services.Detailed(services.ErrMissingState).WithDetail("action", req.Action)
	}
	if len(req.ProposedState) > 0 && !json.Valid(req.ProposedState) {
		return services.Detailed(services.ErrInvalidInput).WithDetail("field", "proposed_state")
	}
	if len(req.CurrentState) > 0 && !json.Valid(req.CurrentState) {
		return services.Detailed(services.ErrInvalidInput).WithDetail("field", "current_state")
	}
	return nil
}

// Get retrieves a manifest, lazily expiring it if its deadline passed
func (s *ManifestService) Get(ctx context.Context, id uuid.UUID) (*models.Manifest, error) {
	m, err := s.manifestRepo.GetByID(ctx, id)
	if err != nil {
		return nil, s.mapRepoError(err, id)
	}
	return s.expireIfDue(ctx, m)
}

// ListPending retrieves manifests awaiting a decision or execution, oldest
// first. Manifests past their deadline are expired on the way out and
// dropped from the listing.
func (s *ManifestService) ListPending(ctx context.Context) ([]*models.Manifest, error) {
	pending, err := s.manifestRepo.ListPending(ctx)
	if err != nil {
		return nil, services.WrapInternal("failed to list pending manifests", err)
	}

	live := make([]*models.Manifest, 0, len(pending))
	for _, m := range pending {
		m, err := s.expireIfDue(ctx, m)
		if err != nil {
			return nil, err
		}
		if m.Status.IsPending() {
			live = append(live, m)
		}
	}
	return live, nil
}

// ListByConstruct retrieves a construct's manifests, newest first
func (s *ManifestService) ListByConstruct(ctx context.Context, constructID string, limit, offset int) ([]*models.Manifest, error) {
	if constructID == "" {
		return nil, services.Detailed(services.ErrInvalidInput).WithDetail("field", "construct_id")
	}
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	manifests, err := s.manifestRepo.ListByConstruct(ctx, constructID, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list manifests", err)
	}
	return manifests, nil
}

// Preview computes what executing the manifest would change and records the
// result on the manifest. Scopes with a bound capability preview against
// live state; everything else gets a mechanical diff of the captured state
// documents. Previewing satisfies the requires_preview gate.
func (s *ManifestService) Preview(ctx context.Context, id uuid.UUID, actorID string) (*models.Manifest, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireLive(m); err != nil {
		return nil, err
	}
	if m.Status != models.StatusProposed && m.Status != models.StatusApproved {
		return nil, transitionError(m, "preview")
	}

	var preview json.RawMessage
	c, err := s.capabilities.Resolve(m.Scope)
	switch {
	case err == nil:
		preview, err = c.Preview(ctx, m)
		if err != nil {
			return nil, services.WrapExecutor("capability preview failed", err)
		}
	case m.Action == "delete":
		preview, err = capability.PreviewDiff(m.CurrentState, nil)
		if err != nil {
			return nil, services.WrapInternal("failed to compute preview", err)
		}
	default:
		preview, err = capability.PreviewDiff(m.CurrentState, m.ProposedState)
		if err != nil {
			return nil, services.WrapInternal("failed to compute preview", err)
		}
	}

	now := time.Now().UTC()
	m.PreviewData = preview
	m.PreviewedAt = &now
	if err := s.manifestRepo.Update(ctx, m); err != nil {
		return nil, s.mapUpdateError(err, m.ID)
	}

	s.recordTransition(ctx, m, models.AuditEventPreviewed, actorID, json.RawMessage(preview))

	return m, nil
}

// Approve moves a proposed manifest to approved. The proposer cannot
// approve their own manifest unless self-approval is explicitly enabled
// for the deployment.
func (s *ManifestService) Approve(ctx context.Context, id uuid.UUID, approverID string) (*models.Manifest, error) {
	if approverID == "" {
		return nil, services.Detailed(services.ErrInvalidInput).WithDetail("field", "approver")
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireLive(m); err != nil {
		return nil, err
	}
	if approverID == m.UserID && !s.governance.AllowSelfApproval {
		return nil, services.Detailed(services.ErrSelfApproval).
			WithDetail("manifest_id", m.ID).
			WithDetail("user_id", approverID)
	}
	if !m.Status.CanTransitionTo(models.StatusApproved) {
		return nil, transitionError(m, string(models.StatusApproved))
	}

	now := time.Now().UTC()
	m.Status = models.StatusApproved
	m.ApprovedBy = &approverID
	m.ApprovedAt = &now
	if err := s.manifestRepo.Update(ctx, m); err != nil {
		return nil, s.mapUpdateError(err, m.ID)
	}

	s.recordTransition(ctx, m, models.AuditEventApproved, approverID, map[string]interface{}{
		"approved_by": approverID,
	})

	s.logger.Info("manifest approved",
		zap.String("manifest_id", m.ID.String()),
		zap.String("approved_by", approverID))

	return m, nil
}

// Reject finalizes a proposed or approved manifest as rejected
func (s *ManifestService) Reject(ctx context.Context, id uuid.UUID, rejecterID, reason string) (*models.Manifest, error) {
	if rejecterID == "" {
		return nil, services.Detailed(services.ErrInvalidInput).WithDetail("field", "rejecter")
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireLive(m); err != nil {
		return nil, err
	}
	if !m.Status.CanTransitionTo(models.StatusRejected) {
		return nil, transitionError(m, string(models.StatusRejected))
	}

	now := time.Now().UTC()
	m.Status = models.StatusRejected
	m.RejectedBy = &rejecterID
	m.RejectedAt = &now
	if reason != "" {
		m.RejectReason = &reason
	}
	if err := s.manifestRepo.Update(ctx, m); err != nil {
		return nil, s.mapUpdateError(err, m.ID)
	}

	s.recordTransition(ctx, m, models.AuditEventRejected, rejecterID, map[string]interface{}{
		"rejected_by": rejecterID,
		"reason":      reason,
	})

	s.logger.Info("manifest rejected",
		zap.String("manifest_id", m.ID.String()),
		zap.String("rejected_by", rejecterID))

	return m, nil
}

// expireIfDue transitions a manifest past its deadline to expired. Losing
// the version race to another writer is fine; the reread status wins.
func (s *ManifestService) expireIfDue(ctx context.Context, m *models.Manifest) (*models.Manifest, error) {
	if !m.IsExpired(time.Now().UTC()) {
		return m, nil
	}

	m.Status = models.StatusExpired
	if err := s.manifestRepo.Update(ctx, m); err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) {
			fresh, getErr := s.manifestRepo.GetByID(ctx, m.ID)
			if getErr != nil {
				return nil, s.mapRepoError(getErr, m.ID)
			}
			return fresh, nil
		}
		return nil, services.WrapInternal("failed to expire manifest", err)
	}

	s.recordTransition(ctx, m, models.AuditEventExpired, systemActor, map[string]interface{}{
		"expires_at": m.ExpiresAt,
	})

	s.logger.Info("manifest expired",
		zap.String("manifest_id", m.ID.String()),
		zap.String("construct_id", m.ConstructID))

	return m, nil
}

// requireLive rejects operations on an expired manifest
func (s *ManifestService) requireLive(m *models.Manifest) error {
	if m.Status == models.StatusExpired {
		return services.Detailed(services.ErrManifestExpired).
			WithDetail("manifest_id", m.ID).
			WithDetail("expired_at", m.ExpiresAt)
	}
	return nil
}

// recordTransition appends an audit entry for a completed transition. The
// transition itself is already durable; a failed audit write lands on the
// retry queue and is only logged here.
func (s *ManifestService) recordTransition(ctx context.Context, m *models.Manifest, event models.AuditEvent, userID string, payload interface{}) {
	if err := s.auditService.RecordTransition(ctx, m, event, userID, payload); err != nil {
		s.logger.Warn("failed to record audit entry",
			zap.String("manifest_id", m.ID.String()),
			zap.String("event", string(event)),
			zap.Error(err))
	}
}

func (s *ManifestService) mapRepoError(err error, id uuid.UUID) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return services.Detailed(services.ErrManifestNotFound).WithDetail("manifest_id", id)
	}
	return services.WrapInternal("failed to load manifest", err)
}

func (s *ManifestService) mapUpdateError(err error, id uuid.UUID) error {
	if errors.Is(err, repositories.ErrVersionConflict) {
		return services.Detailed(services.ErrConcurrentUpdate).WithDetail("manifest_id", id)
	}
	if errors.Is(err, repositories.ErrNotFound) {
		return services.Detailed(services.ErrManifestNotFound).WithDetail("manifest_id", id)
	}
	return services.WrapInternal("failed to update manifest", err)
}

// transitionError distinguishes a finalized manifest from one that is
// merely in the wrong state for the attempted operation
func transitionError(m *models.Manifest, attempted string) error {
	base := services.ErrInvalidTransition
	if m.Status.IsTerminal() {
		base = services.ErrAlreadyFinalized
	}
	return services.Detailed(base).
		WithDetail("manifest_id", m.ID).
		WithDetail("status", m.Status).
		WithDetail("attempted", attempted)
}
