package manifest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/TitaniumShinobi/vsi-governance/repositories"
	"github.com/TitaniumShinobi/vsi-governance/services"
	"github.com/TitaniumShinobi/vsi-governance/services/capability"
	"github.com/TitaniumShinobi/vsi-governance/spool"
)

// Execute applies a manifest after enforcing the construct's policy gates.
// Scopes with a bound capability execute synchronously in the gateway;
// everything else is queued to the runner spool.
func (s *ManifestService) Execute(ctx context.Context, id uuid.UUID, actorID string) (*ExecuteResult, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireLive(m); err != nil {
		return nil, err
	}
	if m.Status != models.StatusProposed && m.Status != models.StatusApproved {
		return nil, transitionError(m, string(models.StatusExecuted))
	}

	// Policy is re-read at execution time so a tightened policy applies to
	// manifests proposed before the change.
	policy, err := s.permissions.GetPolicy(ctx, m.ConstructID)
	if err != nil {
		return nil, err
	}
	if !policy.PermitsScope(m.Scope) {
		return nil, services.Detailed(services.ErrScopeNotPermitted).
			WithDetail("construct_id", m.ConstructID).
			WithDetail("scope", m.Scope)
	}

	gate := policy.GateFor(m.Scope, m.RiskLevel)
	if gate.RequiresApproval && m.Status != models.StatusApproved {
		return nil, services.Detailed(services.ErrApprovalRequired).
			WithDetail("manifest_id", m.ID).
			WithDetail("risk_level", m.RiskLevel)
	}
	if gate.RequiresPreview && !m.Previewed() {
		return nil, services.Detailed(services.ErrPreviewRequired).
			WithDetail("manifest_id", m.ID).
			WithDetail("risk_level", m.RiskLevel)
	}

	c, err := s.capabilities.Resolve(m.Scope)
	if err != nil {
		if errors.Is(err, capability.ErrCapabilityNotFound) {
			return s.enqueue(ctx, m, actorID)
		}
		return nil, services.WrapInternal("failed to resolve capability", err)
	}
	return s.executeSync(ctx, m, c, actorID)
}

// executeSync runs the capability in-process and finalizes the manifest.
// The version guard on the final update ensures exactly one of two racing
// executes records the outcome; the loser surfaces a conflict.
func (s *ManifestService) executeSync(ctx context.Context, m *models.Manifest, c capability.Capability, actorID string) (*ExecuteResult, error) {
	result, execErr := c.Execute(ctx, m)
	now := time.Now().UTC()

	if execErr != nil {
		reason := execErr.Error()
		m.Status = models.StatusFailed
		m.FailureReason = &reason
		if err := s.manifestRepo.Update(ctx, m); err != nil {
			return nil, s.mapUpdateError(err, m.ID)
		}
		s.recordTransition(ctx, m, models.AuditEventExecutionFailed, actorID, map[string]interface{}{
			"mode":           "sync",
			"capability":     c.Name(),
			"failure_reason": reason,
		})

		s.logger.Warn("manifest execution failed",
			zap.String("manifest_id", m.ID.String()),
			zap.String("capability", c.Name()),
			zap.Error(execErr))

		return &ExecuteResult{Manifest: m}, services.WrapExecutor("capability execution failed", execErr)
	}

	m.Status = models.StatusExecuted
	m.Result = result
	m.ExecutedAt = &now
	if err := s.manifestRepo.Update(ctx, m); err != nil {
		return nil, s.mapUpdateError(err, m.ID)
	}
	s.recordTransition(ctx, m, models.AuditEventExecuted, actorID, map[string]interface{}{
		"mode":       "sync",
		"capability": c.Name(),
	})

	s.logger.Info("manifest executed",
		zap.String("manifest_id", m.ID.String()),
		zap.String("construct_id", m.ConstructID),
		zap.String("capability", c.Name()))

	return &ExecuteResult{Manifest: m}, nil
}

// enqueue claims the manifest as queued, then writes the spool job. The
// status update comes first so two racing executes cannot both enqueue; a
// spool failure after the claim finalizes the manifest as failed.
func (s *ManifestService) enqueue(ctx context.Context, m *models.Manifest, actorID string) (*ExecuteResult, error) {
	jobID := uuid.New()
	now := time.Now().UTC()
	m.Status = models.StatusQueued
	m.JobID = &jobID
	m.QueuedAt = &now
	if err := s.manifestRepo.Update(ctx, m); err != nil {
		return nil, s.mapUpdateError(err, m.ID)
	}
	s.recordTransition(ctx, m, models.AuditEventQueued, actorID, map[string]interface{}{
		"job_id": jobID,
	})

	if err := s.jobSpool.Enqueue(spool.JobFromManifest(m, jobID)); err != nil {
		reason := "job spool unavailable: " + err.Error()
		m.Status = models.StatusFailed
		m.FailureReason = &reason
		if updateErr := s.manifestRepo.Update(ctx, m); updateErr != nil {
			s.logger.Error("failed to finalize manifest after spool failure",
				zap.String("manifest_id", m.ID.String()),
				zap.Error(updateErr))
		} else {
			s.recordTransition(ctx, m, models.AuditEventExecutionFailed, systemActor, map[string]interface{}{
				"mode":           "queued",
				"job_id":         jobID,
				"failure_reason": reason,
			})
		}
		return nil, services.WrapError(services.ErrorTypeInternal, "job spool unavailable", err)
	}

	s.logger.Info("manifest queued for runner",
		zap.String("manifest_id", m.ID.String()),
		zap.String("job_id", jobID.String()),
		zap.String("scope", m.Scope))

	return &ExecuteResult{Manifest: m, Queued: true}, nil
}

// StartJob records a runner picking up a spooled job. A job whose manifest
// expired while queued is refused and dropped from the spool.
func (s *ManifestService) StartJob(ctx context.Context, jobID uuid.UUID, runnerID string) (*models.Manifest, error) {
	m, err := s.getByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if m.Status == models.StatusExpired {
		s.dropJob(jobID)
		return nil, services.Detailed(services.ErrManifestExpired).
			WithDetail("manifest_id", m.ID).
			WithDetail("job_id", jobID)
	}
	if m.Status == models.StatusExecuting {
		return nil, services.Detailed(services.ErrJobAlreadyActive).WithDetail("job_id", jobID)
	}
	if !m.Status.CanTransitionTo(models.StatusExecuting) {
		return nil, transitionError(m, string(models.StatusExecuting))
	}

	m.Status = models.StatusExecuting
	if err := s.manifestRepo.Update(ctx, m); err != nil {
		return nil, s.mapUpdateError(err, m.ID)
	}
	s.recordTransition(ctx, m, models.AuditEventExecutionStarted, runnerID, map[string]interface{}{
		"job_id":    jobID,
		"runner_id": runnerID,
	})

	s.logger.Info("runner started job",
		zap.String("manifest_id", m.ID.String()),
		zap.String("job_id", jobID.String()),
		zap.String("runner_id", runnerID))

	return m, nil
}

// CompleteJob finalizes a spooled job from the runner's completion report.
// A start report is not required; a runner may complete a job it never
// reported starting.
func (s *ManifestService) CompleteJob(ctx context.Context, jobID uuid.UUID, runnerID string, report JobReport) (*models.Manifest, error) {
	m, err := s.getByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if m.Status == models.StatusExpired {
		s.dropJob(jobID)
		return nil, services.Detailed(services.ErrManifestExpired).
			WithDetail("manifest_id", m.ID).
			WithDetail("job_id", jobID)
	}
	if m.Status != models.StatusQueued && m.Status != models.StatusExecuting {
		return nil, transitionError(m, string(models.StatusExecuted))
	}

	now := time.Now().UTC()
	event := models.AuditEventExecuted
	payload := map[string]interface{}{
		"mode":      "runner",
		"job_id":    jobID,
		"runner_id": runnerID,
	}

	if report.Success {
		m.Status = models.StatusExecuted
		m.Result = report.Result
		m.ExecutedAt = &now
	} else {
		reason := report.FailureReason
		if reason == "" {
			reason = "runner reported failure"
		}
		m.Status = models.StatusFailed
		m.FailureReason = &reason
		event = models.AuditEventExecutionFailed
		payload["failure_reason"] = reason
	}

	if err := s.manifestRepo.Update(ctx, m); err != nil {
		return nil, s.mapUpdateError(err, m.ID)
	}
	s.recordTransition(ctx, m, event, runnerID, payload)
	s.dropJob(jobID)

	s.logger.Info("runner completed job",
		zap.String("manifest_id", m.ID.String()),
		zap.String("job_id", jobID.String()),
		zap.String("status", string(m.Status)))

	return m, nil
}

// Rollback reverses an executed manifest through its scope's capability.
// Each manifest can be rolled back exactly once.
func (s *ManifestService) Rollback(ctx context.Context, id uuid.UUID, actorID string) (*models.Manifest, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status == models.StatusRolledBack {
		return nil, services.Detailed(services.ErrAlreadyRolledBack).WithDetail("manifest_id", m.ID)
	}
	if !m.Status.CanTransitionTo(models.StatusRolledBack) {
		return nil, transitionError(m, string(models.StatusRolledBack))
	}

	c, err := s.capabilities.Resolve(m.Scope)
	if err != nil {
		return nil, services.Detailed(services.ErrCapabilityMissing).
			WithDetail("manifest_id", m.ID).
			WithDetail("scope", m.Scope)
	}
	if err := c.Rollback(ctx, m); err != nil {
		s.logger.Error("manifest rollback failed",
			zap.String("manifest_id", m.ID.String()),
			zap.String("capability", c.Name()),
			zap.Error(err))
		return nil, services.WrapError(services.ErrorTypeExecutorFailure, "capability rollback failed", err)
	}

	now := time.Now().UTC()
	m.Status = models.StatusRolledBack
	m.RolledBackAt = &now
	if err := s.manifestRepo.Update(ctx, m); err != nil {
		return nil, s.mapUpdateError(err, m.ID)
	}
	s.recordTransition(ctx, m, models.AuditEventRolledBack, actorID, map[string]interface{}{
		"rolled_back_by": actorID,
		"capability":     c.Name(),
	})

	s.logger.Info("manifest rolled back",
		zap.String("manifest_id", m.ID.String()),
		zap.String("construct_id", m.ConstructID))

	return m, nil
}

// getByJob loads the manifest bound to a job and applies lazy expiry
func (s *ManifestService) getByJob(ctx context.Context, jobID uuid.UUID) (*models.Manifest, error) {
	m, err := s.manifestRepo.GetByJobID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.Detailed(services.ErrJobNotFound).WithDetail("job_id", jobID)
		}
		return nil, services.WrapInternal("failed to load manifest for job", err)
	}
	return s.expireIfDue(ctx, m)
}

// dropJob removes a finished job file; the spool tolerates repeats
func (s *ManifestService) dropJob(jobID uuid.UUID) {
	if err := s.jobSpool.Remove(jobID); err != nil {
		s.logger.Warn("failed to remove spooled job",
			zap.String("job_id", jobID.String()),
			zap.Error(err))
	}
}
