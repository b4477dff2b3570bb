package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TitaniumShinobi/vsi-governance/middleware"
	"github.com/TitaniumShinobi/vsi-governance/models"
	manifestsvc "github.com/TitaniumShinobi/vsi-governance/services/manifest"
	"github.com/TitaniumShinobi/vsi-governance/spool"
	"github.com/TitaniumShinobi/vsi-governance/utils"
)

// CompleteJobRequest is the runner's report for a finished job
type CompleteJobRequest struct {
	Success       *bool           `json:"success" validate:"required"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// RunnerService defines the job lifecycle operations reported by the runner
type RunnerService interface {
	// StartJob marks a queued job as executing
	StartJob(ctx context.Context, jobID uuid.UUID, runnerID string) (*models.Manifest, error)

	// CompleteJob finalizes a job as executed or failed
	CompleteJob(ctx context.Context, jobID uuid.UUID, runnerID string, report manifestsvc.JobReport) (*models.Manifest, error)
}

// RunnerHandler handles job reports from the out-of-process runner
type RunnerHandler struct {
	service    RunnerService
	jobSpool   *spool.Spool
	staleAfter time.Duration
	logger     *zap.Logger
}

// NewRunnerHandler creates a new RunnerHandler
func NewRunnerHandler(service RunnerService, jobSpool *spool.Spool, staleAfter time.Duration, logger *zap.Logger) *RunnerHandler {
	return &RunnerHandler{
		service:    service,
		jobSpool:   jobSpool,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// HandleStartJob handles POST /api/v1/runner/jobs/{jobID}/start
func (h *RunnerHandler) HandleStartJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil || !identity.Runner {
		_ = utils.WriteUnauthorized(w, "Runner identity required")
		return
	}
	jobID, ok := runnerJobID(w, r)
	if !ok {
		return
	}

	m, err := h.service.StartJob(ctx, jobID, identity.RunnerID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("job started",
		zap.String("request_id", requestID),
		zap.String("job_id", jobID.String()),
		zap.String("manifest_id", m.ID.String()),
		zap.String("runner_id", identity.RunnerID))

	_ = utils.WriteOK(w, m)
}

// HandleCompleteJob handles POST /api/v1/runner/jobs/{jobID}/complete
func (h *RunnerHandler) HandleCompleteJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil || !identity.Runner {
		_ = utils.WriteUnauthorized(w, "Runner identity required")
		return
	}
	jobID, ok := runnerJobID(w, r)
	if !ok {
		return
	}

	var req CompleteJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	m, err := h.service.CompleteJob(ctx, jobID, identity.RunnerID, manifestsvc.JobReport{
		Success:       *req.Success,
		Result:        req.Result,
		FailureReason: req.FailureReason,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("job completed",
		zap.String("request_id", requestID),
		zap.String("job_id", jobID.String()),
		zap.String("manifest_id", m.ID.String()),
		zap.String("status", string(m.Status)),
		zap.Bool("success", *req.Success))

	_ = utils.WriteOK(w, m)
}

// HandleRunnerHealth handles GET /api/v1/runner/health
func (h *RunnerHandler) HandleRunnerHealth(w http.ResponseWriter, r *http.Request) {
	health := h.jobSpool.Health(h.staleAfter)
	_ = utils.WriteOK(w, health)
}

// runnerJobID parses the {jobID} route parameter, writing a 400 on failure
func runnerJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid job ID format", nil)
		return uuid.Nil, false
	}
	return id, true
}
