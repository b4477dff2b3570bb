package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TitaniumShinobi/vsi-governance/middleware"
	"github.com/TitaniumShinobi/vsi-governance/models"
	manifestsvc "github.com/TitaniumShinobi/vsi-governance/services/manifest"
	"github.com/TitaniumShinobi/vsi-governance/utils"
)

// ProposeManifestRequest represents a construct's proposed change
type ProposeManifestRequest struct {
	ConstructID   string           `json:"construct_id" validate:"required"`
	Scope         string           `json:"scope" validate:"required"`
	Target        string           `json:"target" validate:"required"`
	Action        string           `json:"action" validate:"required"`
	CurrentState  json.RawMessage  `json:"current_state,omitempty"`
	ProposedState json.RawMessage  `json:"proposed_state,omitempty"`
	Rationale     string           `json:"rationale" validate:"required"`
	RiskLevel     models.RiskLevel `json:"risk_level" validate:"required"`
}

// RejectManifestRequest carries an optional rejection reason
type RejectManifestRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ProposeManifestResponse returns the stored manifest along with the policy
// gates the construct still has to clear before execution
type ProposeManifestResponse struct {
	Manifest         *models.Manifest `json:"manifest"`
	RequiresApproval bool             `json:"requires_approval"`
	RequiresPreview  bool             `json:"requires_preview"`
}

// ExecuteManifestResponse reports how an execute request was handled
type ExecuteManifestResponse struct {
	Manifest *models.Manifest `json:"manifest"`
	Queued   bool             `json:"queued"`
}

// ManifestService defines the governance operations the HTTP surface exposes
type ManifestService interface {
	// Propose opens a manifest in the proposed state
	Propose(ctx context.Context, req manifestsvc.ProposeRequest) (*manifestsvc.ProposeResult, error)

	// Get retrieves a manifest by ID
	Get(ctx context.Context, id uuid.UUID) (*models.Manifest, error)

	// ListPending retrieves manifests awaiting a decision or execution
	ListPending(ctx context.Context) ([]*models.Manifest, error)

	// ListByConstruct retrieves a construct's manifests with pagination
	ListByConstruct(ctx context.Context, constructID string, limit, offset int) ([]*models.Manifest, error)

	// Preview computes and records what executing the manifest would change
	Preview(ctx context.Context, id uuid.UUID, actorID string) (*models.Manifest, error)

	// Approve moves a proposed manifest to approved
	Approve(ctx context.Context, id uuid.UUID, approverID string) (*models.Manifest, error)

	// Reject finalizes a manifest as rejected
	Reject(ctx context.Context, id uuid.UUID, rejecterID, reason string) (*models.Manifest, error)

	// Execute applies a manifest synchronously or queues it for the runner
	Execute(ctx context.Context, id uuid.UUID, actorID string) (*manifestsvc.ExecuteResult, error)

	// Rollback reverses an executed manifest
	Rollback(ctx context.Context, id uuid.UUID, actorID string) (*models.Manifest, error)
}

// ManifestHandler handles manifest-related HTTP requests
type ManifestHandler struct {
	service ManifestService
	logger  *zap.Logger
}

// NewManifestHandler creates a new ManifestHandler
func NewManifestHandler(service ManifestService, logger *zap.Logger) *ManifestHandler {
	return &ManifestHandler{
		service: service,
		logger:  logger,
	}
}

// HandleProposeManifest handles POST /api/v1/manifests
func (h *ManifestHandler) HandleProposeManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil {
		_ = utils.WriteUnauthorized(w, "Missing identity")
		return
	}

	var req ProposeManifestRequest
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

	// A construct-scoped token may only propose as itself
	if identity.ConstructID != "" && identity.ConstructID != req.ConstructID {
		h.logger.Warn("construct identity mismatch",
			zap.String("request_id", requestID),
			zap.String("token_construct", identity.ConstructID),
			zap.String("body_construct", req.ConstructID))
		_ = utils.WriteForbidden(w, "Token is not valid for this construct")
		return
	}

	result, err := h.service.Propose(ctx, manifestsvc.ProposeRequest{
		ConstructID:   req.ConstructID,
		UserID:        identity.UserID,
		Scope:         req.Scope,
		Target:        req.Target,
		Action:        req.Action,
		CurrentState:  req.CurrentState,
		ProposedState: req.ProposedState,
		Rationale:     req.Rationale,
		RiskLevel:     req.RiskLevel,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("manifest proposed",
		zap.String("request_id", requestID),
		zap.String("manifest_id", result.Manifest.ID.String()),
		zap.String("construct_id", result.Manifest.ConstructID))

	_ = utils.WriteCreated(w, ProposeManifestResponse{
		Manifest:         result.Manifest,
		RequiresApproval: result.RequiresApproval,
		RequiresPreview:  result.RequiresPreview,
	})
}

// HandleListPending handles GET /api/v1/manifests/pending
func (h *ManifestHandler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	manifests, err := h.service.ListPending(ctx)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	summaries := make([]models.ManifestSummary, len(manifests))
	for i, m := range manifests {
		summaries[i] = m.Summary()
	}

	_ = utils.WriteOK(w, summaries)
}

// HandleListManifests handles GET /api/v1/manifests?construct_id=
func (h *ManifestHandler) HandleListManifests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	constructID := r.URL.Query().Get("construct_id")
	if constructID == "" {
		_ = utils.WriteBadRequest(w, "construct_id query parameter is required", nil)
		return
	}
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)

	manifests, err := h.service.ListByConstruct(ctx, constructID, limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	summaries := make([]models.ManifestSummary, len(manifests))
	for i, m := range manifests {
		summaries[i] = m.Summary()
	}

	_ = utils.WriteOK(w, summaries)
}

// HandleGetManifest handles GET /api/v1/manifests/{id}
func (h *ManifestHandler) HandleGetManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := manifestID(w, r)
	if !ok {
		return
	}

	m, err := h.service.Get(ctx, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, m)
}

// HandlePreviewManifest handles GET /api/v1/manifests/{id}/preview
func (h *ManifestHandler) HandlePreviewManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil {
		_ = utils.WriteUnauthorized(w, "Missing identity")
		return
	}
	id, ok := manifestID(w, r)
	if !ok {
		return
	}

	m, err := h.service.Preview(ctx, id, identity.Actor())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, m)
}

// HandleApproveManifest handles POST /api/v1/manifests/{id}/approve
func (h *ManifestHandler) HandleApproveManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil {
		_ = utils.WriteUnauthorized(w, "Missing identity")
		return
	}
	id, ok := manifestID(w, r)
	if !ok {
		return
	}

	m, err := h.service.Approve(ctx, id, identity.UserID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("manifest approved",
		zap.String("request_id", requestID),
		zap.String("manifest_id", m.ID.String()),
		zap.String("approved_by", identity.UserID))

	_ = utils.WriteOK(w, m)
}

// HandleRejectManifest handles POST /api/v1/manifests/{id}/reject
func (h *ManifestHandler) HandleRejectManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil {
		_ = utils.WriteUnauthorized(w, "Missing identity")
		return
	}
	id, ok := manifestID(w, r)
	if !ok {
		return
	}

	// Body is optional; an empty body rejects without a reason
	var req RejectManifestRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = utils.WriteBadRequest(w, "Invalid request body", nil)
			return
		}
	}

	m, err := h.service.Reject(ctx, id, identity.UserID, req.Reason)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("manifest rejected",
		zap.String("request_id", requestID),
		zap.String("manifest_id", m.ID.String()),
		zap.String("rejected_by", identity.UserID))

	_ = utils.WriteOK(w, m)
}

// HandleExecuteManifest handles POST /api/v1/manifests/{id}/execute.
// Synchronous execution returns 200; a manifest queued for the runner
// returns 202 with the job ID on the manifest.
func (h *ManifestHandler) HandleExecuteManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil {
		_ = utils.WriteUnauthorized(w, "Missing identity")
		return
	}
	id, ok := manifestID(w, r)
	if !ok {
		return
	}

	result, err := h.service.Execute(ctx, id, identity.Actor())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	response := ExecuteManifestResponse{
		Manifest: result.Manifest,
		Queued:   result.Queued,
	}

	h.logger.Info("manifest execute handled",
		zap.String("request_id", requestID),
		zap.String("manifest_id", result.Manifest.ID.String()),
		zap.Bool("queued", result.Queued))

	if result.Queued {
		_ = utils.WriteAccepted(w, response)
		return
	}
	_ = utils.WriteOK(w, response)
}

// HandleRollbackManifest handles POST /api/v1/manifests/{id}/rollback
func (h *ManifestHandler) HandleRollbackManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil {
		_ = utils.WriteUnauthorized(w, "Missing identity")
		return
	}
	id, ok := manifestID(w, r)
	if !ok {
		return
	}

	m, err := h.service.Rollback(ctx, id, identity.Actor())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("manifest rolled back",
		zap.String("request_id", requestID),
		zap.String("manifest_id", m.ID.String()))

	_ = utils.WriteOK(w, m)
}

// manifestID parses the {id} route parameter, writing a 400 on failure
func manifestID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid manifest ID format", nil)
		return uuid.Nil, false
	}
	return id, true
}

// queryInt parses an integer query parameter, falling back on absence or junk
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
