package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/TitaniumShinobi/vsi-governance/config"
	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/TitaniumShinobi/vsi-governance/utils"
)

// VocabularyResponse lists the closed vocabularies manifests are validated against
type VocabularyResponse struct {
	Scopes      []string           `json:"scopes"`
	ActionTypes []string           `json:"action_types"`
	RiskLevels  []models.RiskLevel `json:"risk_levels"`
}

// PermissionReader defines the policy queries the HTTP surface exposes
type PermissionReader interface {
	// GetPermissions resolves a construct's policy into its effective permission set
	GetPermissions(ctx context.Context, constructID string) (models.PermissionSet, error)
}

// PermissionHandler handles permission-related HTTP requests
type PermissionHandler struct {
	service    PermissionReader
	governance config.GovernanceConfig
	logger     *zap.Logger
}

// NewPermissionHandler creates a new PermissionHandler
func NewPermissionHandler(service PermissionReader, governance config.GovernanceConfig, logger *zap.Logger) *PermissionHandler {
	return &PermissionHandler{
		service:    service,
		governance: governance,
		logger:     logger,
	}
}

// HandleGetPermissions handles GET /api/v1/permissions/{constructID}
func (h *PermissionHandler) HandleGetPermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	constructID := chi.URLParam(r, "constructID")
	if constructID == "" {
		_ = utils.WriteBadRequest(w, "Construct ID is required", nil)
		return
	}

	set, err := h.service.GetPermissions(ctx, constructID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, set)
}

// HandleGetVocabulary handles GET /api/v1/scopes
func (h *PermissionHandler) HandleGetVocabulary(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, VocabularyResponse{
		Scopes:      h.governance.Scopes,
		ActionTypes: h.governance.ActionTypes,
		RiskLevels:  models.RiskLevels,
	})
}
