package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/TitaniumShinobi/vsi-governance/utils"
)

// AuditLogsResponse is a page of audit entries for one construct
type AuditLogsResponse struct {
	ConstructID string               `json:"construct_id"`
	Entries     []*models.AuditEntry `json:"entries"`
	Total       int64                `json:"total"`
	Limit       int                  `json:"limit"`
	Offset      int                  `json:"offset"`
}

// AuditReader defines the audit queries the HTTP surface exposes
type AuditReader interface {
	// Logs retrieves a page of a construct's audit entries in insertion order
	Logs(ctx context.Context, constructID string, limit, offset int) ([]*models.AuditEntry, error)

	// Trail retrieves every audit entry for one manifest, oldest first
	Trail(ctx context.Context, manifestID uuid.UUID) ([]*models.AuditEntry, error)

	// Count returns the total number of entries recorded for a construct
	Count(ctx context.Context, constructID string) (int64, error)
}

// AuditHandler handles audit trail HTTP requests
type AuditHandler struct {
	service AuditReader
	logger  *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(service AuditReader, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		service: service,
		logger:  logger,
	}
}

// HandleGetAuditLogs handles GET /api/v1/audit/{constructID}
func (h *AuditHandler) HandleGetAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	constructID := chi.URLParam(r, "constructID")
	if constructID == "" {
		_ = utils.WriteBadRequest(w, "Construct ID is required", nil)
		return
	}
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)

	entries, err := h.service.Logs(ctx, constructID, limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	total, err := h.service.Count(ctx, constructID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if limit <= 0 {
		limit = len(entries)
	}
	_ = utils.WriteOK(w, AuditLogsResponse{
		ConstructID: constructID,
		Entries:     entries,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

// HandleGetAuditTrail handles GET /api/v1/manifests/{id}/audit
func (h *AuditHandler) HandleGetAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := manifestID(w, r)
	if !ok {
		return
	}

	entries, err := h.service.Trail(ctx, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, entries)
}
