package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/TitaniumShinobi/vsi-governance/app"
	"github.com/TitaniumShinobi/vsi-governance/middleware"
	"github.com/TitaniumShinobi/vsi-governance/utils"
)

// Common error response structure
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Common success response structure
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error JSON response
func respondError(w http.ResponseWriter, statusCode int, err string, message string) {
	respondJSON(w, statusCode, ErrorResponse{
		Error:   err,
		Message: message,
	})
}

// IdentityResponse is the response body for GET /api/v1/whoami
type IdentityResponse struct {
	UserID      string `json:"user_id,omitempty"`
	ConstructID string `json:"construct_id,omitempty"`
	Runner      bool   `json:"runner"`
	RunnerID    string `json:"runner_id,omitempty"`
}

// WhoAmIHandler echoes the identity the request resolved to
func WhoAmIHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := middleware.GetIdentityFromContext(r.Context())
		if identity == nil {
			_ = utils.WriteUnauthorized(w, "Authentication required")
			return
		}
		respondJSON(w, http.StatusOK, SuccessResponse{
			Data: IdentityResponse{
				UserID:      identity.UserID,
				ConstructID: identity.ConstructID,
				Runner:      identity.Runner,
				RunnerID:    identity.RunnerID,
			},
		})
	}
}
