package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	svcerrors "github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/internal/authz"
	"github.com/fluxledger/eventhub/internal/projection"
)

type apiKeyResponse struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Scopes      []string   `json:"scopes"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
}

func toAPIKeyResponse(k *projection.ApiKey) apiKeyResponse {
	return apiKeyResponse{
		ID:          k.ID,
		UserID:      k.UserID,
		Name:        k.Name,
		Description: k.Description,
		Scopes:      k.Scopes,
		CreatedAt:   k.CreatedAt,
		ExpiresAt:   k.ExpiresAt,
		RevokedAt:   k.RevokedAt,
	}
}

type createAPIKeyRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Scopes      []string   `json:"scopes"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

type createAPIKeyResponse struct {
	apiKeyResponse
	Key string `json:"key"`
}

// handleCreateAPIKey mints a new API key for a user. The plaintext is
// returned exactly once, in this response; only its SHA-256 hash is
// persisted.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	userID := mux.Vars(r)["userId"]
	if err := s.authz.Authorize(principal.UserID, authz.PermissionCreate, authz.Resource{Type: authz.ResourceUser, TenantResourceID: tenant.ResourceID, ResourceID: &userID}); err != nil {
		writeError(w, r, err)
		return
	}
	var req createAPIKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, r, svcerrors.InvalidRequest("api key name is required"))
		return
	}
	result, err := s.control.CreateAPIKey(r.Context(), userID, req.Name, req.Description, req.Scopes, req.ExpiresAt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	k, _ := s.projections.APIKey(result.ResourceID)
	writeJSON(w, http.StatusCreated, createAPIKeyResponse{apiKeyResponse: toAPIKeyResponse(k), Key: result.Plaintext})
}

// handleListAPIKeys lists every API key (active or revoked) belonging to a
// user. Plaintext is never returned after creation.
func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	userID := mux.Vars(r)["userId"]
	if err := s.authz.Authorize(principal.UserID, authz.PermissionList, authz.Resource{Type: authz.ResourceUser, TenantResourceID: tenant.ResourceID, ResourceID: &userID}); err != nil {
		writeError(w, r, err)
		return
	}
	keys := s.projections.ListAPIKeysForUser(userID)
	out := make([]apiKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, toAPIKeyResponse(k))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRevokeAPIKey revokes an API key. Revoking an already-revoked key
// fails with API_KEY_ALREADY_REVOKED.
func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	userID, keyID := vars["userId"], vars["keyId"]
	if err := s.authz.Authorize(principal.UserID, authz.PermissionDelete, authz.Resource{Type: authz.ResourceUser, TenantResourceID: tenant.ResourceID, ResourceID: &userID}); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.control.RevokeAPIKey(r.Context(), keyID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
