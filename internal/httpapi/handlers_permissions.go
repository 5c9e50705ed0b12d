package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	svcerrors "github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/internal/authz"
	"github.com/fluxledger/eventhub/internal/projection"
)

type timeWindowDTO struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

type constraintsDTO struct {
	EventTypes []string       `json:"eventTypes,omitempty"`
	MaxAgeDays int            `json:"maxAgeDays,omitempty"`
	TimeWindow *timeWindowDTO `json:"timeWindow,omitempty"`
}

type permissionGrantResponse struct {
	PrincipalID         string           `json:"principalId"`
	PrincipalType       string           `json:"principalType"`
	ResourceType        string           `json:"resourceType"`
	ResourceID          *string          `json:"resourceId,omitempty"`
	TenantResourceID    string           `json:"tenantResourceId"`
	NamespaceResourceID *string          `json:"namespaceResourceId,omitempty"`
	TopicResourceID     *string          `json:"topicResourceId,omitempty"`
	Permissions         []string         `json:"permissions"`
	Constraints         *constraintsDTO  `json:"constraints,omitempty"`
	ExpiresAt           *time.Time       `json:"expiresAt,omitempty"`
}

func toPermissionGrantResponse(g *projection.PermissionGrant) permissionGrantResponse {
	tokens := make([]string, 0, len(g.Permissions))
	for tok, on := range g.Permissions {
		if on {
			tokens = append(tokens, tok)
		}
	}
	var c *constraintsDTO
	if g.Constraints != nil {
		c = &constraintsDTO{EventTypes: g.Constraints.EventTypes, MaxAgeDays: g.Constraints.MaxAgeDays}
		if g.Constraints.TimeWindow != nil {
			c.TimeWindow = &timeWindowDTO{StartHour: g.Constraints.TimeWindow.StartHour, EndHour: g.Constraints.TimeWindow.EndHour}
		}
	}
	return permissionGrantResponse{
		PrincipalID:         g.PrincipalID,
		PrincipalType:       g.PrincipalType,
		ResourceType:        g.ResourceType,
		ResourceID:          g.ResourceID,
		TenantResourceID:    g.TenantResourceID,
		NamespaceResourceID: g.NamespaceResourceID,
		TopicResourceID:     g.TopicResourceID,
		Permissions:         tokens,
		Constraints:         c,
		ExpiresAt:           g.ExpiresAt,
	}
}

// handleListPermissions lists every still-live grant held by a user,
// expanded across every resource it covers rather than scoped to one.
func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
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
	grants := s.projections.GrantsForPrincipal(userID, time.Now().UTC())
	out := make([]permissionGrantResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, toPermissionGrantResponse(g))
	}
	writeJSON(w, http.StatusOK, out)
}

type grantPermissionRequest struct {
	PrincipalType       string          `json:"principalType"`
	ResourceType        string          `json:"resourceType"`
	ResourceID          *string         `json:"resourceId,omitempty"`
	NamespaceResourceID *string         `json:"namespaceResourceId,omitempty"`
	TopicResourceID     *string         `json:"topicResourceId,omitempty"`
	Permissions         []string        `json:"permissions"`
	Constraints         *constraintsDTO `json:"constraints,omitempty"`
	ExpiresAt           *time.Time      `json:"expiresAt,omitempty"`
}

// handleGrantPermission grants a user a permission set over some resource
// scope, requiring PERMISSION_GRANT on the enclosing tenant.
func (s *Server) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	userID := mux.Vars(r)["userId"]
	if err := s.authz.Authorize(principal.UserID, authz.PermissionPermissionGrant, authz.Resource{Type: authz.ResourceTenant, TenantResourceID: tenant.ResourceID, ResourceID: &tenant.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}
	var req grantPermissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Permissions) == 0 {
		writeError(w, r, svcerrors.InvalidRequest("permissions must not be empty"))
		return
	}
	perms := make(map[string]bool, len(req.Permissions))
	for _, p := range req.Permissions {
		perms[p] = true
	}
	var constraints *projection.Constraints
	if req.Constraints != nil {
		constraints = &projection.Constraints{EventTypes: req.Constraints.EventTypes, MaxAgeDays: req.Constraints.MaxAgeDays}
		if req.Constraints.TimeWindow != nil {
			constraints.TimeWindow = &projection.TimeWindow{StartHour: req.Constraints.TimeWindow.StartHour, EndHour: req.Constraints.TimeWindow.EndHour}
		}
	}
	grant := &projection.PermissionGrant{
		PrincipalID:         userID,
		PrincipalType:       defaultString(req.PrincipalType, "USER"),
		ResourceType:        req.ResourceType,
		ResourceID:          req.ResourceID,
		TenantResourceID:    tenant.ResourceID,
		NamespaceResourceID: req.NamespaceResourceID,
		TopicResourceID:     req.TopicResourceID,
		Permissions:         perms,
		Constraints:         constraints,
		ExpiresAt:           req.ExpiresAt,
	}
	if err := s.control.GrantPermission(r.Context(), grant); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPermissionGrantResponse(grant))
}

type revokePermissionRequest struct {
	ResourceType string   `json:"resourceType"`
	ResourceID   *string  `json:"resourceId,omitempty"`
	Permissions  []string `json:"permissions"`
}

// handleRevokePermission revokes a permission set from a user, requiring
// PERMISSION_REVOKE on the enclosing tenant. The revoked set is
// removed from every grant that overlaps (principal, resourceType,
// resourceId), per the decided revoke-scope policy.
func (s *Server) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	userID := mux.Vars(r)["userId"]
	if err := s.authz.Authorize(principal.UserID, authz.PermissionPermissionRevoke, authz.Resource{Type: authz.ResourceTenant, TenantResourceID: tenant.ResourceID, ResourceID: &tenant.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}
	var req revokePermissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.control.RevokePermission(r.Context(), userID, req.ResourceType, req.ResourceID, req.Permissions); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
