package httpapi

import (
	"net/http"

	"github.com/fluxledger/eventhub/internal/authz"
	"github.com/fluxledger/eventhub/internal/projection"
)

type createTenantRequest struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

type tenantResponse struct {
	ResourceID string         `json:"resourceId"`
	Name       string         `json:"name"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req createTenantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	// Tenant creation is platform-level: authorized against the requester's
	// own tenant scope with the CREATE token, same as any other TENANT-typed
	// resource.
	if err := s.authz.Authorize(principal.UserID, authz.PermissionCreate, authz.Resource{Type: authz.ResourceTenant, TenantResourceID: principal.TenantID}); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := s.control.CreateTenant(r.Context(), req.Name, req.Metadata)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// The creator becomes the new tenant's first admin; without this no
	// principal would hold any grant scoped to the new tenant and it would be
	// unadministrable. TENANT-scope ADMIN inherits down to namespaces,
	// topics, events, and consumers but not to USER-typed resources, so a
	// second all-users grant covers user and api-key management.
	creatorGrants := []*projection.PermissionGrant{
		{
			PrincipalID:      principal.UserID,
			PrincipalType:    "USER",
			ResourceType:     authz.ResourceTenant,
			ResourceID:       &id,
			TenantResourceID: id,
			Permissions:      map[string]bool{authz.PermissionAdmin: true},
		},
		{
			PrincipalID:      principal.UserID,
			PrincipalType:    "USER",
			ResourceType:     authz.ResourceUser,
			TenantResourceID: id,
			Permissions:      map[string]bool{authz.PermissionAdmin: true},
		},
	}
	for _, g := range creatorGrants {
		if err := s.control.GrantPermission(r.Context(), g); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, tenantResponse{ResourceID: id, Name: req.Name, Metadata: req.Metadata})
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionList, authz.Resource{Type: authz.ResourceTenant, TenantResourceID: principal.TenantID}); err != nil {
		writeError(w, r, err)
		return
	}
	tenants := s.projections.ListTenants()
	out := make([]tenantResponse, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, tenantResponse{ResourceID: t.ResourceID, Name: t.Name, Metadata: t.Metadata})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionRead, authz.Resource{Type: authz.ResourceTenant, TenantResourceID: tenant.ResourceID, ResourceID: &tenant.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenantResponse{ResourceID: tenant.ResourceID, Name: tenant.Name, Metadata: tenant.Metadata})
}

type updateTenantRequest struct {
	Name     *string        `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionUpdate, authz.Resource{Type: authz.ResourceTenant, TenantResourceID: tenant.ResourceID, ResourceID: &tenant.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}
	var req updateTenantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.control.UpdateTenant(r.Context(), tenant.ResourceID, req.Name, req.Metadata); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionDelete, authz.Resource{Type: authz.ResourceTenant, TenantResourceID: tenant.ResourceID, ResourceID: &tenant.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.control.DeleteTenant(r.Context(), tenant.ResourceID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
