package httpapi

import (
	"net/http"

	"github.com/fluxledger/eventhub/internal/authz"
)

type createNamespaceRequest struct {
	Name string `json:"name"`
}

type namespaceResponse struct {
	ResourceID       string `json:"resourceId"`
	TenantResourceID string `json:"tenantResourceId"`
	Name             string `json:"name"`
}

func (s *Server) handleCreateNamespace(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionCreate, authz.Resource{Type: authz.ResourceNamespace, TenantResourceID: tenant.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}
	var req createNamespaceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.control.CreateNamespace(r.Context(), tenant.ResourceID, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, namespaceResponse{ResourceID: id, TenantResourceID: tenant.ResourceID, Name: req.Name})
}

func (s *Server) handleGetNamespace(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	ns, ok := s.resolveNamespace(w, r, tenant)
	if !ok {
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionRead, authz.Resource{Type: authz.ResourceNamespace, TenantResourceID: tenant.ResourceID, NamespaceResourceID: &ns.ResourceID, ResourceID: &ns.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, namespaceResponse{ResourceID: ns.ResourceID, TenantResourceID: ns.TenantResourceID, Name: ns.Name})
}

type updateNamespaceRequest struct {
	Name *string `json:"name"`
}

func (s *Server) handleUpdateNamespace(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	ns, ok := s.resolveNamespace(w, r, tenant)
	if !ok {
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionUpdate, authz.Resource{Type: authz.ResourceNamespace, TenantResourceID: tenant.ResourceID, NamespaceResourceID: &ns.ResourceID, ResourceID: &ns.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}
	var req updateNamespaceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.control.UpdateNamespace(r.Context(), ns.ResourceID, req.Name); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteNamespace(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	ns, ok := s.resolveNamespace(w, r, tenant)
	if !ok {
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionDelete, authz.Resource{Type: authz.ResourceNamespace, TenantResourceID: tenant.ResourceID, NamespaceResourceID: &ns.ResourceID, ResourceID: &ns.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.control.DeleteNamespace(r.Context(), ns.ResourceID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
