package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	svcerrors "github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/infrastructure/middleware"
	"github.com/fluxledger/eventhub/internal/authz"
	"github.com/fluxledger/eventhub/internal/projection"
)

type userResponse struct {
	ID              string   `json:"id"`
	Email           string   `json:"email"`
	Status          string   `json:"status"`
	PrimaryTenantID string   `json:"primaryTenantId"`
	TenantIDs       []string `json:"tenantIds"`
}

func toUserResponse(u *projection.User) userResponse {
	ids := make([]string, 0, len(u.TenantIDs))
	for id := range u.TenantIDs {
		ids = append(ids, id)
	}
	return userResponse{ID: u.ID, Email: u.Email, Status: string(u.Status), PrimaryTenantID: u.PrimaryTenantID, TenantIDs: ids}
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleCreateUser creates a user whose primary (and only, initially)
// tenant is the one in the path.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionCreate, authz.Resource{Type: authz.ResourceUser, TenantResourceID: tenant.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}
	var req createUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, r, svcerrors.InvalidRequest("email and password are required"))
		return
	}
	if !middleware.IsValidEmail(req.Email) {
		writeError(w, r, svcerrors.InvalidInput("email", "not a valid email address"))
		return
	}
	id, err := s.control.CreateUser(r.Context(), req.Email, req.Password, tenant.ResourceID, s.bcryptCost)
	if err != nil {
		writeError(w, r, err)
		return
	}
	u, _ := s.projections.User(id)
	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

// handleGetUser returns one user's profile.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	userID := mux.Vars(r)["userId"]
	u, ok := s.projections.User(userID)
	if !ok {
		writeError(w, r, svcerrors.UserNotFound(userID))
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionRead, authz.Resource{Type: authz.ResourceUser, TenantResourceID: tenant.ResourceID, ResourceID: &u.ID}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

type updateUserRequest struct {
	Status   *string `json:"status"`
	Password *string `json:"password"`
}

// handleUpdateUser changes a user's status and/or password.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	userID := mux.Vars(r)["userId"]
	u, ok := s.projections.User(userID)
	if !ok {
		writeError(w, r, svcerrors.UserNotFound(userID))
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionUpdate, authz.Resource{Type: authz.ResourceUser, TenantResourceID: tenant.ResourceID, ResourceID: &u.ID}); err != nil {
		writeError(w, r, err)
		return
	}
	var req updateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Status != nil {
		if err := s.control.ChangeUserStatus(r.Context(), userID, projection.UserStatus(*req.Status)); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if req.Password != nil {
		if err := s.control.ChangePassword(r.Context(), userID, *req.Password, s.bcryptCost); err != nil {
			writeError(w, r, err)
			return
		}
	}
	updated, _ := s.projections.User(userID)
	writeJSON(w, http.StatusOK, toUserResponse(updated))
}

// handleDeleteUser soft-deletes a user.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	userID := mux.Vars(r)["userId"]
	u, ok := s.projections.User(userID)
	if !ok {
		writeError(w, r, svcerrors.UserNotFound(userID))
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionDelete, authz.Resource{Type: authz.ResourceUser, TenantResourceID: tenant.ResourceID, ResourceID: &u.ID}); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.control.DeleteUser(r.Context(), userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAssignRole attaches a user to the path tenant. Roles are not a
// separate projected entity (ROLE exists only as a PermissionGrant
// principalType); "assigning a role" at the tenant scope is implemented as
// granting the user membership of that tenant, mirroring how
// user.tenant.assigned already drives GrantsForPrincipal's tenant scoping.
func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	userID := mux.Vars(r)["userId"]
	if err := s.authz.Authorize(principal.UserID, authz.PermissionManage, authz.Resource{Type: authz.ResourceUser, TenantResourceID: tenant.ResourceID, ResourceID: &userID}); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.control.AssignUserTenant(r.Context(), userID, tenant.ResourceID); err != nil {
		writeError(w, r, err)
		return
	}
	u, _ := s.projections.User(userID)
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// handleRemoveRole detaches a user from the path tenant.
func (s *Server) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	userID := mux.Vars(r)["userId"]
	if err := s.authz.Authorize(principal.UserID, authz.PermissionManage, authz.Resource{Type: authz.ResourceUser, TenantResourceID: tenant.ResourceID, ResourceID: &userID}); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.control.RemoveUserTenant(r.Context(), userID, tenant.ResourceID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
