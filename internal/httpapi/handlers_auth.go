package httpapi

import (
	"net/http"

	svcerrors "github.com/fluxledger/eventhub/infrastructure/errors"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	TenantID  string `json:"tenantId"`
}

// handleLogin authenticates an email/password pair and starts a session
// scoped to the user's primary tenant.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, r, svcerrors.InvalidRequest("email and password are required"))
		return
	}
	sess, err := s.authn.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "sessionId", Value: sess.ID, Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode})
	writeJSON(w, http.StatusOK, loginResponse{SessionID: sess.ID, UserID: sess.UserID, TenantID: sess.TenantID})
}

// handleLogout destroys the caller's session. Idempotent: a request whose
// session is already gone, or that carries none, still gets 204.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if principal, err := s.authn.Authenticate(r.Context(), r); err == nil && principal.SessionID != "" {
		if err := s.authn.Logout(r.Context(), principal.SessionID); err != nil {
			writeError(w, r, err)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{Name: "sessionId", Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

type passwordChangeRequest struct {
	NewPassword string `json:"newPassword"`
}

// handlePasswordChange changes the authenticated user's own password.
func (s *Server) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req passwordChangeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NewPassword == "" {
		writeError(w, r, svcerrors.InvalidRequest("newPassword is required"))
		return
	}
	if err := s.control.ChangePassword(r.Context(), principal.UserID, req.NewPassword, s.bcryptCost); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type myTenantResponse struct {
	ResourceID string `json:"resourceId"`
	Name       string `json:"name"`
}

// handleListMyTenants lists every tenant the authenticated user belongs to,
// the candidate set for /auth/switch-tenant/{t}.
func (s *Server) handleListMyTenants(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	u, ok := s.projections.User(principal.UserID)
	if !ok {
		writeError(w, r, svcerrors.UserNotFound(principal.UserID))
		return
	}
	out := make([]myTenantResponse, 0, len(u.TenantIDs))
	for id := range u.TenantIDs {
		if t, ok := s.projections.Tenant(id); ok {
			out = append(out, myTenantResponse{ResourceID: t.ResourceID, Name: t.Name})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSwitchTenant re-scopes the caller's session to a different tenant
// they belong to.
func (s *Server) handleSwitchTenant(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	tenant, ok := s.resolveTenant(w, r)
	if !ok {
		return
	}
	if err := s.authn.SwitchTenant(r.Context(), principal.SessionID, principal.UserID, tenant.ResourceID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, myTenantResponse{ResourceID: tenant.ResourceID, Name: tenant.Name})
}
