package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	svcerrors "github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/internal/projection"
)

// Principal is the authenticated identity attached to a request, resolved
// from either credential kind. Authorization grants are looked up by UserID
// regardless of which credential produced it.
type Principal struct {
	UserID    string
	TenantID  string
	APIKeyID  string // empty unless authenticated via API key
	SessionID string // empty unless authenticated via session
}

// Authenticator resolves credentials against the projection store's
// Users/ApiKeys read models: API key first, then session, in that order.
type Authenticator struct {
	projections *projection.Store
	sessions    SessionStore
	sessionTTL  time.Duration
	bcryptCost  int
}

// NewAuthenticator builds an Authenticator. sessionTTL of zero means
// sessions never expire by time (the store may still evict them).
func NewAuthenticator(projections *projection.Store, sessions SessionStore, sessionTTL time.Duration, bcryptCost int) *Authenticator {
	return &Authenticator{
		projections: projections,
		sessions:    sessions,
		sessionTTL:  sessionTTL,
		bcryptCost:  bcryptCost,
	}
}

// Authenticate resolves the Principal for an incoming request from its
// Authorization header and/or sessionId cookie. Public routes (login,
// health) never call this.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	bearer := bearerToken(r)

	if bearer != "" && LooksLikeAPIKey(bearer) {
		return a.authenticateAPIKey(bearer)
	}

	sessionID := bearer
	if sessionID == "" {
		if c, err := r.Cookie("sessionId"); err == nil {
			sessionID = c.Value
		}
	}
	if sessionID == "" {
		return nil, svcerrors.Unauthorized("missing credentials")
	}
	return a.authenticateSession(ctx, sessionID)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func (a *Authenticator) authenticateAPIKey(plaintext string) (*Principal, error) {
	hash := HashAPIKey(plaintext)
	key, ok := a.projections.APIKeyByHash(hash)
	if !ok || !key.IsActive(time.Now()) {
		return nil, svcerrors.Unauthorized("invalid api key")
	}
	user, ok := a.projections.User(key.UserID)
	if !ok || user.Status != projection.UserActive {
		return nil, svcerrors.Unauthorized("api key owner is not active")
	}
	return &Principal{UserID: user.ID, TenantID: user.PrimaryTenantID, APIKeyID: key.ID}, nil
}

func (a *Authenticator) authenticateSession(ctx context.Context, sessionID string) (*Principal, error) {
	sess, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, svcerrors.Unauthorized("invalid or expired session")
	}
	user, ok := a.projections.User(sess.UserID)
	if !ok || user.Status != projection.UserActive {
		return nil, svcerrors.Unauthorized("session owner is not active")
	}
	return &Principal{UserID: user.ID, TenantID: sess.TenantID, SessionID: sess.ID}, nil
}

// Login verifies email/password against the Users projection and, on
// success, creates a session scoped to the user's primary tenant.
func (a *Authenticator) Login(ctx context.Context, email, password string) (*Session, error) {
	user, ok := a.projections.UserByEmail(email)
	if !ok || user.Status != projection.UserActive {
		return nil, svcerrors.InvalidCredentials()
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return nil, svcerrors.InvalidCredentials()
	}
	return a.sessions.Create(ctx, user.ID, user.PrimaryTenantID, a.sessionTTL)
}

// Logout destroys a session. Idempotent: destroying an unknown session is
// not an error.
func (a *Authenticator) Logout(ctx context.Context, sessionID string) error {
	return a.sessions.Delete(ctx, sessionID)
}

// SwitchTenant re-scopes an existing session to a different tenant the
// user is associated with, per the /auth/switch-tenant/{t} route.
func (a *Authenticator) SwitchTenant(ctx context.Context, sessionID, userID, tenantResourceID string) error {
	user, ok := a.projections.User(userID)
	if !ok || !user.TenantIDs[tenantResourceID] {
		return svcerrors.PermissionDenied("SWITCH_TENANT", tenantResourceID)
	}
	return a.sessions.SwitchTenant(ctx, sessionID, tenantResourceID, a.sessionTTL)
}
