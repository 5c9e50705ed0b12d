// Package authz decides ALLOW or DENY for (principal, required permission,
// addressed resource) tuples by walking the principal's non-expired grants
// and applying scope inheritance and constraints. It is a pure decision
// function over the in-memory permission read model; no storage round trip
// happens per call.
package authz

import (
	"time"

	svcerrors "github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/internal/projection"
)

// Permission tokens a grant may carry and a route may require.
const (
	PermissionList            = "LIST"
	PermissionRead             = "READ"
	PermissionCreate           = "CREATE"
	PermissionUpdate           = "UPDATE"
	PermissionDelete           = "DELETE"
	PermissionManage           = "MANAGE"
	PermissionSchemaManage     = "SCHEMA_MANAGE"
	PermissionPermissionGrant  = "PERMISSION_GRANT"
	PermissionPermissionRevoke = "PERMISSION_REVOKE"
	PermissionAdmin            = "ADMIN"
)

// Resource types addressable by the HTTP surface.
const (
	ResourceTenant    = "TENANT"
	ResourceNamespace = "NAMESPACE"
	ResourceTopic     = "TOPIC"
	ResourceEvent     = "EVENT"
	ResourceConsumer  = "CONSUMER"
	ResourceUser      = "USER"
)

// Resource identifies what a request addresses, in the scope hierarchy
// TENANT > NAMESPACE > TOPIC/EVENT/CONSUMER/USER.
type Resource struct {
	Type                string
	TenantResourceID    string
	NamespaceResourceID *string
	TopicResourceID     *string
	ResourceID          *string // the addressed resource's own id, nil for collection routes
	EventType           string  // set only when Type == ResourceEvent and constraints.EventTypes should be checked
}

// PrincipalGrants is the subset of the projection store the engine needs:
// every non-expired grant for a principal. Implemented by *projection.Store.
type PrincipalGrants interface {
	GrantsForPrincipal(principalID string, now time.Time) []*projection.PermissionGrant
}

// Engine decides ALLOW/DENY for (principal, permission, resource) tuples.
type Engine struct {
	grants PrincipalGrants
	now    func() time.Time
}

// New builds an Engine against the projection store holding permission
// grants.
func New(grants PrincipalGrants) *Engine {
	return &Engine{grants: grants, now: time.Now}
}

// Authorize returns nil if principalID holds requiredPermission over
// resource, otherwise a PERMISSION_DENIED *errors.ServiceError.
func (e *Engine) Authorize(principalID, requiredPermission string, resource Resource) error {
	now := e.now()
	for _, g := range e.grants.GrantsForPrincipal(principalID, now) {
		if g.TenantResourceID != resource.TenantResourceID {
			continue
		}
		if !scopeCovers(g, resource) {
			continue
		}
		if !permissionCovers(g, requiredPermission, resource) {
			continue
		}
		if !constraintsAllow(g, resource, now) {
			continue
		}
		return nil
	}
	return svcerrors.PermissionDenied(requiredPermission, resource.describe())
}

func (r Resource) describe() string {
	if r.ResourceID != nil {
		return r.Type + ":" + *r.ResourceID
	}
	return r.Type
}

// scopeCovers reports whether a grant's own scope (its ResourceType plus
// optional NamespaceResourceID/TopicResourceID/ResourceID) reaches the
// addressed resource, either by an exact match or by downward inheritance
// from TENANT/NAMESPACE scope.
func scopeCovers(g *projection.PermissionGrant, r Resource) bool {
	switch g.ResourceType {
	case r.Type:
		if g.ResourceID != nil && (r.ResourceID == nil || *g.ResourceID != *r.ResourceID) {
			return false
		}
		if g.NamespaceResourceID != nil && !equalPtr(g.NamespaceResourceID, r.NamespaceResourceID) {
			return false
		}
		if g.TopicResourceID != nil && !equalPtr(g.TopicResourceID, r.TopicResourceID) {
			return false
		}
		return true
	case ResourceTenant:
		// A TENANT-scoped grant reaches every NAMESPACE/TOPIC/EVENT/CONSUMER
		// inside that tenant (inheritance only; TENANT grants never satisfy
		// a request addressing a TENANT other than via exact match above).
		return r.Type == ResourceNamespace || r.Type == ResourceTopic || r.Type == ResourceEvent || r.Type == ResourceConsumer
	case ResourceNamespace:
		if r.Type != ResourceTopic && r.Type != ResourceEvent && r.Type != ResourceConsumer {
			return false
		}
		return equalPtr(g.NamespaceResourceID, r.NamespaceResourceID)
	default:
		return false
	}
}

// permissionCovers accepts a direct token match or an ADMIN grant.
func permissionCovers(g *projection.PermissionGrant, required string, r Resource) bool {
	if g.Permissions[required] || g.Permissions[PermissionAdmin] {
		return true
	}
	if required == PermissionSchemaManage && g.ResourceType != r.Type {
		// SCHEMA_MANAGE granted above TOPIC scope still needs the explicit
		// token or ADMIN; there is no separate inheritance path beyond what
		// the ADMIN check above already covers.
		return false
	}
	return false
}

func constraintsAllow(g *projection.PermissionGrant, r Resource, now time.Time) bool {
	c := g.Constraints
	if c == nil {
		return true
	}
	if len(c.EventTypes) > 0 && r.Type == ResourceEvent && r.EventType != "" {
		allowed := false
		for _, t := range c.EventTypes {
			if t == r.EventType {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if c.TimeWindow != nil {
		hour := now.UTC().Hour()
		w := c.TimeWindow
		if w.StartHour <= w.EndHour {
			if hour < w.StartHour || hour > w.EndHour {
				return false
			}
		} else {
			// Window wraps past midnight, e.g. 22..6.
			if hour < w.StartHour && hour > w.EndHour {
				return false
			}
		}
	}
	return true
}

// MaxAgeAllowed reports whether an event timestamped eventTime is within any
// of the principal's constraints.maxAgeDays horizon for reading resource.
// Callers apply this in addition to Authorize when serving event reads;
// kept separate because it depends on the event being read, not just the
// addressed topic.
func (e *Engine) MaxAgeAllowed(principalID string, resource Resource, eventTime time.Time) bool {
	now := e.now()
	for _, g := range e.grants.GrantsForPrincipal(principalID, now) {
		if g.TenantResourceID != resource.TenantResourceID || !scopeCovers(g, resource) {
			continue
		}
		if !permissionCovers(g, PermissionRead, resource) {
			continue
		}
		if g.Constraints == nil || g.Constraints.MaxAgeDays <= 0 {
			return true
		}
		if now.Sub(eventTime) <= time.Duration(g.Constraints.MaxAgeDays)*24*time.Hour {
			return true
		}
	}
	return false
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// RequiredPermission maps an HTTP method and whether the route addresses a
// collection or a specific item to the permission token it demands.
// routeOverride, when non-empty, wins (e.g. consumer register
// requiring MANAGE, schema routes requiring SCHEMA_MANAGE regardless of
// method, permission grant/revoke routes).
func RequiredPermission(method string, isItem bool, routeOverride string) string {
	if routeOverride != "" {
		return routeOverride
	}
	switch method {
	case "GET":
		if isItem {
			return PermissionRead
		}
		return PermissionList
	case "POST":
		return PermissionCreate
	case "PUT":
		return PermissionUpdate
	case "DELETE":
		return PermissionDelete
	default:
		return ""
	}
}
