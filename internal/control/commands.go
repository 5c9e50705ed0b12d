// Package control turns tenant/namespace/user/api-key/permission management
// requests into events published to the reserved management topics, the
// write side of the event-sourced control plane. Every command here is a
// thin translation to a publish.Request; the projection layer is the only
// place that interprets the resulting events.
package control

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/internal/auth"
	"github.com/fluxledger/eventhub/internal/projection"
	"github.com/fluxledger/eventhub/internal/publish"
)

// nameRe bounds tenant and namespace names: they appear in URLs and become
// filesystem path segments, so slashes are out, and the leading character
// must be alphanumeric, which also reserves the $-prefixed system names for
// bootstrap.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

func validateName(field, name string) error {
	if !nameRe.MatchString(name) {
		return svcerrors.InvalidInput(field, "must be 1-128 characters: letters, digits, dot, dash, underscore, starting with a letter or digit")
	}
	return nil
}

// Commands wires the publish pipeline and projection read model together so
// every command can validate against current state (e.g. "does this email
// already exist") before publishing, and return the resourceId the caller
// needs to respond synchronously with read-your-writes semantics.
type Commands struct {
	pipeline    *publish.Pipeline
	projections *projection.Store
}

// New builds a Commands instance.
func New(pipeline *publish.Pipeline, projections *projection.Store) *Commands {
	return &Commands{pipeline: pipeline, projections: projections}
}

func (c *Commands) publishOne(ctx context.Context, topic, eventType string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", svcerrors.Internal("encode management event", err)
	}
	// Management events are shaped by this package's own command signatures,
	// not a registered JSON schema (the five management topics carry no
	// schemas of their own) - PublishSystem is the pipeline entry point for
	// trusted, already-validated internal writes, matching bootstrap's use
	// of it for the same topics.
	outcomes, err := c.pipeline.PublishSystem(ctx, projection.SystemTenant, projection.ManagementNamespace, []publish.Request{
		{Topic: topic, Type: eventType, Payload: body},
	})
	if err != nil {
		return "", err
	}
	if outcomes[0].Err != nil {
		return "", outcomes[0].Err
	}
	return outcomes[0].EventID, nil
}

// CreateTenant publishes tenant.created and returns the new resourceId.
func (c *Commands) CreateTenant(ctx context.Context, name string, metadata map[string]any) (string, error) {
	if err := validateName("name", name); err != nil {
		return "", err
	}
	if _, ok := c.projections.TenantByName(name); ok {
		return "", svcerrors.TenantExists(name)
	}
	resourceID := uuid.NewString()
	_, err := c.publishOne(ctx, projection.TopicTenants, "tenant.created", map[string]any{
		"resourceId": resourceID,
		"name":       name,
		"metadata":   metadata,
	})
	return resourceID, err
}

// UpdateTenant publishes tenant.updated for an existing tenant.
func (c *Commands) UpdateTenant(ctx context.Context, resourceID string, name *string, metadata map[string]any) error {
	if name != nil {
		if err := validateName("name", *name); err != nil {
			return err
		}
	}
	if _, ok := c.projections.Tenant(resourceID); !ok {
		return svcerrors.TenantNotFound(resourceID)
	}
	_, err := c.publishOne(ctx, projection.TopicTenants, "tenant.updated", map[string]any{
		"resourceId": resourceID,
		"name":       name,
		"metadata":   metadata,
	})
	return err
}

// DeleteTenant publishes tenant.deleted. The delete is soft: lookups stop
// resolving the tenant, which bars access to everything scoped under it,
// while the event log stays on disk.
func (c *Commands) DeleteTenant(ctx context.Context, resourceID string) error {
	if _, ok := c.projections.Tenant(resourceID); !ok {
		return svcerrors.TenantNotFound(resourceID)
	}
	_, err := c.publishOne(ctx, projection.TopicTenants, "tenant.deleted", map[string]any{
		"resourceId": resourceID,
	})
	return err
}

// CreateNamespace publishes namespace.created under an existing tenant.
func (c *Commands) CreateNamespace(ctx context.Context, tenantResourceID, name string) (string, error) {
	if err := validateName("name", name); err != nil {
		return "", err
	}
	if _, ok := c.projections.Tenant(tenantResourceID); !ok {
		return "", svcerrors.TenantNotFound(tenantResourceID)
	}
	if _, ok := c.projections.NamespaceByName(tenantResourceID, name); ok {
		return "", svcerrors.NamespaceExists(name)
	}
	resourceID := uuid.NewString()
	_, err := c.publishOne(ctx, projection.TopicNamespaces, "namespace.created", map[string]any{
		"resourceId":       resourceID,
		"tenantResourceId": tenantResourceID,
		"name":             name,
	})
	return resourceID, err
}

// UpdateNamespace publishes namespace.updated.
func (c *Commands) UpdateNamespace(ctx context.Context, resourceID string, name *string) error {
	if name != nil {
		if err := validateName("name", *name); err != nil {
			return err
		}
	}
	if _, ok := c.projections.Namespace(resourceID); !ok {
		return svcerrors.NamespaceNotFound(resourceID)
	}
	_, err := c.publishOne(ctx, projection.TopicNamespaces, "namespace.updated", map[string]any{
		"resourceId": resourceID,
		"name":       name,
	})
	return err
}

// DeleteNamespace publishes namespace.deleted.
func (c *Commands) DeleteNamespace(ctx context.Context, resourceID string) error {
	if _, ok := c.projections.Namespace(resourceID); !ok {
		return svcerrors.NamespaceNotFound(resourceID)
	}
	_, err := c.publishOne(ctx, projection.TopicNamespaces, "namespace.deleted", map[string]any{
		"resourceId": resourceID,
	})
	return err
}

// CreateUser publishes user.created with a bcrypt-hashed password.
func (c *Commands) CreateUser(ctx context.Context, email, plaintextPassword, primaryTenantID string, bcryptCost int) (string, error) {
	if _, ok := c.projections.UserByEmail(email); ok {
		return "", svcerrors.UserExists(email)
	}
	hash, err := auth.HashPassword(plaintextPassword, bcryptCost)
	if err != nil {
		return "", svcerrors.Internal("hash password", err)
	}
	id := uuid.NewString()
	_, err = c.publishOne(ctx, projection.TopicUsers, "user.created", map[string]any{
		"id":              id,
		"email":           email,
		"passwordHash":    hash,
		"status":          string(projection.UserActive),
		"primaryTenantId": primaryTenantID,
	})
	return id, err
}

// ChangeUserStatus publishes user.status.changed.
func (c *Commands) ChangeUserStatus(ctx context.Context, userID string, status projection.UserStatus) error {
	if _, ok := c.projections.User(userID); !ok {
		return svcerrors.UserNotFound(userID)
	}
	_, err := c.publishOne(ctx, projection.TopicUsers, "user.status.changed", map[string]any{
		"id":     userID,
		"status": string(status),
	})
	return err
}

// ChangePassword publishes user.password.changed with a freshly bcrypt-hashed
// password. Used by both admin-initiated resets and the /auth/password/change
// route.
func (c *Commands) ChangePassword(ctx context.Context, userID, newPlaintext string, bcryptCost int) error {
	if _, ok := c.projections.User(userID); !ok {
		return svcerrors.UserNotFound(userID)
	}
	hash, err := auth.HashPassword(newPlaintext, bcryptCost)
	if err != nil {
		return svcerrors.Internal("hash password", err)
	}
	_, err = c.publishOne(ctx, projection.TopicUsers, "user.password.changed", map[string]any{
		"id":           userID,
		"passwordHash": hash,
	})
	return err
}

// AssignUserTenant publishes user.tenant.assigned.
func (c *Commands) AssignUserTenant(ctx context.Context, userID, tenantResourceID string) error {
	if _, ok := c.projections.User(userID); !ok {
		return svcerrors.UserNotFound(userID)
	}
	if _, ok := c.projections.Tenant(tenantResourceID); !ok {
		return svcerrors.TenantNotFound(tenantResourceID)
	}
	_, err := c.publishOne(ctx, projection.TopicUsers, "user.tenant.assigned", map[string]any{
		"id":       userID,
		"tenantId": tenantResourceID,
	})
	return err
}

// RemoveUserTenant publishes user.tenant.removed.
func (c *Commands) RemoveUserTenant(ctx context.Context, userID, tenantResourceID string) error {
	if _, ok := c.projections.User(userID); !ok {
		return svcerrors.UserNotFound(userID)
	}
	_, err := c.publishOne(ctx, projection.TopicUsers, "user.tenant.removed", map[string]any{
		"id":       userID,
		"tenantId": tenantResourceID,
	})
	return err
}

// DeleteUser publishes user.deleted.
func (c *Commands) DeleteUser(ctx context.Context, userID string) error {
	if _, ok := c.projections.User(userID); !ok {
		return svcerrors.UserNotFound(userID)
	}
	_, err := c.publishOne(ctx, projection.TopicUsers, "user.deleted", map[string]any{
		"id": userID,
	})
	return err
}

// CreateAPIKeyResult carries the one-time plaintext key back to the caller
// alongside the persisted resourceId.
type CreateAPIKeyResult struct {
	ResourceID string
	Plaintext  string
}

// CreateAPIKey generates a new API key, publishes apikey.created with only
// its hash, and returns the plaintext exactly once.
func (c *Commands) CreateAPIKey(ctx context.Context, userID, name, description string, scopes []string, expiresAt *time.Time) (*CreateAPIKeyResult, error) {
	if _, ok := c.projections.User(userID); !ok {
		return nil, svcerrors.UserNotFound(userID)
	}
	plaintext, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, svcerrors.Internal("generate api key", err)
	}
	id := uuid.NewString()
	_, err = c.publishOne(ctx, projection.TopicAPIKeys, "apikey.created", map[string]any{
		"id":          id,
		"userId":      userID,
		"keyHash":     hash,
		"name":        name,
		"description": description,
		"scopes":      scopes,
		"expiresAt":   expiresAt,
	})
	if err != nil {
		return nil, err
	}
	return &CreateAPIKeyResult{ResourceID: id, Plaintext: plaintext}, nil
}

// RevokeAPIKey publishes apikey.revoked. Revoking an already-revoked key
// fails with API_KEY_ALREADY_REVOKED.
func (c *Commands) RevokeAPIKey(ctx context.Context, keyID string) error {
	key, ok := c.projections.APIKey(keyID)
	if !ok {
		return svcerrors.APIKeyNotFound(keyID)
	}
	if key.RevokedAt != nil {
		return svcerrors.APIKeyAlreadyRevoked(keyID)
	}
	_, err := c.publishOne(ctx, projection.TopicAPIKeys, "apikey.revoked", map[string]any{
		"id": keyID,
	})
	return err
}

// GrantPermission publishes permission.granted.
func (c *Commands) GrantPermission(ctx context.Context, g *projection.PermissionGrant) error {
	tokens := make([]string, 0, len(g.Permissions))
	for tok, on := range g.Permissions {
		if on {
			tokens = append(tokens, tok)
		}
	}
	_, err := c.publishOne(ctx, projection.TopicPermissions, "permission.granted", map[string]any{
		"principalId":         g.PrincipalID,
		"principalType":       g.PrincipalType,
		"resourceType":        g.ResourceType,
		"resourceId":          g.ResourceID,
		"tenantResourceId":    g.TenantResourceID,
		"namespaceResourceId": g.NamespaceResourceID,
		"topicResourceId":     g.TopicResourceID,
		"permissions":         tokens,
		"constraints":         g.Constraints,
		"expiresAt":           g.ExpiresAt,
	})
	return err
}

// RevokePermission publishes permission.revoked, removing the intersection
// of (principal, resource, permission-set) from any overlapping grants.
func (c *Commands) RevokePermission(ctx context.Context, principalID, resourceType string, resourceID *string, permissions []string) error {
	if len(permissions) == 0 {
		return svcerrors.InvalidRequest("permissions must not be empty")
	}
	_, err := c.publishOne(ctx, projection.TopicPermissions, "permission.revoked", map[string]any{
		"principalId":  principalID,
		"resourceType": resourceType,
		"resourceId":   resourceID,
		"permissions":  permissions,
	})
	return err
}
