package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxledger/eventhub/internal/eventstore"
	"github.com/fluxledger/eventhub/internal/publish"
	"github.com/fluxledger/eventhub/internal/schema"
	"github.com/fluxledger/eventhub/internal/topicregistry"
)

func mgmtEvent(t *testing.T, topic string, seq uint64, eventType string, payload any) eventstore.Event {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return eventstore.Event{
		ID:        eventstore.EncodeID(SystemTenant, ManagementNamespace, topic, seq),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Payload:   body,
	}
}

func apply(t *testing.T, s *Store, topic string, events ...eventstore.Event) {
	t.Helper()
	require.NoError(t, s.Apply(context.Background(), SystemTenant, ManagementNamespace, topic, events))
}

func TestStore_FoldTenantLifecycle(t *testing.T) {
	s := New()

	apply(t, s, TopicTenants,
		mgmtEvent(t, TopicTenants, 1, "tenant.created", map[string]any{"resourceId": "t-1", "name": "acme"}),
	)

	got, ok := s.TenantByName("acme")
	require.True(t, ok)
	require.Equal(t, "t-1", got.ResourceID)

	newName := "acme-corp"
	apply(t, s, TopicTenants,
		mgmtEvent(t, TopicTenants, 2, "tenant.updated", map[string]any{"resourceId": "t-1", "name": &newName}),
	)
	_, ok = s.TenantByName("acme")
	require.False(t, ok, "old name must not resolve after rename")
	got, ok = s.TenantByName("acme-corp")
	require.True(t, ok)
	require.Equal(t, "t-1", got.ResourceID, "resourceId is stable across renames")

	apply(t, s, TopicTenants,
		mgmtEvent(t, TopicTenants, 3, "tenant.deleted", map[string]any{"resourceId": "t-1"}),
	)
	_, ok = s.Tenant("t-1")
	require.False(t, ok, "soft-deleted tenants are invisible to lookups")
	require.Empty(t, s.ListTenants())
}

func TestStore_FoldUserLifecycle(t *testing.T) {
	s := New()

	apply(t, s, TopicUsers,
		mgmtEvent(t, TopicUsers, 1, "user.created", map[string]any{
			"id": "u-1", "email": "ops@acme.io", "passwordHash": "h1", "primaryTenantId": "t-1",
		}),
	)
	u, ok := s.UserByEmail("ops@acme.io")
	require.True(t, ok)
	require.Equal(t, UserActive, u.Status, "status defaults to ACTIVE")
	require.True(t, u.TenantIDs["t-1"])

	apply(t, s, TopicUsers,
		mgmtEvent(t, TopicUsers, 2, "user.tenant.assigned", map[string]any{"id": "u-1", "tenantId": "t-2"}),
		mgmtEvent(t, TopicUsers, 3, "user.password.changed", map[string]any{"id": "u-1", "passwordHash": "h2"}),
		mgmtEvent(t, TopicUsers, 4, "user.status.changed", map[string]any{"id": "u-1", "status": "SUSPENDED"}),
	)
	u, ok = s.User("u-1")
	require.True(t, ok)
	require.True(t, u.TenantIDs["t-2"])
	require.Equal(t, "h2", u.PasswordHash)
	require.Equal(t, UserSuspended, u.Status)

	apply(t, s, TopicUsers,
		mgmtEvent(t, TopicUsers, 5, "user.tenant.removed", map[string]any{"id": "u-1", "tenantId": "t-2"}),
		mgmtEvent(t, TopicUsers, 6, "user.deleted", map[string]any{"id": "u-1"}),
	)
	u, ok = s.User("u-1")
	require.True(t, ok, "deleted users stay in the read model")
	require.False(t, u.TenantIDs["t-2"])
	require.Equal(t, UserDeleted, u.Status)
}

func TestStore_FoldAPIKeyRevocationAndExpiry(t *testing.T) {
	s := New()
	expires := time.Now().Add(time.Hour).UTC()

	apply(t, s, TopicAPIKeys,
		mgmtEvent(t, TopicAPIKeys, 1, "apikey.created", map[string]any{
			"id": "k-1", "userId": "u-1", "keyHash": "hash-1", "name": "ci", "expiresAt": expires,
		}),
	)
	k, ok := s.APIKeyByHash("hash-1")
	require.True(t, ok)
	require.True(t, k.IsActive(time.Now()))
	require.False(t, k.IsActive(expires.Add(time.Minute)), "expired keys are inactive")

	apply(t, s, TopicAPIKeys,
		mgmtEvent(t, TopicAPIKeys, 2, "apikey.revoked", map[string]any{"id": "k-1"}),
	)
	k, ok = s.APIKey("k-1")
	require.True(t, ok)
	require.NotNil(t, k.RevokedAt)
	require.False(t, k.IsActive(time.Now()), "revoked keys are inactive immediately")
}

func TestStore_PermissionRevokeRemovesIntersection(t *testing.T) {
	s := New()
	resID := "topic-1"

	apply(t, s, TopicPermissions,
		mgmtEvent(t, TopicPermissions, 1, "permission.granted", map[string]any{
			"principalId": "u-1", "principalType": "USER", "resourceType": "TOPIC",
			"resourceId": resID, "tenantResourceId": "t-1",
			"permissions": []string{"READ", "UPDATE", "DELETE"},
		}),
		mgmtEvent(t, TopicPermissions, 2, "permission.granted", map[string]any{
			"principalId": "u-1", "principalType": "USER", "resourceType": "TOPIC",
			"resourceId": resID, "tenantResourceId": "t-1",
			"permissions": []string{"READ"},
		}),
	)

	apply(t, s, TopicPermissions,
		mgmtEvent(t, TopicPermissions, 3, "permission.revoked", map[string]any{
			"principalId": "u-1", "resourceType": "TOPIC", "resourceId": resID,
			"permissions": []string{"READ", "DELETE"},
		}),
	)

	grants := s.GrantsForPrincipal("u-1", time.Now())
	require.Len(t, grants, 1, "the READ-only grant is emptied and dropped; the wider grant survives")
	require.True(t, grants[0].Permissions["UPDATE"])
	require.False(t, grants[0].Permissions["READ"], "revoke applies across all overlapping grants")
	require.False(t, grants[0].Permissions["DELETE"])
}

func TestStore_ExpiredGrantsFilteredAtQueryTime(t *testing.T) {
	s := New()
	past := time.Now().Add(-time.Hour).UTC()

	apply(t, s, TopicPermissions,
		mgmtEvent(t, TopicPermissions, 1, "permission.granted", map[string]any{
			"principalId": "u-1", "principalType": "USER", "resourceType": "TENANT",
			"tenantResourceId": "t-1", "permissions": []string{"READ"}, "expiresAt": past,
		}),
	)
	require.Empty(t, s.GrantsForPrincipal("u-1", time.Now()))
}

func TestStore_AppliedSequenceTracksFolds(t *testing.T) {
	s := New()
	require.Zero(t, s.AppliedSequence(TopicTenants))

	apply(t, s, TopicTenants,
		mgmtEvent(t, TopicTenants, 1, "tenant.created", map[string]any{"resourceId": "t-1", "name": "a"}),
		mgmtEvent(t, TopicTenants, 2, "tenant.updated", map[string]any{"resourceId": "t-1"}),
	)
	require.EqualValues(t, 2, s.AppliedSequence(TopicTenants))
	require.Zero(t, s.AppliedSequence(TopicUsers))
}

func TestStore_ApplyIgnoresNonManagementScope(t *testing.T) {
	s := New()
	e := mgmtEvent(t, TopicTenants, 1, "tenant.created", map[string]any{"resourceId": "t-1", "name": "a"})
	require.NoError(t, s.Apply(context.Background(), "acme", "billing", TopicTenants, []eventstore.Event{e}))
	_, ok := s.Tenant("t-1")
	require.False(t, ok)
}

// newManagementLog stands up a real pipeline over temp dirs with the five
// management topics registered, mirroring what bootstrap does before the
// first replay.
func newManagementLog(t *testing.T) (*publish.Pipeline, *eventstore.Store, *topicregistry.Registry) {
	t.Helper()
	store, err := eventstore.New(t.TempDir(), 1000)
	require.NoError(t, err)
	topics, err := topicregistry.New(t.TempDir())
	require.NoError(t, err)
	for _, name := range ManagementTopics {
		_, err := topics.Create(context.Background(), SystemTenant, ManagementNamespace, name, SystemTenant, ManagementNamespace, nil)
		require.NoError(t, err)
	}
	return publish.New(store, topics, schema.NewCache(), nil, nil), store, topics
}

func publishMgmt(t *testing.T, p *publish.Pipeline, topic, eventType string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	outcomes, err := p.PublishSystem(context.Background(), SystemTenant, ManagementNamespace, []publish.Request{
		{Topic: topic, Type: eventType, Payload: body},
	})
	require.NoError(t, err)
	require.NoError(t, outcomes[0].Err)
}

func TestStore_RebuildMatchesLiveApply(t *testing.T) {
	pipeline, store, topics := newManagementLog(t)
	ctx := context.Background()

	live := New()
	pipeline.SetProjection(live)

	publishMgmt(t, pipeline, TopicTenants, "tenant.created", map[string]any{"resourceId": "t-1", "name": "acme"})
	publishMgmt(t, pipeline, TopicUsers, "user.created", map[string]any{
		"id": "u-1", "email": "ops@acme.io", "passwordHash": "h", "primaryTenantId": "t-1",
	})
	publishMgmt(t, pipeline, TopicPermissions, "permission.granted", map[string]any{
		"principalId": "u-1", "principalType": "USER", "resourceType": "TENANT",
		"resourceId": "t-1", "tenantResourceId": "t-1", "permissions": []string{"READ", "UPDATE"},
	})
	publishMgmt(t, pipeline, TopicPermissions, "permission.revoked", map[string]any{
		"principalId": "u-1", "resourceType": "TENANT", "resourceId": "t-1",
		"permissions": []string{"UPDATE"},
	})

	rebuilt := New()
	require.NoError(t, rebuilt.Rebuild(ctx, store, topics))

	for _, s := range []*Store{live, rebuilt} {
		tenant, ok := s.TenantByName("acme")
		require.True(t, ok)
		require.Equal(t, "t-1", tenant.ResourceID)

		u, ok := s.UserByEmail("ops@acme.io")
		require.True(t, ok)
		require.Equal(t, "u-1", u.ID)

		grants := s.GrantsForPrincipal("u-1", time.Now())
		require.Len(t, grants, 1)
		require.True(t, grants[0].Permissions["READ"])
		require.False(t, grants[0].Permissions["UPDATE"])
	}

	require.Equal(t, live.AppliedSequence(TopicPermissions), rebuilt.AppliedSequence(TopicPermissions))
}

func TestStore_RebuildIsRepeatable(t *testing.T) {
	pipeline, store, topics := newManagementLog(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		publishMgmt(t, pipeline, TopicTenants, "tenant.created", map[string]any{
			"resourceId": fmt.Sprintf("t-%d", i), "name": fmt.Sprintf("tenant-%d", i),
		})
	}

	s := New()
	require.NoError(t, s.Rebuild(ctx, store, topics))
	require.Len(t, s.ListTenants(), 3)

	// Rebuilding again over the same log must not duplicate or lose state.
	require.NoError(t, s.Rebuild(ctx, store, topics))
	require.Len(t, s.ListTenants(), 3)
	require.EqualValues(t, 3, s.AppliedSequence(TopicTenants))
}

func TestReconciler_RebuildsWhenNotificationMissed(t *testing.T) {
	pipeline, store, topics := newManagementLog(t)
	ctx := context.Background()

	// No SetProjection: the synchronous notification path is "lost".
	publishMgmt(t, pipeline, TopicTenants, "tenant.created", map[string]any{"resourceId": "t-1", "name": "acme"})

	s := New()
	r := NewReconciler(s, store, topics, nil, nil, time.Second)

	require.NoError(t, r.RunOnce(ctx))
	_, ok := s.TenantByName("acme")
	require.True(t, ok, "reconciliation must fold events missed by Apply")

	// A second pass with nothing new is a no-op.
	require.NoError(t, r.RunOnce(ctx))
	require.Len(t, s.ListTenants(), 1)
}

func TestResolver_NameLookups(t *testing.T) {
	s := New()
	apply(t, s, TopicTenants,
		mgmtEvent(t, TopicTenants, 1, "tenant.created", map[string]any{"resourceId": "t-1", "name": "acme"}),
	)
	apply(t, s, TopicNamespaces,
		mgmtEvent(t, TopicNamespaces, 1, "namespace.created", map[string]any{
			"resourceId": "n-1", "tenantResourceId": "t-1", "name": "billing",
		}),
	)

	r := NewResolver(s)

	tenantID, err := r.ResolveTenant("acme")
	require.NoError(t, err)
	require.Equal(t, "t-1", tenantID)

	nsID, err := r.ResolveNamespace(tenantID, "billing")
	require.NoError(t, err)
	require.Equal(t, "n-1", nsID)

	_, err = r.ResolveTenant("ghost")
	require.Error(t, err)
	_, err = r.ResolveNamespace(tenantID, "ghost")
	require.Error(t, err)
}
