package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	svcerrors "github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/internal/projection"
)

type fakeGrants struct {
	grants []*projection.PermissionGrant
}

func (f *fakeGrants) GrantsForPrincipal(principalID string, now time.Time) []*projection.PermissionGrant {
	var out []*projection.PermissionGrant
	for _, g := range f.grants {
		if g.PrincipalID == principalID {
			out = append(out, g)
		}
	}
	return out
}

func strPtr(s string) *string { return &s }

func TestEngine_TenantAdminGrantCoversNamespaceTopicEvent(t *testing.T) {
	grants := &fakeGrants{grants: []*projection.PermissionGrant{
		{
			PrincipalID:      "user-1",
			PrincipalType:    "USER",
			ResourceType:     ResourceTenant,
			TenantResourceID: "tenant-1",
			Permissions:      map[string]bool{"ADMIN": true},
		},
	}}
	e := New(grants)

	err := e.Authorize("user-1", PermissionCreate, Resource{
		Type:                ResourceEvent,
		TenantResourceID:    "tenant-1",
		NamespaceResourceID: strPtr("ns-1"),
		TopicResourceID:     strPtr("topic-1"),
	})
	require.NoError(t, err)
}

func TestEngine_DeniesWithoutMatchingGrant(t *testing.T) {
	grants := &fakeGrants{}
	e := New(grants)

	err := e.Authorize("user-1", PermissionCreate, Resource{
		Type:             ResourceTopic,
		TenantResourceID: "tenant-1",
	})
	require.Error(t, err)
	require.Equal(t, svcerrors.ErrCodePermissionDenied, svcerrors.Code(err))
}

func TestEngine_DirectTopicGrantDoesNotLeakAcrossTenants(t *testing.T) {
	grants := &fakeGrants{grants: []*projection.PermissionGrant{
		{
			PrincipalID:      "user-1",
			ResourceType:     ResourceTopic,
			TenantResourceID: "tenant-1",
			ResourceID:       strPtr("topic-1"),
			Permissions:      map[string]bool{PermissionRead: true},
		},
	}}
	e := New(grants)

	require.NoError(t, e.Authorize("user-1", PermissionRead, Resource{
		Type:             ResourceTopic,
		TenantResourceID: "tenant-1",
		ResourceID:       strPtr("topic-1"),
	}))

	err := e.Authorize("user-1", PermissionRead, Resource{
		Type:             ResourceTopic,
		TenantResourceID: "tenant-2",
		ResourceID:       strPtr("topic-1"),
	})
	require.Error(t, err)
}

func TestEngine_EventTypeConstraintRestrictsCreate(t *testing.T) {
	grants := &fakeGrants{grants: []*projection.PermissionGrant{
		{
			PrincipalID:      "user-1",
			ResourceType:     ResourceEvent,
			TenantResourceID: "tenant-1",
			Permissions:      map[string]bool{PermissionCreate: true},
			Constraints:      &projection.Constraints{EventTypes: []string{"invoice.created"}},
		},
	}}
	e := New(grants)

	require.NoError(t, e.Authorize("user-1", PermissionCreate, Resource{
		Type:             ResourceEvent,
		TenantResourceID: "tenant-1",
		EventType:        "invoice.created",
	}))

	err := e.Authorize("user-1", PermissionCreate, Resource{
		Type:             ResourceEvent,
		TenantResourceID: "tenant-1",
		EventType:        "shipment.created",
	})
	require.Error(t, err)
}

func TestEngine_ExpiredGrantIsIgnoredByCaller(t *testing.T) {
	// GrantsForPrincipal itself filters expiry on the real projection.Store;
	// this test documents that the engine trusts that contract rather than
	// re-checking ExpiresAt itself.
	grants := &fakeGrants{}
	e := New(grants)
	err := e.Authorize("user-1", PermissionRead, Resource{Type: ResourceTopic, TenantResourceID: "t"})
	require.Error(t, err)
}

func TestRequiredPermission(t *testing.T) {
	require.Equal(t, PermissionList, RequiredPermission("GET", false, ""))
	require.Equal(t, PermissionRead, RequiredPermission("GET", true, ""))
	require.Equal(t, PermissionCreate, RequiredPermission("POST", false, ""))
	require.Equal(t, PermissionUpdate, RequiredPermission("PUT", true, ""))
	require.Equal(t, PermissionDelete, RequiredPermission("DELETE", true, ""))
	require.Equal(t, PermissionManage, RequiredPermission("POST", false, PermissionManage))
}
