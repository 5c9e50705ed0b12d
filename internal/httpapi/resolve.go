package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	svcerrors "github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/internal/projection"
	"github.com/fluxledger/eventhub/internal/topicregistry"
)

// resolveTenant looks up the path tenant name's resourceId, writing
// TENANT_NOT_FOUND and returning false if it doesn't resolve to a live
// tenant. Route {t} segments are the tenant's human-readable name, matching
// the name topicregistry/eventstore use on disk.
func (s *Server) resolveTenant(w http.ResponseWriter, r *http.Request) (*projection.Tenant, bool) {
	name := mux.Vars(r)["t"]
	t, ok := s.projections.TenantByName(name)
	if !ok {
		writeError(w, r, svcerrors.TenantNotFound(name))
		return nil, false
	}
	return t, true
}

// resolveNamespace looks up the path namespace name's resourceId under
// tenant. Callers must already have resolved the tenant.
func (s *Server) resolveNamespace(w http.ResponseWriter, r *http.Request, tenant *projection.Tenant) (*projection.Namespace, bool) {
	name := mux.Vars(r)["n"]
	n, ok := s.projections.NamespaceByName(tenant.ResourceID, name)
	if !ok {
		writeError(w, r, svcerrors.NamespaceNotFound(name))
		return nil, false
	}
	return n, true
}

// resolveTopic looks up the path topic name's config under (tenant,
// namespace). Callers must already have resolved the tenant and namespace.
func (s *Server) resolveTopic(w http.ResponseWriter, r *http.Request, tenant *projection.Tenant, ns *projection.Namespace) (*topicregistry.Topic, bool) {
	name := mux.Vars(r)["name"]
	t, err := s.topics.Get(r.Context(), tenant.Name, ns.Name, name)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return t, true
}
