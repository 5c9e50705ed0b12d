package httpapi

import (
	"encoding/json"
	"net/http"

	svcerrors "github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/internal/authz"
	"github.com/fluxledger/eventhub/internal/topicregistry"
)

type schemaEntryDTO struct {
	EventType string          `json:"eventType"`
	Schema    json.RawMessage `json:"schema"`
}

type topicResponse struct {
	ResourceID string           `json:"resourceId"`
	Tenant     string           `json:"tenant"`
	Namespace  string           `json:"namespace"`
	Name       string           `json:"name"`
	Sequence   uint64           `json:"sequence"`
	Schemas    []schemaEntryDTO `json:"schemas"`
}

func toTopicResponse(t *topicregistry.Topic) topicResponse {
	schemas := make([]schemaEntryDTO, 0, len(t.Schemas))
	for _, s := range t.Schemas {
		schemas = append(schemas, schemaEntryDTO{EventType: s.EventType, Schema: s.Schema})
	}
	return topicResponse{
		ResourceID: t.ResourceID,
		Tenant:     t.Tenant,
		Namespace:  t.Namespace,
		Name:       t.Name,
		Sequence:   t.Sequence,
		Schemas:    schemas,
	}
}

type createTopicRequest struct {
	Name    string           `json:"name"`
	Schemas []schemaEntryDTO `json:"schemas"`
}

// handleCreateTopic registers a new topic: a fresh resourceId and an
// initial sequence of zero. The (tenant, namespace, name) tuple must not
// already be registered.
func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
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
	if err := s.authz.Authorize(principal.UserID, authz.PermissionCreate, authz.Resource{Type: authz.ResourceTopic, TenantResourceID: tenant.ResourceID, NamespaceResourceID: &ns.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}
	var req createTopicRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, r, svcerrors.InvalidRequest("topic name is required"))
		return
	}
	entries := make([]topicregistry.SchemaEntry, 0, len(req.Schemas))
	for _, se := range req.Schemas {
		entries = append(entries, topicregistry.SchemaEntry{EventType: se.EventType, Schema: se.Schema})
	}
	topic, err := s.topics.Create(r.Context(), tenant.Name, ns.Name, req.Name, tenant.ResourceID, ns.ResourceID, entries)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.dispatchers.EnsureStarted(tenant.Name, ns.Name, topic.Name)
	writeJSON(w, http.StatusCreated, toTopicResponse(topic))
}

// handleListTopics lists every live topic registered under a namespace.
func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
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
	if err := s.authz.Authorize(principal.UserID, authz.PermissionList, authz.Resource{Type: authz.ResourceTopic, TenantResourceID: tenant.ResourceID, NamespaceResourceID: &ns.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}
	topics, err := s.topics.List(r.Context(), tenant.Name, ns.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]topicResponse, 0, len(topics))
	for _, t := range topics {
		out = append(out, toTopicResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetTopic returns one topic's configuration.
func (s *Server) handleGetTopic(w http.ResponseWriter, r *http.Request) {
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
	topic, ok := s.resolveTopic(w, r, tenant, ns)
	if !ok {
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionRead, authz.Resource{Type: authz.ResourceTopic, TenantResourceID: tenant.ResourceID, NamespaceResourceID: &ns.ResourceID, ResourceID: &topic.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTopicResponse(topic))
}

type updateTopicSchemaRequest struct {
	Schemas []schemaEntryDTO `json:"schemas"`
}

// handleUpdateTopicSchema applies an additive-only schema update.
// Schema-management routes require SCHEMA_MANAGE regardless of method, not
// the generic PUT -> UPDATE mapping.
func (s *Server) handleUpdateTopicSchema(w http.ResponseWriter, r *http.Request) {
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
	topic, ok := s.resolveTopic(w, r, tenant, ns)
	if !ok {
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionSchemaManage, authz.Resource{Type: authz.ResourceTopic, TenantResourceID: tenant.ResourceID, NamespaceResourceID: &ns.ResourceID, ResourceID: &topic.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}
	var req updateTopicSchemaRequest
	if !decodeBody(w, r, &req) {
		return
	}
	desired := make([]topicregistry.SchemaEntry, 0, len(req.Schemas))
	for _, se := range req.Schemas {
		desired = append(desired, topicregistry.SchemaEntry{EventType: se.EventType, Schema: se.Schema})
	}
	updated, err := s.topics.UpdateSchemas(r.Context(), tenant.Name, ns.Name, topic.Name, desired)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.schemas.Invalidate(updated.ResourceID)
	writeJSON(w, http.StatusOK, toTopicResponse(updated))
}
