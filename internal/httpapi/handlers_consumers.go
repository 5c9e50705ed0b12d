package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	svcerrors "github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/internal/authz"
	"github.com/fluxledger/eventhub/internal/consumer"
)

type cursorDTO struct {
	LastDeliveredID *string   `json:"lastDeliveredId,omitempty"`
	SinceSequence   uint64    `json:"sinceSequence"`
	LastDeliveryAt  time.Time `json:"lastDeliveryAt,omitempty"`
}

type consumerResponse struct {
	ID            string               `json:"id"`
	Tenant        string               `json:"tenant"`
	Namespace     string               `json:"namespace"`
	Kind          consumer.Kind        `json:"kind"`
	Callback      string               `json:"callback"`
	CorrelationID string               `json:"correlationId"`
	Topics        map[string]cursorDTO `json:"topics"`
	CreatedAt     time.Time            `json:"createdAt"`
}

func toConsumerResponse(c *consumer.Consumer) consumerResponse {
	topics := make(map[string]cursorDTO, len(c.Topics))
	for name, cur := range c.Topics {
		topics[name] = cursorDTO{LastDeliveredID: cur.LastDeliveredID, SinceSequence: cur.SinceSequence, LastDeliveryAt: cur.LastDeliveryAt}
	}
	return consumerResponse{
		ID:            c.ID,
		Tenant:        c.Tenant,
		Namespace:     c.Namespace,
		Kind:          c.Kind,
		Callback:      c.Callback,
		CorrelationID: c.CorrelationID,
		Topics:        topics,
		CreatedAt:     c.CreatedAt,
	}
}

type registerConsumerRequest struct {
	Kind          consumer.Kind     `json:"kind"`
	Callback      string            `json:"callback"`
	CorrelationID string            `json:"correlationId"`
	Topics        map[string]*string `json:"topics"`
}

// handleRegisterConsumer registers a subscriber: every subscribed topic
// must already exist, and the dispatcher for each is started immediately
// (or already running) so delivery begins at the next tick.
func (s *Server) handleRegisterConsumer(w http.ResponseWriter, r *http.Request) {
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
	if err := s.authz.Authorize(principal.UserID, authz.PermissionManage, authz.Resource{Type: authz.ResourceConsumer, TenantResourceID: tenant.ResourceID, NamespaceResourceID: &ns.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}
	var req registerConsumerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Callback == "" {
		writeError(w, r, svcerrors.InvalidCallback("callback is required"))
		return
	}
	if len(req.Topics) == 0 {
		writeError(w, r, svcerrors.InvalidRequest("at least one topic subscription is required"))
		return
	}
	c, err := s.consumers.Create(r.Context(), tenant.Name, ns.Name, req.Kind, req.Callback, req.CorrelationID, s.topics, req.Topics)
	if err != nil {
		writeError(w, r, err)
		return
	}
	for topicName := range req.Topics {
		s.dispatchers.EnsureStarted(tenant.Name, ns.Name, topicName)
	}
	writeJSON(w, http.StatusCreated, toConsumerResponse(c))
}

// handleListConsumers lists every live consumer registered under a
// namespace.
func (s *Server) handleListConsumers(w http.ResponseWriter, r *http.Request) {
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
	if err := s.authz.Authorize(principal.UserID, authz.PermissionList, authz.Resource{Type: authz.ResourceConsumer, TenantResourceID: tenant.ResourceID, NamespaceResourceID: &ns.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}
	list, err := s.consumers.List(r.Context(), tenant.Name, ns.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]consumerResponse, 0, len(list))
	for _, c := range list {
		out = append(out, toConsumerResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetConsumer returns one consumer's registration and cursors.
func (s *Server) handleGetConsumer(w http.ResponseWriter, r *http.Request) {
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
	id := mux.Vars(r)["id"]
	c, err := s.consumers.Get(r.Context(), tenant.Name, ns.Name, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionRead, authz.Resource{Type: authz.ResourceConsumer, TenantResourceID: tenant.ResourceID, NamespaceResourceID: &ns.ResourceID, ResourceID: &c.ID}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConsumerResponse(c))
}

type updateConsumerRequest struct {
	Callback      *string            `json:"callback"`
	CorrelationID *string            `json:"correlationId"`
	Topics        map[string]*string `json:"topics"`
}

// handleUpdateConsumer changes the callback, correlation id, and/or
// subscribed topic set. Newly added topics start dispatchers the same way
// registration does.
func (s *Server) handleUpdateConsumer(w http.ResponseWriter, r *http.Request) {
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
	id := mux.Vars(r)["id"]
	existing, err := s.consumers.Get(r.Context(), tenant.Name, ns.Name, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionUpdate, authz.Resource{Type: authz.ResourceConsumer, TenantResourceID: tenant.ResourceID, NamespaceResourceID: &ns.ResourceID, ResourceID: &existing.ID}); err != nil {
		writeError(w, r, err)
		return
	}
	var req updateConsumerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	updated, err := s.consumers.Update(r.Context(), tenant.Name, ns.Name, id, req.Callback, req.CorrelationID, req.Topics, s.topics)
	if err != nil {
		writeError(w, r, err)
		return
	}
	for topicName := range req.Topics {
		s.dispatchers.EnsureStarted(tenant.Name, ns.Name, topicName)
	}
	writeJSON(w, http.StatusOK, toConsumerResponse(updated))
}

// handleDeleteConsumer removes a consumer from the live set.
func (s *Server) handleDeleteConsumer(w http.ResponseWriter, r *http.Request) {
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
	id := mux.Vars(r)["id"]
	existing, err := s.consumers.Get(r.Context(), tenant.Name, ns.Name, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.authz.Authorize(principal.UserID, authz.PermissionDelete, authz.Resource{Type: authz.ResourceConsumer, TenantResourceID: tenant.ResourceID, NamespaceResourceID: &ns.ResourceID, ResourceID: &existing.ID}); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.consumers.Delete(r.Context(), tenant.Name, ns.Name, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
