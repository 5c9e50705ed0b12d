package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	svcerrors "github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/internal/authz"
	"github.com/fluxledger/eventhub/internal/eventstore"
	"github.com/fluxledger/eventhub/internal/publish"
)

type publishEventRequest struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type publishEventsResponse struct {
	EventIDs []string `json:"eventIds"`
}

// handlePublishEvents accepts a batch of (topic, type, payload) requests
// scoped to one namespace, authorizes once for CREATE on EVENT, then hands
// the batch to the publish pipeline. Any single failing event fails the
// whole response with EVENT_PUBLISH_FAILED, even though events already
// durably written to other topics in the same batch remain stored.
func (s *Server) handlePublishEvents(w http.ResponseWriter, r *http.Request) {
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
	if err := s.authz.Authorize(principal.UserID, authz.PermissionCreate, authz.Resource{Type: authz.ResourceEvent, TenantResourceID: tenant.ResourceID, NamespaceResourceID: &ns.ResourceID}); err != nil {
		writeError(w, r, err)
		return
	}

	// Publishers retrying an at-least-once send can mark the batch with an
	// Idempotency-Key; a key seen within the replay window is rejected rather
	// than appended twice.
	if key := r.Header.Get("Idempotency-Key"); key != "" && !s.replay.ValidateAndMark(key) {
		writeError(w, r, svcerrors.DuplicateRequest(key))
		return
	}

	var reqs []publishEventRequest
	if !decodeBody(w, r, &reqs) {
		return
	}
	if len(reqs) == 0 {
		writeError(w, r, svcerrors.InvalidRequest("event batch must not be empty"))
		return
	}

	batch := make([]publish.Request, 0, len(reqs))
	for _, req := range reqs {
		if req.Topic == "" || req.Type == "" {
			writeError(w, r, svcerrors.InvalidEvent("topic and type are required for every event"))
			return
		}
		batch = append(batch, publish.Request{Topic: req.Topic, Type: req.Type, Payload: req.Payload})
	}

	outcomes, err := s.pipeline.Publish(r.Context(), tenant.Name, ns.Name, batch)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ids := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err != nil {
			writeError(w, r, svcerrors.EventPublishFailed(o.Err))
			return
		}
		ids = append(ids, o.EventID)
	}
	writeJSON(w, http.StatusOK, publishEventsResponse{EventIDs: ids})
}

type eventResponse struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

func toEventResponse(e eventstore.Event) eventResponse {
	return eventResponse{ID: e.ID, Timestamp: e.Timestamp, Type: e.Type, Payload: e.Payload}
}

// handleReadEvents supports two read shapes, "since event id" and "on
// date", both accepting an optional positive limit. Omitting both reads the
// whole topic.
func (s *Server) handleReadEvents(w http.ResponseWriter, r *http.Request) {
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

	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, svcerrors.InvalidRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}

	var (
		events []eventstore.Event
		err    error
	)
	switch {
	case q.Get("sinceEventId") != "":
		id, decErr := eventstore.DecodeID(q.Get("sinceEventId"))
		if decErr != nil {
			writeError(w, r, svcerrors.InvalidRequest("malformed sinceEventId"))
			return
		}
		events, err = s.store.ReadSince(tenant.Name, ns.Name, topic.Name, id.Sequence, topic.Sequence, limit)
	case q.Get("date") != "":
		date, dateErr := time.Parse("2006-01-02", q.Get("date"))
		if dateErr != nil {
			writeError(w, r, svcerrors.InvalidDate(q.Get("date")))
			return
		}
		events, err = s.store.ReadByDate(tenant.Name, ns.Name, topic.Name, date, limit)
	default:
		events, err = s.store.ReadSince(tenant.Name, ns.Name, topic.Name, 0, topic.Sequence, limit)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		if s.authz.MaxAgeAllowed(principal.UserID, authz.Resource{Type: authz.ResourceTopic, TenantResourceID: tenant.ResourceID, NamespaceResourceID: &ns.ResourceID, ResourceID: &topic.ResourceID}, e.Timestamp) {
			out = append(out, toEventResponse(e))
		}
	}
	writeJSON(w, http.StatusOK, out)
}
