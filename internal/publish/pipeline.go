// Package publish implements the publish pipeline: group a batch by topic,
// validate and sequence each event under that topic's lock, append it to
// the event store, then nudge the topic's dispatcher and, for management
// topics, the projection layer.
package publish

import (
	"context"
	"time"

	"github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/infrastructure/logging"
	"github.com/fluxledger/eventhub/infrastructure/metrics"
	"github.com/fluxledger/eventhub/internal/eventstore"
	"github.com/fluxledger/eventhub/internal/schema"
	"github.com/fluxledger/eventhub/internal/topicregistry"
)

// Request is one (topic, type, payload) entry in a publish batch. Tenant and
// namespace are fixed for the whole batch by the caller (the route is scoped
// to a single namespace).
type Request struct {
	Topic   string
	Type    string
	Payload []byte
}

// Outcome pairs a request with its assigned event id, or the error that
// prevented it from being stored.
type Outcome struct {
	Request Request
	EventID string
	Err     error
}

// Nudger is notified after a topic's lock is released so its dispatcher can
// pick up the newly written events. Implemented by dispatcher.Manager.
type Nudger interface {
	Nudge(tenant, namespace, topic string)
}

// ProjectionNotifier is given the events just appended to a management topic
// so projections stay current without waiting for reconciliation.
type ProjectionNotifier interface {
	Apply(ctx context.Context, tenant, namespace, topic string, events []eventstore.Event) error
}

// Pipeline wires the event store, topic registry, and schema cache together.
type Pipeline struct {
	store      *eventstore.Store
	topics     *topicregistry.Registry
	schemas    *schema.Cache
	metrics    *metrics.Metrics
	logger     *logging.Logger
	nudger     Nudger
	projection ProjectionNotifier
	maxPayload int64 // bytes per event payload, 0 = unlimited
}

// New builds a Pipeline. nudger and projection may be nil during early
// bootstrap wiring; SetNudger/SetProjection attach them once constructed.
func New(store *eventstore.Store, topics *topicregistry.Registry, schemas *schema.Cache, m *metrics.Metrics, logger *logging.Logger) *Pipeline {
	return &Pipeline{store: store, topics: topics, schemas: schemas, metrics: m, logger: logger}
}

// SetNudger attaches the dispatcher manager once it exists (cmd/eventhubd
// constructs the pipeline before the dispatcher manager since the manager
// itself reads from the store this pipeline writes to).
func (p *Pipeline) SetNudger(n Nudger) { p.nudger = n }

// SetProjection attaches the projection store once it exists.
func (p *Pipeline) SetProjection(n ProjectionNotifier) { p.projection = n }

// SetMaxPayloadBytes caps individual event payload sizes; oversized events
// fail with PAYLOAD_TOO_LARGE before touching the schema validator.
func (p *Pipeline) SetMaxPayloadBytes(n int64) { p.maxPayload = n }

// Publish appends every request in requests, grouped by topic, under each
// topic's exclusive lock, in the order given. The returned slice always has
// len(requests) entries in input order; an error on one request never
// prevents unrelated topics in the same batch from being processed, but it
// does stop further requests queued against the same topic (the sequence
// already persisted before the failure is authoritative).
func (p *Pipeline) Publish(ctx context.Context, tenant, namespace string, requests []Request) ([]Outcome, error) {
	if len(requests) == 0 {
		return nil, errors.InvalidRequest("publish batch must not be empty")
	}

	outcomes := make([]Outcome, len(requests))
	for i, r := range requests {
		outcomes[i] = Outcome{Request: r}
	}

	groups := make(map[string][]int) // topic -> indices into requests, in order
	order := make([]string, 0, 4)
	for i, r := range requests {
		if _, ok := groups[r.Topic]; !ok {
			order = append(order, r.Topic)
		}
		groups[r.Topic] = append(groups[r.Topic], i)
	}

	for _, topicName := range order {
		indices := groups[topicName]
		written, _ := p.publishToTopic(ctx, tenant, namespace, topicName, indices, requests, outcomes, false)
		if written > 0 && p.nudger != nil {
			p.nudger.Nudge(tenant, namespace, topicName)
		}
	}

	return outcomes, nil
}

func isManagementTopic(tenant, namespace string) bool {
	return tenant == "$system" && namespace == "$management"
}

// PublishSystem appends requests to a topic without requiring a registered
// schema. The management topics carry no schemas of their own, and the very
// first bootstrap writes happen before any schema could exist. Callers are
// Bootstrap and internal/control: both
// write well-known, internally-constructed event shapes to the reserved
// management topics, where authorization has already been checked (by
// Bootstrap's own privileged startup path, or by the HTTP layer's
// AuthorizationEngine before it reaches internal/control). Sequence
// allocation and the per-topic lock are still honored, so these writes
// interleave safely with anything else touching the same topic.
func (p *Pipeline) PublishSystem(ctx context.Context, tenant, namespace string, requests []Request) ([]Outcome, error) {
	if len(requests) == 0 {
		return nil, errors.InvalidRequest("publish batch must not be empty")
	}
	outcomes := make([]Outcome, len(requests))
	for i, r := range requests {
		outcomes[i] = Outcome{Request: r}
	}
	groups := make(map[string][]int)
	order := make([]string, 0, 4)
	for i, r := range requests {
		if _, ok := groups[r.Topic]; !ok {
			order = append(order, r.Topic)
		}
		groups[r.Topic] = append(groups[r.Topic], i)
	}
	for _, topicName := range order {
		indices := groups[topicName]
		written, _ := p.publishToTopic(ctx, tenant, namespace, topicName, indices, requests, outcomes, true)
		if written > 0 && p.nudger != nil {
			p.nudger.Nudge(tenant, namespace, topicName)
		}
	}
	return outcomes, nil
}

// publishToTopic processes one topic's slice of the batch under its lock and
// records each result directly into outcomes. It returns the number of
// events actually written. skipSchema bypasses the schema-required check for
// PublishSystem callers only.
func (p *Pipeline) publishToTopic(ctx context.Context, tenant, namespace, topicName string, indices []int, requests []Request, outcomes []Outcome, skipSchema bool) (int, error) {
	start := time.Now()
	written := 0
	var writtenEvents []eventstore.Event

	_, lockErr := p.topics.WithLock(ctx, tenant, namespace, topicName, func(topic *topicregistry.Topic) (*topicregistry.Topic, error) {
		for _, idx := range indices {
			req := requests[idx]

			if p.maxPayload > 0 && int64(len(req.Payload)) > p.maxPayload {
				err := errors.PayloadTooLarge(p.maxPayload)
				outcomes[idx].Err = err
				return topic, err
			}

			if !skipSchema {
				if _, found, err := p.schemas.Get(topic, req.Type); err != nil {
					outcomes[idx].Err = err
					return topic, err
				} else if !found {
					err := errors.SchemaNotFound(req.Type)
					outcomes[idx].Err = err
					return topic, err
				}
			}

			if err := p.schemas.Validate(topic, req.Type, req.Payload); err != nil {
				outcomes[idx].Err = err
				if p.metrics != nil {
					p.metrics.SchemaValidationErrors.WithLabelValues(tenant, namespace, topicName, req.Type).Inc()
				}
				return topic, err
			}

			sequence := topic.Sequence + 1
			id := eventstore.EncodeID(tenant, namespace, topicName, sequence)
			event := eventstore.Event{
				ID:        id,
				Timestamp: time.Now().UTC(),
				Type:      req.Type,
				Payload:   req.Payload,
			}

			if err := p.store.Write(event); err != nil {
				wrapped := errors.IOError("write event", err)
				outcomes[idx].Err = wrapped
				return topic, wrapped
			}

			topic.Sequence = sequence
			outcomes[idx].EventID = id
			written++
			writtenEvents = append(writtenEvents, event)

			if p.logger != nil {
				p.logger.LogPublish(ctx, id, topicName, nil)
			}

			if p.metrics != nil {
				p.metrics.EventsPublishedTotal.WithLabelValues(tenant, namespace, topicName).Inc()
			}
		}
		return topic, nil
	})

	if p.metrics != nil {
		p.metrics.PublishDuration.WithLabelValues(tenant, namespace, topicName).Observe(time.Since(start).Seconds())
	}

	if lockErr != nil {
		for _, idx := range indices {
			if outcomes[idx].Err == nil && outcomes[idx].EventID == "" {
				outcomes[idx].Err = lockErr
			}
		}
	}

	if written > 0 && p.projection != nil && isManagementTopic(tenant, namespace) {
		if err := p.projection.Apply(ctx, tenant, namespace, topicName, writtenEvents); err != nil && p.logger != nil {
			p.logger.LogProjectionRebuild(ctx, topicName, len(writtenEvents), time.Since(start), err)
		}
	}

	return written, lockErr
}
