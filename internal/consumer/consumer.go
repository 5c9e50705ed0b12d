// Package consumer persists Consumer registrations and tracks, per
// subscribed topic, the last event id each consumer has been delivered.
// Storage goes through infrastructure/state.FileBackend; updates serialize
// on a per-consumer mutex.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/infrastructure/state"
	"github.com/fluxledger/eventhub/internal/eventstore"
	"github.com/fluxledger/eventhub/internal/topicregistry"
)

// Kind selects the delivery transport for a consumer.
type Kind string

const (
	KindHTTP      Kind = "HTTP"
	KindInMemory  Kind = "IN_MEMORY"
	KindWebSocket Kind = "WEBSOCKET"
)

// Cursor is a consumer's position within one subscribed topic. A nil
// LastDeliveredID means "from tail at registration" and SinceSequence
// captures the topic's sequence at the moment the subscription began, so
// the dispatcher knows where "tail" was without re-deriving it later.
type Cursor struct {
	LastDeliveredID *string   `json:"lastDeliveredId,omitempty"`
	SinceSequence   uint64    `json:"sinceSequence"`
	LastDeliveryAt  time.Time `json:"lastDeliveryAt,omitempty"`
}

// Consumer is the persisted registration record for one subscriber.
type Consumer struct {
	ID            string            `json:"id"`
	Tenant        string            `json:"tenant"`
	Namespace     string            `json:"namespace"`
	Kind          Kind              `json:"kind"`
	Callback      string            `json:"callback"`
	CorrelationID string            `json:"correlationId"`
	Topics        map[string]Cursor `json:"topics"`
	CreatedAt     time.Time         `json:"createdAt"`
	DeletedAt     *time.Time        `json:"deletedAt,omitempty"`
}

func (c *Consumer) clone() *Consumer {
	cp := *c
	cp.Topics = make(map[string]Cursor, len(c.Topics))
	for k, v := range c.Topics {
		cp.Topics[k] = v
	}
	if c.DeletedAt != nil {
		d := *c.DeletedAt
		cp.DeletedAt = &d
	}
	return &cp
}

// TopicExistence is the subset of topicregistry.Registry that Create needs,
// accepted as an interface so tests can fake it without building a real
// registry on disk.
type TopicExistence interface {
	Exists(ctx context.Context, tenant, namespace, name string) bool
	Get(ctx context.Context, tenant, namespace, name string) (*topicregistry.Topic, error)
}

// Registry persists Consumer records under <consumerRoot>/<tenant>/<namespace>/<id>.json.
type Registry struct {
	backend *state.FileBackend
	locks   sync.Map // id -> *sync.Mutex
}

// New creates a Registry persisting consumer records under consumerRoot.
func New(consumerRoot string) (*Registry, error) {
	backend, err := state.NewFileBackend(consumerRoot)
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	return &Registry{backend: backend}, nil
}

func key(tenant, namespace, id string) string {
	return fmt.Sprintf("%s/%s/%s", tenant, namespace, id)
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	l, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// validateStartID rejects an explicit starting position that lies beyond the
// topic's current sequence; a null startID means "tail at registration" and
// is always valid.
func validateStartID(startID *string, currentSeq uint64) error {
	if startID == nil {
		return nil
	}
	id, err := eventstore.DecodeID(*startID)
	if err != nil {
		return errors.InvalidRequest("malformed lastDeliveredId")
	}
	if id.Sequence > currentSeq {
		return errors.InvalidRequest("lastDeliveredId is beyond the topic's current sequence")
	}
	return nil
}

func (r *Registry) load(ctx context.Context, k string) (*Consumer, error) {
	data, err := r.backend.Load(ctx, k)
	if err != nil {
		if err == state.ErrNotFound {
			return nil, nil
		}
		return nil, errors.IOError("load consumer", err)
	}
	var c Consumer
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.IOError("decode consumer", err)
	}
	return &c, nil
}

func (r *Registry) save(ctx context.Context, k string, c *Consumer) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errors.IOError("encode consumer", err)
	}
	if err := r.backend.Save(ctx, k, data); err != nil {
		return errors.IOError("save consumer", err)
	}
	return nil
}

// Create registers a new consumer. Every subscribed topic must already
// exist, else TOPIC_NOT_FOUND. Topics with no explicit starting point
// begin "from tail at registration": SinceSequence is snapshotted from the
// topic's current sequence so the dispatcher never redelivers history.
func (r *Registry) Create(ctx context.Context, tenant, namespace string, kind Kind, callback, correlationID string, topics TopicExistence, subscriptions map[string]*string) (*Consumer, error) {
	resolved := make(map[string]Cursor, len(subscriptions))
	for topicName, startID := range subscriptions {
		t, err := topics.Get(ctx, tenant, namespace, topicName)
		if err != nil {
			return nil, err
		}
		if err := validateStartID(startID, t.Sequence); err != nil {
			return nil, err
		}
		resolved[topicName] = Cursor{LastDeliveredID: startID, SinceSequence: t.Sequence}
	}

	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	c := &Consumer{
		ID:            uuid.NewString(),
		Tenant:        tenant,
		Namespace:     namespace,
		Kind:          kind,
		Callback:      callback,
		CorrelationID: correlationID,
		Topics:        resolved,
		CreatedAt:     time.Now().UTC(),
	}

	k := key(tenant, namespace, c.ID)
	mu := r.lockFor(c.ID)
	mu.Lock()
	defer mu.Unlock()
	if err := r.save(ctx, k, c); err != nil {
		return nil, err
	}
	return c.clone(), nil
}

// Get returns the consumer, or CONSUMER_NOT_FOUND if missing or deleted.
func (r *Registry) Get(ctx context.Context, tenant, namespace, id string) (*Consumer, error) {
	c, err := r.load(ctx, key(tenant, namespace, id))
	if err != nil {
		return nil, err
	}
	if c == nil || c.DeletedAt != nil {
		return nil, errors.ConsumerNotFound(id)
	}
	return c.clone(), nil
}

// ListAll returns every live consumer across every tenant and namespace.
// Used by bootstrap to decide which topics need a dispatcher started on
// startup.
func (r *Registry) ListAll(ctx context.Context) ([]*Consumer, error) {
	keys, err := r.backend.List(ctx, "")
	if err != nil {
		return nil, errors.IOError("list consumers", err)
	}
	var out []*Consumer
	for _, k := range keys {
		c, err := r.load(ctx, k)
		if err != nil {
			return nil, err
		}
		if c != nil && c.DeletedAt == nil {
			out = append(out, c.clone())
		}
	}
	return out, nil
}

// List returns every live consumer registered under (tenant, namespace).
func (r *Registry) List(ctx context.Context, tenant, namespace string) ([]*Consumer, error) {
	prefix := fmt.Sprintf("%s/%s/", tenant, namespace)
	keys, err := r.backend.List(ctx, prefix)
	if err != nil {
		return nil, errors.IOError("list consumers", err)
	}
	var out []*Consumer
	for _, k := range keys {
		c, err := r.load(ctx, k)
		if err != nil {
			return nil, err
		}
		if c != nil && c.DeletedAt == nil {
			out = append(out, c.clone())
		}
	}
	return out, nil
}

// ListForTopic returns every live consumer under (tenant, namespace) that is
// currently subscribed to topicName. Used by the dispatcher to snapshot its
// per-wake consumer set.
func (r *Registry) ListForTopic(ctx context.Context, tenant, namespace, topicName string) ([]*Consumer, error) {
	all, err := r.List(ctx, tenant, namespace)
	if err != nil {
		return nil, err
	}
	var out []*Consumer
	for _, c := range all {
		if _, ok := c.Topics[topicName]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Update replaces the callback, correlation id, and/or subscribed topic set.
// Topics newly added start "from tail at addition" unless startID is
// supplied (which must be at or below the topic's current sequence). Topics
// already present keep their existing cursor.
func (r *Registry) Update(ctx context.Context, tenant, namespace, id string, callback *string, correlationID *string, subscriptions map[string]*string, topics TopicExistence) (*Consumer, error) {
	k := key(tenant, namespace, id)
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := r.load(ctx, k)
	if err != nil {
		return nil, err
	}
	if c == nil || c.DeletedAt != nil {
		return nil, errors.ConsumerNotFound(id)
	}

	if callback != nil {
		c.Callback = *callback
	}
	if correlationID != nil {
		c.CorrelationID = *correlationID
	}
	if subscriptions != nil {
		merged := make(map[string]Cursor, len(subscriptions))
		for topicName, startID := range subscriptions {
			if existing, ok := c.Topics[topicName]; ok {
				merged[topicName] = existing
				continue
			}
			t, err := topics.Get(ctx, tenant, namespace, topicName)
			if err != nil {
				return nil, err
			}
			if err := validateStartID(startID, t.Sequence); err != nil {
				return nil, err
			}
			merged[topicName] = Cursor{LastDeliveredID: startID, SinceSequence: t.Sequence}
		}
		c.Topics = merged
	}

	if err := r.save(ctx, k, c); err != nil {
		return nil, err
	}
	return c.clone(), nil
}

// AdvancePosition records the last-delivered event id for one topic after a
// successful delivery. Never called on failure.
func (r *Registry) AdvancePosition(ctx context.Context, tenant, namespace, id, topicName, lastEventID string) error {
	k := key(tenant, namespace, id)
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := r.load(ctx, k)
	if err != nil {
		return err
	}
	if c == nil || c.DeletedAt != nil {
		return errors.ConsumerNotFound(id)
	}

	cursor := c.Topics[topicName]
	cursor.LastDeliveredID = &lastEventID
	cursor.LastDeliveryAt = time.Now().UTC()
	c.Topics[topicName] = cursor

	return r.save(ctx, k, c)
}

// Delete removes the consumer from the live set. In-flight deliveries may
// still complete; the dispatcher stops dispatching to it on its next wake.
func (r *Registry) Delete(ctx context.Context, tenant, namespace, id string) error {
	k := key(tenant, namespace, id)
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := r.load(ctx, k)
	if err != nil {
		return err
	}
	if c == nil || c.DeletedAt != nil {
		return errors.ConsumerNotFound(id)
	}
	now := time.Now().UTC()
	c.DeletedAt = &now
	return r.save(ctx, k, c)
}
