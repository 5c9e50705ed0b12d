// Package topicregistry persists topic configuration: stable resource ids,
// the current sequence, and the registered schema list. It owns the
// per-topic lock around sequence allocation.
package topicregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/infrastructure/state"
)

// SchemaEntry is one registered JSON schema, keyed by event type.
type SchemaEntry struct {
	EventType string          `json:"eventType"`
	Schema    json.RawMessage `json:"schema"`
}

// Topic is the persisted configuration record for one named event log.
type Topic struct {
	ResourceID          string        `json:"resourceId"`
	TenantResourceID    string        `json:"tenantResourceId"`
	NamespaceResourceID string        `json:"namespaceResourceId"`
	Tenant              string        `json:"tenant"`
	Namespace           string        `json:"namespace"`
	Name                string        `json:"name"`
	Sequence            uint64        `json:"sequence"`
	Schemas             []SchemaEntry `json:"schemas"`
	CreatedAt           time.Time     `json:"createdAt"`
	DeletedAt           *time.Time    `json:"deletedAt,omitempty"`
}

// SchemaByType returns the registered schema for an event type, if any.
func (t *Topic) SchemaByType(eventType string) (SchemaEntry, bool) {
	for _, s := range t.Schemas {
		if s.EventType == eventType {
			return s, true
		}
	}
	return SchemaEntry{}, false
}

func (t *Topic) clone() *Topic {
	cp := *t
	cp.Schemas = append([]SchemaEntry(nil), t.Schemas...)
	if t.DeletedAt != nil {
		d := *t.DeletedAt
		cp.DeletedAt = &d
	}
	return &cp
}

// Registry persists Topic records under <configRoot>/<tenant>/<namespace>/<topic>.json,
// one file per topic, using atomic write-then-rename (infrastructure/state.FileBackend).
// A per-(tenant,namespace,name) mutex serializes config reads/writes so sequence
// allocation is strictly ordered.
type Registry struct {
	backend *state.FileBackend
	locks   sync.Map // key -> *sync.Mutex
}

// New creates a Registry persisting topic configuration under configRoot.
func New(configRoot string) (*Registry, error) {
	backend, err := state.NewFileBackend(configRoot)
	if err != nil {
		return nil, fmt.Errorf("topicregistry: %w", err)
	}
	return &Registry{backend: backend}, nil
}

func key(tenant, namespace, name string) string {
	return fmt.Sprintf("%s/%s/%s", tenant, namespace, name)
}

// topicNameRe bounds topic names the same way control bounds tenant and
// namespace names: they end up as directory names under both configRoot and
// dataRoot.
var topicNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

func (r *Registry) lockFor(k string) *sync.Mutex {
	l, _ := r.locks.LoadOrStore(k, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (r *Registry) load(ctx context.Context, k string) (*Topic, error) {
	data, err := r.backend.Load(ctx, k)
	if err != nil {
		if err == state.ErrNotFound {
			return nil, nil
		}
		return nil, errors.IOError("load topic config", err)
	}
	var t Topic
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errors.IOError("decode topic config", err)
	}
	return &t, nil
}

func (r *Registry) save(ctx context.Context, k string, t *Topic) error {
	data, err := json.Marshal(t)
	if err != nil {
		return errors.IOError("encode topic config", err)
	}
	if err := r.backend.Save(ctx, k, data); err != nil {
		return errors.IOError("save topic config", err)
	}
	return nil
}

// Create registers a new topic, failing TOPIC_ALREADY_EXISTS if the
// (tenant, namespace, name) tuple is already registered (including soft-deleted
// ones, since names are not recycled once deleted).
func (r *Registry) Create(ctx context.Context, tenant, namespace, name, tenantResourceID, namespaceResourceID string, schemas []SchemaEntry) (*Topic, error) {
	if !topicNameRe.MatchString(name) {
		return nil, errors.InvalidInput("name", "must be 1-128 characters: letters, digits, dot, dash, underscore, starting with a letter or digit")
	}
	k := key(tenant, namespace, name)
	mu := r.lockFor(k)
	mu.Lock()
	defer mu.Unlock()

	existing, err := r.load(ctx, k)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.TopicAlreadyExists(name)
	}

	t := &Topic{
		ResourceID:          uuid.NewString(),
		TenantResourceID:    tenantResourceID,
		NamespaceResourceID: namespaceResourceID,
		Tenant:              tenant,
		Namespace:           namespace,
		Name:                name,
		Sequence:            0,
		Schemas:             append([]SchemaEntry(nil), schemas...),
		CreatedAt:           time.Now().UTC(),
	}
	if err := r.save(ctx, k, t); err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// Get returns the topic config, or TOPIC_NOT_FOUND if missing or soft-deleted.
func (r *Registry) Get(ctx context.Context, tenant, namespace, name string) (*Topic, error) {
	t, err := r.load(ctx, key(tenant, namespace, name))
	if err != nil {
		return nil, err
	}
	if t == nil || t.DeletedAt != nil {
		return nil, errors.TopicNotFound(name)
	}
	return t.clone(), nil
}

// Exists reports whether a live (non-deleted) topic is registered.
func (r *Registry) Exists(ctx context.Context, tenant, namespace, name string) bool {
	_, err := r.Get(ctx, tenant, namespace, name)
	return err == nil
}

// List returns every live topic registered under (tenant, namespace).
func (r *Registry) List(ctx context.Context, tenant, namespace string) ([]*Topic, error) {
	prefix := fmt.Sprintf("%s/%s/", tenant, namespace)
	keys, err := r.backend.List(ctx, prefix)
	if err != nil {
		return nil, errors.IOError("list topics", err)
	}
	var out []*Topic
	for _, k := range keys {
		t, err := r.load(ctx, k)
		if err != nil {
			return nil, err
		}
		if t != nil && t.DeletedAt == nil {
			out = append(out, t.clone())
		}
	}
	return out, nil
}

// UpdateSchemas applies the additive-only schema evolution policy:
// every eventType registered before the update must still be present after
// it. New eventTypes are added; matching ones are replaced.
func (r *Registry) UpdateSchemas(ctx context.Context, tenant, namespace, name string, desired []SchemaEntry) (*Topic, error) {
	k := key(tenant, namespace, name)
	mu := r.lockFor(k)
	mu.Lock()
	defer mu.Unlock()

	t, err := r.load(ctx, k)
	if err != nil {
		return nil, err
	}
	if t == nil || t.DeletedAt != nil {
		return nil, errors.TopicNotFound(name)
	}

	desiredTypes := make(map[string]bool, len(desired))
	for _, s := range desired {
		desiredTypes[s.EventType] = true
	}
	for _, existing := range t.Schemas {
		if !desiredTypes[existing.EventType] {
			return nil, errors.SchemaRemovalNotAllowed(existing.EventType)
		}
	}

	t.Schemas = append([]SchemaEntry(nil), desired...)
	if err := r.save(ctx, k, t); err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// Delete soft-deletes the topic by setting deletedAt; the event log and
// config file are left on disk.
func (r *Registry) Delete(ctx context.Context, tenant, namespace, name string) error {
	k := key(tenant, namespace, name)
	mu := r.lockFor(k)
	mu.Lock()
	defer mu.Unlock()

	t, err := r.load(ctx, k)
	if err != nil {
		return err
	}
	if t == nil || t.DeletedAt != nil {
		return errors.TopicNotFound(name)
	}
	now := time.Now().UTC()
	t.DeletedAt = &now
	return r.save(ctx, k, t)
}

// WithLock loads the topic, holds its per-topic lock for the duration of fn,
// and persists whatever fn returns. This is the primitive the publish
// pipeline uses to make "check schema, allocate sequence, write event,
// persist sequence" atomic per topic.
func (r *Registry) WithLock(ctx context.Context, tenant, namespace, name string, fn func(t *Topic) (*Topic, error)) (*Topic, error) {
	k := key(tenant, namespace, name)
	mu := r.lockFor(k)
	mu.Lock()
	defer mu.Unlock()

	t, err := r.load(ctx, k)
	if err != nil {
		return nil, err
	}
	if t == nil || t.DeletedAt != nil {
		return nil, errors.TopicNotFound(name)
	}

	updated, err := fn(t)
	if updated != nil {
		if saveErr := r.save(ctx, k, updated); saveErr != nil {
			return nil, saveErr
		}
	}
	if err != nil {
		return nil, err
	}
	return updated.clone(), nil
}
