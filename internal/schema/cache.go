// Package schema compiles and caches the JSON schemas registered against
// topics, and validates event payloads against them before they reach the
// event store. Compilation follows the same santhosh-tekuri/jsonschema/v5
// pattern used elsewhere in the dependency pack: a per-schema compiler with
// the 2020-12 draft pinned, a synthetic resource URL, then Compile.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/internal/topicregistry"
)

// Cache compiles jsonschema.Schema values lazily from topicregistry.Topic
// schema entries and keeps them keyed by topic resource id + event type, so
// a hot topic never recompiles its schema on every publish.
type Cache struct {
	mu       sync.RWMutex
	compiled map[string]map[string]*jsonschema.Schema // topicResourceID -> eventType -> schema
}

// NewCache returns an empty schema cache.
func NewCache() *Cache {
	return &Cache{compiled: make(map[string]map[string]*jsonschema.Schema)}
}

// Get returns the compiled schema registered for (topic, eventType), or
// (nil, false) if the topic has no schema for that event type. Event types
// with no registered schema are not validated.
func (c *Cache) Get(topic *topicregistry.Topic, eventType string) (*jsonschema.Schema, bool, error) {
	entry, ok := topic.SchemaByType(eventType)
	if !ok {
		return nil, false, nil
	}

	c.mu.RLock()
	if byType, ok := c.compiled[topic.ResourceID]; ok {
		if s, ok := byType[eventType]; ok {
			c.mu.RUnlock()
			return s, true, nil
		}
	}
	c.mu.RUnlock()

	compiled, err := compile(topic.ResourceID, eventType, entry.Schema)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	byType, ok := c.compiled[topic.ResourceID]
	if !ok {
		byType = make(map[string]*jsonschema.Schema)
		c.compiled[topic.ResourceID] = byType
	}
	byType[eventType] = compiled
	c.mu.Unlock()

	return compiled, true, nil
}

// Validate checks payload against the schema registered for (topic,
// eventType). Event types without a registered schema always pass, matching
// schemas are opt-in per event type.
func (c *Cache) Validate(topic *topicregistry.Topic, eventType string, payload json.RawMessage) error {
	compiled, ok, err := c.Get(topic, eventType)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return errors.InvalidEvent("payload is not valid JSON")
	}

	if err := compiled.Validate(doc); err != nil {
		return errors.SchemaValidation(eventType, err)
	}
	return nil
}

// Invalidate drops every compiled schema for a topic, forcing recompilation
// on next use. Called after UpdateSchemas changes what's registered.
func (c *Cache) Invalidate(topicResourceID string) {
	c.mu.Lock()
	delete(c.compiled, topicResourceID)
	c.mu.Unlock()
}

func compile(topicResourceID, eventType string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	url := fmt.Sprintf("https://eventhub.local/schemas/%s/%s.json", topicResourceID, eventType)
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, errors.Internal("load schema resource", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, errors.Internal("compile schema", err)
	}
	return compiled, nil
}
