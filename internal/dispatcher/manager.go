package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/fluxledger/eventhub/infrastructure/logging"
	"github.com/fluxledger/eventhub/infrastructure/metrics"
	"github.com/fluxledger/eventhub/internal/consumer"
	"github.com/fluxledger/eventhub/internal/eventstore"
	"github.com/fluxledger/eventhub/internal/topicregistry"
)

// Manager owns one dispatcher per topic and the shared cron scheduler that
// drives their periodic ticks. It satisfies publish.Nudger.
type Manager struct {
	store     *eventstore.Store
	topics    *topicregistry.Registry
	consumers *consumer.Registry
	adapters  AdapterResolver
	metrics   *metrics.Metrics
	logger    *logging.Logger
	cfg       Config

	sched *cron.Cron
	ctx   context.Context

	mu      sync.Mutex
	running map[string]*entry
}

type entry struct {
	d       *dispatcher
	entryID cron.EntryID
}

// NewManager builds a Manager. Call Start before any topic dispatchers are
// started so the shared cron scheduler is running.
func NewManager(store *eventstore.Store, topics *topicregistry.Registry, consumers *consumer.Registry, adapters AdapterResolver, m *metrics.Metrics, logger *logging.Logger, cfg Config) *Manager {
	return &Manager{
		store:     store,
		topics:    topics,
		consumers: consumers,
		adapters:  adapters,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		sched:     cron.New(),
		running:   make(map[string]*entry),
	}
}

// Start starts the shared cron scheduler. Idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.ctx = ctx
	m.sched.Start()
}

func key(tenant, namespace, topic string) string {
	return fmt.Sprintf("%s/%s/%s", tenant, namespace, topic)
}

// EnsureStarted starts the dispatcher for (tenant, namespace, topic) if not
// already running. Called on topic creation and on first consumer
// subscription; a no-op if already running.
func (m *Manager) EnsureStarted(tenant, namespace, topic string) {
	k := key(tenant, namespace, topic)

	m.mu.Lock()
	if _, ok := m.running[k]; ok {
		m.mu.Unlock()
		return
	}
	d := newDispatcher(tenant, namespace, topic, deps{
		store:     m.store,
		topics:    m.topics,
		consumers: m.consumers,
		adapters:  m.adapters,
		metrics:   m.metrics,
		logger:    m.logger,
		cfg:       m.cfg,
	})
	e := &entry{d: d}
	m.running[k] = e
	m.mu.Unlock()

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	entryID := d.start(ctx, m.sched)

	m.mu.Lock()
	if cur, ok := m.running[k]; ok && cur == e {
		cur.entryID = entryID
	} else {
		// Stopped while starting; clean up the tick we just scheduled.
		m.sched.Remove(entryID)
	}
	m.mu.Unlock()
}

// Nudge wakes the dispatcher for a topic if it is running. For a topic whose
// dispatcher has not been started, the nudge is simply dropped.
func (m *Manager) Nudge(tenant, namespace, topic string) {
	m.mu.Lock()
	e, ok := m.running[key(tenant, namespace, topic)]
	m.mu.Unlock()
	if ok {
		e.d.nudge()
	}
}

// Stop stops the dispatcher for one topic. A no-op if not running.
func (m *Manager) Stop(tenant, namespace, topic string) {
	k := key(tenant, namespace, topic)
	m.mu.Lock()
	e, ok := m.running[k]
	if ok {
		delete(m.running, k)
	}
	m.mu.Unlock()
	if ok {
		e.d.stop(m.sched, e.entryID)
	}
}

// StopAll stops every running dispatcher and the shared scheduler. Drains
// each dispatcher's current wake to completion before returning, bounded by
// the longest in-flight delivery timeout.
func (m *Manager) StopAll() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.running))
	for _, e := range m.running {
		entries = append(entries, e)
	}
	m.running = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.d.stop(m.sched, e.entryID)
	}
	<-m.sched.Stop().Done()
}
