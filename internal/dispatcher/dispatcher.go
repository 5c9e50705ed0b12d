// Package dispatcher runs one background actor per topic that fans out
// newly written events to every subscribed consumer, at-least-once, in
// per-consumer sequence order. Each actor sleeps until a periodic tick or a
// publish nudge wakes it, then catches every subscribed consumer up.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fluxledger/eventhub/infrastructure/logging"
	"github.com/fluxledger/eventhub/infrastructure/metrics"
	"github.com/fluxledger/eventhub/internal/consumer"
	"github.com/fluxledger/eventhub/internal/delivery"
	"github.com/fluxledger/eventhub/internal/eventstore"
	"github.com/fluxledger/eventhub/internal/topicregistry"
)

// Config controls tick cadence and retry policy, mirroring
// config.DispatcherConfig.
type Config struct {
	TickInterval time.Duration
	BatchMax     int
	MaxAttempts  int
	Backoff      []time.Duration
}

// DefaultConfig matches config.New()'s DispatcherConfig defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: 5 * time.Second,
		BatchMax:     500,
		MaxAttempts:  5,
		Backoff:      []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second},
	}
}

// AdapterResolver returns the delivery adapter for a consumer kind.
type AdapterResolver func(kind consumer.Kind) (delivery.Adapter, bool)

// dispatcher is the per-topic delivery actor.
type dispatcher struct {
	tenant, namespace, topic string

	store     *eventstore.Store
	topics    *topicregistry.Registry
	consumers *consumer.Registry
	adapters  AdapterResolver
	metrics   *metrics.Metrics
	logger    *logging.Logger
	cfg       Config

	mu      sync.Mutex
	running bool
	nudgeCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// deps bundles the collaborators every per-topic dispatcher needs, without
// the Manager's own mutex (copying a Manager by value would copy the lock).
type deps struct {
	store     *eventstore.Store
	topics    *topicregistry.Registry
	consumers *consumer.Registry
	adapters  AdapterResolver
	metrics   *metrics.Metrics
	logger    *logging.Logger
	cfg       Config
}

func newDispatcher(tenant, namespace, topic string, d deps) *dispatcher {
	return &dispatcher{
		tenant:    tenant,
		namespace: namespace,
		topic:     topic,
		store:     d.store,
		topics:    d.topics,
		consumers: d.consumers,
		adapters:  d.adapters,
		metrics:   d.metrics,
		logger:    d.logger,
		cfg:       d.cfg,
		nudgeCh:   make(chan struct{}, 1),
	}
}

// start transitions STOPPED -> RUNNING and returns the scheduled tick's
// entry id so the Manager can remove it on stop. A no-op if already running.
func (d *dispatcher) start(ctx context.Context, sched *cron.Cron) cron.EntryID {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return 0
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	interval := d.cfg.TickInterval
	if interval <= 0 {
		interval = DefaultConfig().TickInterval
	}
	spec := fmt.Sprintf("@every %s", interval)
	entryID, err := sched.AddFunc(spec, d.nudge)
	if err != nil && d.logger != nil {
		d.logger.Error(ctx, fmt.Sprintf("dispatcher: failed to schedule tick for %s/%s/%s", d.tenant, d.namespace, d.topic), err, nil)
	}

	go d.run(ctx)
	return entryID
}

// stop transitions RUNNING -> STOPPED, draining the current wake first.
func (d *dispatcher) stop(sched *cron.Cron, entryID cron.EntryID) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	sched.Remove(entryID)
	<-d.doneCh
}

// nudge requests a wake, coalescing with any already-pending nudge.
func (d *dispatcher) nudge() {
	select {
	case d.nudgeCh <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run(ctx context.Context) {
	defer close(d.doneCh)
	d.nudge() // pick up anything published before the dispatcher started

	for {
		select {
		case <-d.stopCh:
			return
		case <-d.nudgeCh:
			d.wake(ctx)
		}
	}
}

// wake runs one delivery pass: snapshot consumers, read each one's
// backlog, deliver, advance position on success or retry-then-remove on
// exhaustion.
func (d *dispatcher) wake(ctx context.Context) {
	consumers, err := d.consumers.ListForTopic(ctx, d.tenant, d.namespace, d.topic)
	if err != nil {
		if d.logger != nil {
			d.logger.Error(ctx, fmt.Sprintf("dispatcher: list consumers for %s/%s/%s", d.tenant, d.namespace, d.topic), err, nil)
		}
		return
	}
	if len(consumers) == 0 {
		return
	}

	topic, err := d.topics.Get(ctx, d.tenant, d.namespace, d.topic)
	if err != nil {
		return
	}

	for _, c := range consumers {
		d.deliverToConsumer(ctx, c, topic)
	}
}

func (d *dispatcher) deliverToConsumer(ctx context.Context, c *consumer.Consumer, topic *topicregistry.Topic) {
	cursor, ok := c.Topics[d.topic]
	if !ok {
		return
	}

	sinceSeq := cursor.SinceSequence
	if cursor.LastDeliveredID != nil {
		id, err := eventstore.DecodeID(*cursor.LastDeliveredID)
		if err == nil {
			sinceSeq = id.Sequence
		}
	}

	batchMax := d.cfg.BatchMax
	events, err := d.store.ReadSince(d.tenant, d.namespace, d.topic, sinceSeq, topic.Sequence, batchMax)
	if err != nil || len(events) == 0 {
		return
	}

	adapter, ok := d.adapters(c.Kind)
	if !ok {
		return
	}

	maxAttempts := d.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultConfig().MaxAttempts
	}
	backoff := d.cfg.Backoff
	if len(backoff) == 0 {
		backoff = DefaultConfig().Backoff
	}

	var deliverErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			idx := attempt - 1
			if idx >= len(backoff) {
				idx = len(backoff) - 1
			}
			wait := backoff[idx]
			select {
			case <-time.After(wait):
			case <-d.stopCh:
				return
			}
		}

		start := time.Now()
		deliverErr = adapter.Deliver(ctx, c.Callback, c.CorrelationID, delivery.Batch{
			ConsumerID: c.ID,
			Events:     events,
		})
		if d.metrics != nil {
			outcome := "success"
			if deliverErr != nil {
				outcome = "failure"
			}
			d.metrics.DeliveryAttemptsTotal.WithLabelValues(d.topic, outcome).Inc()
			d.metrics.DeliveryDuration.WithLabelValues(d.topic).Observe(time.Since(start).Seconds())
		}

		if deliverErr == nil {
			break
		}
	}

	if d.logger != nil {
		d.logger.LogDelivery(ctx, c.ID, len(events), deliverErr == nil, deliverErr)
	}

	if deliverErr != nil {
		// Exhaustion policy: remove the consumer rather than dead-letter.
		if removeErr := d.consumers.Delete(ctx, d.tenant, d.namespace, c.ID); removeErr == nil && d.metrics != nil {
			d.metrics.ConsumersRemovedTotal.WithLabelValues(d.topic).Inc()
		}
		return
	}

	lastID := events[len(events)-1].ID
	if err := d.consumers.AdvancePosition(ctx, d.tenant, d.namespace, c.ID, d.topic, lastID); err != nil && d.logger != nil {
		d.logger.Error(ctx, fmt.Sprintf("dispatcher: advance position for consumer %s", c.ID), err, nil)
	}
}
