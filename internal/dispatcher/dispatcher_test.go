package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxledger/eventhub/internal/consumer"
	"github.com/fluxledger/eventhub/internal/delivery"
	"github.com/fluxledger/eventhub/internal/eventstore"
	"github.com/fluxledger/eventhub/internal/topicregistry"
)

func newTestManager(t *testing.T) (*Manager, *eventstore.Store, *topicregistry.Registry, *consumer.Registry, *delivery.InMemoryAdapter) {
	t.Helper()
	store, err := eventstore.New(t.TempDir(), 1000)
	require.NoError(t, err)
	topics, err := topicregistry.New(t.TempDir())
	require.NoError(t, err)
	consumers, err := consumer.New(t.TempDir())
	require.NoError(t, err)

	inMemory := delivery.NewInMemoryAdapter()
	resolver := func(kind consumer.Kind) (delivery.Adapter, bool) {
		if kind == consumer.KindInMemory {
			return inMemory, true
		}
		return nil, false
	}

	cfg := Config{
		TickInterval: 50 * time.Millisecond,
		BatchMax:     100,
		MaxAttempts:  3,
		Backoff:      []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond},
	}
	mgr := NewManager(store, topics, consumers, resolver, nil, nil, cfg)
	return mgr, store, topics, consumers, inMemory
}

func TestDispatcher_DeliversNewEventsAndAdvancesPosition(t *testing.T) {
	mgr, store, topics, consumers, inMemory := newTestManager(t)
	ctx := context.Background()
	mgr.Start(ctx)
	defer mgr.StopAll()

	_, err := topics.Create(ctx, "acme", "billing", "invoices", "t", "n", nil)
	require.NoError(t, err)

	delivered := make(chan delivery.Batch, 1)
	inMemory.Register("handler-1", func(b delivery.Batch) error {
		delivered <- b
		return nil
	})

	c, err := consumers.Create(ctx, "acme", "billing", consumer.KindInMemory, "handler-1", "", topics, map[string]*string{
		"invoices": nil,
	})
	require.NoError(t, err)

	_, err = topics.WithLock(ctx, "acme", "billing", "invoices", func(tp *topicregistry.Topic) (*topicregistry.Topic, error) {
		tp.Sequence = 1
		return tp, nil
	})
	require.NoError(t, err)
	require.NoError(t, store.Write(eventstore.Event{
		ID:        eventstore.EncodeID("acme", "billing", "invoices", 1),
		Timestamp: time.Now().UTC(),
		Type:      "invoice.created",
		Payload:   json.RawMessage(`{}`),
	}))

	mgr.EnsureStarted("acme", "billing", "invoices")
	mgr.Nudge("acme", "billing", "invoices")

	select {
	case batch := <-delivered:
		require.Equal(t, c.ID, batch.ConsumerID)
		require.Len(t, batch.Events, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	require.Eventually(t, func() bool {
		fetched, err := consumers.Get(ctx, "acme", "billing", c.ID)
		require.NoError(t, err)
		cursor := fetched.Topics["invoices"]
		return cursor.LastDeliveredID != nil && *cursor.LastDeliveredID == "acme/billing/invoices-1"
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcher_ExhaustionRemovesConsumer(t *testing.T) {
	mgr, store, topics, consumers, inMemory := newTestManager(t)
	ctx := context.Background()
	mgr.Start(ctx)
	defer mgr.StopAll()
	_ = inMemory // no handler registered: every delivery attempt fails

	_, err := topics.Create(ctx, "acme", "billing", "invoices", "t", "n", nil)
	require.NoError(t, err)
	c, err := consumers.Create(ctx, "acme", "billing", consumer.KindInMemory, "unregistered-handler", "", topics, map[string]*string{
		"invoices": nil,
	})
	require.NoError(t, err)

	_, err = topics.WithLock(ctx, "acme", "billing", "invoices", func(tp *topicregistry.Topic) (*topicregistry.Topic, error) {
		tp.Sequence = 1
		return tp, nil
	})
	require.NoError(t, err)
	require.NoError(t, store.Write(eventstore.Event{
		ID:        eventstore.EncodeID("acme", "billing", "invoices", 1),
		Timestamp: time.Now().UTC(),
		Type:      "invoice.created",
		Payload:   json.RawMessage(`{}`),
	}))

	mgr.EnsureStarted("acme", "billing", "invoices")
	mgr.Nudge("acme", "billing", "invoices")

	require.Eventually(t, func() bool {
		_, err := consumers.Get(ctx, "acme", "billing", c.ID)
		return err != nil
	}, 3*time.Second, 20*time.Millisecond, "consumer should be removed after exhausting retries")
}

func TestManager_EnsureStartedIsIdempotent(t *testing.T) {
	mgr, _, topics, _, _ := newTestManager(t)
	ctx := context.Background()
	mgr.Start(ctx)
	defer mgr.StopAll()

	_, err := topics.Create(ctx, "acme", "billing", "invoices", "t", "n", nil)
	require.NoError(t, err)

	mgr.EnsureStarted("acme", "billing", "invoices")
	mgr.EnsureStarted("acme", "billing", "invoices")

	require.Len(t, mgr.running, 1)
}

func TestManager_NudgeWithoutDispatcherIsNoop(t *testing.T) {
	mgr, _, _, _, _ := newTestManager(t)
	mgr.Start(context.Background())
	defer mgr.StopAll()

	require.NotPanics(t, func() {
		mgr.Nudge("acme", "billing", "never-started")
	})
}
