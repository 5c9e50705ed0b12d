package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/infrastructure/logging"
	"github.com/fluxledger/eventhub/internal/eventstore"
	"github.com/fluxledger/eventhub/internal/topicregistry"
	"github.com/fluxledger/eventhub/system/framework/lifecycle"
)

// DefaultReconcileInterval is the fallback cadence when the configured
// interval is zero or negative.
const DefaultReconcileInterval = 30 * time.Second

// Reconciler periodically checks each management topic's persisted sequence
// against the sequence the projections have folded, and triggers a full
// rebuild when they diverge. This is the fallback path for a missed
// synchronous Apply notification; in the common case every pass is a cheap
// five-Get no-op.
type Reconciler struct {
	projections *Store
	events      *eventstore.Store
	topics      *topicregistry.Registry
	logger      *logging.Logger
	guard       *lifecycle.GracefulShutdown
	interval    time.Duration

	sched *cron.Cron
	entry cron.EntryID
	ctx   context.Context
}

// NewReconciler builds a Reconciler. guard may be nil; when set, each pass
// registers as an in-flight operation so shutdown waits for a rebuild in
// progress rather than tearing the store down under it.
func NewReconciler(projections *Store, events *eventstore.Store, topics *topicregistry.Registry, logger *logging.Logger, guard *lifecycle.GracefulShutdown, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Reconciler{
		projections: projections,
		events:      events,
		topics:      topics,
		logger:      logger,
		guard:       guard,
		interval:    interval,
		sched:       cron.New(),
	}
}

// Start schedules the periodic pass. Idempotent.
func (r *Reconciler) Start(ctx context.Context) error {
	if r.ctx != nil {
		return nil
	}
	r.ctx = ctx
	spec := fmt.Sprintf("@every %s", r.interval)
	entry, err := r.sched.AddFunc(spec, func() {
		if err := r.RunOnce(r.ctx); err != nil && r.logger != nil {
			r.logger.Error(r.ctx, "projection reconciliation pass failed", err, nil)
		}
	})
	if err != nil {
		return fmt.Errorf("projection: schedule reconciler: %w", err)
	}
	r.entry = entry
	r.sched.Start()
	return nil
}

// Stop cancels the periodic pass and waits for one in flight to finish.
func (r *Reconciler) Stop() {
	r.sched.Remove(r.entry)
	<-r.sched.Stop().Done()
}

// RunOnce performs a single reconciliation pass: if any management topic has
// persisted events the projections have not folded, rebuild everything from
// the log. Rebuild-all rather than fold-the-tail keeps the pass idempotent:
// folding the same grant event twice would duplicate it, replaying from
// scratch cannot.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	guard := lifecycle.NewOperationGuard(r.guard)
	if r.guard != nil && guard == nil {
		return nil // shutting down
	}
	defer guard.Close()

	stale := false
	for _, name := range ManagementTopics {
		topic, err := r.topics.Get(ctx, SystemTenant, ManagementNamespace, name)
		if err != nil {
			if errors.Code(err) == errors.ErrCodeTopicNotFound {
				continue
			}
			return err
		}
		if topic.Sequence > r.projections.AppliedSequence(name) {
			stale = true
			break
		}
	}
	if !stale {
		return nil
	}

	start := time.Now()
	err := r.projections.Rebuild(ctx, r.events, r.topics)
	if r.logger != nil {
		r.logger.LogProjectionRebuild(ctx, "all", 0, time.Since(start), err)
	}
	return err
}
