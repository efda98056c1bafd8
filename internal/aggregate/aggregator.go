// Package aggregate coalesces bursty per-batch sync notifications into a
// single execution per synchronization run. Buffers and debounce timers are
// keyed by sync id, so unrelated runs proceed fully in parallel.
package aggregate

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stratosec/idposture/internal/metrics"
	"github.com/stratosec/idposture/internal/model"
)

// Event is the merged result of one aggregation cycle. A nil ChangedEntityIDs
// means at least one buffered batch could not enumerate its changes and the
// run must be treated as a full re-scan.
type Event struct {
	SyncID           string
	TenantID         string
	DataSourceID     string
	ChangedEntityIDs []string
	Batches          int
}

// Handler processes one merged event. It is invoked exactly once per
// aggregation cycle; a returned error is logged and swallowed, since retries
// belong to the upstream delivery transport.
type Handler func(ctx context.Context, ev Event) error

// Consumer describes an aggregation consumer entirely by configuration:
// the subjects it listens to, whether partial re-evaluation is unsound for
// it, and its debounce window.
type Consumer struct {
	Name                string
	Topics              []string
	RequiresFullContext bool
	DebounceWindow      time.Duration
	Handler             Handler
}

type pendingSync struct {
	tenantID     string
	dataSourceID string
	batches      int
	changed      map[string]struct{}
	unknown      bool
	timer        *time.Timer
}

// Aggregator buffers sync batches per sync id for one consumer. Entries are
// created on the first batch for a sync id and removed exactly once, when the
// cycle executes; batches arriving while a handler runs start a new cycle.
type Aggregator struct {
	consumer Consumer
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*pendingSync
	stopped bool
}

// New creates an aggregator for one consumer.
func New(consumer Consumer, m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		consumer: consumer,
		logger:   logger.With("consumer", consumer.Name),
		metrics:  m,
		pending:  make(map[string]*pendingSync),
	}
}

// Offer feeds one sync batch into the aggregator.
func (a *Aggregator) Offer(ctx context.Context, batch model.SyncBatch) {
	a.mu.Lock()

	if a.stopped {
		a.mu.Unlock()
		return
	}

	p, ok := a.pending[batch.SyncID]
	if !ok {
		p = &pendingSync{
			tenantID:     batch.TenantID,
			dataSourceID: batch.DataSourceID,
			changed:      make(map[string]struct{}),
		}
		a.pending[batch.SyncID] = p
	}
	p.batches++
	if batch.ChangedEntityIDs == nil {
		p.unknown = true
	} else {
		for _, id := range batch.ChangedEntityIDs {
			p.changed[id] = struct{}{}
		}
	}

	a.logger.Debug("Buffered sync batch",
		"sync_id", batch.SyncID,
		"batch_number", batch.BatchNumber,
		"is_final", batch.IsFinalBatch,
		"buffered", p.batches)

	// A consumer that needs the full picture must not run off a timer while
	// non-final batches are still expected: a policy change evaluated against
	// a subset of identities would be unsound.
	if a.consumer.RequiresFullContext && !batch.IsFinalBatch {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		a.mu.Unlock()
		return
	}

	// Consumers that tolerate partial context run as soon as the producer
	// declares the run complete.
	if !a.consumer.RequiresFullContext && batch.IsFinalBatch {
		ev := a.takeLocked(batch.SyncID, p)
		a.mu.Unlock()
		a.execute(ctx, ev)
		return
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	syncID := batch.SyncID
	p.timer = time.AfterFunc(a.consumer.DebounceWindow, func() {
		a.fire(context.Background(), syncID)
	})
	a.mu.Unlock()
}

// fire runs the aggregation cycle for a sync id after its timer expired.
func (a *Aggregator) fire(ctx context.Context, syncID string) {
	a.mu.Lock()
	p, ok := a.pending[syncID]
	if !ok {
		// Already consumed by an earlier trigger.
		a.mu.Unlock()
		return
	}
	ev := a.takeLocked(syncID, p)
	a.mu.Unlock()
	a.execute(ctx, ev)
}

// takeLocked merges the buffered batches into one event and discards the
// buffer and timer for the sync id. Caller holds the mutex.
func (a *Aggregator) takeLocked(syncID string, p *pendingSync) Event {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	delete(a.pending, syncID)

	ev := Event{
		SyncID:       syncID,
		TenantID:     p.tenantID,
		DataSourceID: p.dataSourceID,
		Batches:      p.batches,
	}
	if !p.unknown {
		ids := make([]string, 0, len(p.changed))
		for id := range p.changed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		ev.ChangedEntityIDs = ids
	}
	return ev
}

// execute invokes the handler once. Failures are logged and swallowed; the
// aggregator is a best-effort fan-in and must not crash the subscription loop.
func (a *Aggregator) execute(ctx context.Context, ev Event) {
	start := time.Now()
	a.logger.Info("Executing aggregated run",
		"sync_id", ev.SyncID,
		"data_source_id", ev.DataSourceID,
		"batches", ev.Batches,
		"changed_entities", len(ev.ChangedEntityIDs),
		"full_rescan", ev.ChangedEntityIDs == nil)

	if a.metrics != nil {
		a.metrics.AggregationsFired.Inc()
	}

	if err := a.consumer.Handler(ctx, ev); err != nil {
		a.logger.Error("Consumer handler failed",
			"sync_id", ev.SyncID,
			"error", err)
		if a.metrics != nil {
			a.metrics.AggregationFailures.Inc()
		}
	}

	if a.metrics != nil {
		a.metrics.AggregationFlushDuration.Observe(time.Since(start).Seconds())
	}
}

// Pending returns the number of sync ids currently buffering.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Stop cancels all armed timers and drops all buffers without firing. New
// batches offered after Stop are ignored.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for syncID, p := range a.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(a.pending, syncID)
	}
}
