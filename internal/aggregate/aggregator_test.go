package aggregate

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratosec/idposture/internal/model"
)

type capture struct {
	mu     sync.Mutex
	events []Event
}

func (c *capture) handler(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capture) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func batch(syncID string, number int, final bool, ids ...string) model.SyncBatch {
	b := model.SyncBatch{
		SyncID:       syncID,
		TenantID:     "tenant-1",
		DataSourceID: "ds-1",
		BatchNumber:  number,
		IsFinalBatch: final,
	}
	if ids != nil {
		b.ChangedEntityIDs = ids
	}
	return b
}

func TestAggregator_DebounceCoalescing(t *testing.T) {
	c := &capture{}
	agg := New(Consumer{
		Name:           "linker",
		DebounceWindow: 100 * time.Millisecond,
		Handler:        c.handler,
	}, nil, testLogger())
	defer agg.Stop()

	ids := [][]string{{"e1"}, {"e2"}, {"e1", "e3"}, {"e4"}, {"e5"}}
	for i, batchIDs := range ids {
		agg.Offer(context.Background(), batch("sync-1", i, false, batchIDs...))
		time.Sleep(10 * time.Millisecond)
	}

	// All five arrived inside the window, so nothing has fired yet.
	assert.Empty(t, c.all())

	time.Sleep(250 * time.Millisecond)

	events := c.all()
	require.Len(t, events, 1)
	assert.Equal(t, "sync-1", events[0].SyncID)
	assert.Equal(t, 5, events[0].Batches)
	assert.Equal(t, []string{"e1", "e2", "e3", "e4", "e5"}, events[0].ChangedEntityIDs)
	assert.Equal(t, 0, agg.Pending())
}

func TestAggregator_FinalBatchFiresImmediately(t *testing.T) {
	c := &capture{}
	agg := New(Consumer{
		Name:           "linker",
		DebounceWindow: time.Hour,
		Handler:        c.handler,
	}, nil, testLogger())
	defer agg.Stop()

	agg.Offer(context.Background(), batch("sync-1", 0, false, "e1"))
	agg.Offer(context.Background(), batch("sync-1", 1, true, "e2"))

	events := c.all()
	require.Len(t, events, 1)
	assert.Equal(t, []string{"e1", "e2"}, events[0].ChangedEntityIDs)
	assert.Equal(t, 0, agg.Pending())
}

func TestAggregator_FullContextGating(t *testing.T) {
	c := &capture{}
	agg := New(Consumer{
		Name:                "analyzer",
		RequiresFullContext: true,
		DebounceWindow:      50 * time.Millisecond,
		Handler:             c.handler,
	}, nil, testLogger())
	defer agg.Stop()

	for i := 0; i < 3; i++ {
		agg.Offer(context.Background(), batch("sync-1", i, false, "e1"))
	}

	// Non-final batches must not arm a timer for a full-context consumer.
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, c.all())

	agg.Offer(context.Background(), batch("sync-1", 3, true, "e2"))
	time.Sleep(150 * time.Millisecond)

	events := c.all()
	require.Len(t, events, 1)
	assert.Equal(t, 4, events[0].Batches)
	assert.Equal(t, []string{"e1", "e2"}, events[0].ChangedEntityIDs)
}

func TestAggregator_UnenumeratedBatchForcesFullRescan(t *testing.T) {
	c := &capture{}
	agg := New(Consumer{
		Name:           "linker",
		DebounceWindow: time.Hour,
		Handler:        c.handler,
	}, nil, testLogger())
	defer agg.Stop()

	agg.Offer(context.Background(), batch("sync-1", 0, false, "e1"))
	agg.Offer(context.Background(), batch("sync-1", 1, false)) // no ids
	agg.Offer(context.Background(), batch("sync-1", 2, true, "e2"))

	events := c.all()
	require.Len(t, events, 1)
	assert.Nil(t, events[0].ChangedEntityIDs)
	assert.Equal(t, 3, events[0].Batches)
}

func TestAggregator_IndependentSyncRuns(t *testing.T) {
	c := &capture{}
	agg := New(Consumer{
		Name:           "linker",
		DebounceWindow: time.Hour,
		Handler:        c.handler,
	}, nil, testLogger())
	defer agg.Stop()

	agg.Offer(context.Background(), batch("sync-a", 0, true, "e1"))
	agg.Offer(context.Background(), batch("sync-b", 0, true, "e2"))

	events := c.all()
	require.Len(t, events, 2)
	seen := map[string][]string{}
	for _, ev := range events {
		seen[ev.SyncID] = ev.ChangedEntityIDs
	}
	assert.Equal(t, []string{"e1"}, seen["sync-a"])
	assert.Equal(t, []string{"e2"}, seen["sync-b"])
}

func TestAggregator_NewCycleAfterExecution(t *testing.T) {
	c := &capture{}
	agg := New(Consumer{
		Name:           "linker",
		DebounceWindow: time.Hour,
		Handler:        c.handler,
	}, nil, testLogger())
	defer agg.Stop()

	agg.Offer(context.Background(), batch("sync-1", 0, true, "e1"))
	agg.Offer(context.Background(), batch("sync-1", 0, true, "e2"))

	events := c.all()
	require.Len(t, events, 2)
	assert.Equal(t, []string{"e1"}, events[0].ChangedEntityIDs)
	assert.Equal(t, []string{"e2"}, events[1].ChangedEntityIDs)
}

func TestAggregator_HandlerFailureIsSwallowed(t *testing.T) {
	calls := 0
	agg := New(Consumer{
		Name:           "linker",
		DebounceWindow: time.Hour,
		Handler: func(_ context.Context, _ Event) error {
			calls++
			return assert.AnError
		},
	}, nil, testLogger())
	defer agg.Stop()

	agg.Offer(context.Background(), batch("sync-1", 0, true, "e1"))
	agg.Offer(context.Background(), batch("sync-2", 0, true, "e2"))

	// Both cycles executed despite the failures.
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, agg.Pending())
}

func TestAggregator_StopCancelsTimers(t *testing.T) {
	c := &capture{}
	agg := New(Consumer{
		Name:           "linker",
		DebounceWindow: 30 * time.Millisecond,
		Handler:        c.handler,
	}, nil, testLogger())

	agg.Offer(context.Background(), batch("sync-1", 0, false, "e1"))
	agg.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, c.all())

	// Batches offered after Stop are ignored.
	agg.Offer(context.Background(), batch("sync-2", 0, true, "e2"))
	assert.Empty(t, c.all())
}
