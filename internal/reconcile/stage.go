package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stratosec/idposture/internal/aggregate"
	"github.com/stratosec/idposture/internal/bus"
	"github.com/stratosec/idposture/internal/model"
	"github.com/stratosec/idposture/internal/store"
)

// LinkedSubject is the stage-completion subject published after the graph
// has been reconciled. Downstream evaluation consumers subscribe to it.
const LinkedSubject = "posture.linked"

// Stage runs the graph-producing half of the pipeline for one aggregated
// event: load the scope's entities, compute the desired relationship set via
// the integration's link function, reconcile, and announce completion.
type Stage struct {
	store      store.Store
	reconciler *Reconciler
	link       LinkFunc
	bus        bus.Bus
	logger     *slog.Logger
}

// NewStage creates a linking stage.
func NewStage(st store.Store, r *Reconciler, link LinkFunc, b bus.Bus, logger *slog.Logger) *Stage {
	return &Stage{
		store:      st,
		reconciler: r,
		link:       link,
		bus:        b,
		logger:     logger,
	}
}

// Run handles one aggregated sync event.
func (s *Stage) Run(ctx context.Context, ev aggregate.Event) error {
	entities, err := s.store.ListEntities(ctx, store.EntityFilter{
		TenantID:     ev.TenantID,
		DataSourceID: ev.DataSourceID,
	})
	if err != nil {
		return fmt.Errorf("failed to list entities: %w", err)
	}

	desired := s.link(entities, ev.DataSourceID)
	result, err := s.reconciler.Reconcile(ctx, ev.TenantID, ev.DataSourceID, ev.SyncID, desired)
	if err != nil {
		return err
	}

	s.logger.Debug("Link stage completed",
		"sync_id", ev.SyncID,
		"desired", len(desired),
		"created", result.Created,
		"deleted", result.Deleted)

	if s.bus != nil {
		// The linked notification carries the run's change set forward so
		// the evaluation consumer aggregates on the same sync id.
		linked := model.SyncBatch{
			SyncID:           ev.SyncID,
			TenantID:         ev.TenantID,
			DataSourceID:     ev.DataSourceID,
			IsFinalBatch:     true,
			ChangedEntityIDs: ev.ChangedEntityIDs,
		}
		if err := s.bus.Publish(LinkedSubject, linked); err != nil {
			s.logger.Error("Failed to publish linked event", "error", err)
		}
	}
	return nil
}
