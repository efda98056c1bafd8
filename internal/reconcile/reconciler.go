// Package reconcile keeps the derived relationship graph consistent with
// upstream truth using mark-and-sweep semantics: anything not re-confirmed in
// the current run's desired set is swept.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/stratosec/idposture/internal/metrics"
	"github.com/stratosec/idposture/internal/model"
	"github.com/stratosec/idposture/internal/store"
)

// DefaultDeleteChunkSize bounds per-call delete batches to respect store
// batch limits.
const DefaultDeleteChunkSize = 100

// Descriptor names one relationship that should exist.
type Descriptor struct {
	ParentID string
	ChildID  string
	Type     string
	Metadata map[string]interface{}
}

// LinkFunc is the externally supplied per-integration logic deciding which
// relationships should exist for a data source. The reconciler is agnostic to
// how it is computed.
type LinkFunc func(entities []*model.Entity, dataSourceID string) []Descriptor

// Result summarizes one reconciliation run. Refreshed counts unchanged
// relationships whose watermark was re-stamped.
type Result struct {
	Created   int
	Updated   int
	Refreshed int
	Deleted   int
	Skipped   int
}

// Reconciler computes and applies the minimal mutation set so the stored
// relationship graph matches a desired set.
type Reconciler struct {
	store       store.Store
	logger      *slog.Logger
	metrics     *metrics.Metrics
	deleteChunk int
	now         func() time.Time
}

// New creates a reconciler.
func New(st store.Store, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:       st,
		logger:      logger,
		metrics:     m,
		deleteChunk: DefaultDeleteChunkSize,
		now:         time.Now,
	}
}

// Reconcile applies the delta between the desired set and the stored
// relationships of the same (tenant, data source) scope. Running it twice
// with the same desired set produces no net change after the first run, only
// watermark bumps. Partially applied batches are not rolled back: the next
// run recomputes the remaining mutations from current store state.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID, dataSourceID, syncID string, desired []Descriptor) (Result, error) {
	start := r.now()
	var result Result

	existing, err := r.store.ListRelationships(ctx, tenantID, dataSourceID)
	if err != nil {
		return result, fmt.Errorf("failed to list existing relationships: %w", err)
	}

	existingByKey := make(map[model.RelationshipKey]*model.Relationship, len(existing))
	for _, rel := range existing {
		existingByKey[rel.Key()] = rel
	}

	now := r.now()
	desiredKeys := make(map[model.RelationshipKey]struct{}, len(desired))
	var creates []*model.Relationship
	var updates []store.RelationshipPatch

	for _, d := range desired {
		if d.ParentID == "" || d.ChildID == "" || d.Type == "" {
			r.logger.Warn("Skipping malformed relationship descriptor",
				"parent_id", d.ParentID,
				"child_id", d.ChildID,
				"type", d.Type)
			result.Skipped++
			continue
		}

		key := model.RelationshipKey{ParentEntityID: d.ParentID, ChildEntityID: d.ChildID, Type: d.Type}
		if _, dup := desiredKeys[key]; dup {
			continue
		}
		desiredKeys[key] = struct{}{}

		rel, ok := existingByKey[key]
		if !ok {
			creates = append(creates, &model.Relationship{
				ID:             uuid.NewString(),
				TenantID:       tenantID,
				DataSourceID:   dataSourceID,
				ParentEntityID: d.ParentID,
				ChildEntityID:  d.ChildID,
				Type:           d.Type,
				Metadata:       d.Metadata,
				LastSeenAt:     now,
				SyncID:         syncID,
			})
			result.Created++
			continue
		}

		if !metadataEqual(rel.Metadata, d.Metadata) {
			updates = append(updates, store.RelationshipPatch{
				ID:         rel.ID,
				Metadata:   d.Metadata,
				LastSeenAt: now,
				SyncID:     syncID,
			})
			result.Updated++
			continue
		}

		// Unchanged: re-stamp the watermark so the entry is not swept.
		updates = append(updates, store.RelationshipPatch{
			ID:         rel.ID,
			LastSeenAt: now,
			SyncID:     syncID,
		})
		result.Refreshed++
	}

	var staleIDs []string
	for key, rel := range existingByKey {
		if _, ok := desiredKeys[key]; !ok {
			staleIDs = append(staleIDs, rel.ID)
		}
	}
	result.Deleted = len(staleIDs)

	if len(creates) > 0 {
		if err := r.store.InsertRelationships(ctx, creates); err != nil {
			return result, fmt.Errorf("failed to insert relationships: %w", err)
		}
	}
	if len(updates) > 0 {
		if err := r.store.UpdateRelationships(ctx, updates); err != nil {
			return result, fmt.Errorf("failed to update relationships: %w", err)
		}
	}
	for i := 0; i < len(staleIDs); i += r.deleteChunk {
		end := i + r.deleteChunk
		if end > len(staleIDs) {
			end = len(staleIDs)
		}
		if err := r.store.DeleteRelationships(ctx, staleIDs[i:end]); err != nil {
			return result, fmt.Errorf("failed to delete stale relationships: %w", err)
		}
	}

	if r.metrics != nil {
		r.metrics.RelationshipsCreated.Add(float64(result.Created))
		r.metrics.RelationshipsUpdated.Add(float64(result.Updated))
		r.metrics.RelationshipsDeleted.Add(float64(result.Deleted))
		r.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}

	r.logger.Info("Reconciliation completed",
		"tenant_id", tenantID,
		"data_source_id", dataSourceID,
		"sync_id", syncID,
		"created", result.Created,
		"updated", result.Updated,
		"refreshed", result.Refreshed,
		"deleted", result.Deleted,
		"skipped", result.Skipped)
	return result, nil
}

func metadataEqual(a, b map[string]interface{}) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
