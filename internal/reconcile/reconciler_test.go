package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratosec/idposture/internal/model"
	"github.com/stratosec/idposture/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingStore counts delete calls to verify chunking.
type recordingStore struct {
	store.Store
	deleteCalls [][]string
}

func (r *recordingStore) DeleteRelationships(ctx context.Context, ids []string) error {
	r.deleteCalls = append(r.deleteCalls, append([]string(nil), ids...))
	return r.Store.DeleteRelationships(ctx, ids)
}

func desc(parent, child, relType string) Descriptor {
	return Descriptor{ParentID: parent, ChildID: child, Type: relType}
}

func TestReconcile_CreatesMissingRelationships(t *testing.T) {
	ms := store.NewMemoryStore()
	r := New(ms, nil, testLogger())

	desired := []Descriptor{
		desc("u1", "g1", model.RelTypeMemberOf),
		desc("u1", "r1", model.RelTypeAssignedRole),
	}
	result, err := r.Reconcile(context.Background(), "t1", "ds1", "sync-1", desired)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 0, result.Deleted)

	stored, err := ms.ListRelationships(context.Background(), "t1", "ds1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, rel := range stored {
		assert.Equal(t, "sync-1", rel.SyncID)
		assert.False(t, rel.LastSeenAt.IsZero())
	}
}

func TestReconcile_Idempotence(t *testing.T) {
	ms := store.NewMemoryStore()
	r := New(ms, nil, testLogger())

	desired := []Descriptor{
		desc("u1", "g1", model.RelTypeMemberOf),
		desc("u2", "g1", model.RelTypeMemberOf),
	}
	_, err := r.Reconcile(context.Background(), "t1", "ds1", "sync-1", desired)
	require.NoError(t, err)

	// Second run with the same desired set: only watermark bumps.
	result, err := r.Reconcile(context.Background(), "t1", "ds1", "sync-2", desired)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 0, result.Deleted)
	assert.Equal(t, 2, result.Refreshed)

	stored, err := ms.ListRelationships(context.Background(), "t1", "ds1")
	require.NoError(t, err)
	for _, rel := range stored {
		assert.Equal(t, "sync-2", rel.SyncID)
	}
}

func TestReconcile_MarkAndSweep(t *testing.T) {
	ms := store.NewMemoryStore()
	r := New(ms, nil, testLogger())

	first := []Descriptor{
		desc("u1", "g1", model.RelTypeMemberOf),
		desc("u1", "g2", model.RelTypeMemberOf),
	}
	_, err := r.Reconcile(context.Background(), "t1", "ds1", "sync-1", first)
	require.NoError(t, err)

	// u1 left g2, joined g3.
	second := []Descriptor{
		desc("u1", "g1", model.RelTypeMemberOf),
		desc("u1", "g3", model.RelTypeMemberOf),
	}
	result, err := r.Reconcile(context.Background(), "t1", "ds1", "sync-2", second)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 1, result.Refreshed)

	stored, err := ms.ListRelationships(context.Background(), "t1", "ds1")
	require.NoError(t, err)
	children := make(map[string]bool)
	for _, rel := range stored {
		children[rel.ChildEntityID] = true
	}
	assert.Equal(t, map[string]bool{"g1": true, "g3": true}, children)
}

func TestReconcile_MetadataChangeTriggersUpdate(t *testing.T) {
	ms := store.NewMemoryStore()
	r := New(ms, nil, testLogger())

	first := []Descriptor{{
		ParentID: "u1", ChildID: "g1", Type: model.RelTypeMemberOf,
		Metadata: map[string]interface{}{"nested": false},
	}}
	_, err := r.Reconcile(context.Background(), "t1", "ds1", "sync-1", first)
	require.NoError(t, err)

	second := []Descriptor{{
		ParentID: "u1", ChildID: "g1", Type: model.RelTypeMemberOf,
		Metadata: map[string]interface{}{"nested": true},
	}}
	result, err := r.Reconcile(context.Background(), "t1", "ds1", "sync-2", second)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 0, result.Refreshed)

	stored, err := ms.ListRelationships(context.Background(), "t1", "ds1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, map[string]interface{}{"nested": true}, stored[0].Metadata)
}

func TestReconcile_SkipsMalformedDescriptors(t *testing.T) {
	ms := store.NewMemoryStore()
	r := New(ms, nil, testLogger())

	desired := []Descriptor{
		desc("u1", "g1", model.RelTypeMemberOf),
		desc("", "g1", model.RelTypeMemberOf),
		desc("u1", "", model.RelTypeMemberOf),
	}
	result, err := r.Reconcile(context.Background(), "t1", "ds1", "sync-1", desired)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 2, result.Skipped)
}

func TestReconcile_DeletesInChunks(t *testing.T) {
	ms := store.NewMemoryStore()
	rec := &recordingStore{Store: ms}
	r := New(rec, nil, testLogger())

	var rels []*model.Relationship
	for i := 0; i < 250; i++ {
		rels = append(rels, &model.Relationship{
			ID:             fmt.Sprintf("rel-%03d", i),
			TenantID:       "t1",
			DataSourceID:   "ds1",
			ParentEntityID: "u1",
			ChildEntityID:  fmt.Sprintf("g%03d", i),
			Type:           model.RelTypeMemberOf,
			LastSeenAt:     time.Now(),
			SyncID:         "sync-0",
		})
	}
	require.NoError(t, ms.InsertRelationships(context.Background(), rels))

	// Nothing is desired anymore: everything is swept, 100 at a time.
	result, err := r.Reconcile(context.Background(), "t1", "ds1", "sync-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 250, result.Deleted)

	require.Len(t, rec.deleteCalls, 3)
	assert.Len(t, rec.deleteCalls[0], 100)
	assert.Len(t, rec.deleteCalls[1], 100)
	assert.Len(t, rec.deleteCalls[2], 50)

	stored, err := ms.ListRelationships(context.Background(), "t1", "ds1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestReconcile_ScopedToDataSource(t *testing.T) {
	ms := store.NewMemoryStore()
	r := New(ms, nil, testLogger())

	other := []*model.Relationship{{
		ID:             "other-1",
		TenantID:       "t1",
		DataSourceID:   "ds2",
		ParentEntityID: "u9",
		ChildEntityID:  "g9",
		Type:           model.RelTypeMemberOf,
		LastSeenAt:     time.Now(),
		SyncID:         "sync-0",
	}}
	require.NoError(t, ms.InsertRelationships(context.Background(), other))

	// Reconciling ds1 with an empty desired set must not sweep ds2.
	result, err := r.Reconcile(context.Background(), "t1", "ds1", "sync-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Deleted)

	stored, err := ms.ListRelationships(context.Background(), "t1", "ds2")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}
