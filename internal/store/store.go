// Package store defines the persistence contract the posture pipeline relies
// on. The pipeline assumes a key-indexed document store with per-record atomic
// patch/insert but no multi-record transactions; correctness is built on
// idempotent re-runs rather than locking.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stratosec/idposture/internal/model"
)

// ErrAlertNotActive reports an alert patch that targeted a missing or already
// resolved alert. Another writer may resolve an alert between a caller's
// lookup and its patch; callers treat this as a signal to re-query.
var ErrAlertNotActive = errors.New("alert is not active")

// EntityFilter narrows ListEntities. Zero-valued fields are ignored.
type EntityFilter struct {
	TenantID     string
	DataSourceID string
	EntityType   model.EntityType
	IDs          []string
}

// EntityPatch is a partial update of an entity. Nil fields are left untouched.
type EntityPatch struct {
	ID    string
	Tags  *[]string
	State *model.EntityState
}

// RelationshipPatch re-stamps a relationship's watermark and optionally
// replaces its metadata. A nil Metadata keeps the stored value.
type RelationshipPatch struct {
	ID         string
	Metadata   map[string]interface{}
	LastSeenAt time.Time
	SyncID     string
}

// AlertPatch is a partial update of an alert. Nil fields are left untouched.
type AlertPatch struct {
	ID         string
	Severity   *model.Severity
	Message    *string
	Metadata   map[string]interface{}
	Status     *model.AlertStatus
	ResolvedAt *time.Time
	UpdatedAt  time.Time
}

// Store is the narrow interface between the pipeline and the entity store.
type Store interface {
	ListEntities(ctx context.Context, f EntityFilter) ([]*model.Entity, error)
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	UpdateEntities(ctx context.Context, patches []EntityPatch) error

	ListRelationships(ctx context.Context, tenantID, dataSourceID string) ([]*model.Relationship, error)
	ListRelationshipsByParent(ctx context.Context, parentEntityID string) ([]*model.Relationship, error)
	InsertRelationships(ctx context.Context, rels []*model.Relationship) error
	UpdateRelationships(ctx context.Context, patches []RelationshipPatch) error
	DeleteRelationships(ctx context.Context, ids []string) error

	// ListActiveAlerts returns the active alerts for an entity, optionally
	// restricted to the given alert types. A nil types slice means all types.
	ListActiveAlerts(ctx context.Context, entityID string, types []string) ([]*model.Alert, error)
	InsertAlerts(ctx context.Context, alerts []*model.Alert) error
	// UpdateAlerts patches active alerts only. Patching an alert that is
	// missing or no longer active fails with ErrAlertNotActive.
	UpdateAlerts(ctx context.Context, patches []AlertPatch) error
}
