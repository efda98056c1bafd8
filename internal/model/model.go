package model

import (
	"time"
)

// EntityType identifies the kind of directory object an entity was ingested from.
type EntityType string

const (
	EntityTypeIdentity EntityType = "identity"
	EntityTypeGroup    EntityType = "group"
	EntityTypeRole     EntityType = "role"
	EntityTypePolicy   EntityType = "policy"
	EntityTypeLicense  EntityType = "license"
)

// EntityState is the rolled-up risk state of an entity, derived from its active alerts.
type EntityState string

const (
	StateNormal   EntityState = "normal"
	StateLow      EntityState = "low"
	StateWarn     EntityState = "warn"
	StateCritical EntityState = "critical"
)

// NormalizedData is the vendor-neutral projection of an entity's raw payload.
// The posture pipeline only reads it and patches Tags; everything else is
// owned by the ingestion stage.
type NormalizedData struct {
	Name     string   `json:"name"`
	Email    string   `json:"email,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Licenses []string `json:"licenses,omitempty"`
}

// Entity is a security-relevant directory object (identity, group, role,
// policy, license). ExternalID is unique within (DataSourceID, EntityType).
type Entity struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	DataSourceID string                 `json:"data_source_id"`
	EntityType   EntityType             `json:"entity_type"`
	ExternalID   string                 `json:"external_id"`
	RawData      map[string]interface{} `json:"raw_data,omitempty"`
	Normalized   NormalizedData         `json:"normalized_data"`
	State        EntityState            `json:"state"`
	DeletedAt    *time.Time             `json:"deleted_at,omitempty"`
}

// Relationship types produced by the directory linker and consumed by the
// posture pipeline.
const (
	RelTypeMemberOf     = "member_of"
	RelTypeAssignedRole = "assigned_role"
	RelTypeHasLicense   = "has_license"
)

// Relationship is a derived edge between two entities. It is created, updated
// and deleted exclusively by the reconciler. (ParentEntityID, ChildEntityID,
// Type) is the natural composite key and must be unique.
type Relationship struct {
	ID             string                 `json:"id"`
	TenantID       string                 `json:"tenant_id"`
	DataSourceID   string                 `json:"data_source_id"`
	ParentEntityID string                 `json:"parent_entity_id"`
	ChildEntityID  string                 `json:"child_entity_id"`
	Type           string                 `json:"relationship_type"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	LastSeenAt     time.Time              `json:"last_seen_at"`
	SyncID         string                 `json:"sync_id"`
}

// RelationshipKey is the composite identity of a relationship.
type RelationshipKey struct {
	ParentEntityID string
	ChildEntityID  string
	Type           string
}

// Key returns the composite identity of the relationship.
func (r *Relationship) Key() RelationshipKey {
	return RelationshipKey{
		ParentEntityID: r.ParentEntityID,
		ChildEntityID:  r.ChildEntityID,
		Type:           r.Type,
	}
}

// Severity of an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityLevels orders severities for comparisons and state rollup.
var severityLevels = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Level returns the numeric rank of a severity (0 for unknown values).
func (s Severity) Level() int {
	return severityLevels[s]
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertStatusActive   AlertStatus = "active"
	AlertStatusResolved AlertStatus = "resolved"
)

// Alert is a persisted security finding. At most one active alert may exist
// per (EntityID, AlertType); the lifecycle manager enforces this, not the store.
type Alert struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenant_id"`
	EntityID   string                 `json:"entity_id"`
	AlertType  string                 `json:"alert_type"`
	Severity   Severity               `json:"severity"`
	Message    string                 `json:"message"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Status     AlertStatus            `json:"status"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
}

// SyncBatch is one change notification from the upstream sync pipeline.
// Batches sharing a SyncID belong to the same synchronization run and are
// aggregated in memory before processing. A nil ChangedEntityIDs means the
// producer could not enumerate changes and the run must be treated as a
// full re-scan.
type SyncBatch struct {
	SyncID           string   `json:"sync_id"`
	TenantID         string   `json:"tenant_id"`
	DataSourceID     string   `json:"data_source_id"`
	BatchNumber      int      `json:"batch_number"`
	IsFinalBatch     bool     `json:"is_final_batch"`
	ChangedEntityIDs []string `json:"changed_entity_ids,omitempty"`
}

// Coverage classifies an identity's MFA enforcement level.
type Coverage string

const (
	CoverageNone    Coverage = "none"
	CoveragePartial Coverage = "partial"
	CoverageFull    Coverage = "full"
)

// CoverageFinding is the transient output of the coverage rule engine. It is
// consumed by the posture orchestrator and never persisted directly.
type CoverageFinding struct {
	EntityID string   `json:"entity_id"`
	Coverage Coverage `json:"coverage"`
	Reason   string   `json:"reason,omitempty"`
}
