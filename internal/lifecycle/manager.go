// Package lifecycle translates findings and resolve instructions into
// idempotent alert mutations and keeps each entity's rolled-up risk state in
// step with its active alerts.
package lifecycle

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stratosec/idposture/internal/metrics"
	"github.com/stratosec/idposture/internal/model"
	"github.com/stratosec/idposture/internal/store"
)

// Finding is one alert-worthy condition for an entity.
type Finding struct {
	EntityID  string
	TenantID  string
	AlertType string
	Severity  model.Severity
	Message   string
	Metadata  map[string]interface{}
}

// lockStripes bounds the per-entity lock table. Entities hashing to the same
// stripe share a lock; that only costs contention, never correctness.
const lockStripes = 128

// Manager applies findings and resolutions to the alert store. Updates for
// one entity are serialized through a striped per-entity lock, closing the
// query-then-insert race when concurrent batches touch the same entity.
type Manager struct {
	store      store.Store
	logger     *slog.Logger
	metrics    *metrics.Metrics
	ownedTypes []string
	now        func() time.Time

	// activeIDs maps "entityID:alertType" to the active alert id, skipping
	// the existence query on repeat findings.
	activeIDs *lru.Cache[string, string]

	mu    sync.Mutex
	locks [lockStripes]sync.Mutex
}

// NewManager creates a lifecycle manager owning the given alert types.
// Resolve only touches owned types; foreign alerts are left alone.
func NewManager(st store.Store, ownedTypes []string, m *metrics.Metrics, logger *slog.Logger) *Manager {
	cache, _ := lru.New[string, string](16384)
	return &Manager{
		store:      st,
		logger:     logger,
		metrics:    m,
		ownedTypes: append([]string(nil), ownedTypes...),
		now:        time.Now,
		activeIDs:  cache,
	}
}

// SetOwnedTypes replaces the owned alert types (config hot reload).
func (m *Manager) SetOwnedTypes(types []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ownedTypes = append([]string(nil), types...)
}

func (m *Manager) owned() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ownedTypes...)
}

func (m *Manager) entityLock(entityID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return &m.locks[h.Sum32()%lockStripes]
}

// Apply upserts an alert for the finding: insert when no active alert exists
// for (entity, type), otherwise patch the existing one in place. Emitting the
// same finding N times yields one active alert and N-1 in-place updates.
func (m *Manager) Apply(ctx context.Context, f Finding) error {
	l := m.entityLock(f.EntityID)
	l.Lock()
	defer l.Unlock()

	now := m.now()
	cacheKey := f.EntityID + ":" + f.AlertType

	if id, ok := m.activeIDs.Get(cacheKey); ok {
		if err := m.patchAlert(ctx, id, f, now); err != nil {
			// The cached alert may have been resolved elsewhere; fall back
			// to the store lookup.
			m.activeIDs.Remove(cacheKey)
		} else {
			return m.refreshState(ctx, f.EntityID)
		}
	}

	existing, err := m.store.ListActiveAlerts(ctx, f.EntityID, []string{f.AlertType})
	if err != nil {
		return fmt.Errorf("failed to query active alerts: %w", err)
	}

	if len(existing) > 0 {
		if err := m.patchAlert(ctx, existing[0].ID, f, now); err != nil {
			return err
		}
		m.activeIDs.Add(cacheKey, existing[0].ID)

		// At most one active alert per (entity, type); resolve strays left
		// behind by older pipeline versions.
		for _, dup := range existing[1:] {
			m.logger.Warn("Resolving duplicate active alert",
				"entity_id", f.EntityID,
				"alert_type", f.AlertType,
				"alert_id", dup.ID)
			if err := m.resolveAlert(ctx, dup.ID, now); err != nil {
				return err
			}
		}
		return m.refreshState(ctx, f.EntityID)
	}

	alert := &model.Alert{
		ID:        uuid.NewString(),
		TenantID:  f.TenantID,
		EntityID:  f.EntityID,
		AlertType: f.AlertType,
		Severity:  f.Severity,
		Message:   f.Message,
		Metadata:  f.Metadata,
		Status:    model.AlertStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.InsertAlerts(ctx, []*model.Alert{alert}); err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	m.activeIDs.Add(cacheKey, alert.ID)
	if m.metrics != nil {
		m.metrics.AlertsCreated.Inc()
	}
	m.logger.Info("Alert created",
		"entity_id", f.EntityID,
		"alert_type", f.AlertType,
		"severity", f.Severity)

	return m.refreshState(ctx, f.EntityID)
}

func (m *Manager) patchAlert(ctx context.Context, id string, f Finding, now time.Time) error {
	severity := f.Severity
	message := f.Message
	patch := store.AlertPatch{
		ID:        id,
		Severity:  &severity,
		Message:   &message,
		Metadata:  f.Metadata,
		UpdatedAt: now,
	}
	if err := m.store.UpdateAlerts(ctx, []store.AlertPatch{patch}); err != nil {
		return fmt.Errorf("failed to update alert %s: %w", id, err)
	}
	if m.metrics != nil {
		m.metrics.AlertsUpdated.Inc()
	}
	return nil
}

func (m *Manager) resolveAlert(ctx context.Context, id string, now time.Time) error {
	status := model.AlertStatusResolved
	resolvedAt := now
	patch := store.AlertPatch{
		ID:         id,
		Status:     &status,
		ResolvedAt: &resolvedAt,
		UpdatedAt:  now,
	}
	if err := m.store.UpdateAlerts(ctx, []store.AlertPatch{patch}); err != nil {
		return fmt.Errorf("failed to resolve alert %s: %w", id, err)
	}
	if m.metrics != nil {
		m.metrics.AlertsResolved.Inc()
	}
	return nil
}

// Resolve closes every active alert of the owned types for the entity and
// recomputes its state. Safe to call when nothing is active.
func (m *Manager) Resolve(ctx context.Context, entityID string) error {
	return m.ResolveTypes(ctx, entityID, m.owned())
}

// ResolveTypes closes the active alerts of the given types for the entity
// and recomputes its state.
func (m *Manager) ResolveTypes(ctx context.Context, entityID string, types []string) error {
	l := m.entityLock(entityID)
	l.Lock()
	defer l.Unlock()

	alerts, err := m.store.ListActiveAlerts(ctx, entityID, types)
	if err != nil {
		return fmt.Errorf("failed to query active alerts: %w", err)
	}

	now := m.now()
	for _, a := range alerts {
		if err := m.resolveAlert(ctx, a.ID, now); err != nil {
			return err
		}
		m.activeIDs.Remove(entityID + ":" + a.AlertType)
		m.logger.Info("Alert resolved",
			"entity_id", entityID,
			"alert_type", a.AlertType)
	}

	return m.refreshState(ctx, entityID)
}

// refreshState recomputes the entity's rolled-up state from all of its
// active alerts, writing only when the value changed.
func (m *Manager) refreshState(ctx context.Context, entityID string) error {
	alerts, err := m.store.ListActiveAlerts(ctx, entityID, nil)
	if err != nil {
		return fmt.Errorf("failed to query active alerts: %w", err)
	}

	state := rollupState(alerts)

	entity, err := m.store.GetEntity(ctx, entityID)
	if err != nil {
		return fmt.Errorf("failed to load entity %s: %w", entityID, err)
	}
	if entity == nil {
		m.logger.Warn("Skipping state rollup for missing entity", "entity_id", entityID)
		return nil
	}
	if entity.State == state {
		return nil
	}

	patch := store.EntityPatch{ID: entityID, State: &state}
	if err := m.store.UpdateEntities(ctx, []store.EntityPatch{patch}); err != nil {
		return fmt.Errorf("failed to update entity state: %w", err)
	}
	m.logger.Info("Entity state changed",
		"entity_id", entityID,
		"from", entity.State,
		"to", state)
	return nil
}

// rollupState maps active alerts to an entity state: critical for any
// critical or high alert, warn for medium, low for low, normal otherwise.
func rollupState(alerts []*model.Alert) model.EntityState {
	highest := 0
	for _, a := range alerts {
		if level := a.Severity.Level(); level > highest {
			highest = level
		}
	}
	switch {
	case highest >= model.SeverityHigh.Level():
		return model.StateCritical
	case highest == model.SeverityMedium.Level():
		return model.StateWarn
	case highest == model.SeverityLow.Level():
		return model.StateLow
	default:
		return model.StateNormal
	}
}
