package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stratosec/idposture/internal/model"
)

// MemoryStore is a thread-safe in-memory Store used by tests and dev mode.
// It enforces the same composite-key uniqueness for relationships as the
// Postgres implementation.
type MemoryStore struct {
	mu            sync.RWMutex
	entities      map[string]*model.Entity
	relationships map[string]*model.Relationship
	relByKey      map[model.RelationshipKey]string
	alerts        map[string]*model.Alert
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:      make(map[string]*model.Entity),
		relationships: make(map[string]*model.Relationship),
		relByKey:      make(map[model.RelationshipKey]string),
		alerts:        make(map[string]*model.Alert),
	}
}

// SeedEntities inserts entities directly. Ingestion is outside the pipeline,
// so this only exists on the memory implementation for tests and dev mode.
func (s *MemoryStore) SeedEntities(entities ...*model.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		s.entities[e.ID] = cloneEntity(e)
	}
}

func (s *MemoryStore) ListEntities(_ context.Context, f EntityFilter) ([]*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var idSet map[string]struct{}
	if f.IDs != nil {
		idSet = make(map[string]struct{}, len(f.IDs))
		for _, id := range f.IDs {
			idSet[id] = struct{}{}
		}
	}

	var result []*model.Entity
	for _, e := range s.entities {
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.DataSourceID != "" && e.DataSourceID != f.DataSourceID {
			continue
		}
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if idSet != nil {
			if _, ok := idSet[e.ID]; !ok {
				continue
			}
		}
		result = append(result, cloneEntity(e))
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) GetEntity(_ context.Context, id string) (*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, nil
	}
	return cloneEntity(e), nil
}

func (s *MemoryStore) UpdateEntities(_ context.Context, patches []EntityPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range patches {
		e, ok := s.entities[p.ID]
		if !ok {
			return fmt.Errorf("entity %s not found", p.ID)
		}
		if p.Tags != nil {
			e.Normalized.Tags = append([]string(nil), *p.Tags...)
		}
		if p.State != nil {
			e.State = *p.State
		}
	}
	return nil
}

func (s *MemoryStore) ListRelationships(_ context.Context, tenantID, dataSourceID string) ([]*model.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Relationship
	for _, r := range s.relationships {
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		if dataSourceID != "" && r.DataSourceID != dataSourceID {
			continue
		}
		result = append(result, cloneRelationship(r))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) ListRelationshipsByParent(_ context.Context, parentEntityID string) ([]*model.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Relationship
	for _, r := range s.relationships {
		if r.ParentEntityID == parentEntityID {
			result = append(result, cloneRelationship(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// InsertRelationships upserts by the natural composite key, mirroring the
// ON CONFLICT contract of the Postgres store.
func (s *MemoryStore) InsertRelationships(_ context.Context, rels []*model.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rels {
		key := r.Key()
		if existingID, ok := s.relByKey[key]; ok {
			existing := s.relationships[existingID]
			existing.Metadata = cloneMetadata(r.Metadata)
			existing.LastSeenAt = r.LastSeenAt
			existing.SyncID = r.SyncID
			continue
		}
		s.relationships[r.ID] = cloneRelationship(r)
		s.relByKey[key] = r.ID
	}
	return nil
}

func (s *MemoryStore) UpdateRelationships(_ context.Context, patches []RelationshipPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range patches {
		r, ok := s.relationships[p.ID]
		if !ok {
			return fmt.Errorf("relationship %s not found", p.ID)
		}
		if p.Metadata != nil {
			r.Metadata = cloneMetadata(p.Metadata)
		}
		r.LastSeenAt = p.LastSeenAt
		r.SyncID = p.SyncID
	}
	return nil
}

func (s *MemoryStore) DeleteRelationships(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if r, ok := s.relationships[id]; ok {
			delete(s.relByKey, r.Key())
			delete(s.relationships, id)
		}
	}
	return nil
}

func (s *MemoryStore) ListActiveAlerts(_ context.Context, entityID string, types []string) ([]*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var typeSet map[string]struct{}
	if types != nil {
		typeSet = make(map[string]struct{}, len(types))
		for _, t := range types {
			typeSet[t] = struct{}{}
		}
	}

	var result []*model.Alert
	for _, a := range s.alerts {
		if a.EntityID != entityID || a.Status != model.AlertStatusActive {
			continue
		}
		if typeSet != nil {
			if _, ok := typeSet[a.AlertType]; !ok {
				continue
			}
		}
		result = append(result, cloneAlert(a))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) InsertAlerts(_ context.Context, alerts []*model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range alerts {
		s.alerts[a.ID] = cloneAlert(a)
	}
	return nil
}

func (s *MemoryStore) UpdateAlerts(_ context.Context, patches []AlertPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range patches {
		a, ok := s.alerts[p.ID]
		if !ok || a.Status != model.AlertStatusActive {
			return fmt.Errorf("alert %s: %w", p.ID, ErrAlertNotActive)
		}
		if p.Severity != nil {
			a.Severity = *p.Severity
		}
		if p.Message != nil {
			a.Message = *p.Message
		}
		if p.Metadata != nil {
			a.Metadata = cloneMetadata(p.Metadata)
		}
		if p.Status != nil {
			a.Status = *p.Status
		}
		if p.ResolvedAt != nil {
			a.ResolvedAt = p.ResolvedAt
		}
		a.UpdatedAt = p.UpdatedAt
	}
	return nil
}

// AllAlerts returns every alert regardless of status. Test helper.
func (s *MemoryStore) AllAlerts() []*model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Alert
	for _, a := range s.alerts {
		result = append(result, cloneAlert(a))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func cloneEntity(e *model.Entity) *model.Entity {
	c := *e
	c.Normalized.Tags = append([]string(nil), e.Normalized.Tags...)
	c.Normalized.Licenses = append([]string(nil), e.Normalized.Licenses...)
	c.RawData = cloneMetadata(e.RawData)
	return &c
}

func cloneRelationship(r *model.Relationship) *model.Relationship {
	c := *r
	c.Metadata = cloneMetadata(r.Metadata)
	return &c
}

func cloneAlert(a *model.Alert) *model.Alert {
	c := *a
	c.Metadata = cloneMetadata(a.Metadata)
	return &c
}

func cloneMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
