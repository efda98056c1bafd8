package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/stratosec/idposture/internal/model"
)

// PostgresStore is the durable Store implementation backed by PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens a connection pool against the given DSN.
func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db, logger: logger}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the pipeline tables and indexes if they do not exist.
// The partial unique index on active alerts backs the lifecycle manager's
// insert-or-update contract.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			data_source_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			external_id TEXT NOT NULL,
			raw_data JSONB,
			normalized_data JSONB NOT NULL DEFAULT '{}',
			state TEXT NOT NULL DEFAULT 'normal',
			deleted_at TIMESTAMPTZ,
			UNIQUE (data_source_id, entity_type, external_id)
		)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			data_source_id TEXT NOT NULL,
			parent_entity_id TEXT NOT NULL,
			child_entity_id TEXT NOT NULL,
			relationship_type TEXT NOT NULL,
			metadata JSONB,
			last_seen_at TIMESTAMPTZ NOT NULL,
			sync_id TEXT NOT NULL,
			UNIQUE (parent_entity_id, child_entity_id, relationship_type)
		)`,
		`CREATE INDEX IF NOT EXISTS relationships_parent_idx ON relationships (parent_entity_id)`,
		`CREATE INDEX IF NOT EXISTS relationships_scope_idx ON relationships (tenant_id, data_source_id)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata JSONB,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS alerts_active_idx
			ON alerts (entity_id, alert_type) WHERE status = 'active'`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, f EntityFilter) ([]*model.Entity, error) {
	query := `SELECT id, tenant_id, data_source_id, entity_type, external_id,
		COALESCE(raw_data, 'null'), normalized_data, state, deleted_at FROM entities`

	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.DataSourceID != "" {
		add("data_source_id = $%d", f.DataSourceID)
	}
	if f.EntityType != "" {
		add("entity_type = $%d", string(f.EntityType))
	}
	if f.IDs != nil {
		add("id = ANY($%d)", pq.Array(f.IDs))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var result []*model.Entity
	for rows.Next() {
		var e model.Entity
		var rawData, normalized []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.DataSourceID, &e.EntityType,
			&e.ExternalID, &rawData, &normalized, &e.State, &e.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		if err := json.Unmarshal(rawData, &e.RawData); err != nil {
			s.logger.Warn("Skipping unreadable raw payload", "entity_id", e.ID, "error", err)
		}
		if err := json.Unmarshal(normalized, &e.Normalized); err != nil {
			return nil, fmt.Errorf("failed to decode normalized data for %s: %w", e.ID, err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	entities, err := s.ListEntities(ctx, EntityFilter{IDs: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return entities[0], nil
}

func (s *PostgresStore) UpdateEntities(ctx context.Context, patches []EntityPatch) error {
	for _, p := range patches {
		if p.Tags != nil {
			tags, err := json.Marshal(*p.Tags)
			if err != nil {
				return fmt.Errorf("failed to encode tags for %s: %w", p.ID, err)
			}
			_, err = s.db.ExecContext(ctx,
				`UPDATE entities SET normalized_data = jsonb_set(normalized_data, '{tags}', $2) WHERE id = $1`,
				p.ID, tags)
			if err != nil {
				return fmt.Errorf("failed to update tags for %s: %w", p.ID, err)
			}
		}
		if p.State != nil {
			_, err := s.db.ExecContext(ctx,
				`UPDATE entities SET state = $2 WHERE id = $1`, p.ID, string(*p.State))
			if err != nil {
				return fmt.Errorf("failed to update state for %s: %w", p.ID, err)
			}
		}
	}
	return nil
}

func (s *PostgresStore) ListRelationships(ctx context.Context, tenantID, dataSourceID string) ([]*model.Relationship, error) {
	return s.queryRelationships(ctx,
		`SELECT id, tenant_id, data_source_id, parent_entity_id, child_entity_id,
			relationship_type, COALESCE(metadata, 'null'), last_seen_at, sync_id
		FROM relationships WHERE tenant_id = $1 AND data_source_id = $2 ORDER BY id`,
		tenantID, dataSourceID)
}

func (s *PostgresStore) ListRelationshipsByParent(ctx context.Context, parentEntityID string) ([]*model.Relationship, error) {
	return s.queryRelationships(ctx,
		`SELECT id, tenant_id, data_source_id, parent_entity_id, child_entity_id,
			relationship_type, COALESCE(metadata, 'null'), last_seen_at, sync_id
		FROM relationships WHERE parent_entity_id = $1 ORDER BY id`,
		parentEntityID)
}

func (s *PostgresStore) queryRelationships(ctx context.Context, query string, args ...interface{}) ([]*model.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	var result []*model.Relationship
	for rows.Next() {
		var r model.Relationship
		var metadata []byte
		if err := rows.Scan(&r.ID, &r.TenantID, &r.DataSourceID, &r.ParentEntityID,
			&r.ChildEntityID, &r.Type, &metadata, &r.LastSeenAt, &r.SyncID); err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			s.logger.Warn("Skipping unreadable relationship metadata", "relationship_id", r.ID, "error", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

// InsertRelationships upserts on the natural composite key so that concurrent
// reconciliation runs for the same scope converge instead of conflicting.
func (s *PostgresStore) InsertRelationships(ctx context.Context, rels []*model.Relationship) error {
	for _, r := range rels {
		metadata, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", r.ID, err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO relationships
				(id, tenant_id, data_source_id, parent_entity_id, child_entity_id,
				 relationship_type, metadata, last_seen_at, sync_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (parent_entity_id, child_entity_id, relationship_type)
			DO UPDATE SET metadata = EXCLUDED.metadata,
				last_seen_at = EXCLUDED.last_seen_at,
				sync_id = EXCLUDED.sync_id`,
			r.ID, r.TenantID, r.DataSourceID, r.ParentEntityID, r.ChildEntityID,
			r.Type, metadata, r.LastSeenAt, r.SyncID)
		if err != nil {
			return fmt.Errorf("failed to insert relationship %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateRelationships(ctx context.Context, patches []RelationshipPatch) error {
	for _, p := range patches {
		if p.Metadata != nil {
			metadata, err := json.Marshal(p.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata for %s: %w", p.ID, err)
			}
			_, err = s.db.ExecContext(ctx,
				`UPDATE relationships SET metadata = $2, last_seen_at = $3, sync_id = $4 WHERE id = $1`,
				p.ID, metadata, p.LastSeenAt, p.SyncID)
			if err != nil {
				return fmt.Errorf("failed to update relationship %s: %w", p.ID, err)
			}
			continue
		}
		_, err := s.db.ExecContext(ctx,
			`UPDATE relationships SET last_seen_at = $2, sync_id = $3 WHERE id = $1`,
			p.ID, p.LastSeenAt, p.SyncID)
		if err != nil {
			return fmt.Errorf("failed to update relationship %s: %w", p.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) DeleteRelationships(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM relationships WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to delete relationships: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActiveAlerts(ctx context.Context, entityID string, types []string) ([]*model.Alert, error) {
	query := `SELECT id, tenant_id, entity_id, alert_type, severity, message,
		COALESCE(metadata, 'null'), status, created_at, updated_at, resolved_at
	FROM alerts WHERE entity_id = $1 AND status = 'active'`
	args := []interface{}{entityID}
	if types != nil {
		args = append(args, pq.Array(types))
		query += fmt.Sprintf(" AND alert_type = ANY($%d)", len(args))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var result []*model.Alert
	for rows.Next() {
		var a model.Alert
		var metadata []byte
		if err := rows.Scan(&a.ID, &a.TenantID, &a.EntityID, &a.AlertType, &a.Severity,
			&a.Message, &metadata, &a.Status, &a.CreatedAt, &a.UpdatedAt, &a.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			s.logger.Warn("Skipping unreadable alert metadata", "alert_id", a.ID, "error", err)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

// InsertAlerts upserts on the active (entity_id, alert_type) pair so repeated
// findings for the same entity update in place instead of duplicating.
func (s *PostgresStore) InsertAlerts(ctx context.Context, alerts []*model.Alert) error {
	for _, a := range alerts {
		metadata, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", a.ID, err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO alerts
				(id, tenant_id, entity_id, alert_type, severity, message, metadata,
				 status, created_at, updated_at, resolved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (entity_id, alert_type) WHERE status = 'active'
			DO UPDATE SET severity = EXCLUDED.severity,
				message = EXCLUDED.message,
				metadata = EXCLUDED.metadata,
				updated_at = EXCLUDED.updated_at`,
			a.ID, a.TenantID, a.EntityID, a.AlertType, string(a.Severity), a.Message,
			metadata, string(a.Status), a.CreatedAt, a.UpdatedAt, a.ResolvedAt)
		if err != nil {
			return fmt.Errorf("failed to insert alert %s: %w", a.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateAlerts(ctx context.Context, patches []AlertPatch) error {
	for _, p := range patches {
		sets := []string{"updated_at = $2"}
		args := []interface{}{p.ID, p.UpdatedAt}
		add := func(set string, arg interface{}) {
			args = append(args, arg)
			sets = append(sets, fmt.Sprintf(set, len(args)))
		}
		if p.Severity != nil {
			add("severity = $%d", string(*p.Severity))
		}
		if p.Message != nil {
			add("message = $%d", *p.Message)
		}
		if p.Metadata != nil {
			metadata, err := json.Marshal(p.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata for %s: %w", p.ID, err)
			}
			add("metadata = $%d", metadata)
		}
		if p.Status != nil {
			add("status = $%d", string(*p.Status))
		}
		if p.ResolvedAt != nil {
			add("resolved_at = $%d", *p.ResolvedAt)
		}

		// The status guard makes the patch assert liveness: a concurrent
		// replica may have resolved the alert since the caller's lookup.
		query := "UPDATE alerts SET " + strings.Join(sets, ", ") + " WHERE id = $1 AND status = 'active'"
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update alert %s: %w", p.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update alert %s: %w", p.ID, err)
		}
		if affected == 0 {
			return fmt.Errorf("alert %s: %w", p.ID, ErrAlertNotActive)
		}
	}
	return nil
}
