package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entity is one versioned row of the entity store. Version holds the
// last server-acknowledged version; locally created rows sit at 0 until
// the server accepts the create.
type Entity struct {
	EntityID   string
	EntityType string
	Version    int64
	Payload    json.RawMessage
	Deleted    bool
	UpdatedAt  time.Time
}

// Get returns the entity with the given ID, or nil if absent.
func (s *Store) Get(entityID string) (*Entity, error) {
	return GetTx(s.conn, entityID)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
	Exec(query string, args ...any) (sql.Result, error)
}

// GetTx reads an entity within a transaction (or directly on the DB).
func GetTx(q querier, entityID string) (*Entity, error) {
	var e Entity
	var payload sql.NullString
	var deleted int
	err := q.QueryRow(`
		SELECT entity_id, entity_type, version, payload, deleted, updated_at
		FROM entities WHERE entity_id = ?`, entityID,
	).Scan(&e.EntityID, &e.EntityType, &e.Version, &payload, &deleted, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", entityID, err)
	}
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	e.Deleted = deleted != 0
	return &e, nil
}

// PutTx writes an entity row, replacing any existing one.
func PutTx(q querier, e *Entity) error {
	var payload any
	if e.Payload != nil {
		payload = string(e.Payload)
	}
	deleted := 0
	if e.Deleted {
		deleted = 1
	}
	_, err := q.Exec(`
		INSERT OR REPLACE INTO entities (entity_id, entity_type, version, payload, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		e.EntityID, e.EntityType, e.Version, payload, deleted)
	if err != nil {
		return fmt.Errorf("put entity %s: %w", e.EntityID, err)
	}
	return nil
}

// SetVersionTx bumps an entity to a server-assigned version.
func SetVersionTx(q querier, entityID string, version int64) error {
	_, err := q.Exec(`UPDATE entities SET version = ?, updated_at = CURRENT_TIMESTAMP WHERE entity_id = ?`,
		version, entityID)
	if err != nil {
		return fmt.Errorf("set version %s: %w", entityID, err)
	}
	return nil
}

// TombstoneTx marks an entity deleted, discarding its payload but
// keeping the row so a stale pull cannot resurrect it.
func TombstoneTx(q querier, entityID string, version int64) error {
	_, err := q.Exec(`
		UPDATE entities SET deleted = 1, payload = NULL, version = ?, updated_at = CURRENT_TIMESTAMP
		WHERE entity_id = ?`, version, entityID)
	if err != nil {
		return fmt.Errorf("tombstone %s: %w", entityID, err)
	}
	return nil
}

// ListByType returns all live entities of a type, ordered by ID.
func (s *Store) ListByType(entityType string) ([]Entity, error) {
	rows, err := s.conn.Query(`
		SELECT entity_id, entity_type, version, payload, deleted, updated_at
		FROM entities WHERE entity_type = ? AND deleted = 0 ORDER BY entity_id`, entityType)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", entityType, err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		var payload sql.NullString
		var deleted int
		if err := rows.Scan(&e.EntityID, &e.EntityType, &e.Version, &payload, &deleted, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.Deleted = deleted != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeTombstone removes a tombstone row entirely. Admin-only escape
// hatch; normal operation never deletes the row.
func (s *Store) PurgeTombstone(entityID string) error {
	return s.withWriteLock(func() error {
		res, err := s.conn.Exec(`DELETE FROM entities WHERE entity_id = ? AND deleted = 1`, entityID)
		if err != nil {
			return fmt.Errorf("purge tombstone %s: %w", entityID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("no tombstone for %s", entityID)
		}
		return nil
	})
}

// MergePayload merges a field-level delta into an existing payload.
// Top-level fields in delta overwrite; absent fields are preserved.
func MergePayload(existing, delta json.RawMessage) (json.RawMessage, error) {
	if len(existing) == 0 {
		return delta, nil
	}
	if len(delta) == 0 {
		return existing, nil
	}

	var base map[string]any
	if err := json.Unmarshal(existing, &base); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	var next map[string]any
	if err := json.Unmarshal(delta, &next); err != nil {
		return nil, fmt.Errorf("unmarshal delta: %w", err)
	}
	for k, v := range next {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal merged payload: %w", err)
	}
	return merged, nil
}
