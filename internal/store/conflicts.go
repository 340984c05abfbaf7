package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Parked conflict kinds.
const (
	ConflictConcurrentEdit  = "concurrent-edit"
	ConflictEditAfterDelete = "edit-after-delete"
)

// ParkedConflict holds both sides of a conflict awaiting manual
// resolution. Pushes for the entity are suspended while parked.
type ParkedConflict struct {
	EntityID      string
	EntityType    string
	Kind          string
	LocalPayload  json.RawMessage
	RemotePayload json.RawMessage
	BaseVersion   int64
	RemoteVersion int64
	ParkedAt      time.Time
}

// ParkConflictTx records a conflict inside a sync transaction. A second
// conflict for the same entity replaces the first; the remote side is
// newer and the local side is unchanged while parked.
func ParkConflictTx(tx *sql.Tx, c *ParkedConflict) error {
	var local, remote any
	if c.LocalPayload != nil {
		local = string(c.LocalPayload)
	}
	if c.RemotePayload != nil {
		remote = string(c.RemotePayload)
	}
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO parked_conflicts
		(entity_id, entity_type, kind, local_payload, remote_payload, base_version, remote_version, parked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		c.EntityID, c.EntityType, c.Kind, local, remote, c.BaseVersion, c.RemoteVersion)
	if err != nil {
		return fmt.Errorf("park conflict %s: %w", c.EntityID, err)
	}
	return nil
}

// ListConflicts returns parked conflicts, oldest first.
func (s *Store) ListConflicts() ([]ParkedConflict, error) {
	rows, err := s.conn.Query(`
		SELECT entity_id, entity_type, kind, local_payload, remote_payload, base_version, remote_version, parked_at
		FROM parked_conflicts ORDER BY parked_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []ParkedConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConflict returns the parked conflict for an entity, or nil.
func (s *Store) GetConflict(entityID string) (*ParkedConflict, error) {
	rows, err := s.conn.Query(`
		SELECT entity_id, entity_type, kind, local_payload, remote_payload, base_version, remote_version, parked_at
		FROM parked_conflicts WHERE entity_id = ?`, entityID)
	if err != nil {
		return nil, fmt.Errorf("get conflict %s: %w", entityID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	c, err := scanConflict(rows)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanConflict(rows *sql.Rows) (ParkedConflict, error) {
	var c ParkedConflict
	var local, remote sql.NullString
	if err := rows.Scan(&c.EntityID, &c.EntityType, &c.Kind, &local, &remote,
		&c.BaseVersion, &c.RemoteVersion, &c.ParkedAt); err != nil {
		return c, fmt.Errorf("scan conflict: %w", err)
	}
	if local.Valid {
		c.LocalPayload = json.RawMessage(local.String)
	}
	if remote.Valid {
		c.RemotePayload = json.RawMessage(remote.String)
	}
	return c, nil
}

// HasParkedTx reports whether an entity currently has a parked conflict.
func HasParkedTx(q querier, entityID string) (bool, error) {
	var n int
	err := q.QueryRow(`SELECT COUNT(*) FROM parked_conflicts WHERE entity_id = ?`, entityID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check parked %s: %w", entityID, err)
	}
	return n > 0, nil
}

// ResolveConflict finalizes a manual conflict: the chosen payload becomes
// a new outbox change based on the authoritative remote version, and the
// conflict row is removed. Edit-after-delete conflicts are terminal: they
// can only be dismissed, never resolved into new state.
func (s *Store) ResolveConflict(entityID string, chosen json.RawMessage) error {
	return s.withWriteLock(func() error {
		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		rows, err := tx.Query(`
			SELECT entity_id, entity_type, kind, local_payload, remote_payload, base_version, remote_version, parked_at
			FROM parked_conflicts WHERE entity_id = ?`, entityID)
		if err != nil {
			return fmt.Errorf("load conflict %s: %w", entityID, err)
		}
		if !rows.Next() {
			rows.Close()
			return fmt.Errorf("no parked conflict for %s", entityID)
		}
		c, err := scanConflict(rows)
		rows.Close()
		if err != nil {
			return err
		}

		if c.Kind == ConflictEditAfterDelete {
			return fmt.Errorf("%s was deleted remotely; the conflict can only be dismissed", entityID)
		}

		// Local copy adopts the chosen payload on top of the remote version.
		if err := PutTx(tx, &Entity{
			EntityID:   c.EntityID,
			EntityType: c.EntityType,
			Version:    c.RemoteVersion,
			Payload:    chosen,
		}); err != nil {
			return err
		}

		if _, err := SupersedeTx(tx, c.EntityID, c.EntityType, "update", c.RemoteVersion, nil, chosen); err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM parked_conflicts WHERE entity_id = ?`, entityID); err != nil {
			return fmt.Errorf("clear conflict %s: %w", entityID, err)
		}

		return tx.Commit()
	})
}

// DismissConflict drops a parked conflict without producing new state.
func (s *Store) DismissConflict(entityID string) error {
	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(`DELETE FROM parked_conflicts WHERE entity_id = ?`, entityID)
		return err
	})
}
