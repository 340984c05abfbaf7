package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OutboxEntry is one unacknowledged local change.
type OutboxEntry struct {
	ChangeID     int64
	EntityID     string
	EntityType   string
	Operation    string
	BaseVersion  int64
	FieldMask    []string
	PayloadDelta json.RawMessage
	CreatedAt    time.Time
}

// RecordChange applies a local mutation and appends it to the outbox in
// one transaction. The entry's base version chains from the last pending
// change for the same entity, not from the (possibly stale) stored
// version, so a client's own chain stays internally consistent before
// any server round-trip. Returns the assigned change_id.
func (s *Store) RecordChange(op, entityType, entityID string, mask []string, delta json.RawMessage) (int64, error) {
	var changeID int64
	err := s.withWriteLock(func() error {
		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		e, err := GetTx(tx, entityID)
		if err != nil {
			return err
		}

		base, err := chainBaseVersion(tx, entityID, e)
		if err != nil {
			return err
		}

		switch op {
		case "create":
			if e != nil && !e.Deleted {
				return fmt.Errorf("entity %s already exists", entityID)
			}
			if err := PutTx(tx, &Entity{
				EntityID:   entityID,
				EntityType: entityType,
				Version:    0,
				Payload:    delta,
			}); err != nil {
				return err
			}
			base = 0
		case "update":
			if e == nil {
				return fmt.Errorf("entity %s not found", entityID)
			}
			if e.Deleted {
				return fmt.Errorf("entity %s is deleted", entityID)
			}
			merged, err := MergePayload(e.Payload, delta)
			if err != nil {
				return err
			}
			e.Payload = merged
			if err := PutTx(tx, e); err != nil {
				return err
			}
		case "delete":
			if e == nil {
				return fmt.Errorf("entity %s not found", entityID)
			}
			if e.Deleted {
				return nil // idempotent
			}
			if err := TombstoneTx(tx, entityID, e.Version); err != nil {
				return err
			}
			mask = nil
			delta = nil
		default:
			return fmt.Errorf("unknown operation: %q", op)
		}

		changeID, err = appendOutboxTx(tx, op, entityType, entityID, base, mask, delta)
		if err != nil {
			return err
		}

		return tx.Commit()
	})
	return changeID, err
}

// chainBaseVersion computes the base version a new change must carry:
// the expected resulting version of the newest pending change for the
// entity, falling back to the stored entity version.
func chainBaseVersion(tx *sql.Tx, entityID string, e *Entity) (int64, error) {
	var base sql.NullInt64
	err := tx.QueryRow(`
		SELECT base_version FROM outbox
		WHERE entity_id = ? AND acked = 0
		ORDER BY change_id DESC LIMIT 1`, entityID).Scan(&base)
	if err == nil && base.Valid {
		return base.Int64 + 1, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("read pending chain %s: %w", entityID, err)
	}
	if e == nil {
		return 0, nil
	}
	return e.Version, nil
}

func appendOutboxTx(tx *sql.Tx, op, entityType, entityID string, base int64, mask []string, delta json.RawMessage) (int64, error) {
	var maskStr, deltaStr any
	if len(mask) > 0 {
		maskStr = strings.Join(mask, ",")
	}
	if delta != nil {
		deltaStr = string(delta)
	}
	res, err := tx.Exec(`
		INSERT INTO outbox (entity_id, entity_type, operation, base_version, field_mask, payload_delta)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entityID, entityType, op, base, maskStr, deltaStr)
	if err != nil {
		return 0, fmt.Errorf("append outbox %s: %w", entityID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("outbox change id: %w", err)
	}
	return id, nil
}

// DrainPending returns unacknowledged changes in append order. It has
// no side effects and may be called repeatedly. Changes for entities
// with a parked conflict are held back until the conflict is resolved
// or dismissed; pushing them would only re-conflict against the same
// server state.
func (s *Store) DrainPending() ([]OutboxEntry, error) {
	return DrainPendingTx(s.conn)
}

// DrainPendingTx is the transactional form used by the sync engine.
func DrainPendingTx(q querier) ([]OutboxEntry, error) {
	rows, err := q.Query(`
		SELECT change_id, entity_id, entity_type, operation, base_version, field_mask, payload_delta, created_at
		FROM outbox
		WHERE acked = 0
		  AND entity_id NOT IN (SELECT entity_id FROM parked_conflicts)
		ORDER BY change_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("drain outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PendingForEntity returns unacknowledged changes for one entity in
// append order.
func PendingForEntity(q querier, entityID string) ([]OutboxEntry, error) {
	rows, err := q.Query(`
		SELECT change_id, entity_id, entity_type, operation, base_version, field_mask, payload_delta, created_at
		FROM outbox WHERE acked = 0 AND entity_id = ? ORDER BY change_id ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("pending for %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanOutbox(rows *sql.Rows) (OutboxEntry, error) {
	var e OutboxEntry
	var mask, delta sql.NullString
	if err := rows.Scan(&e.ChangeID, &e.EntityID, &e.EntityType, &e.Operation,
		&e.BaseVersion, &mask, &delta, &e.CreatedAt); err != nil {
		return e, fmt.Errorf("scan outbox row: %w", err)
	}
	if mask.Valid && mask.String != "" {
		e.FieldMask = strings.Split(mask.String, ",")
	}
	if delta.Valid {
		e.PayloadDelta = json.RawMessage(delta.String)
	}
	return e, nil
}

// Acknowledge marks a change as confirmed. Already-acknowledged or
// unknown change IDs are a no-op so retries stay safe.
func (s *Store) Acknowledge(changeID int64) error {
	return s.withWriteLock(func() error {
		return AcknowledgeTx(s.conn, changeID)
	})
}

// AcknowledgeTx is the transactional form used by the sync engine.
func AcknowledgeTx(q querier, changeID int64) error {
	_, err := q.Exec(`UPDATE outbox SET acked = 1 WHERE change_id = ?`, changeID)
	if err != nil {
		return fmt.Errorf("acknowledge change %d: %w", changeID, err)
	}
	return nil
}

// SupersedeTx replaces an entity's pending changes with a single rebased
// change, used when conflict resolution requeues local intent onto a new
// authoritative version. Returns the new change_id.
func SupersedeTx(tx *sql.Tx, entityID, entityType, op string, base int64, mask []string, delta json.RawMessage) (int64, error) {
	if _, err := tx.Exec(`UPDATE outbox SET acked = 1 WHERE entity_id = ? AND acked = 0`, entityID); err != nil {
		return 0, fmt.Errorf("supersede %s: %w", entityID, err)
	}
	return appendOutboxTx(tx, op, entityType, entityID, base, mask, delta)
}

// DropPendingTx discards an entity's pending changes without replacement
// (concurrent deletes resolving trivially, or parking for manual review).
func DropPendingTx(tx *sql.Tx, entityID string) error {
	if _, err := tx.Exec(`UPDATE outbox SET acked = 1 WHERE entity_id = ? AND acked = 0`, entityID); err != nil {
		return fmt.Errorf("drop pending %s: %w", entityID, err)
	}
	return nil
}

// CountPending returns the number of unacknowledged outbox entries,
// including ones held back behind a parked conflict.
func (s *Store) CountPending() (int64, error) {
	var n int64
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM outbox WHERE acked = 0`).Scan(&n)
	return n, err
}

// CountPushable counts only the entries DrainPending would return.
func (s *Store) CountPushable() (int64, error) {
	var n int64
	err := s.conn.QueryRow(`
		SELECT COUNT(*) FROM outbox
		WHERE acked = 0
		  AND entity_id NOT IN (SELECT entity_id FROM parked_conflicts)`).Scan(&n)
	return n, err
}

// PruneAcked deletes acknowledged outbox rows older than the newest
// keep entries, bounding outbox growth.
func (s *Store) PruneAcked(keep int) error {
	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(`
			DELETE FROM outbox WHERE acked = 1 AND change_id NOT IN (
				SELECT change_id FROM outbox WHERE acked = 1 ORDER BY change_id DESC LIMIT ?
			)`, keep)
		return err
	})
}
