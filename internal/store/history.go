package store

import (
	"database/sql"
	"time"
)

// HistoryEntry records one synced change for the `aiw sync log` tail.
type HistoryEntry struct {
	ID         int64
	Direction  string // "push" or "pull"
	Operation  string
	EntityType string
	EntityID   string
	ServerSeq  int64
	ClientID   string
	Timestamp  time.Time
}

// RecordHistoryTx batch-inserts history entries within a transaction.
func RecordHistoryTx(tx *sql.Tx, entries []HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO sync_history (direction, operation, entity_type, entity_id, server_seq, client_id)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.Direction, e.Operation, e.EntityType, e.EntityID, e.ServerSeq, e.ClientID); err != nil {
			return err
		}
	}
	return nil
}

// HistoryTail returns the last N entries in chronological order.
func (s *Store) HistoryTail(limit int) ([]HistoryEntry, error) {
	rows, err := s.conn.Query(`
		SELECT id, direction, operation, entity_type, entity_id,
		       COALESCE(server_seq, 0), COALESCE(client_id, ''), timestamp
		FROM sync_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.Direction, &e.Operation, &e.EntityType,
			&e.EntityID, &e.ServerSeq, &e.ClientID, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// PruneHistory deletes rows not in the newest maxRows entries.
func PruneHistory(tx *sql.Tx, maxRows int) error {
	_, err := tx.Exec(`
		DELETE FROM sync_history WHERE id NOT IN (
			SELECT id FROM sync_history ORDER BY id DESC LIMIT ?
		)`, maxRows)
	return err
}
