package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Cursor is the per-workspace watermark of the last server change
// sequence successfully applied.
type Cursor struct {
	WorkspaceID          string
	LastAppliedServerSeq int64
	LastSyncAt           *time.Time
}

// GetCursor returns the sync cursor, or nil if the workspace is not
// linked to a server.
func (s *Store) GetCursor() (*Cursor, error) {
	var c Cursor
	var lastSync sql.NullTime
	err := s.conn.QueryRow(`
		SELECT workspace_id, last_applied_server_seq, last_sync_at FROM sync_cursor LIMIT 1`,
	).Scan(&c.WorkspaceID, &c.LastAppliedServerSeq, &lastSync)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	if lastSync.Valid {
		c.LastSyncAt = &lastSync.Time
	}
	return &c, nil
}

// LinkWorkspace initializes the cursor for a server workspace (seq 0).
func (s *Store) LinkWorkspace(workspaceID string) error {
	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(`
			INSERT OR REPLACE INTO sync_cursor (workspace_id, last_applied_server_seq) VALUES (?, 0)`,
			workspaceID)
		return err
	})
}

// UnlinkWorkspace removes the cursor.
func (s *Store) UnlinkWorkspace() error {
	return s.withWriteLock(func() error {
		_, err := s.conn.Exec(`DELETE FROM sync_cursor`)
		return err
	})
}

// AdvanceCursorTx moves the watermark forward inside the batch-apply
// transaction, so the cursor can never run ahead of applied data.
func AdvanceCursorTx(tx *sql.Tx, seq int64) error {
	_, err := tx.Exec(`
		UPDATE sync_cursor SET last_applied_server_seq = ?, last_sync_at = CURRENT_TIMESTAMP
		WHERE last_applied_server_seq < ?`, seq, seq)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}
