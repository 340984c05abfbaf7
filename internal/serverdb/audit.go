package serverdb

import (
	"fmt"
	"time"
)

// AuditEntry is one accounting row for a sync request.
type AuditEntry struct {
	ID          int64
	WorkspaceID string
	ClientID    string
	Action      string // "push" or "pull"
	Accepted    int
	Conflicted  int
	Duplicate   int
	RemoteAddr  string
	CreatedAt   time.Time
}

// RecordAudit writes one audit row. Failures are the caller's to log;
// auditing never blocks the sync path.
func (db *ServerDB) RecordAudit(e *AuditEntry) error {
	_, err := db.conn.Exec(`
		INSERT INTO audit_log (workspace_id, client_id, action, accepted, conflicted, duplicate, remote_addr)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.WorkspaceID, e.ClientID, e.Action, e.Accepted, e.Conflicted, e.Duplicate, e.RemoteAddr)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit rows for a workspace.
func (db *ServerDB) ListAudit(workspaceID string, limit int) ([]AuditEntry, error) {
	rows, err := db.conn.Query(`
		SELECT id, workspace_id, client_id, action, accepted, conflicted, duplicate, remote_addr, created_at
		FROM audit_log WHERE workspace_id = ?
		ORDER BY id DESC LIMIT ?`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.ClientID, &e.Action,
			&e.Accepted, &e.Conflicted, &e.Duplicate, &e.RemoteAddr, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if e.CreatedAt, err = parseTimestamp(ts); err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
