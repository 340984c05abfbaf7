package serverdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mhartmann/aiw/internal/models"
)

// Push verdict status values.
const (
	StatusAccepted  = "accepted"
	StatusConflict  = "conflict"
	StatusDuplicate = "duplicate"
)

// IncomingChange is one change submitted by a client push.
type IncomingChange struct {
	ChangeID        int64
	EntityID        string
	EntityType      string
	Operation       string
	BaseVersion     int64
	FieldMask       []string
	PayloadDelta    json.RawMessage
	ClientTimestamp time.Time
}

// PushVerdict is the per-change outcome of a push. On conflict it
// carries the authoritative current state so the client can resolve
// without an extra round trip.
type PushVerdict struct {
	ChangeID       int64
	Status         string
	ServerSeq      int64
	NewVersion     int64
	CurrentVersion int64
	CurrentPayload json.RawMessage
	CurrentDeleted bool
}

// ChangeRecord is one accepted change read back from the log.
type ChangeRecord struct {
	ServerSeq       int64
	ClientID        string
	ChangeID        int64
	EntityID        string
	EntityType      string
	Operation       string
	NewVersion      int64
	FieldMask       []string
	PayloadDelta    json.RawMessage
	ClientTimestamp time.Time
	ServerTimestamp time.Time
}

// ApplyPush validates and applies a client's change batch in one
// transaction. Each change is version-checked against the entity's
// current state: the base version must equal the current version, and a
// tombstoned entity accepts nothing but another delete. Replays are
// answered with the original acknowledgment, never re-applied.
func (db *ServerDB) ApplyPush(workspaceID, clientID string, changes []IncomingChange) ([]PushVerdict, error) {
	if clientID == "" {
		return nil, fmt.Errorf("empty client_id")
	}
	for _, ch := range changes {
		if ch.EntityID == "" {
			return nil, fmt.Errorf("change %d: empty entity_id", ch.ChangeID)
		}
		if !models.ValidEntityType(ch.EntityType) {
			return nil, fmt.Errorf("change %d: unknown entity type %q", ch.ChangeID, ch.EntityType)
		}
		switch ch.Operation {
		case "create", "update", "delete":
		default:
			return nil, fmt.Errorf("change %d: unknown operation %q", ch.ChangeID, ch.Operation)
		}
		if ch.BaseVersion < 0 {
			return nil, fmt.Errorf("change %d: negative base version", ch.ChangeID)
		}
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin push tx: %w", err)
	}
	defer tx.Rollback()

	verdicts := make([]PushVerdict, 0, len(changes))
	for _, ch := range changes {
		v, err := applyOne(tx, workspaceID, clientID, ch)
		if err != nil {
			return nil, err
		}
		verdicts = append(verdicts, v)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit push tx: %w", err)
	}
	return verdicts, nil
}

func applyOne(tx *sql.Tx, workspaceID, clientID string, ch IncomingChange) (PushVerdict, error) {
	// Replay detection first, so retried batches are harmless.
	var priorSeq, priorVersion int64
	err := tx.QueryRow(
		`SELECT server_seq, new_version FROM change_log WHERE workspace_id = ? AND client_id = ? AND change_id = ?`,
		workspaceID, clientID, ch.ChangeID,
	).Scan(&priorSeq, &priorVersion)
	if err == nil {
		slog.Debug("duplicate change", "client_id", clientID, "change_id", ch.ChangeID, "seq", priorSeq)
		return PushVerdict{ChangeID: ch.ChangeID, Status: StatusDuplicate, ServerSeq: priorSeq, NewVersion: priorVersion}, nil
	}
	if err != sql.ErrNoRows {
		return PushVerdict{}, fmt.Errorf("duplicate lookup change %d: %w", ch.ChangeID, err)
	}

	var curVersion int64
	var curPayload sql.NullString
	var curDeleted int
	exists := true
	err = tx.QueryRow(
		`SELECT version, payload, deleted FROM entity_versions WHERE workspace_id = ? AND entity_id = ?`,
		workspaceID, ch.EntityID,
	).Scan(&curVersion, &curPayload, &curDeleted)
	if err == sql.ErrNoRows {
		exists = false
	} else if err != nil {
		return PushVerdict{}, fmt.Errorf("read entity %s: %w", ch.EntityID, err)
	}

	conflict := func() PushVerdict {
		v := PushVerdict{
			ChangeID:       ch.ChangeID,
			Status:         StatusConflict,
			CurrentVersion: curVersion,
			CurrentDeleted: curDeleted != 0,
		}
		if curPayload.Valid {
			v.CurrentPayload = json.RawMessage(curPayload.String)
		}
		return v
	}

	switch {
	case ch.Operation == "create" && exists && curDeleted == 0:
		return conflict(), nil
	case ch.Operation != "create" && !exists:
		return conflict(), nil
	case curDeleted != 0 && ch.Operation != "delete":
		// Edit after delete: the tombstone wins unconditionally.
		return conflict(), nil
	case ch.BaseVersion != curVersion:
		return conflict(), nil
	}

	next := curVersion + 1
	switch ch.Operation {
	case "create":
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO entity_versions (workspace_id, entity_id, entity_type, version, payload, deleted, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP)`,
			workspaceID, ch.EntityID, ch.EntityType, next, string(ch.PayloadDelta))
	case "update":
		var base json.RawMessage
		if curPayload.Valid {
			base = json.RawMessage(curPayload.String)
		}
		var merged json.RawMessage
		merged, err = mergeJSON(base, ch.PayloadDelta)
		if err != nil {
			return PushVerdict{}, fmt.Errorf("merge entity %s: %w", ch.EntityID, err)
		}
		_, err = tx.Exec(`
			UPDATE entity_versions SET version = ?, payload = ?, updated_at = CURRENT_TIMESTAMP
			WHERE workspace_id = ? AND entity_id = ?`,
			next, string(merged), workspaceID, ch.EntityID)
	case "delete":
		_, err = tx.Exec(`
			UPDATE entity_versions SET version = ?, payload = NULL, deleted = 1, updated_at = CURRENT_TIMESTAMP
			WHERE workspace_id = ? AND entity_id = ?`,
			next, workspaceID, ch.EntityID)
	}
	if err != nil {
		return PushVerdict{}, fmt.Errorf("apply change %d to %s: %w", ch.ChangeID, ch.EntityID, err)
	}

	var maskVal, deltaVal any
	if len(ch.FieldMask) > 0 {
		maskVal = strings.Join(ch.FieldMask, ",")
	}
	if ch.PayloadDelta != nil {
		deltaVal = string(ch.PayloadDelta)
	}
	res, err := tx.Exec(`
		INSERT INTO change_log (workspace_id, client_id, change_id, entity_id, entity_type, operation, new_version, field_mask, payload_delta, client_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		workspaceID, clientID, ch.ChangeID, ch.EntityID, ch.EntityType, ch.Operation,
		next, maskVal, deltaVal, ch.ClientTimestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return PushVerdict{}, fmt.Errorf("log change %d: %w", ch.ChangeID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return PushVerdict{}, fmt.Errorf("change %d seq: %w", ch.ChangeID, err)
	}

	slog.Debug("change accepted", "seq", seq, "entity_id", ch.EntityID, "version", next)
	return PushVerdict{ChangeID: ch.ChangeID, Status: StatusAccepted, ServerSeq: seq, NewVersion: next}, nil
}

// GetChangesSince returns log entries after the given sequence, in
// order, plus whether more remain.
func (db *ServerDB) GetChangesSince(workspaceID string, afterSeq int64, limit int) ([]ChangeRecord, bool, error) {
	rows, err := db.conn.Query(`
		SELECT server_seq, client_id, change_id, entity_id, entity_type, operation, new_version, field_mask, payload_delta, client_timestamp, server_timestamp
		FROM change_log WHERE workspace_id = ? AND server_seq > ?
		ORDER BY server_seq ASC LIMIT ?`,
		workspaceID, afterSeq, limit)
	if err != nil {
		return nil, false, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		var r ChangeRecord
		var mask, delta sql.NullString
		var clientTS, serverTS string
		if err := rows.Scan(&r.ServerSeq, &r.ClientID, &r.ChangeID, &r.EntityID, &r.EntityType,
			&r.Operation, &r.NewVersion, &mask, &delta, &clientTS, &serverTS); err != nil {
			return nil, false, fmt.Errorf("scan change: %w", err)
		}
		if mask.Valid && mask.String != "" {
			r.FieldMask = strings.Split(mask.String, ",")
		}
		if delta.Valid {
			r.PayloadDelta = json.RawMessage(delta.String)
		}
		if r.ClientTimestamp, err = parseTimestamp(clientTS); err != nil {
			return nil, false, fmt.Errorf("parse timestamp seq=%d: %w", r.ServerSeq, err)
		}
		if r.ServerTimestamp, err = parseTimestamp(serverTS); err != nil {
			return nil, false, fmt.Errorf("parse timestamp seq=%d: %w", r.ServerSeq, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("rows iteration: %w", err)
	}

	return out, len(out) == limit, nil
}

// LogStatus summarizes a workspace's change log.
type LogStatus struct {
	ChangeCount    int64
	LastServerSeq  int64
	LastChangeTime string
}

// Status returns log statistics for a workspace.
func (db *ServerDB) Status(workspaceID string) (*LogStatus, error) {
	var st LogStatus
	var lastTime sql.NullString
	err := db.conn.QueryRow(`
		SELECT COUNT(*), COALESCE(MAX(server_seq), 0), MAX(server_timestamp)
		FROM change_log WHERE workspace_id = ?`, workspaceID,
	).Scan(&st.ChangeCount, &st.LastServerSeq, &lastTime)
	if err != nil {
		return nil, fmt.Errorf("log status: %w", err)
	}
	if lastTime.Valid {
		st.LastChangeTime = lastTime.String
	}
	return &st, nil
}

// mergeJSON applies delta's top-level fields over base.
func mergeJSON(base, delta json.RawMessage) (json.RawMessage, error) {
	if len(base) == 0 {
		return delta, nil
	}
	if len(delta) == 0 {
		return base, nil
	}
	var bm, dm map[string]any
	if err := json.Unmarshal(base, &bm); err != nil {
		return nil, fmt.Errorf("unmarshal base: %w", err)
	}
	if err := json.Unmarshal(delta, &dm); err != nil {
		return nil, fmt.Errorf("unmarshal delta: %w", err)
	}
	for k, v := range dm {
		bm[k] = v
	}
	return json.Marshal(bm)
}

// parseTimestamp tries common SQLite timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
