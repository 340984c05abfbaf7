package sync

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/mhartmann/aiw/internal/store"
)

const testClientSchema = `
CREATE TABLE entities (
	entity_id   TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 0,
	payload     JSON,
	deleted     INTEGER NOT NULL DEFAULT 0,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE outbox (
	change_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id     TEXT NOT NULL,
	entity_type   TEXT NOT NULL,
	operation     TEXT NOT NULL,
	base_version  INTEGER NOT NULL,
	field_mask    TEXT,
	payload_delta JSON,
	acked         INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE sync_cursor (
	workspace_id             TEXT PRIMARY KEY,
	last_applied_server_seq  INTEGER NOT NULL DEFAULT 0,
	last_sync_at             DATETIME
);
CREATE TABLE parked_conflicts (
	entity_id      TEXT PRIMARY KEY,
	entity_type    TEXT NOT NULL,
	kind           TEXT NOT NULL,
	local_payload  JSON,
	remote_payload JSON,
	base_version   INTEGER NOT NULL,
	remote_version INTEGER NOT NULL,
	parked_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE sync_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	direction   TEXT NOT NULL,
	operation   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	server_seq  INTEGER,
	client_id   TEXT,
	timestamp   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(testClientSchema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO sync_cursor (workspace_id, last_applied_server_seq) VALUES ('ws1', 0)`); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	return db
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func applyAll(t *testing.T, db *sql.DB, changes []RemoteChange) ApplyResult {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	res, err := ApplyBatch(tx, changes, testLog())
	if err != nil {
		tx.Rollback()
		t.Fatalf("apply batch: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return res
}

func seedEntity(t *testing.T, db *sql.DB, id, typ string, version int64, payload string) {
	t.Helper()
	if err := store.PutTx(db, &store.Entity{
		EntityID: id, EntityType: typ, Version: version,
		Payload: json.RawMessage(payload),
	}); err != nil {
		t.Fatalf("seed entity: %v", err)
	}
}

func seedPending(t *testing.T, db *sql.DB, id, typ, op string, base int64, mask, delta string) {
	t.Helper()
	var maskVal, deltaVal any
	if mask != "" {
		maskVal = mask
	}
	if delta != "" {
		deltaVal = delta
	}
	_, err := db.Exec(`
		INSERT INTO outbox (entity_id, entity_type, operation, base_version, field_mask, payload_delta)
		VALUES (?, ?, ?, ?, ?, ?)`, id, typ, op, base, maskVal, deltaVal)
	if err != nil {
		t.Fatalf("seed outbox: %v", err)
	}
}

func cursorSeq(t *testing.T, db *sql.DB) int64 {
	t.Helper()
	var seq int64
	if err := db.QueryRow(`SELECT last_applied_server_seq FROM sync_cursor`).Scan(&seq); err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	return seq
}

func TestApplyBatchCreateThenUpdate(t *testing.T) {
	db := testDB(t)
	res := applyAll(t, db, []RemoteChange{
		{ServerSeq: 1, EntityID: "i1", EntityType: "issues", Operation: "create", NewVersion: 1,
			PayloadDelta: json.RawMessage(`{"title":"first","status":"open"}`)},
		{ServerSeq: 2, EntityID: "i1", EntityType: "issues", Operation: "update", NewVersion: 2,
			FieldMask: []string{"status"}, PayloadDelta: json.RawMessage(`{"status":"closed"}`)},
	})
	if res.Applied != 2 || res.Skipped != 0 {
		t.Fatalf("result = %+v", res)
	}

	e, err := store.GetTx(db, "i1")
	if err != nil || e == nil {
		t.Fatalf("get entity: %v %v", e, err)
	}
	if e.Version != 2 {
		t.Errorf("version = %d, want 2", e.Version)
	}
	var p map[string]string
	json.Unmarshal(e.Payload, &p)
	if p["title"] != "first" || p["status"] != "closed" {
		t.Errorf("payload = %v, want update merged over create", p)
	}
	if got := cursorSeq(t, db); got != 2 {
		t.Errorf("cursor = %d, want 2", got)
	}
}

func TestApplyBatchReplayIsIdempotent(t *testing.T) {
	db := testDB(t)
	batch := []RemoteChange{
		{ServerSeq: 1, EntityID: "i1", EntityType: "issues", Operation: "create", NewVersion: 1,
			PayloadDelta: json.RawMessage(`{"title":"x"}`)},
		{ServerSeq: 2, EntityID: "i1", EntityType: "issues", Operation: "update", NewVersion: 2,
			FieldMask: []string{"title"}, PayloadDelta: json.RawMessage(`{"title":"y"}`)},
	}
	applyAll(t, db, batch)
	res := applyAll(t, db, batch)
	if res.Applied != 0 || res.Skipped != 2 {
		t.Fatalf("replay result = %+v, want all skipped", res)
	}
}

func TestApplyBatchGapDetected(t *testing.T) {
	db := testDB(t)
	seedEntity(t, db, "i1", "issues", 1, `{"title":"x"}`)

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	_, err = ApplyBatch(tx, []RemoteChange{
		{ServerSeq: 9, EntityID: "i1", EntityType: "issues", Operation: "update", NewVersion: 3,
			FieldMask: []string{"title"}, PayloadDelta: json.RawMessage(`{"title":"z"}`)},
	}, testLog())
	if !errors.Is(err, ErrGapDetected) {
		t.Fatalf("err = %v, want gap", err)
	}
}

func TestApplyBatchUnknownEntityMidStreamIsGap(t *testing.T) {
	db := testDB(t)
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	_, err = ApplyBatch(tx, []RemoteChange{
		{ServerSeq: 5, EntityID: "ghost", EntityType: "issues", Operation: "update", NewVersion: 4,
			FieldMask: []string{"title"}, PayloadDelta: json.RawMessage(`{"title":"z"}`)},
	}, testLog())
	if !errors.Is(err, ErrGapDetected) {
		t.Fatalf("err = %v, want gap", err)
	}
}

func TestApplyBatchTombstoneBlocksResurrection(t *testing.T) {
	db := testDB(t)
	applyAll(t, db, []RemoteChange{
		{ServerSeq: 1, EntityID: "i1", EntityType: "issues", Operation: "create", NewVersion: 1,
			PayloadDelta: json.RawMessage(`{"title":"x"}`)},
		{ServerSeq: 2, EntityID: "i1", EntityType: "issues", Operation: "delete", NewVersion: 2},
	})

	// A stale replica's edit arriving later must not bring it back.
	res := applyAll(t, db, []RemoteChange{
		{ServerSeq: 3, EntityID: "i1", EntityType: "issues", Operation: "update", NewVersion: 3,
			FieldMask: []string{"title"}, PayloadDelta: json.RawMessage(`{"title":"back"}`)},
	})
	if res.Skipped != 1 || res.Applied != 0 {
		t.Fatalf("result = %+v, want skip", res)
	}

	e, _ := store.GetTx(db, "i1")
	if e == nil || !e.Deleted {
		t.Fatalf("tombstone gone: %+v", e)
	}
	if e.Payload != nil {
		t.Errorf("tombstone retains payload: %s", e.Payload)
	}
}

func TestApplyBatchDeleteAppliesAcrossGap(t *testing.T) {
	db := testDB(t)
	seedEntity(t, db, "i1", "issues", 1, `{"title":"x"}`)

	res := applyAll(t, db, []RemoteChange{
		{ServerSeq: 7, EntityID: "i1", EntityType: "issues", Operation: "delete", NewVersion: 5},
	})
	if res.Applied != 1 {
		t.Fatalf("result = %+v", res)
	}
	e, _ := store.GetTx(db, "i1")
	if e == nil || !e.Deleted || e.Version != 5 {
		t.Fatalf("entity = %+v, want tombstone at v5", e)
	}
}

func TestApplyContestedLWWRequeuesLocal(t *testing.T) {
	db := testDB(t)
	seedEntity(t, db, "i1", "issues", 2, `{"title":"x","status":"open","priority":"P2"}`)
	seedPending(t, db, "i1", "issues", "update", 2, "priority", `{"priority":"P0"}`)

	res := applyAll(t, db, []RemoteChange{
		{ServerSeq: 4, EntityID: "i1", EntityType: "issues", Operation: "update", NewVersion: 3,
			FieldMask: []string{"status"}, PayloadDelta: json.RawMessage(`{"status":"closed"}`)},
	})
	if res.Conflicted != 1 || res.Requeued != 1 || res.Parked != 0 {
		t.Fatalf("result = %+v", res)
	}

	e, _ := store.GetTx(db, "i1")
	if e.Version != 3 {
		t.Errorf("version = %d, want 3", e.Version)
	}
	var p map[string]string
	json.Unmarshal(e.Payload, &p)
	if p["status"] != "closed" {
		t.Errorf("remote status should have landed: %v", p)
	}
	if p["priority"] != "P0" {
		t.Errorf("requeued local edit should stay applied locally: %v", p)
	}

	pending, err := store.PendingForEntity(db, "i1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d entries, want 1 rebased", len(pending))
	}
	if pending[0].BaseVersion != 3 {
		t.Errorf("rebased base = %d, want 3", pending[0].BaseVersion)
	}
	if string(pending[0].PayloadDelta) != `{"priority":"P0"}` {
		t.Errorf("rebased delta = %s", pending[0].PayloadDelta)
	}
}

func TestApplyContestedMergeableUnionsTags(t *testing.T) {
	db := testDB(t)
	seedEntity(t, db, "f1", "faq", 1, `{"key":"deploy","answer":"a","tags":["ops"]}`)
	seedPending(t, db, "f1", "faq", "update", 1, "tags", `{"tags":["ops","deploy"]}`)

	res := applyAll(t, db, []RemoteChange{
		{ServerSeq: 2, EntityID: "f1", EntityType: "faq", Operation: "update", NewVersion: 2,
			FieldMask: []string{"tags"}, PayloadDelta: json.RawMessage(`{"tags":["ops","oncall"]}`)},
	})
	if res.Conflicted != 1 || res.Requeued != 1 {
		t.Fatalf("result = %+v", res)
	}

	pending, _ := store.PendingForEntity(db, "f1")
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	var delta struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(pending[0].PayloadDelta, &delta); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got := map[string]bool{}
	for _, tag := range delta.Tags {
		got[tag] = true
	}
	if len(delta.Tags) != 3 || !got["ops"] || !got["deploy"] || !got["oncall"] {
		t.Errorf("tags = %v, want 3-way union", delta.Tags)
	}

	// The entity payload carries the union too, not just the outbox.
	e, _ := store.GetTx(db, "f1")
	var p struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(p.Tags) != 3 {
		t.Errorf("payload tags = %v, want 3-way union", p.Tags)
	}
}

func TestApplyContestedSameFieldKeepsRequeuedValue(t *testing.T) {
	db := testDB(t)
	seedEntity(t, db, "i1", "issues", 1, `{"title":"mine","status":"open"}`)
	seedPending(t, db, "i1", "issues", "update", 1, "title", `{"title":"mine"}`)

	res := applyAll(t, db, []RemoteChange{
		{ServerSeq: 2, EntityID: "i1", EntityType: "issues", Operation: "update", NewVersion: 2,
			FieldMask: []string{"title"}, PayloadDelta: json.RawMessage(`{"title":"theirs"}`)},
	})
	if res.Requeued != 1 {
		t.Fatalf("result = %+v", res)
	}

	// The local edit is sequenced after the remote one, so the local
	// view must already show it; accepting the requeued push only bumps
	// the version, and the echo pull skips it as already-applied.
	e, _ := store.GetTx(db, "i1")
	if e.Version != 2 {
		t.Errorf("version = %d, want 2", e.Version)
	}
	var p map[string]string
	json.Unmarshal(e.Payload, &p)
	if p["title"] != "mine" {
		t.Errorf("title = %q, want requeued local value", p["title"])
	}
}

func TestApplyContestedManualParks(t *testing.T) {
	db := testDB(t)
	seedEntity(t, db, "p1", "projects", 1, `{"name":"aiw","description":"old"}`)
	seedPending(t, db, "p1", "projects", "update", 1, "description", `{"description":"mine"}`)

	res := applyAll(t, db, []RemoteChange{
		{ServerSeq: 3, EntityID: "p1", EntityType: "projects", Operation: "update", NewVersion: 2,
			FieldMask: []string{"description"}, PayloadDelta: json.RawMessage(`{"description":"theirs"}`)},
	})
	if res.Parked != 1 {
		t.Fatalf("result = %+v, want parked", res)
	}

	// Remote side landed, local pending suspended.
	e, _ := store.GetTx(db, "p1")
	var p map[string]string
	json.Unmarshal(e.Payload, &p)
	if p["description"] != "theirs" {
		t.Errorf("payload = %v", p)
	}
	pending, _ := store.PendingForEntity(db, "p1")
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0 while parked", len(pending))
	}

	var kind string
	var local, remote string
	err := db.QueryRow(`SELECT kind, local_payload, remote_payload FROM parked_conflicts WHERE entity_id = 'p1'`).
		Scan(&kind, &local, &remote)
	if err != nil {
		t.Fatalf("parked row: %v", err)
	}
	if kind != "concurrent-edit" {
		t.Errorf("kind = %q", kind)
	}
	var lp map[string]string
	json.Unmarshal([]byte(local), &lp)
	if lp["description"] != "mine" {
		t.Errorf("local side = %v, want the unpushed edit", lp)
	}
}

func TestApplyEditAfterDeleteParksTerminally(t *testing.T) {
	db := testDB(t)
	seedEntity(t, db, "i1", "issues", 2, `{"title":"x"}`)
	seedPending(t, db, "i1", "issues", "update", 2, "title", `{"title":"late"}`)

	res := applyAll(t, db, []RemoteChange{
		{ServerSeq: 5, EntityID: "i1", EntityType: "issues", Operation: "delete", NewVersion: 3},
	})
	if res.Parked != 1 {
		t.Fatalf("result = %+v", res)
	}

	e, _ := store.GetTx(db, "i1")
	if !e.Deleted || e.Version != 3 {
		t.Fatalf("entity = %+v, want tombstone at v3", e)
	}
	pending, _ := store.PendingForEntity(db, "i1")
	if len(pending) != 0 {
		t.Errorf("the late edit must never push")
	}

	var kind string
	if err := db.QueryRow(`SELECT kind FROM parked_conflicts WHERE entity_id = 'i1'`).Scan(&kind); err != nil {
		t.Fatalf("parked row: %v", err)
	}
	if kind != "edit-after-delete" {
		t.Errorf("kind = %q", kind)
	}
}

func TestApplyLocalDeleteRidesOverRemoteEdit(t *testing.T) {
	db := testDB(t)
	seedEntity(t, db, "i1", "issues", 1, `{"title":"x"}`)
	if _, err := db.Exec(`UPDATE entities SET deleted = 1, payload = NULL WHERE entity_id = 'i1'`); err != nil {
		t.Fatal(err)
	}
	seedPending(t, db, "i1", "issues", "delete", 1, "", "")

	res := applyAll(t, db, []RemoteChange{
		{ServerSeq: 3, EntityID: "i1", EntityType: "issues", Operation: "update", NewVersion: 2,
			FieldMask: []string{"status"}, PayloadDelta: json.RawMessage(`{"status":"closed"}`)},
	})
	if res.Conflicted != 1 || res.Requeued != 1 || res.Parked != 0 {
		t.Fatalf("result = %+v", res)
	}

	pending, _ := store.PendingForEntity(db, "i1")
	if len(pending) != 1 || pending[0].Operation != "delete" {
		t.Fatalf("pending = %+v, want rebased delete", pending)
	}
	if pending[0].BaseVersion != 2 {
		t.Errorf("delete base = %d, want 2", pending[0].BaseVersion)
	}
}
