package serverdb

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *ServerDB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestWorkspace(t *testing.T, db *ServerDB) string {
	t.Helper()
	w, err := db.CreateWorkspace("test", "")
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	return w.ID
}

func change(id int64, entityID, op string, base int64, delta string) IncomingChange {
	ch := IncomingChange{
		ChangeID:        id,
		EntityID:        entityID,
		EntityType:      "issues",
		Operation:       op,
		BaseVersion:     base,
		ClientTimestamp: time.Now().UTC(),
	}
	if delta != "" {
		ch.PayloadDelta = json.RawMessage(delta)
	}
	return ch
}

func TestApplyPushAcceptsAndVersions(t *testing.T) {
	db := newTestDB(t)
	ws := newTestWorkspace(t, db)

	verdicts, err := db.ApplyPush(ws, "client-a", []IncomingChange{
		change(1, "i1", "create", 0, `{"title":"x","status":"open"}`),
		change(2, "i1", "update", 1, `{"status":"closed"}`),
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(verdicts) != 2 {
		t.Fatalf("verdicts = %d", len(verdicts))
	}
	for i, v := range verdicts {
		if v.Status != StatusAccepted {
			t.Fatalf("verdict %d = %+v", i, v)
		}
	}
	if verdicts[0].NewVersion != 1 || verdicts[1].NewVersion != 2 {
		t.Errorf("versions = %d %d, want 1 2", verdicts[0].NewVersion, verdicts[1].NewVersion)
	}
	if verdicts[1].ServerSeq != verdicts[0].ServerSeq+1 {
		t.Errorf("seqs not dense: %d %d", verdicts[0].ServerSeq, verdicts[1].ServerSeq)
	}
}

func TestApplyPushStaleBaseConflicts(t *testing.T) {
	db := newTestDB(t)
	ws := newTestWorkspace(t, db)

	db.ApplyPush(ws, "client-a", []IncomingChange{
		change(1, "i1", "create", 0, `{"title":"x","status":"open"}`),
		change(2, "i1", "update", 1, `{"status":"closed"}`),
	})

	// Another client pushing against v1 must be rejected with the
	// authoritative current state, not silently merged.
	verdicts, err := db.ApplyPush(ws, "client-b", []IncomingChange{
		change(1, "i1", "update", 1, `{"priority":"P0"}`),
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	v := verdicts[0]
	if v.Status != StatusConflict {
		t.Fatalf("verdict = %+v, want conflict", v)
	}
	if v.CurrentVersion != 2 {
		t.Errorf("current version = %d, want 2", v.CurrentVersion)
	}
	var payload map[string]string
	json.Unmarshal(v.CurrentPayload, &payload)
	if payload["status"] != "closed" {
		t.Errorf("current payload = %v", payload)
	}

	// The rejected change must not have entered the log.
	changes, _, _ := db.GetChangesSince(ws, 0, 10)
	if len(changes) != 2 {
		t.Errorf("log has %d entries, want 2", len(changes))
	}
}

func TestApplyPushDuplicateReplay(t *testing.T) {
	db := newTestDB(t)
	ws := newTestWorkspace(t, db)

	batch := []IncomingChange{change(1, "i1", "create", 0, `{"title":"x"}`)}
	first, err := db.ApplyPush(ws, "client-a", batch)
	if err != nil {
		t.Fatal(err)
	}
	second, err := db.ApplyPush(ws, "client-a", batch)
	if err != nil {
		t.Fatal(err)
	}
	if second[0].Status != StatusDuplicate {
		t.Fatalf("replay verdict = %+v", second[0])
	}
	if second[0].ServerSeq != first[0].ServerSeq || second[0].NewVersion != first[0].NewVersion {
		t.Errorf("replay ack differs: %+v vs %+v", second[0], first[0])
	}

	// Same change ID from a different client is a distinct change.
	other, err := db.ApplyPush(ws, "client-b", []IncomingChange{change(1, "i2", "create", 0, `{"title":"y"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if other[0].Status != StatusAccepted {
		t.Errorf("other client verdict = %+v", other[0])
	}
}

func TestApplyPushTombstoneRejectsEdits(t *testing.T) {
	db := newTestDB(t)
	ws := newTestWorkspace(t, db)

	db.ApplyPush(ws, "client-a", []IncomingChange{
		change(1, "i1", "create", 0, `{"title":"x"}`),
		change(2, "i1", "delete", 1, ""),
	})

	// Even a correctly-based edit loses to the tombstone.
	verdicts, err := db.ApplyPush(ws, "client-b", []IncomingChange{
		change(1, "i1", "update", 2, `{"title":"resurrect"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if verdicts[0].Status != StatusConflict || !verdicts[0].CurrentDeleted {
		t.Fatalf("verdict = %+v, want deleted conflict", verdicts[0])
	}
}

func TestApplyPushCreateCollision(t *testing.T) {
	db := newTestDB(t)
	ws := newTestWorkspace(t, db)

	db.ApplyPush(ws, "client-a", []IncomingChange{change(1, "i1", "create", 0, `{"title":"x"}`)})
	verdicts, err := db.ApplyPush(ws, "client-b", []IncomingChange{change(1, "i1", "create", 0, `{"title":"y"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if verdicts[0].Status != StatusConflict || verdicts[0].CurrentVersion != 1 {
		t.Fatalf("verdict = %+v", verdicts[0])
	}
}

func TestApplyPushValidation(t *testing.T) {
	db := newTestDB(t)
	ws := newTestWorkspace(t, db)

	cases := []IncomingChange{
		change(1, "", "create", 0, `{}`),
		{ChangeID: 2, EntityID: "x1", EntityType: "widgets", Operation: "create"},
		{ChangeID: 3, EntityID: "x1", EntityType: "issues", Operation: "upsert"},
	}
	for i, bad := range cases {
		if _, err := db.ApplyPush(ws, "client-a", []IncomingChange{bad}); err == nil {
			t.Errorf("case %d: want validation error", i)
		}
	}
	if _, err := db.ApplyPush(ws, "", []IncomingChange{change(1, "i1", "create", 0, `{}`)}); err == nil {
		t.Error("want error for empty client_id")
	}
}

func TestGetChangesSincePages(t *testing.T) {
	db := newTestDB(t)
	ws := newTestWorkspace(t, db)

	var batch []IncomingChange
	batch = append(batch, change(1, "i1", "create", 0, `{"title":"a"}`))
	for i := int64(2); i <= 5; i++ {
		batch = append(batch, change(i, "i1", "update", i-1, `{"title":"b"}`))
	}
	if _, err := db.ApplyPush(ws, "client-a", batch); err != nil {
		t.Fatal(err)
	}

	page, hasMore, err := db.GetChangesSince(ws, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 || !hasMore {
		t.Fatalf("page = %d hasMore = %v", len(page), hasMore)
	}
	rest, hasMore, err := db.GetChangesSince(ws, page[2].ServerSeq, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Fatalf("rest = %d", len(rest))
	}
	if rest[0].ServerSeq != page[2].ServerSeq+1 {
		t.Errorf("paging skipped a seq")
	}
}

func TestChangesAreWorkspaceScoped(t *testing.T) {
	db := newTestDB(t)
	wsA := newTestWorkspace(t, db)
	wsB := newTestWorkspace(t, db)

	db.ApplyPush(wsA, "client-a", []IncomingChange{change(1, "i1", "create", 0, `{"title":"a"}`)})
	db.ApplyPush(wsB, "client-a", []IncomingChange{change(1, "i2", "create", 0, `{"title":"b"}`)})

	changes, _, err := db.GetChangesSince(wsA, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].EntityID != "i1" {
		t.Fatalf("workspace A sees %+v", changes)
	}
}

func TestStatus(t *testing.T) {
	db := newTestDB(t)
	ws := newTestWorkspace(t, db)

	st, err := db.Status(ws)
	if err != nil {
		t.Fatal(err)
	}
	if st.ChangeCount != 0 || st.LastServerSeq != 0 {
		t.Fatalf("empty status = %+v", st)
	}

	db.ApplyPush(ws, "client-a", []IncomingChange{change(1, "i1", "create", 0, `{"title":"a"}`)})
	st, err = db.Status(ws)
	if err != nil {
		t.Fatal(err)
	}
	if st.ChangeCount != 1 || st.LastServerSeq == 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	db := newTestDB(t)
	ws := newTestWorkspace(t, db)

	plaintext, ak, err := db.GenerateAPIKey(ws, "laptop", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(plaintext, "aiw_live_") {
		t.Errorf("key prefix: %s", plaintext[:12])
	}

	got, err := db.VerifyAPIKey(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.WorkspaceID != ws {
		t.Fatalf("verify = %+v", got)
	}

	if got, _ := db.VerifyAPIKey("aiw_live_bogus"); got != nil {
		t.Error("bogus key verified")
	}

	expired := time.Now().UTC().Add(-time.Hour)
	plainExp, _, err := db.GenerateAPIKey(ws, "old", &expired)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := db.VerifyAPIKey(plainExp); got != nil {
		t.Error("expired key verified")
	}

	if err := db.RevokeAPIKey(ak.ID, ws); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.VerifyAPIKey(plaintext); got != nil {
		t.Error("revoked key verified")
	}
}
