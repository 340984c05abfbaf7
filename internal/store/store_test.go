package store

import (
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitialize(t *testing.T) {
	dir := t.TempDir()

	s, err := Initialize(dir)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer s.Close()

	dbPath := filepath.Join(dir, dbFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file not created")
	}
}

func TestOpenRequiresInit(t *testing.T) {
	_, err := Open(t.TempDir())
	if err == nil {
		t.Fatal("expected error opening uninitialized workspace")
	}
}

func TestCursorLifecycle(t *testing.T) {
	s := newTestStore(t)

	cur, err := s.GetCursor()
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if cur != nil {
		t.Fatalf("expected nil cursor before linking, got %+v", cur)
	}

	if err := s.LinkWorkspace("ws_abc"); err != nil {
		t.Fatalf("LinkWorkspace failed: %v", err)
	}
	cur, err = s.GetCursor()
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if cur == nil || cur.WorkspaceID != "ws_abc" || cur.LastAppliedServerSeq != 0 {
		t.Fatalf("unexpected cursor: %+v", cur)
	}

	if err := s.UnlinkWorkspace(); err != nil {
		t.Fatalf("UnlinkWorkspace failed: %v", err)
	}
	cur, err = s.GetCursor()
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if cur != nil {
		t.Fatal("expected nil cursor after unlink")
	}
}

func TestAdvanceCursorIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	if err := s.LinkWorkspace("ws_abc"); err != nil {
		t.Fatalf("LinkWorkspace failed: %v", err)
	}

	advance := func(seq int64) {
		t.Helper()
		tx, err := s.conn.Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := AdvanceCursorTx(tx, seq); err != nil {
			t.Fatalf("AdvanceCursorTx(%d) failed: %v", seq, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	advance(5)
	advance(3) // stale, must not move the cursor backwards

	cur, err := s.GetCursor()
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if cur.LastAppliedServerSeq != 5 {
		t.Fatalf("expected cursor at 5, got %d", cur.LastAppliedServerSeq)
	}
}
