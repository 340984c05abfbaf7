package syncharness

import (
	"testing"
)

func TestRemoteDeleteBeatsLocalEdit(t *testing.T) {
	h := NewHarness(t, "alice", "bob")

	h.Mutate("alice", "create", "issues", "is_del1", nil, map[string]any{
		"title": "obsolete", "status": "open",
	})
	h.Sync("alice")
	h.Sync("bob")

	h.Mutate("alice", "delete", "issues", "is_del1", nil, nil)
	h.Sync("alice")

	// bob edits against the base the delete already removed.
	h.Mutate("bob", "update", "issues", "is_del1", []string{"title"}, map[string]any{
		"title": "still relevant",
	})
	rep := h.Sync("bob")
	if rep.Parked != 1 {
		t.Fatalf("edit-after-delete should park, got %+v", rep)
	}

	e := h.Entity("bob", "is_del1")
	if e == nil || !e.Deleted {
		t.Fatalf("delete should win on bob: %+v", e)
	}

	cs := h.Conflicts("bob")
	if len(cs) != 1 || cs[0].Kind != "edit-after-delete" {
		t.Fatalf("expected one edit-after-delete conflict, got %+v", cs)
	}
	// Terminal: the lost edit can only be dismissed, never replayed.
	if err := h.Clients["bob"].Store.ResolveConflict("is_del1", cs[0].LocalPayload); err == nil {
		t.Fatal("resolving an edit-after-delete should be refused")
	}
	if err := h.Clients["bob"].Store.DismissConflict("is_del1"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}

	// The tombstone must not resurrect on later cycles.
	h.Sync("bob")
	h.Sync("alice")
	if e := h.Entity("alice", "is_del1"); e == nil || !e.Deleted {
		t.Fatalf("tombstone resurrected on alice: %+v", e)
	}
	h.AssertConverged("is_del1")
}

func TestLocalDeleteRidesOverRemoteEdit(t *testing.T) {
	h := NewHarness(t, "alice", "bob")

	h.Mutate("alice", "create", "issues", "is_del2", nil, map[string]any{
		"title": "short lived", "status": "open",
	})
	h.Sync("alice")
	h.Sync("bob")

	h.Mutate("alice", "update", "issues", "is_del2", []string{"status"}, map[string]any{
		"status": "in_progress",
	})
	h.Sync("alice")

	// bob's delete is rebased on top of alice's edit and still lands.
	h.Mutate("bob", "delete", "issues", "is_del2", nil, nil)
	rep := h.Sync("bob")
	if rep.Requeued != 1 {
		t.Fatalf("delete should rebase onto the remote edit, got %+v", rep)
	}

	h.Sync("alice")
	e := h.Entity("alice", "is_del2")
	if e == nil || !e.Deleted {
		t.Fatalf("rebased delete should reach alice: %+v", e)
	}
	h.AssertConverged("is_del2")
}

func TestConcurrentDeletesAreIdempotent(t *testing.T) {
	h := NewHarness(t, "alice", "bob")

	h.Mutate("alice", "create", "issues", "is_del3", nil, map[string]any{
		"title": "doomed twice", "status": "open",
	})
	h.Sync("alice")
	h.Sync("bob")

	h.Mutate("alice", "delete", "issues", "is_del3", nil, nil)
	h.Mutate("bob", "delete", "issues", "is_del3", nil, nil)
	h.Sync("alice")
	h.Sync("bob")
	h.Sync("alice")

	h.AssertConverged("is_del3")
	if n := len(h.Conflicts("bob")); n != 0 {
		t.Fatalf("matching deletes should not conflict, found %d", n)
	}
}
