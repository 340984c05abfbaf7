package syncharness

import (
	"testing"
)

func TestFaqDisjointFieldEditsMerge(t *testing.T) {
	h := NewHarness(t, "alice", "bob")

	h.Mutate("alice", "create", "faq", "fq_merge1", nil, map[string]any{
		"key": "deploy", "category": "misc", "question": "How do we deploy?", "answer": "Carefully.",
	})
	h.Sync("alice")
	h.Sync("bob")

	// Concurrent edits to different fields, alice lands first.
	h.Mutate("alice", "update", "faq", "fq_merge1", []string{"category"}, map[string]any{
		"category": "ops",
	})
	h.Sync("alice")

	h.Mutate("bob", "update", "faq", "fq_merge1", []string{"answer"}, map[string]any{
		"answer": "With the deploy script.",
	})
	rep := h.Sync("bob")
	if rep.Requeued != 1 {
		t.Fatalf("bob's edit should be requeued on top of alice's, got %+v", rep)
	}

	h.Sync("alice")
	h.AssertConverged("fq_merge1")

	got := h.Payload("alice", "fq_merge1")
	if got["category"] != "ops" {
		t.Fatalf("alice's category edit lost: %v", got)
	}
	if got["answer"] != "With the deploy script." {
		t.Fatalf("bob's answer edit lost: %v", got)
	}
}

func TestFaqTagSetsUnionOnOverlap(t *testing.T) {
	h := NewHarness(t, "alice", "bob")

	h.Mutate("alice", "create", "faq", "fq_tags1", nil, map[string]any{
		"key": "oncall", "question": "Who is on call?", "answer": "See the rota.",
		"tags": []string{"ops"},
	})
	h.Sync("alice")
	h.Sync("bob")

	h.Mutate("alice", "update", "faq", "fq_tags1", []string{"tags"}, map[string]any{
		"tags": []string{"ops", "pager"},
	})
	h.Sync("alice")

	h.Mutate("bob", "update", "faq", "fq_tags1", []string{"tags"}, map[string]any{
		"tags": []string{"ops", "rota"},
	})
	h.Sync("bob")
	h.Sync("alice")
	h.AssertConverged("fq_tags1")

	tags, ok := h.Payload("bob", "fq_tags1")["tags"].([]any)
	if !ok {
		t.Fatalf("tags missing after merge: %v", h.Payload("bob", "fq_tags1"))
	}
	want := map[string]bool{"ops": true, "pager": true, "rota": true}
	if len(tags) != len(want) {
		t.Fatalf("expected union of both tag sets, got %v", tags)
	}
	for _, v := range tags {
		if !want[v.(string)] {
			t.Fatalf("unexpected tag %v in %v", v, tags)
		}
	}

	if n := len(h.Conflicts("alice")) + len(h.Conflicts("bob")); n != 0 {
		t.Fatalf("tag union should not park conflicts, found %d", n)
	}
}
