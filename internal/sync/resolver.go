package sync

import (
	"encoding/json"
	"fmt"

	"github.com/mhartmann/aiw/internal/models"
)

// Resolution says what to do about one local-vs-remote collision. It is
// produced by pure policy functions and executed by the applier or the
// reconciler inside their transactions.
type Resolution struct {
	// ApplyRemote writes the remote side to the entity store.
	ApplyRemote bool
	// Requeue rebases the local intent as a new outbox change on top of
	// the remote version. The delta may have been merged (set union).
	Requeue      bool
	RequeueOp    string
	RequeueMask  []string
	RequeueDelta json.RawMessage
	// DropLocal discards the pending local changes with no replacement.
	DropLocal bool
	// Park records both sides for manual resolution.
	Park     bool
	ParkKind string
}

// LocalIntent is the squashed view of an entity's pending outbox chain:
// one logical change carrying the union of touched fields.
type LocalIntent struct {
	EntityID    string
	EntityType  string
	Operation   string // delete if any pending change is a delete
	BaseVersion int64  // base of the first pending change
	FieldMask   []string
	Delta       json.RawMessage
}

// SquashIntent folds an ordered pending chain into one LocalIntent.
func SquashIntent(entityID, entityType string, chain []Change) (LocalIntent, error) {
	li := LocalIntent{EntityID: entityID, EntityType: entityType, Operation: "update"}
	if len(chain) == 0 {
		return li, fmt.Errorf("empty pending chain for %s", entityID)
	}
	li.BaseVersion = chain[0].BaseVersion
	if chain[0].Operation == "create" {
		li.Operation = "create"
	}

	merged := json.RawMessage(nil)
	maskSet := map[string]bool{}
	for _, c := range chain {
		if c.Operation == "delete" {
			li.Operation = "delete"
			li.FieldMask = nil
			li.Delta = nil
			return li, nil
		}
		m, err := mergeDeltas(merged, c.PayloadDelta)
		if err != nil {
			return li, err
		}
		merged = m
		for _, f := range c.FieldMask {
			maskSet[f] = true
		}
	}
	li.Delta = merged
	for f := range maskSet {
		li.FieldMask = append(li.FieldMask, f)
	}
	return li, nil
}

// Resolve decides the outcome of a collision between squashed local
// intent and one remote change, according to the entity type's policy.
// It is a pure function of its inputs.
func Resolve(local LocalIntent, remote RemoteChange) Resolution {
	// A delete is final, in either direction.
	if remote.Operation == "delete" {
		if local.Operation == "delete" {
			// Same tombstone either way; nothing left to push.
			return Resolution{ApplyRemote: true, DropLocal: true}
		}
		return Resolution{ApplyRemote: true, DropLocal: true, Park: true, ParkKind: "edit-after-delete"}
	}
	if local.Operation == "delete" {
		// Remote edit lands first, then the delete rides on top of it.
		return Resolution{
			ApplyRemote: true,
			Requeue:     true,
			RequeueOp:   "delete",
		}
	}

	switch models.PolicyFor(models.EntityType(local.EntityType)) {
	case models.PolicyMergeable:
		return resolveMergeable(local, remote)
	case models.PolicyLWW:
		// Remote (already versioned by the server) wins now; local
		// intent is sequenced after it, never dropped.
		return Resolution{
			ApplyRemote:  true,
			Requeue:      true,
			RequeueOp:    "update",
			RequeueMask:  local.FieldMask,
			RequeueDelta: local.Delta,
		}
	default:
		return Resolution{ApplyRemote: true, Park: true, ParkKind: "concurrent-edit", DropLocal: true}
	}
}

// resolveMergeable merges when the two sides touched disjoint fields, or
// when every overlapping field is a set-valued field that unions cleanly.
// Anything else falls through to manual.
func resolveMergeable(local LocalIntent, remote RemoteChange) Resolution {
	overlap := intersect(local.FieldMask, remote.FieldMask)
	if len(overlap) == 0 {
		return Resolution{
			ApplyRemote:  true,
			Requeue:      true,
			RequeueOp:    "update",
			RequeueMask:  local.FieldMask,
			RequeueDelta: local.Delta,
		}
	}

	setFields := map[string]bool{}
	for _, f := range models.SetFields(models.EntityType(local.EntityType)) {
		setFields[f] = true
	}
	for _, f := range overlap {
		if !setFields[f] {
			return Resolution{ApplyRemote: true, Park: true, ParkKind: "concurrent-edit", DropLocal: true}
		}
	}

	merged, err := unionSetFields(local.Delta, remote.PayloadDelta, overlap)
	if err != nil {
		return Resolution{ApplyRemote: true, Park: true, ParkKind: "concurrent-edit", DropLocal: true}
	}
	return Resolution{
		ApplyRemote:  true,
		Requeue:      true,
		RequeueOp:    "update",
		RequeueMask:  local.FieldMask,
		RequeueDelta: merged,
	}
}

// unionSetFields rewrites the set-valued overlap fields of the local
// delta to the union of both sides, so requeueing reapplies the merge
// rather than clobbering the remote additions.
func unionSetFields(localDelta, remoteDelta json.RawMessage, fields []string) (json.RawMessage, error) {
	var lm, rm map[string]any
	if err := json.Unmarshal(localDelta, &lm); err != nil {
		return nil, fmt.Errorf("unmarshal local delta: %w", err)
	}
	if err := json.Unmarshal(remoteDelta, &rm); err != nil {
		return nil, fmt.Errorf("unmarshal remote delta: %w", err)
	}

	for _, f := range fields {
		lv, lok := setValues(lm[f])
		rv, rok := setValues(rm[f])
		if !lok || !rok {
			return nil, fmt.Errorf("field %q is not set-valued on both sides", f)
		}
		seen := map[string]bool{}
		var union []string
		for _, v := range append(rv, lv...) {
			if !seen[v] {
				seen[v] = true
				union = append(union, v)
			}
		}
		lm[f] = union
	}
	return json.Marshal(lm)
}

// setValues coerces a JSON value into a string set: either an array of
// strings or comma-joined text (the storage form for labels/tags).
func setValues(v any) ([]string, bool) {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		return models.ParseList(val), true
	case nil:
		return nil, true
	}
	return nil, false
}

// mergeDeltas applies b's top-level fields over a. Either may be nil.
func mergeDeltas(a, b json.RawMessage) (json.RawMessage, error) {
	if len(a) == 0 {
		return b, nil
	}
	if len(b) == 0 {
		return a, nil
	}
	var am, bm map[string]json.RawMessage
	if err := json.Unmarshal(a, &am); err != nil {
		return nil, fmt.Errorf("unmarshal delta: %w", err)
	}
	if err := json.Unmarshal(b, &bm); err != nil {
		return nil, fmt.Errorf("unmarshal delta: %w", err)
	}
	for k, v := range bm {
		am[k] = v
	}
	return json.Marshal(am)
}

func intersect(a, b []string) []string {
	in := map[string]bool{}
	for _, f := range a {
		in[f] = true
	}
	var out []string
	for _, f := range b {
		if in[f] {
			out = append(out, f)
		}
	}
	return out
}
