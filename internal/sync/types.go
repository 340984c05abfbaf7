// Package sync implements the offline-first reconciliation core: the
// outbox drain, the inbox applier, the conflict resolver, and the
// session coordinator that drives the pull-apply-push-reconcile cycle.
package sync

import (
	"encoding/json"
	"errors"
	"time"
)

// Change is one recorded mutation intent awaiting server acknowledgment.
type Change struct {
	ChangeID    int64
	EntityID    string
	EntityType  string
	Operation   string
	BaseVersion int64
	FieldMask   []string // fields touched by PayloadDelta; nil for delete
	PayloadDelta json.RawMessage
	ClientID    string
	Timestamp   time.Time
}

// RemoteChange is a server-acknowledged change delivered through pull.
type RemoteChange struct {
	ServerSeq    int64
	ClientID     string
	ChangeID     int64
	EntityID     string
	EntityType   string
	Operation    string
	NewVersion   int64 // version the entity holds after this change
	FieldMask    []string
	PayloadDelta json.RawMessage
	Timestamp    time.Time
}

// PullBatch is one page of the server change log.
type PullBatch struct {
	Changes []RemoteChange
	HasMore bool
}

// Push outcome status values, mirrored by the server wire format.
const (
	PushAccepted  = "accepted"
	PushConflict  = "conflict"
	PushDuplicate = "duplicate"
)

// PushOutcome is the server's per-change verdict on a push.
type PushOutcome struct {
	ChangeID       int64
	Status         string
	ServerSeq      int64 // accepted/duplicate
	NewVersion     int64 // accepted/duplicate
	CurrentVersion int64 // conflict
	CurrentPayload json.RawMessage
	CurrentDeleted bool
}

// ApplyResult summarizes one applied pull batch.
type ApplyResult struct {
	Applied        int
	Skipped        int // already-applied changes (idempotent re-pull)
	Conflicted     int // routed through the resolver
	Parked         int
	Requeued       int
	LastAppliedSeq int64
}

// Report is the user-visible outcome of a completed sync cycle.
type Report struct {
	Pulled     int
	Applied    int
	Pushed     int
	Conflicted int
	Parked     int
	Requeued   int
}

// Sentinel errors forming the cycle failure taxonomy. Network errors are
// anything the transport returns that is not one of these; they are
// retried with backoff and never surfaced.
var (
	// ErrGapDetected means a pulled change skips a version for its
	// entity; the coordinator re-pulls the full range.
	ErrGapDetected = errors.New("sequence gap detected")
	// ErrAuth means the server rejected the client's credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrCycleInFlight is returned by TrySync when a cycle is running.
	ErrCycleInFlight = errors.New("sync cycle already in flight")
)
