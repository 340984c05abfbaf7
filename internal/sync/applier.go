package sync

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/mhartmann/aiw/internal/store"
)

// ApplyBatch applies one pulled page of the server change log inside tx.
// The whole page and the cursor advance commit or roll back together, so
// a crash mid-apply can only mean re-pulling an already-applied page,
// which the version ordering turns into skips.
func ApplyBatch(tx *sql.Tx, changes []RemoteChange, log *slog.Logger) (ApplyResult, error) {
	var res ApplyResult
	var hist []store.HistoryEntry

	for _, ch := range changes {
		prev, err := store.GetTx(tx, ch.EntityID)
		if err != nil {
			return res, err
		}

		// Already applied (re-pull after crash, or our own echo).
		if prev != nil && ch.NewVersion <= prev.Version {
			res.Skipped++
			res.LastAppliedSeq = ch.ServerSeq
			continue
		}

		pending, err := store.PendingForEntity(tx, ch.EntityID)
		if err != nil {
			return res, err
		}

		// An acknowledged tombstone stands; the server parks edits after
		// delete on the pushing side, so a later update for this entity
		// is a log we must not trust. A local tombstone with a pending
		// delete is different: the collision goes through the resolver
		// so the delete can rebase onto the remote edit.
		if prev != nil && prev.Deleted && len(pending) == 0 &&
			ch.Operation != "create" && ch.Operation != "delete" {
			res.Skipped++
			res.LastAppliedSeq = ch.ServerSeq
			continue
		}

		// Version continuity. Deletes are exempt: a delete wins at any
		// distance, and re-pulling the range cannot change that.
		if ch.Operation != "delete" {
			if prev != nil && !prev.Deleted && ch.NewVersion > prev.Version+1 {
				return res, fmt.Errorf("%s at v%d, pulled v%d: %w",
					ch.EntityID, prev.Version, ch.NewVersion, ErrGapDetected)
			}
			if prev == nil && ch.Operation != "create" && ch.NewVersion > 1 {
				return res, fmt.Errorf("%s unknown locally, pulled v%d: %w",
					ch.EntityID, ch.NewVersion, ErrGapDetected)
			}
		}

		if len(pending) == 0 {
			if err := applyRemote(tx, prev, ch); err != nil {
				return res, err
			}
			res.Applied++
		} else {
			n, err := applyContested(tx, prev, ch, pending, &res, log)
			if err != nil {
				return res, err
			}
			res.Applied += n
		}

		res.LastAppliedSeq = ch.ServerSeq
		hist = append(hist, store.HistoryEntry{
			Direction:  "pull",
			Operation:  ch.Operation,
			EntityType: ch.EntityType,
			EntityID:   ch.EntityID,
			ServerSeq:  ch.ServerSeq,
			ClientID:   ch.ClientID,
		})
	}

	if res.LastAppliedSeq > 0 {
		if err := store.AdvanceCursorTx(tx, res.LastAppliedSeq); err != nil {
			return res, err
		}
	}
	if err := store.RecordHistoryTx(tx, hist); err != nil {
		return res, err
	}
	return res, nil
}

// applyContested runs the resolver for an entity with pending local
// changes and executes its verdict. Returns 1 when the remote side was
// written to the entity store.
func applyContested(tx *sql.Tx, prev *store.Entity, ch RemoteChange, pending []store.OutboxEntry, res *ApplyResult, log *slog.Logger) (int, error) {
	res.Conflicted++

	chain := make([]Change, len(pending))
	for i, p := range pending {
		chain[i] = Change{
			ChangeID:     p.ChangeID,
			EntityID:     p.EntityID,
			EntityType:   p.EntityType,
			Operation:    p.Operation,
			BaseVersion:  p.BaseVersion,
			FieldMask:    p.FieldMask,
			PayloadDelta: p.PayloadDelta,
		}
	}
	intent, err := SquashIntent(ch.EntityID, ch.EntityType, chain)
	if err != nil {
		return 0, err
	}

	// Snapshot the local view before the remote write lands, so a parked
	// conflict shows what the user would have pushed.
	var localView []byte
	if intent.Operation != "delete" {
		var prevPayload []byte
		if prev != nil {
			prevPayload = prev.Payload
		}
		localView, err = store.MergePayload(prevPayload, intent.Delta)
		if err != nil {
			return 0, err
		}
	}

	verdict := Resolve(intent, ch)

	applied := 0
	if verdict.ApplyRemote {
		if intent.Operation == "delete" && ch.Operation != "delete" {
			// The entity stays deleted here; only the version advances,
			// so the rebased delete pushes against the remote edit.
			if err := store.SetVersionTx(tx, ch.EntityID, ch.NewVersion); err != nil {
				return 0, err
			}
		} else if err := applyRemote(tx, prev, ch); err != nil {
			return 0, err
		}
		applied = 1
	}
	if verdict.DropLocal {
		if err := store.DropPendingTx(tx, ch.EntityID); err != nil {
			return 0, err
		}
	}
	if verdict.Requeue {
		if _, err := store.SupersedeTx(tx, ch.EntityID, ch.EntityType, verdict.RequeueOp,
			ch.NewVersion, verdict.RequeueMask, verdict.RequeueDelta); err != nil {
			return 0, err
		}
		// The requeued intent is applied optimistically on top of the
		// remote write, the same way RecordChange applies a fresh edit.
		// Acceptance later only bumps the version, so without this the
		// local payload would stay at the remote's value while the
		// server moves on to the requeued one, and the echo pull would
		// be skipped as already-applied.
		if verdict.RequeueOp != "delete" {
			after, err := store.GetTx(tx, ch.EntityID)
			if err != nil {
				return 0, err
			}
			if after != nil && !after.Deleted {
				merged, err := store.MergePayload(after.Payload, verdict.RequeueDelta)
				if err != nil {
					return 0, err
				}
				after.Payload = merged
				if err := store.PutTx(tx, after); err != nil {
					return 0, err
				}
			}
		}
		res.Requeued++
		log.Debug("requeued local change", "entity_id", ch.EntityID, "base_version", ch.NewVersion)
	}
	if verdict.Park {
		after, err := store.GetTx(tx, ch.EntityID)
		if err != nil {
			return 0, err
		}
		pc := store.ParkedConflict{
			EntityID:      ch.EntityID,
			EntityType:    ch.EntityType,
			Kind:          verdict.ParkKind,
			LocalPayload:  localView,
			BaseVersion:   intent.BaseVersion,
			RemoteVersion: ch.NewVersion,
		}
		if after != nil {
			pc.RemotePayload = after.Payload
		}
		if err := store.ParkConflictTx(tx, &pc); err != nil {
			return 0, err
		}
		res.Parked++
		log.Warn("conflict parked", "entity_id", ch.EntityID, "kind", verdict.ParkKind)
	}
	return applied, nil
}

// applyRemote writes one ordered remote change to the entity store.
func applyRemote(tx *sql.Tx, prev *store.Entity, ch RemoteChange) error {
	switch ch.Operation {
	case "delete":
		if prev == nil {
			return store.PutTx(tx, &store.Entity{
				EntityID:   ch.EntityID,
				EntityType: ch.EntityType,
				Version:    ch.NewVersion,
				Deleted:    true,
			})
		}
		return store.TombstoneTx(tx, ch.EntityID, ch.NewVersion)
	case "create":
		return store.PutTx(tx, &store.Entity{
			EntityID:   ch.EntityID,
			EntityType: ch.EntityType,
			Version:    ch.NewVersion,
			Payload:    ch.PayloadDelta,
		})
	default:
		var base []byte
		if prev != nil {
			base = prev.Payload
		}
		merged, err := store.MergePayload(base, ch.PayloadDelta)
		if err != nil {
			return err
		}
		return store.PutTx(tx, &store.Entity{
			EntityID:   ch.EntityID,
			EntityType: ch.EntityType,
			Version:    ch.NewVersion,
			Payload:    merged,
		})
	}
}
