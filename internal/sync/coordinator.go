package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/mhartmann/aiw/internal/store"
)

// State is the coordinator's position in the sync cycle.
type State string

const (
	StateIdle        State = "idle"
	StatePulling     State = "pulling"
	StateApplying    State = "applying"
	StatePushing     State = "pushing"
	StateReconciling State = "reconciling"
	StateFailed      State = "failed"
)

// Transport moves change batches to and from the server. The HTTP client
// implements it; tests substitute an in-memory fake.
type Transport interface {
	Pull(ctx context.Context, since int64, limit int) (PullBatch, error)
	Push(ctx context.Context, changes []Change) ([]PushOutcome, error)
}

const (
	defaultPullLimit = 200
	defaultPushLimit = 100
	// maxReconcileRounds bounds the conflict/requeue loop within one
	// cycle; whatever is still contested after that waits for the next.
	maxReconcileRounds = 3
	maxRetries         = 4
	baseBackoff        = 250 * time.Millisecond
)

// Coordinator drives full sync cycles: pull the remote log, apply it,
// push the outbox, and reconcile any rejections. At most one cycle runs
// at a time; concurrent callers share the in-flight cycle's result.
type Coordinator struct {
	st       *store.Store
	tp       Transport
	clientID string
	log      *slog.Logger

	pullLimit int
	pushLimit int

	mu      stdsync.Mutex
	state   State
	current *cycle
}

type cycle struct {
	done   chan struct{}
	report Report
	err    error
}

// NewCoordinator wires a coordinator over a local store and a transport.
func NewCoordinator(st *store.Store, tp Transport, clientID string, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		st:        st,
		tp:        tp,
		clientID:  clientID,
		log:       log,
		pullLimit: defaultPullLimit,
		pushLimit: defaultPushLimit,
		state:     StateIdle,
	}
}

// State returns the coordinator's current cycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Sync runs one full cycle, or joins the cycle already in flight and
// returns its result. ctx cancels network waits; the local transaction
// already begun always commits or rolls back whole.
func (c *Coordinator) Sync(ctx context.Context) (Report, error) {
	c.mu.Lock()
	if cur := c.current; cur != nil {
		c.mu.Unlock()
		select {
		case <-cur.done:
			return cur.report, cur.err
		case <-ctx.Done():
			return Report{}, ctx.Err()
		}
	}
	cur := &cycle{done: make(chan struct{})}
	c.current = cur
	c.mu.Unlock()

	cur.report, cur.err = c.run(ctx)

	c.mu.Lock()
	c.current = nil
	if cur.err != nil {
		c.state = StateFailed
	} else {
		c.state = StateIdle
	}
	c.mu.Unlock()
	close(cur.done)
	return cur.report, cur.err
}

// TrySync starts a cycle only when none is in flight.
func (c *Coordinator) TrySync(ctx context.Context) (Report, error) {
	c.mu.Lock()
	busy := c.current != nil
	c.mu.Unlock()
	if busy {
		return Report{}, ErrCycleInFlight
	}
	return c.Sync(ctx)
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) run(ctx context.Context) (Report, error) {
	var rep Report
	started := time.Now()

	cursor, err := c.st.GetCursor()
	if err != nil {
		return rep, err
	}
	if cursor == nil {
		return rep, errors.New("workspace not linked; run 'aiw link' first")
	}

	// Pull and apply until the server has nothing newer.
	c.setState(StatePulling)
	since := cursor.LastAppliedServerSeq
	if err := c.pullApply(ctx, &rep, since); err != nil {
		if errors.Is(err, ErrGapDetected) {
			// A gap means our cursor no longer matches the server log
			// (compaction, or a missed page). Re-pull the whole range;
			// applying is idempotent, so this only fills the holes.
			c.log.Warn("version gap detected, re-pulling full range")
			if err := c.pullApply(ctx, &rep, 0); err != nil {
				return rep, err
			}
		} else {
			return rep, err
		}
	}

	// Push the outbox, then reconcile: rejected changes run through the
	// resolver and may requeue, so push again until clean or bounded out.
	for round := 0; round < maxReconcileRounds; round++ {
		c.setState(StatePushing)
		outcomes, pushed, err := c.pushPending(ctx)
		if err != nil {
			return rep, err
		}
		rep.Pushed += pushed
		if len(outcomes) == 0 {
			break
		}

		c.setState(StateReconciling)
		again, err := c.reconcile(ctx, &rep, outcomes)
		if err != nil {
			return rep, err
		}
		if !again {
			break
		}
	}

	c.log.Info("sync cycle complete",
		"pulled", rep.Pulled, "applied", rep.Applied, "pushed", rep.Pushed,
		"conflicted", rep.Conflicted, "parked", rep.Parked, "requeued", rep.Requeued,
		"elapsed", time.Since(started).Round(time.Millisecond))
	return rep, nil
}

// pullApply pages through the server log from since and applies each
// page in its own transaction together with the cursor advance.
func (c *Coordinator) pullApply(ctx context.Context, rep *Report, since int64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.setState(StatePulling)
		batch, err := c.pullWithRetry(ctx, since)
		if err != nil {
			return err
		}
		if len(batch.Changes) == 0 {
			return nil
		}
		rep.Pulled += len(batch.Changes)

		c.setState(StateApplying)
		var res ApplyResult
		err = c.st.WithWriteLock(func() error {
			tx, err := c.st.Conn().Begin()
			if err != nil {
				return err
			}
			res, err = ApplyBatch(tx, batch.Changes, c.log)
			if err != nil {
				tx.Rollback()
				return err
			}
			return tx.Commit()
		})
		if err != nil {
			return err
		}
		rep.Applied += res.Applied
		rep.Conflicted += res.Conflicted
		rep.Parked += res.Parked
		rep.Requeued += res.Requeued
		since = res.LastAppliedSeq

		if !batch.HasMore {
			return nil
		}
	}
}

// pushPending drains the outbox in batches. Accepted and duplicate
// outcomes are settled immediately; conflicts are returned for the
// reconcile phase.
func (c *Coordinator) pushPending(ctx context.Context) ([]PushOutcome, int, error) {
	pending, err := c.st.DrainPending()
	if err != nil {
		return nil, 0, err
	}
	if len(pending) == 0 {
		return nil, 0, nil
	}

	var conflicts []PushOutcome
	pushed := 0
	for off := 0; off < len(pending); off += c.pushLimit {
		end := off + c.pushLimit
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[off:end]

		changes := make([]Change, len(chunk))
		byID := make(map[int64]store.OutboxEntry, len(chunk))
		for i, e := range chunk {
			changes[i] = Change{
				ChangeID:     e.ChangeID,
				EntityID:     e.EntityID,
				EntityType:   e.EntityType,
				Operation:    e.Operation,
				BaseVersion:  e.BaseVersion,
				FieldMask:    e.FieldMask,
				PayloadDelta: e.PayloadDelta,
				ClientID:     c.clientID,
				Timestamp:    e.CreatedAt,
			}
			byID[e.ChangeID] = e
		}

		outcomes, err := c.pushWithRetry(ctx, changes)
		if err != nil {
			return conflicts, pushed, err
		}

		err = c.st.WithWriteLock(func() error {
			tx, err := c.st.Conn().Begin()
			if err != nil {
				return err
			}
			var hist []store.HistoryEntry
			for _, out := range outcomes {
				switch out.Status {
				case PushAccepted, PushDuplicate:
					if err := store.AcknowledgeTx(tx, out.ChangeID); err != nil {
						tx.Rollback()
						return err
					}
					if err := store.SetVersionTx(tx, byID[out.ChangeID].EntityID, out.NewVersion); err != nil {
						tx.Rollback()
						return err
					}
					e := byID[out.ChangeID]
					hist = append(hist, store.HistoryEntry{
						Direction:  "push",
						Operation:  e.Operation,
						EntityType: e.EntityType,
						EntityID:   e.EntityID,
						ServerSeq:  out.ServerSeq,
						ClientID:   c.clientID,
					})
					if out.Status == PushAccepted {
						pushed++
					}
				case PushConflict:
					conflicts = append(conflicts, out)
				default:
					tx.Rollback()
					return fmt.Errorf("push outcome %d: unknown status %q", out.ChangeID, out.Status)
				}
			}
			if err := store.RecordHistoryTx(tx, hist); err != nil {
				tx.Rollback()
				return err
			}
			return tx.Commit()
		})
		if err != nil {
			return conflicts, pushed, err
		}
	}
	return conflicts, pushed, nil
}

// reconcile settles push conflicts. A conflict means the server log has
// moved past our base version, so the winning changes are sitting in the
// un-pulled range: re-pull it, let the applier route the collisions
// through the resolver (which requeues rebased local intent), and report
// whether another push round is needed.
func (c *Coordinator) reconcile(ctx context.Context, rep *Report, conflicts []PushOutcome) (bool, error) {
	if len(conflicts) > 0 {
		c.log.Debug("push rejected changes, re-pulling", "conflicts", len(conflicts))
		cursor, err := c.st.GetCursor()
		if err != nil {
			return false, err
		}
		if err := c.pullApply(ctx, rep, cursor.LastAppliedServerSeq); err != nil {
			return false, err
		}
	}

	// Requeued intent (from this reconcile or from the apply phase)
	// goes out on the next round. Entries held behind a parked conflict
	// do not count; another push round would not drain them.
	n, err := c.st.CountPushable()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// pullWithRetry retries transient transport failures with exponential
// backoff. Auth failures and context cancellation are terminal.
func (c *Coordinator) pullWithRetry(ctx context.Context, since int64) (PullBatch, error) {
	var batch PullBatch
	err := c.withRetry(ctx, "pull", func() error {
		var err error
		batch, err = c.tp.Pull(ctx, since, c.pullLimit)
		return err
	})
	return batch, err
}

func (c *Coordinator) pushWithRetry(ctx context.Context, changes []Change) ([]PushOutcome, error) {
	var outcomes []PushOutcome
	err := c.withRetry(ctx, "push", func() error {
		var err error
		// Pushing twice is safe: the server detects replayed change IDs
		// and answers duplicate with the original acknowledgment.
		outcomes, err = c.tp.Push(ctx, changes)
		return err
	})
	return outcomes, err
}

func (c *Coordinator) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseBackoff << (attempt - 1)
			c.log.Debug("retrying after transport error", "op", op, "attempt", attempt, "delay", delay, "err", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAuth) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries, err)
}
