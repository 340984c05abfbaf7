package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"
	"testing"

	"github.com/mhartmann/aiw/internal/store"
)

// fakeServer is an in-memory reconciliation endpoint: a global change
// log plus per-entity version compare-and-set, matching the wire
// semantics of the real server.
type fakeServer struct {
	mu       stdsync.Mutex
	log      []RemoteChange
	versions map[string]int64
	deleted  map[string]bool
	seen     map[string]PushOutcome

	failPulls     int  // transient errors to inject before pulls succeed
	dropFirstPull bool // one empty pull, to simulate a racing writer
	pullCalls     int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		versions: make(map[string]int64),
		deleted:  make(map[string]bool),
		seen:     make(map[string]PushOutcome),
	}
}

func (f *fakeServer) Pull(_ context.Context, since int64, limit int) (PullBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullCalls++
	if f.failPulls > 0 {
		f.failPulls--
		return PullBatch{}, errors.New("connection reset")
	}
	if f.dropFirstPull {
		f.dropFirstPull = false
		return PullBatch{}, nil
	}

	var out []RemoteChange
	for _, ch := range f.log {
		if ch.ServerSeq <= since {
			continue
		}
		out = append(out, ch)
		if len(out) == limit {
			break
		}
	}
	hasMore := len(out) == limit && out[len(out)-1].ServerSeq < int64(len(f.log))
	return PullBatch{Changes: out, HasMore: hasMore}, nil
}

func (f *fakeServer) Push(_ context.Context, changes []Change) ([]PushOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]PushOutcome, 0, len(changes))
	for _, ch := range changes {
		key := fmt.Sprintf("%s:%d", ch.ClientID, ch.ChangeID)
		if prior, ok := f.seen[key]; ok {
			dup := prior
			dup.Status = PushDuplicate
			out = append(out, dup)
			continue
		}

		cur := f.versions[ch.EntityID]
		if ch.BaseVersion != cur || (f.deleted[ch.EntityID] && ch.Operation != "delete") {
			out = append(out, PushOutcome{
				ChangeID:       ch.ChangeID,
				Status:         PushConflict,
				CurrentVersion: cur,
				CurrentDeleted: f.deleted[ch.EntityID],
			})
			continue
		}

		next := cur + 1
		f.versions[ch.EntityID] = next
		if ch.Operation == "delete" {
			f.deleted[ch.EntityID] = true
		}
		seq := int64(len(f.log) + 1)
		f.log = append(f.log, RemoteChange{
			ServerSeq:    seq,
			ClientID:     ch.ClientID,
			ChangeID:     ch.ChangeID,
			EntityID:     ch.EntityID,
			EntityType:   ch.EntityType,
			Operation:    ch.Operation,
			NewVersion:   next,
			FieldMask:    ch.FieldMask,
			PayloadDelta: ch.PayloadDelta,
		})
		o := PushOutcome{ChangeID: ch.ChangeID, Status: PushAccepted, ServerSeq: seq, NewVersion: next}
		f.seen[key] = o
		out = append(out, o)
	}
	return out, nil
}

func testClient(t *testing.T, srv *fakeServer, clientID string) (*store.Store, *Coordinator) {
	t.Helper()
	st, err := store.Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.LinkWorkspace("ws1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	return st, NewCoordinator(st, srv, clientID, testLog())
}

func mustSync(t *testing.T, c *Coordinator) Report {
	t.Helper()
	rep, err := c.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	return rep
}

func mustRecord(t *testing.T, st *store.Store, op, typ, id string, mask []string, delta string) {
	t.Helper()
	var d json.RawMessage
	if delta != "" {
		d = json.RawMessage(delta)
	}
	if _, err := st.RecordChange(op, typ, id, mask, d); err != nil {
		t.Fatalf("record %s %s: %v", op, id, err)
	}
}

func TestSyncRoundTrip(t *testing.T) {
	srv := newFakeServer()
	stA, coordA := testClient(t, srv, "client-a")
	stB, coordB := testClient(t, srv, "client-b")

	mustRecord(t, stA, "create", "issues", "i1", nil, `{"title":"boot","status":"open","priority":"P2"}`)
	rep := mustSync(t, coordA)
	if rep.Pushed != 1 {
		t.Fatalf("push report = %+v", rep)
	}

	rep = mustSync(t, coordB)
	if rep.Pulled != 1 || rep.Applied != 1 {
		t.Fatalf("pull report = %+v", rep)
	}
	e, err := stB.Get("i1")
	if err != nil || e == nil {
		t.Fatalf("entity on B: %v %v", e, err)
	}
	if e.Version != 1 {
		t.Errorf("version = %d, want 1", e.Version)
	}
	if coordA.State() != StateIdle || coordB.State() != StateIdle {
		t.Errorf("states = %s %s, want idle", coordA.State(), coordB.State())
	}
}

func TestSyncConcurrentEditsConverge(t *testing.T) {
	srv := newFakeServer()
	stA, coordA := testClient(t, srv, "client-a")
	stB, coordB := testClient(t, srv, "client-b")

	mustRecord(t, stA, "create", "issues", "i1", nil, `{"title":"x","status":"open","priority":"P2"}`)
	mustSync(t, coordA)
	mustSync(t, coordB)

	// Both edit offline from v1; A reaches the server first.
	mustRecord(t, stA, "update", "issues", "i1", []string{"status"}, `{"status":"closed"}`)
	mustSync(t, coordA)
	mustRecord(t, stB, "update", "issues", "i1", []string{"priority"}, `{"priority":"P0"}`)
	rep := mustSync(t, coordB)
	if rep.Conflicted != 1 || rep.Requeued != 1 {
		t.Fatalf("B report = %+v, want conflict resolved by requeue", rep)
	}

	mustSync(t, coordA)
	for name, st := range map[string]*store.Store{"A": stA, "B": stB} {
		e, _ := st.Get("i1")
		if e == nil || e.Version != 3 {
			t.Fatalf("client %s entity = %+v, want v3", name, e)
		}
		var p map[string]string
		json.Unmarshal(e.Payload, &p)
		if p["status"] != "closed" || p["priority"] != "P0" {
			t.Errorf("client %s payload = %v, want both edits", name, p)
		}
	}
}

func TestSyncPushConflictReconciles(t *testing.T) {
	srv := newFakeServer()
	stA, coordA := testClient(t, srv, "client-a")
	stB, coordB := testClient(t, srv, "client-b")

	mustRecord(t, stA, "create", "issues", "i1", nil, `{"title":"x","status":"open","priority":"P2"}`)
	mustSync(t, coordA)
	mustSync(t, coordB)

	mustRecord(t, stA, "update", "issues", "i1", []string{"status"}, `{"status":"closed"}`)
	mustSync(t, coordA)

	// B's pull races past A's update, so its push lands on a stale base
	// and the reconcile phase has to recover.
	srv.dropFirstPull = true
	mustRecord(t, stB, "update", "issues", "i1", []string{"priority"}, `{"priority":"P0"}`)
	rep := mustSync(t, coordB)
	if rep.Requeued != 1 {
		t.Fatalf("B report = %+v, want requeue via reconcile", rep)
	}

	e, _ := stB.Get("i1")
	if e == nil || e.Version != 3 {
		t.Fatalf("entity = %+v, want v3 after reconcile round", e)
	}
	n, _ := stB.CountPending()
	if n != 0 {
		t.Errorf("pending = %d, want outbox drained", n)
	}
}

func TestSyncDeleteWins(t *testing.T) {
	srv := newFakeServer()
	stA, coordA := testClient(t, srv, "client-a")
	stB, coordB := testClient(t, srv, "client-b")

	mustRecord(t, stA, "create", "issues", "i1", nil, `{"title":"x","status":"open"}`)
	mustSync(t, coordA)
	mustSync(t, coordB)

	// B edits, A deletes; B's edit reaches the server first.
	mustRecord(t, stB, "update", "issues", "i1", []string{"status"}, `{"status":"closed"}`)
	mustSync(t, coordB)
	mustRecord(t, stA, "delete", "issues", "i1", nil, "")
	mustSync(t, coordA)

	rep := mustSync(t, coordB)
	if rep.Pulled == 0 {
		t.Fatalf("B report = %+v", rep)
	}
	for name, st := range map[string]*store.Store{"A": stA, "B": stB} {
		e, _ := st.Get("i1")
		if e == nil || !e.Deleted {
			t.Fatalf("client %s entity = %+v, want tombstone", name, e)
		}
	}
}

func TestSyncRetriesTransientFailures(t *testing.T) {
	srv := newFakeServer()
	stA, coordA := testClient(t, srv, "client-a")

	mustRecord(t, stA, "create", "faq", "f1", nil, `{"key":"deploy","question":"q","answer":"a"}`)
	srv.failPulls = 2
	rep := mustSync(t, coordA)
	if rep.Pushed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if srv.pullCalls < 3 {
		t.Errorf("pullCalls = %d, want retries", srv.pullCalls)
	}
}

func TestSyncUnlinkedWorkspace(t *testing.T) {
	srv := newFakeServer()
	st, err := store.Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	coord := NewCoordinator(st, srv, "client-x", testLog())
	if _, err := coord.Sync(context.Background()); err == nil {
		t.Fatal("want error for unlinked workspace")
	}
}

func TestSyncSingleFlight(t *testing.T) {
	srv := newFakeServer()
	_, coord := testClient(t, srv, "client-a")

	blocked := &blockingTransport{inner: srv, entered: make(chan struct{}), release: make(chan struct{})}
	coord.tp = blocked

	var wg stdsync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		coord.Sync(context.Background())
	}()

	<-blocked.entered
	if _, err := coord.TrySync(context.Background()); !errors.Is(err, ErrCycleInFlight) {
		t.Errorf("err = %v, want ErrCycleInFlight", err)
	}
	close(blocked.release)
	wg.Wait()
}

type blockingTransport struct {
	inner   Transport
	entered chan struct{}
	release chan struct{}
	once    stdsync.Once
}

func (b *blockingTransport) Pull(ctx context.Context, since int64, limit int) (PullBatch, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.inner.Pull(ctx, since, limit)
}

func (b *blockingTransport) Push(ctx context.Context, changes []Change) ([]PushOutcome, error) {
	return b.inner.Push(ctx, changes)
}
