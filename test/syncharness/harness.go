// Package syncharness wires the real HTTP server, the real transport
// client, and full workspace stores into in-process multi-client sync
// scenarios. Everything except the network listener is the production
// code path: serverdb behind the API handler on one side, store plus
// coordinator on the other.
package syncharness

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mhartmann/aiw/internal/api"
	"github.com/mhartmann/aiw/internal/serverdb"
	"github.com/mhartmann/aiw/internal/store"
	aiwsync "github.com/mhartmann/aiw/internal/sync"
	"github.com/mhartmann/aiw/internal/syncclient"
)

// Client is one simulated device: its own workspace store and a
// coordinator talking to the shared server.
type Client struct {
	Name  string
	Store *store.Store
	Coord *aiwsync.Coordinator
}

// Harness owns the server and a set of named clients, all torn down
// through t.Cleanup.
type Harness struct {
	t           *testing.T
	Server      *httptest.Server
	DB          *serverdb.ServerDB
	WorkspaceID string
	Clients     map[string]*Client
}

// NewHarness starts a server on a fresh database, creates one
// workspace, and links one client store per name.
func NewHarness(t *testing.T, names ...string) *Harness {
	t.Helper()

	sdb, err := serverdb.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open serverdb: %v", err)
	}
	t.Cleanup(func() { sdb.Close() })

	srv, err := api.NewServer(api.Config{ListenAddr: ":0"}, sdb)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	hts := httptest.NewServer(srv.Handler())
	t.Cleanup(hts.Close)

	ws, err := sdb.CreateWorkspace("harness", "")
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}

	h := &Harness{
		t:           t,
		Server:      hts,
		DB:          sdb,
		WorkspaceID: ws.ID,
		Clients:     make(map[string]*Client),
	}
	for _, name := range names {
		h.addClient(name)
	}
	return h
}

func (h *Harness) addClient(name string) {
	h.t.Helper()

	token, _, err := h.DB.GenerateAPIKey(h.WorkspaceID, name, nil)
	if err != nil {
		h.t.Fatalf("generate key for %s: %v", name, err)
	}

	st, err := store.Initialize(h.t.TempDir())
	if err != nil {
		h.t.Fatalf("init store for %s: %v", name, err)
	}
	h.t.Cleanup(func() { st.Close() })
	if err := st.LinkWorkspace(h.WorkspaceID); err != nil {
		h.t.Fatalf("link %s: %v", name, err)
	}

	tp := syncclient.New(h.Server.URL, token, name, h.WorkspaceID)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.Clients[name] = &Client{
		Name:  name,
		Store: st,
		Coord: aiwsync.NewCoordinator(st, tp, name, log),
	}
}

// Sync runs one full cycle for the named client and fails the test on
// transport or store errors. Parked conflicts are not errors.
func (h *Harness) Sync(name string) aiwsync.Report {
	h.t.Helper()
	rep, err := h.Clients[name].Coord.Sync(context.Background())
	if err != nil {
		h.t.Fatalf("sync %s: %v", name, err)
	}
	return rep
}

// Mutate records a local change on the named client, the same path the
// CLI commands use.
func (h *Harness) Mutate(name, op, entityType, entityID string, mask []string, delta map[string]any) {
	h.t.Helper()
	var raw json.RawMessage
	if delta != nil {
		b, err := json.Marshal(delta)
		if err != nil {
			h.t.Fatalf("marshal delta: %v", err)
		}
		raw = b
	}
	if _, err := h.Clients[name].Store.RecordChange(op, entityType, entityID, mask, raw); err != nil {
		h.t.Fatalf("%s %s %s on %s: %v", op, entityType, entityID, name, err)
	}
}

// Entity reads an entity from the named client's store, nil if absent.
func (h *Harness) Entity(name, entityID string) *store.Entity {
	h.t.Helper()
	e, err := h.Clients[name].Store.Get(entityID)
	if err != nil {
		h.t.Fatalf("get %s on %s: %v", entityID, name, err)
	}
	return e
}

// Payload returns an entity's payload decoded to a map, failing if the
// entity is missing or tombstoned.
func (h *Harness) Payload(name, entityID string) map[string]any {
	h.t.Helper()
	e := h.Entity(name, entityID)
	if e == nil || e.Deleted {
		h.t.Fatalf("%s: no live payload for %s", name, entityID)
	}
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		h.t.Fatalf("decode payload of %s: %v", entityID, err)
	}
	return m
}

// Conflicts lists the named client's parked conflicts.
func (h *Harness) Conflicts(name string) []store.ParkedConflict {
	h.t.Helper()
	cs, err := h.Clients[name].Store.ListConflicts()
	if err != nil {
		h.t.Fatalf("list conflicts on %s: %v", name, err)
	}
	return cs
}

// AssertConverged fails unless every client holds the same version,
// deletion state, and payload for the entity.
func (h *Harness) AssertConverged(entityID string) {
	h.t.Helper()
	var ref *store.Entity
	var refName string
	for name := range h.Clients {
		e := h.Entity(name, entityID)
		if e == nil {
			h.t.Fatalf("%s: entity %s missing", name, entityID)
		}
		if ref == nil {
			ref, refName = e, name
			continue
		}
		if e.Version != ref.Version || e.Deleted != ref.Deleted {
			h.t.Fatalf("diverged on %s: %s has v%d deleted=%v, %s has v%d deleted=%v",
				entityID, refName, ref.Version, ref.Deleted, name, e.Version, e.Deleted)
		}
		if !e.Deleted && !jsonEqual(h.t, ref.Payload, e.Payload) {
			h.t.Fatalf("diverged on %s: %s has %s, %s has %s",
				entityID, refName, ref.Payload, name, e.Payload)
		}
	}
}

// jsonEqual compares two JSON documents structurally.
func jsonEqual(t *testing.T, a, b json.RawMessage) bool {
	t.Helper()
	na, err := json.Marshal(mustDecode(t, a))
	if err != nil {
		t.Fatalf("remarshal: %v", err)
	}
	nb, err := json.Marshal(mustDecode(t, b))
	if err != nil {
		t.Fatalf("remarshal: %v", err)
	}
	return bytes.Equal(na, nb)
}

func mustDecode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return m
}
