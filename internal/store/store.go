// Package store is the client-side entity store: versioned entity rows,
// tombstones, the outbox change log, the sync cursor, and parked
// conflicts, all in one SQLite database under the workspace directory.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbFile = ".aiw/workspace.db"

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	entity_id   TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 0,
	payload     JSON,
	deleted     INTEGER NOT NULL DEFAULT 0,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type, deleted);

CREATE TABLE IF NOT EXISTS outbox (
	change_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id     TEXT NOT NULL,
	entity_type   TEXT NOT NULL,
	operation     TEXT NOT NULL,
	base_version  INTEGER NOT NULL,
	field_mask    TEXT,
	payload_delta JSON,
	acked         INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(acked, change_id);
CREATE INDEX IF NOT EXISTS idx_outbox_entity ON outbox(entity_id, acked);

CREATE TABLE IF NOT EXISTS sync_cursor (
	workspace_id             TEXT PRIMARY KEY,
	last_applied_server_seq  INTEGER NOT NULL DEFAULT 0,
	last_sync_at             DATETIME
);

CREATE TABLE IF NOT EXISTS parked_conflicts (
	entity_id      TEXT PRIMARY KEY,
	entity_type    TEXT NOT NULL,
	kind           TEXT NOT NULL,
	local_payload  JSON,
	remote_payload JSON,
	base_version   INTEGER NOT NULL,
	remote_version INTEGER NOT NULL,
	parked_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sync_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	direction   TEXT NOT NULL,
	operation   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	server_seq  INTEGER,
	client_id   TEXT,
	timestamp   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store wraps the workspace database connection.
type Store struct {
	conn    *sql.DB
	baseDir string
	locker  *writeLocker
}

// Open opens an existing workspace database.
func Open(baseDir string) (*Store, error) {
	dbPath := filepath.Join(baseDir, dbFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace not found: run 'aiw init' first")
	}
	return open(baseDir, dbPath)
}

// Initialize creates the workspace database and schema.
func Initialize(baseDir string) (*Store, error) {
	dbPath := filepath.Join(baseDir, dbFile)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	return open(baseDir, dbPath)
}

func open(baseDir, dbPath string) (*Store, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent reads while writes stay serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")
	conn.Exec("PRAGMA foreign_keys=ON")

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{
		conn:    conn,
		baseDir: baseDir,
		locker:  newWriteLocker(filepath.Dir(dbPath)),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn returns the underlying *sql.DB for transactional use by the sync
// engine, which needs raw access to run a whole batch in one tx.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// BaseDir returns the workspace base directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// withWriteLock runs fn while holding the cross-process write lock.
// Domain mutations and the inbox applier both go through this, which is
// what keeps read-modify-write of version single-writer per workspace.
func (s *Store) withWriteLock(fn func() error) error {
	if err := s.locker.acquire(defaultLockTimeout); err != nil {
		return err
	}
	defer s.locker.release()
	return fn()
}

// WithWriteLock exposes the write lock for multi-statement callers such
// as the sync coordinator's batch transactions.
func (s *Store) WithWriteLock(fn func() error) error {
	return s.withWriteLock(fn)
}
