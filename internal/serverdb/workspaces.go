package serverdb

import (
	"database/sql"
	"fmt"
	"time"
)

// Workspace is a server-side sync namespace. Every entity, change, and
// API key belongs to exactly one workspace.
type Workspace struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// CreateWorkspace creates a new workspace.
func (db *ServerDB) CreateWorkspace(name, description string) (*Workspace, error) {
	if name == "" {
		return nil, fmt.Errorf("workspace name required")
	}

	id := NewWorkspaceID()
	now := time.Now().UTC()
	_, err := db.conn.Exec(
		`INSERT INTO workspaces (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, name, description, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert workspace: %w", err)
	}

	return &Workspace{ID: id, Name: name, Description: description, CreatedAt: now, UpdatedAt: now}, nil
}

// GetWorkspace returns a workspace by ID, or nil if absent or deleted.
func (db *ServerDB) GetWorkspace(id string) (*Workspace, error) {
	w := &Workspace{}
	err := db.conn.QueryRow(
		`SELECT id, name, description, created_at, updated_at, deleted_at
		 FROM workspaces WHERE id = ? AND deleted_at IS NULL`, id,
	).Scan(&w.ID, &w.Name, &w.Description, &w.CreatedAt, &w.UpdatedAt, &w.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return w, nil
}

// ListWorkspaces returns all live workspaces.
func (db *ServerDB) ListWorkspaces() ([]*Workspace, error) {
	rows, err := db.conn.Query(
		`SELECT id, name, description, created_at, updated_at, deleted_at
		 FROM workspaces WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		w := &Workspace{}
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &w.CreatedAt, &w.UpdatedAt, &w.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorkspace soft-deletes a workspace. The change log is kept for
// audit purposes; clients get 404 from then on.
func (db *ServerDB) DeleteWorkspace(id string) error {
	res, err := db.conn.Exec(
		`UPDATE workspaces SET deleted_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workspace not found: %s", id)
	}
	return nil
}
