package serverdb

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"
)

const (
	apiKeyPrefix = "aiw_live_"
	keyLength    = 32
)

var base62Chars = []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz")

// APIKey represents a stored API key (without the plaintext secret).
// Keys are workspace-scoped: holding one grants sync access to exactly
// that workspace.
type APIKey struct {
	ID          string
	WorkspaceID string
	KeyPrefix   string
	Name        string
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// GenerateAPIKey creates a new API key for the given workspace.
// Returns the plaintext key (shown once) and the stored APIKey record.
func (db *ServerDB) GenerateAPIKey(workspaceID, name string, expiresAt *time.Time) (string, *APIKey, error) {
	var exists int
	if err := db.conn.QueryRow(`SELECT 1 FROM workspaces WHERE id = ? AND deleted_at IS NULL`, workspaceID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return "", nil, fmt.Errorf("workspace not found: %s", workspaceID)
		}
		return "", nil, fmt.Errorf("check workspace: %w", err)
	}

	id, err := generateID("ak_")
	if err != nil {
		return "", nil, fmt.Errorf("generate api key id: %w", err)
	}

	// Generate random base62 key
	secret := make([]byte, keyLength)
	for i := range secret {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(base62Chars))))
		if err != nil {
			return "", nil, fmt.Errorf("generate random key: %w", err)
		}
		secret[i] = base62Chars[n.Int64()]
	}

	plaintext := apiKeyPrefix + string(secret)
	prefix := string(secret[:8])

	hash := sha256.Sum256([]byte(plaintext))
	keyHash := hex.EncodeToString(hash[:])

	now := time.Now().UTC()
	_, err = db.conn.Exec(
		`INSERT INTO api_keys (id, workspace_id, key_hash, key_prefix, name, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, workspaceID, keyHash, prefix, name, expiresAt, now,
	)
	if err != nil {
		return "", nil, fmt.Errorf("insert api key: %w", err)
	}

	ak := &APIKey{
		ID:          id,
		WorkspaceID: workspaceID,
		KeyPrefix:   prefix,
		Name:        name,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}
	return plaintext, ak, nil
}

// VerifyAPIKey checks a plaintext key against stored hashes. Returns the
// matching APIKey, or nil when unknown or expired.
func (db *ServerDB) VerifyAPIKey(plaintextKey string) (*APIKey, error) {
	hash := sha256.Sum256([]byte(plaintextKey))
	keyHash := hex.EncodeToString(hash[:])

	ak := &APIKey{}
	err := db.conn.QueryRow(`
		SELECT id, workspace_id, key_prefix, name, expires_at, last_used_at, created_at
		FROM api_keys WHERE key_hash = ?
	`, keyHash).Scan(&ak.ID, &ak.WorkspaceID, &ak.KeyPrefix, &ak.Name, &ak.ExpiresAt, &ak.LastUsedAt, &ak.CreatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("api key not found", "key_hash_prefix", keyHash[:8])
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verify api key: %w", err)
	}

	if ak.ExpiresAt != nil && ak.ExpiresAt.Before(time.Now().UTC()) {
		slog.Debug("api key expired", "key_id", ak.ID, "expires_at", ak.ExpiresAt)
		return nil, nil
	}

	now := time.Now().UTC()
	if _, err := db.conn.Exec(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, now, ak.ID); err != nil {
		slog.Warn("update last_used_at", "key_id", ak.ID, "err", err)
	}
	ak.LastUsedAt = &now

	return ak, nil
}

// RevokeAPIKey deletes an API key within its workspace.
func (db *ServerDB) RevokeAPIKey(keyID, workspaceID string) error {
	res, err := db.conn.Exec(`DELETE FROM api_keys WHERE id = ? AND workspace_id = ?`, keyID, workspaceID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("api key not found in workspace")
	}
	return nil
}

// ListAPIKeys returns all API keys for a workspace (without secrets).
func (db *ServerDB) ListAPIKeys(workspaceID string) ([]*APIKey, error) {
	rows, err := db.conn.Query(
		`SELECT id, workspace_id, key_prefix, name, expires_at, last_used_at, created_at
		 FROM api_keys WHERE workspace_id = ? ORDER BY created_at`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		ak := &APIKey{}
		if err := rows.Scan(&ak.ID, &ak.WorkspaceID, &ak.KeyPrefix, &ak.Name, &ak.ExpiresAt, &ak.LastUsedAt, &ak.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, ak)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys: iterate: %w", err)
	}
	return keys, nil
}
