// Package syncclient is the HTTP client for the aiw-syncd reconciliation
// endpoint. It implements the sync coordinator's Transport.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mhartmann/aiw/internal/sync"
)

// Sentinel errors for common HTTP error classes. ErrUnauthorized wraps
// the coordinator's auth sentinel so a bad key fails fast instead of
// burning retries.
var (
	ErrUnauthorized = fmt.Errorf("unauthorized: %w", sync.ErrAuth)
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Client is an HTTP client for one workspace on an aiw-syncd server.
type Client struct {
	BaseURL     string
	APIKey      string
	ClientID    string
	WorkspaceID string
	HTTP        *http.Client
}

// New creates a sync client.
func New(baseURL, apiKey, clientID, workspaceID string) *Client {
	return &Client{
		BaseURL:     baseURL,
		APIKey:      apiKey,
		ClientID:    clientID,
		WorkspaceID: workspaceID,
		HTTP:        &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Wire types (mirrors internal/api/sync.go, independently defined) ---

// PushRequest is the body for POST /v1/workspaces/{id}/sync/push.
type PushRequest struct {
	ClientID string        `json:"client_id"`
	Changes  []ChangeInput `json:"changes"`
}

// ChangeInput is a single change in a push request.
type ChangeInput struct {
	ChangeID     int64           `json:"change_id"`
	EntityID     string          `json:"entity_id"`
	EntityType   string          `json:"entity_type"`
	Operation    string          `json:"operation"`
	BaseVersion  int64           `json:"base_version"`
	FieldMask    []string        `json:"field_mask,omitempty"`
	PayloadDelta json.RawMessage `json:"payload_delta,omitempty"`
	Timestamp    string          `json:"timestamp"`
}

// PushResponse is the response from a push request.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// PushResult is the server's verdict on one pushed change.
type PushResult struct {
	ChangeID       int64           `json:"change_id"`
	Status         string          `json:"status"`
	ServerSeq      int64           `json:"server_seq,omitempty"`
	NewVersion     int64           `json:"new_version,omitempty"`
	CurrentVersion int64           `json:"current_version,omitempty"`
	CurrentPayload json.RawMessage `json:"current_payload,omitempty"`
	CurrentDeleted bool            `json:"current_deleted,omitempty"`
}

// PullResponse is the response from a pull request.
type PullResponse struct {
	Changes []PullChange `json:"changes"`
	HasMore bool         `json:"has_more"`
}

// PullChange is a single change in a pull response.
type PullChange struct {
	ServerSeq    int64           `json:"server_seq"`
	ClientID     string          `json:"client_id"`
	ChangeID     int64           `json:"change_id"`
	EntityID     string          `json:"entity_id"`
	EntityType   string          `json:"entity_type"`
	Operation    string          `json:"operation"`
	NewVersion   int64           `json:"new_version"`
	FieldMask    []string        `json:"field_mask,omitempty"`
	PayloadDelta json.RawMessage `json:"payload_delta,omitempty"`
	Timestamp    string          `json:"timestamp,omitempty"`
}

// StatusResponse is the response from GET /v1/workspaces/{id}/sync/status.
type StatusResponse struct {
	ChangeCount    int64  `json:"change_count"`
	LastServerSeq  int64  `json:"last_server_seq"`
	LastChangeTime string `json:"last_change_time,omitempty"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits /healthz to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth(ctx, "GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Push sends outbox changes and returns per-change outcomes.
func (c *Client) Push(ctx context.Context, changes []sync.Change) ([]sync.PushOutcome, error) {
	req := PushRequest{ClientID: c.ClientID, Changes: make([]ChangeInput, len(changes))}
	for i, ch := range changes {
		req.Changes[i] = ChangeInput{
			ChangeID:     ch.ChangeID,
			EntityID:     ch.EntityID,
			EntityType:   ch.EntityType,
			Operation:    ch.Operation,
			BaseVersion:  ch.BaseVersion,
			FieldMask:    ch.FieldMask,
			PayloadDelta: ch.PayloadDelta,
			Timestamp:    ch.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}

	var resp PushResponse
	path := fmt.Sprintf("/v1/workspaces/%s/sync/push", c.WorkspaceID)
	if err := c.do(ctx, "POST", path, req, &resp); err != nil {
		return nil, err
	}

	out := make([]sync.PushOutcome, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = sync.PushOutcome{
			ChangeID:       r.ChangeID,
			Status:         r.Status,
			ServerSeq:      r.ServerSeq,
			NewVersion:     r.NewVersion,
			CurrentVersion: r.CurrentVersion,
			CurrentPayload: r.CurrentPayload,
			CurrentDeleted: r.CurrentDeleted,
		}
	}
	return out, nil
}

// Pull fetches the server change log after the given sequence.
func (c *Client) Pull(ctx context.Context, since int64, limit int) (sync.PullBatch, error) {
	path := fmt.Sprintf("/v1/workspaces/%s/sync/pull?since=%s&limit=%d",
		c.WorkspaceID, strconv.FormatInt(since, 10), limit)

	var resp PullResponse
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return sync.PullBatch{}, err
	}

	batch := sync.PullBatch{HasMore: resp.HasMore}
	for _, ch := range resp.Changes {
		rc := sync.RemoteChange{
			ServerSeq:    ch.ServerSeq,
			ClientID:     ch.ClientID,
			ChangeID:     ch.ChangeID,
			EntityID:     ch.EntityID,
			EntityType:   ch.EntityType,
			Operation:    ch.Operation,
			NewVersion:   ch.NewVersion,
			FieldMask:    ch.FieldMask,
			PayloadDelta: ch.PayloadDelta,
		}
		if ch.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339Nano, ch.Timestamp); err == nil {
				rc.Timestamp = ts
			}
		}
		batch.Changes = append(batch.Changes, rc)
	}
	return batch, nil
}

// Status gets the server-side log status for the workspace.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	path := fmt.Sprintf("/v1/workspaces/%s/sync/status", c.WorkspaceID)
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, true)
}

func (c *Client) doNoAuth(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, false)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.ClientID != "" {
		req.Header.Set("X-Client-ID", c.ClientID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		// Error bodies arrive wrapped: {"error":{"code":...,"message":...}}.
		var envelope struct {
			Error apiError `json:"error"`
		}
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error.Code != "" {
			apiErr := envelope.Error
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
			case http.StatusForbidden:
				return fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)
			case http.StatusNotFound:
				return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
			default:
				return &apiErr
			}
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
