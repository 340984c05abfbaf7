package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mhartmann/aiw/internal/serverdb"
)

const (
	maxPushBatch = 1000
	maxPullLimit = 1000
	defPullLimit = 200
)

// PushRequest is the JSON body for POST /v1/workspaces/{id}/sync/push.
type PushRequest struct {
	ClientID string        `json:"client_id"`
	Changes  []ChangeInput `json:"changes"`
}

// ChangeInput represents a single change in a push request.
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

// PushResponse is the JSON response for a push request.
type PushResponse struct {
	Results []PushResultResponse `json:"results"`
}

// PushResultResponse is the verdict for one pushed change.
type PushResultResponse struct {
	ChangeID       int64           `json:"change_id"`
	Status         string          `json:"status"`
	ServerSeq      int64           `json:"server_seq,omitempty"`
	NewVersion     int64           `json:"new_version,omitempty"`
	CurrentVersion int64           `json:"current_version,omitempty"`
	CurrentPayload json.RawMessage `json:"current_payload,omitempty"`
	CurrentDeleted bool            `json:"current_deleted,omitempty"`
}

// PullResponse is the JSON response for a pull request.
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

// SyncStatusResponse is the JSON response for GET /v1/workspaces/{id}/sync/status.
type SyncStatusResponse struct {
	ChangeCount    int64  `json:"change_count"`
	LastServerSeq  int64  `json:"last_server_seq"`
	LastChangeTime string `json:"last_change_time,omitempty"`
}

// handleSyncPush handles POST /v1/workspaces/{id}/sync/push.
func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("id")

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}

	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "client_id is required")
		return
	}
	if len(req.Changes) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "changes array is empty")
		return
	}
	if len(req.Changes) > maxPushBatch {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(req.Changes), maxPushBatch))
		return
	}

	incoming := make([]serverdb.IncomingChange, len(req.Changes))
	for i, ch := range req.Changes {
		ts, err := time.Parse(time.RFC3339Nano, ch.Timestamp)
		if err != nil {
			ts, err = time.Parse(time.RFC3339, ch.Timestamp)
			if err != nil {
				writeError(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("invalid timestamp for change %d", ch.ChangeID))
				return
			}
		}
		incoming[i] = serverdb.IncomingChange{
			ChangeID:        ch.ChangeID,
			EntityID:        ch.EntityID,
			EntityType:      ch.EntityType,
			Operation:       ch.Operation,
			BaseVersion:     ch.BaseVersion,
			FieldMask:       ch.FieldMask,
			PayloadDelta:    ch.PayloadDelta,
			ClientTimestamp: ts,
		}
	}

	verdicts, err := s.store.ApplyPush(workspaceID, req.ClientID, incoming)
	if err != nil {
		// Validation failures reject the whole batch; a client that
		// sends malformed changes has a bug, not a conflict.
		logFor(r.Context()).Warn("push rejected", "client_id", req.ClientID, "err", err)
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	resp := PushResponse{Results: make([]PushResultResponse, len(verdicts))}
	var accepted, conflicted, duplicate int
	for i, v := range verdicts {
		resp.Results[i] = PushResultResponse{
			ChangeID:       v.ChangeID,
			Status:         v.Status,
			ServerSeq:      v.ServerSeq,
			NewVersion:     v.NewVersion,
			CurrentVersion: v.CurrentVersion,
			CurrentPayload: v.CurrentPayload,
			CurrentDeleted: v.CurrentDeleted,
		}
		switch v.Status {
		case serverdb.StatusAccepted:
			accepted++
		case serverdb.StatusConflict:
			conflicted++
		case serverdb.StatusDuplicate:
			duplicate++
		}
	}

	s.metrics.RecordAcceptedChanges(int64(accepted))
	s.metrics.RecordPushConflicts(int64(conflicted))
	s.audit(r, workspaceID, req.ClientID, "push", accepted, conflicted, duplicate)

	writeJSON(w, http.StatusOK, resp)
}

// handleSyncPull handles GET /v1/workspaces/{id}/sync/pull.
func (s *Server) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	s.metrics.RecordPullRequest()
	workspaceID := r.PathValue("id")

	since := int64(0)
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidQuery, "invalid since")
			return
		}
		since = n
	}

	limit := defPullLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidQuery, "invalid limit")
			return
		}
		if n > maxPullLimit {
			n = maxPullLimit
		}
		limit = n
	}

	changes, hasMore, err := s.store.GetChangesSince(workspaceID, since, limit)
	if err != nil {
		logFor(r.Context()).Error("get changes", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read change log")
		return
	}

	resp := PullResponse{HasMore: hasMore}
	for _, ch := range changes {
		resp.Changes = append(resp.Changes, PullChange{
			ServerSeq:    ch.ServerSeq,
			ClientID:     ch.ClientID,
			ChangeID:     ch.ChangeID,
			EntityID:     ch.EntityID,
			EntityType:   ch.EntityType,
			Operation:    ch.Operation,
			NewVersion:   ch.NewVersion,
			FieldMask:    ch.FieldMask,
			PayloadDelta: ch.PayloadDelta,
			Timestamp:    ch.ServerTimestamp.UTC().Format(time.RFC3339Nano),
		})
	}

	// Pulls are accounted like pushes; Accepted carries the served count.
	s.audit(r, workspaceID, getClientID(r.Context()), "pull", len(changes), 0, 0)

	writeJSON(w, http.StatusOK, resp)
}

// handleSyncStatus handles GET /v1/workspaces/{id}/sync/status.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("id")

	st, err := s.store.Status(workspaceID)
	if err != nil {
		logFor(r.Context()).Error("log status", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read status")
		return
	}

	writeJSON(w, http.StatusOK, SyncStatusResponse{
		ChangeCount:    st.ChangeCount,
		LastServerSeq:  st.LastServerSeq,
		LastChangeTime: st.LastChangeTime,
	})
}

// AuditEntryResponse is one row of GET /v1/workspaces/{id}/sync/audit.
type AuditEntryResponse struct {
	ClientID   string `json:"client_id"`
	Action     string `json:"action"`
	Accepted   int    `json:"accepted"`
	Conflicted int    `json:"conflicted"`
	Duplicate  int    `json:"duplicate"`
	CreatedAt  string `json:"created_at"`
}

// handleSyncAudit handles GET /v1/workspaces/{id}/sync/audit.
func (s *Server) handleSyncAudit(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("id")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := s.store.ListAudit(workspaceID, limit)
	if err != nil {
		logFor(r.Context()).Error("list audit", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read audit log")
		return
	}

	out := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryResponse{
			ClientID:   e.ClientID,
			Action:     e.Action,
			Accepted:   e.Accepted,
			Conflicted: e.Conflicted,
			Duplicate:  e.Duplicate,
			CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// audit records one request in the workspace audit log, best effort.
func (s *Server) audit(r *http.Request, workspaceID, clientID, action string, accepted, conflicted, duplicate int) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if err := s.store.RecordAudit(&serverdb.AuditEntry{
		WorkspaceID: workspaceID,
		ClientID:    clientID,
		Action:      action,
		Accepted:    accepted,
		Conflicted:  conflicted,
		Duplicate:   duplicate,
		RemoteAddr:  host,
	}); err != nil {
		logFor(r.Context()).Warn("record audit", "err", err)
	}
}
