package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EntityType identifies a synchronized domain object kind.
type EntityType string

const (
	EntityProject EntityType = "projects"
	EntityIssue   EntityType = "issues"
	EntityFaq     EntityType = "faq"
)

// ValidEntityType reports whether et names a syncable entity table.
func ValidEntityType(et string) bool {
	switch EntityType(et) {
	case EntityProject, EntityIssue, EntityFaq:
		return true
	}
	return false
}

// Operation is a mutation kind recorded in the change log.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Policy selects the conflict resolution behavior for an entity type.
type Policy string

const (
	// PolicyMergeable merges disjoint field sets and unions tag-like fields.
	PolicyMergeable Policy = "mergeable"
	// PolicyLWW lets the server-side winner stand and requeues the loser.
	PolicyLWW Policy = "lww"
	// PolicyManual parks both sides until an explicit resolution.
	PolicyManual Policy = "manual"
)

// PolicyFor returns the resolution policy for an entity type.
// Unknown types fall back to manual, the only always-safe choice.
func PolicyFor(et EntityType) Policy {
	switch et {
	case EntityFaq:
		return PolicyMergeable
	case EntityIssue:
		return PolicyLWW
	case EntityProject:
		return PolicyManual
	}
	return PolicyManual
}

// SetFields lists the tag-like fields per entity type that merge by set
// union when both sides touched them.
func SetFields(et EntityType) []string {
	switch et {
	case EntityFaq:
		return []string{"tags"}
	case EntityIssue:
		return []string{"labels"}
	}
	return nil
}

// Status represents issue status.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// Priority represents issue priority.
type Priority string

const (
	PriorityP0 Priority = "P0" // critical
	PriorityP1 Priority = "P1" // high
	PriorityP2 Priority = "P2" // medium (default)
	PriorityP3 Priority = "P3" // low
)

// Project is workspace-level metadata. Conflicting concurrent edits are
// never auto-merged; they park for manual resolution.
type Project struct {
	EntityID    string    `json:"-"`
	Name        string    `json:"name"`
	Path        string    `json:"path,omitempty"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status,omitempty"`
	UpdatedAt   time.Time `json:"-"`
}

// Issue is a tracked work item belonging to a project.
type Issue struct {
	EntityID  string    `json:"-"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Status    Status    `json:"status"`
	Priority  Priority  `json:"priority"`
	Labels    []string  `json:"labels,omitempty"`
	UpdatedAt time.Time `json:"-"`
}

// FaqEntry is a keyed question/answer record for assistant context.
type FaqEntry struct {
	EntityID  string    `json:"-"`
	Key       string    `json:"key"`
	Category  string    `json:"category,omitempty"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Tags      []string  `json:"tags,omitempty"`
	UpdatedAt time.Time `json:"-"`
}

// MarshalPayload serializes a domain value to an entity payload.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// ParseList splits a comma-joined tag/label string, dropping empties.
func ParseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinList renders a tag/label list as comma-joined text for storage.
func JoinList(items []string) string {
	return strings.Join(items, ",")
}
