package audit

import (
	"context"
	"time"
)

// Action is the verb recorded for an audited mutation.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionReview  Action = "review"
)

// Snapshot is an opaque key-value view of a record at one point in time.
type Snapshot map[string]any

// Changes is persisted as the JSON changes column. Either side may be nil.
type Changes struct {
	Before Snapshot `json:"before"`
	After  Snapshot `json:"after"`
}

// Entry represents a single row of the append-only audit trail.
type Entry struct {
	ID         int64     `json:"id"`
	UserID     *int64    `json:"user_id"`
	Action     Action    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Changes    Changes   `json:"changes"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Appender appends entries to durable storage. Implementations never expose
// update or delete of written rows.
type Appender interface {
	AppendAudit(ctx context.Context, entry Entry) error
}
