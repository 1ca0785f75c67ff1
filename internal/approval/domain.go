// Package approval implements the submit/approve/reject lifecycle shared by
// every approvable record type.
package approval

import (
	"fmt"
	"time"

	"github.com/shepherd-ops/shepherd/internal/audit"
	"github.com/shepherd-ops/shepherd/internal/shared"
)

// Status is the lifecycle state of an approvable record.
type Status string

const (
	StatusPending       Status = "pending"
	StatusPendingReview Status = "pending_review"
	StatusReviewed      Status = "reviewed"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Open reports whether nobody has acted on the record yet. Only open records
// may be edited or deleted.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusPendingReview
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPendingReview, StatusReviewed, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// State holds the approval columns every approvable record carries. Record
// types embed it.
type State struct {
	Status          Status     `json:"status"`
	SubmittedBy     int64      `json:"submitted_by"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	ApprovedBy      *int64     `json:"approved_by"`
	ApprovedAt      *time.Time `json:"approved_at"`
	RejectionReason *string    `json:"rejection_reason"`
}

// ApprovalState exposes the embedded state to the engine.
func (s *State) ApprovalState() *State {
	return s
}

// Entity is implemented by pointer record types that embed State.
type Entity interface {
	ApprovalID() int64
	ApprovalState() *State
	// AuditSnapshot returns the payload fields recorded in audit rows.
	AuditSnapshot() audit.Snapshot
}

// Validator is optionally implemented by records with rules beyond struct tags.
type Validator interface {
	Validate() error
}

// Kind describes one approvable record type.
type Kind struct {
	// Name is the audit entity type, e.g. "attendance".
	Name              string
	ApprovePermission string
	// RejectPermission may grant reject without approve.
	RejectPermission string
	// ReviewPermission enables the pending_review -> reviewed pre-state.
	ReviewPermission string
	// EditPermission lets non-submitters edit or delete open records.
	EditPermission string
	// ViewPermission lets non-submitters read records.
	ViewPermission string
}

// Reviewed reports whether the kind uses the review pre-states.
func (k Kind) Reviewed() bool {
	return k.ReviewPermission != ""
}

// InitialStatus is the status assigned on submit.
func (k Kind) InitialStatus() Status {
	if k.Reviewed() {
		return StatusPendingReview
	}
	return StatusPending
}

// BulkSources lists the statuses bulk operations transition from. Records in
// pending_review need an individual decision by a reviewer.
func (k Kind) BulkSources() []Status {
	if k.Reviewed() {
		return []Status{StatusPending, StatusReviewed}
	}
	return []Status{StatusPending}
}

// readPermissions grants reading every record of the kind. Anyone who may act
// on a record may also read it.
func (k Kind) readPermissions() []string {
	perms := make([]string, 0, 5)
	for _, p := range []string{k.ViewPermission, k.ApprovePermission, k.RejectPermission, k.ReviewPermission, k.EditPermission} {
		if p != "" {
			perms = append(perms, p)
		}
	}
	return perms
}

func (k Kind) rejectPermissions() []string {
	if k.RejectPermission == "" {
		return []string{k.ApprovePermission}
	}
	return []string{k.ApprovePermission, k.RejectPermission}
}

var (
	// ErrAlreadyProcessed is returned when the record already left the source state.
	ErrAlreadyProcessed = fmt.Errorf("approval: already processed: %w", shared.ErrConflict)
	// ErrNotEditable is returned when editing or deleting a record somebody already acted on.
	ErrNotEditable = fmt.Errorf("approval: record is no longer editable: %w", shared.ErrConflict)
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = fmt.Errorf("approval: %w", shared.ErrNotFound)
)

// MaxBulkSize bounds the ids accepted by one bulk call.
const MaxBulkSize = 500

// BulkResult reports how many of the requested ids changed state.
type BulkResult struct {
	Requested  int     `json:"requested"`
	Changed    int     `json:"changed"`
	Skipped    int     `json:"skipped"`
	ChangedIDs []int64 `json:"changed_ids"`
}

// ListFilter narrows List.
type ListFilter struct {
	Status      Status
	SubmittedBy int64
	Limit       int
	Offset      int
}

// Transitioned is one row changed by a bulk transition.
type Transitioned struct {
	ID   int64
	From Status
}
