// Package attendance records service attendance counts that go through approval.
package attendance

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shepherd-ops/shepherd/internal/approval"
	"github.com/shepherd-ops/shepherd/internal/audit"
	"github.com/shepherd-ops/shepherd/internal/shared"
)

// Kind describes attendance records to the approval engine.
var Kind = approval.Kind{
	Name:              "attendance",
	ApprovePermission: shared.PermAttendanceApprove,
	EditPermission:    shared.PermAttendanceEdit,
	ViewPermission:    shared.PermAttendanceView,
}

// Record is the headcount of one service.
type Record struct {
	ID          int64     `json:"id"`
	ServiceName string    `json:"service_name" validate:"required,max=120"`
	ServiceDate time.Time `json:"service_date" validate:"required"`
	Men         int       `json:"men" validate:"gte=0"`
	Women       int       `json:"women" validate:"gte=0"`
	Children    int       `json:"children" validate:"gte=0"`
	Visitors    int       `json:"visitors" validate:"gte=0"`
	Notes       string    `json:"notes" validate:"max=2000"`
	approval.State
}

func (r *Record) ApprovalID() int64 { return r.ID }

// Total is the headcount across all groups.
func (r *Record) Total() int {
	return r.Men + r.Women + r.Children + r.Visitors
}

// Validate rejects a record with nobody counted.
func (r *Record) Validate() error {
	if r.Total() == 0 {
		return shared.NewValidationError("men", "at least one attendee must be counted")
	}
	return nil
}

func (r *Record) AuditSnapshot() audit.Snapshot {
	return audit.Snapshot{
		"service_name": r.ServiceName,
		"service_date": r.ServiceDate.Format(time.DateOnly),
		"men":          r.Men,
		"women":        r.Women,
		"children":     r.Children,
		"visitors":     r.Visitors,
		"total":        r.Total(),
		"notes":        r.Notes,
	}
}

// Input is the request body for submit and edit.
type Input struct {
	ServiceName string      `json:"service_name"`
	ServiceDate shared.Date `json:"service_date"`
	Men         int         `json:"men"`
	Women       int         `json:"women"`
	Children    int         `json:"children"`
	Visitors    int         `json:"visitors"`
	Notes       string      `json:"notes"`
}

// Apply copies the payload onto r.
func (in *Input) Apply(r *Record) {
	r.ServiceName = in.ServiceName
	r.ServiceDate = in.ServiceDate.Time
	r.Men = in.Men
	r.Women = in.Women
	r.Children = in.Children
	r.Visitors = in.Visitors
	r.Notes = in.Notes
}

// Schema maps Record onto attendance_records.
var Schema = approval.Schema[*Record]{
	Table:   "attendance_records",
	Columns: []string{"service_name", "service_date", "men", "women", "children", "visitors", "notes"},
	New:     func() *Record { return &Record{} },
	ID:      func(r *Record) *int64 { return &r.ID },
	Values: func(r *Record) []any {
		return []any{r.ServiceName, r.ServiceDate, r.Men, r.Women, r.Children, r.Visitors, r.Notes}
	},
	Targets: func(r *Record) []any {
		return []any{&r.ServiceName, &r.ServiceDate, &r.Men, &r.Women, &r.Children, &r.Visitors, &r.Notes}
	},
}

// NewStore returns the PostgreSQL store for attendance records.
func NewStore(pool *pgxpool.Pool) *approval.PGStore[*Record] {
	return approval.NewPGStore(pool, Schema)
}
