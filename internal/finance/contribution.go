package finance

import (
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shepherd-ops/shepherd/internal/approval"
	"github.com/shepherd-ops/shepherd/internal/audit"
	"github.com/shepherd-ops/shepherd/internal/shared"
)

// ContributionKind describes contributions to the approval engine.
var ContributionKind = approval.Kind{
	Name:              "contribution",
	ApprovePermission: shared.PermContributionsApprove,
	EditPermission:    shared.PermContributionsEdit,
	ViewPermission:    shared.PermContributionsView,
}

// Contribution types.
const (
	ContributionTithe    = "tithe"
	ContributionOffering = "offering"
	ContributionPledge   = "pledge"
	ContributionOther    = "other"
)

// Contribution is money received, optionally attributed to a member.
type Contribution struct {
	ID               int64     `json:"id"`
	MemberID         *int64    `json:"member_id" validate:"omitempty,gt=0"`
	ContributionType string    `json:"contribution_type" validate:"required,oneof=tithe offering pledge other"`
	Amount           float64   `json:"amount" validate:"gt=0"`
	PaymentMethod    string    `json:"payment_method" validate:"required,oneof=cash transfer card check mobile"`
	ContributionDate time.Time `json:"contribution_date" validate:"required"`
	approval.State
}

func (c *Contribution) ApprovalID() int64 { return c.ID }

// Validate requires pledges to name the pledging member.
func (c *Contribution) Validate() error {
	if c.ContributionType == ContributionPledge && c.MemberID == nil {
		return shared.NewValidationError("member_id", "is required for pledges")
	}
	return nil
}

func (c *Contribution) AuditSnapshot() audit.Snapshot {
	snap := audit.Snapshot{
		"contribution_type": c.ContributionType,
		"amount":            c.Amount,
		"payment_method":    c.PaymentMethod,
		"contribution_date": c.ContributionDate.Format(time.DateOnly),
		"member_id":         nil,
	}
	if c.MemberID != nil {
		snap["member_id"] = *c.MemberID
	}
	return snap
}

// ContributionInput is the request body for contribution submit and edit.
type ContributionInput struct {
	MemberID         *int64      `json:"member_id"`
	ContributionType string      `json:"contribution_type"`
	Amount           float64     `json:"amount"`
	PaymentMethod    string      `json:"payment_method"`
	ContributionDate shared.Date `json:"contribution_date"`
}

// Apply copies the payload onto c.
func (in *ContributionInput) Apply(c *Contribution) {
	c.MemberID = in.MemberID
	c.ContributionType = strings.ToLower(strings.TrimSpace(in.ContributionType))
	c.Amount = in.Amount
	c.PaymentMethod = strings.ToLower(strings.TrimSpace(in.PaymentMethod))
	c.ContributionDate = in.ContributionDate.Time
}

// ContributionSchema maps Contribution onto contributions.
var ContributionSchema = approval.Schema[*Contribution]{
	Table:   "contributions",
	Columns: []string{"member_id", "contribution_type", "amount", "payment_method", "contribution_date"},
	New:     func() *Contribution { return &Contribution{} },
	ID:      func(c *Contribution) *int64 { return &c.ID },
	Values: func(c *Contribution) []any {
		return []any{c.MemberID, c.ContributionType, c.Amount, c.PaymentMethod, c.ContributionDate}
	},
	Targets: func(c *Contribution) []any {
		return []any{&c.MemberID, &c.ContributionType, &c.Amount, &c.PaymentMethod, &c.ContributionDate}
	},
}

// NewContributionStore returns the PostgreSQL store for contributions.
func NewContributionStore(pool *pgxpool.Pool) *approval.PGStore[*Contribution] {
	return approval.NewPGStore(pool, ContributionSchema)
}
