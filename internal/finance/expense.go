// Package finance holds the approvable money records: expenses and contributions.
package finance

import (
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shepherd-ops/shepherd/internal/approval"
	"github.com/shepherd-ops/shepherd/internal/audit"
	"github.com/shepherd-ops/shepherd/internal/shared"
)

// ExpenseKind describes expenses to the approval engine. Expenses pass a
// review step before a decision.
var ExpenseKind = approval.Kind{
	Name:              "expense",
	ApprovePermission: shared.PermExpensesApprove,
	ReviewPermission:  shared.PermExpensesReview,
	EditPermission:    shared.PermExpensesEdit,
	ViewPermission:    shared.PermExpensesView,
}

// Expense is money paid out by the church.
type Expense struct {
	ID          int64     `json:"id"`
	Category    string    `json:"category" validate:"required,max=64"`
	Description string    `json:"description" validate:"required,max=500"`
	Amount      float64   `json:"amount" validate:"gt=0"`
	ExpenseDate time.Time `json:"expense_date" validate:"required"`
	ReceiptRef  string    `json:"receipt_ref" validate:"max=255"`
	approval.State
}

func (e *Expense) ApprovalID() int64 { return e.ID }

func (e *Expense) AuditSnapshot() audit.Snapshot {
	return audit.Snapshot{
		"category":     e.Category,
		"description":  e.Description,
		"amount":       e.Amount,
		"expense_date": e.ExpenseDate.Format(time.DateOnly),
		"receipt_ref":  e.ReceiptRef,
	}
}

// ExpenseInput is the request body for expense submit and edit.
type ExpenseInput struct {
	Category    string      `json:"category"`
	Description string      `json:"description"`
	Amount      float64     `json:"amount"`
	ExpenseDate shared.Date `json:"expense_date"`
	ReceiptRef  string      `json:"receipt_ref"`
}

// Apply copies the payload onto e.
func (in *ExpenseInput) Apply(e *Expense) {
	e.Category = strings.ToLower(strings.TrimSpace(in.Category))
	e.Description = strings.TrimSpace(in.Description)
	e.Amount = in.Amount
	e.ExpenseDate = in.ExpenseDate.Time
	e.ReceiptRef = strings.TrimSpace(in.ReceiptRef)
}

// ExpenseSchema maps Expense onto expenses.
var ExpenseSchema = approval.Schema[*Expense]{
	Table:   "expenses",
	Columns: []string{"category", "description", "amount", "expense_date", "receipt_ref"},
	New:     func() *Expense { return &Expense{} },
	ID:      func(e *Expense) *int64 { return &e.ID },
	Values: func(e *Expense) []any {
		return []any{e.Category, e.Description, e.Amount, e.ExpenseDate, e.ReceiptRef}
	},
	Targets: func(e *Expense) []any {
		return []any{&e.Category, &e.Description, &e.Amount, &e.ExpenseDate, &e.ReceiptRef}
	},
}

// NewExpenseStore returns the PostgreSQL store for expenses.
func NewExpenseStore(pool *pgxpool.Pool) *approval.PGStore[*Expense] {
	return approval.NewPGStore(pool, ExpenseSchema)
}
