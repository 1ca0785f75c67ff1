package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shepherd-ops/shepherd/internal/audit"
	"github.com/shepherd-ops/shepherd/internal/platform/db"
)

// Schema maps a record type onto its table. Payload columns are the
// type-specific fields; the approval columns are shared by every table.
type Schema[T Entity] struct {
	Table   string
	Columns []string
	// New allocates an empty record for scanning.
	New func() T
	// ID returns the scan target of the primary key.
	ID func(T) *int64
	// Values returns payload values in Columns order.
	Values func(T) []any
	// Targets returns payload scan targets in Columns order.
	Targets func(T) []any
}

var stateColumns = []string{"status", "submitted_by", "submitted_at", "approved_by", "approved_at", "rejection_reason"}

func (s Schema[T]) selectList() string {
	cols := make([]string, 0, 1+len(s.Columns)+len(stateColumns))
	cols = append(cols, "id")
	cols = append(cols, s.Columns...)
	cols = append(cols, stateColumns...)
	return strings.Join(cols, ", ")
}

func (s Schema[T]) scan(row pgx.Row) (T, error) {
	entity := s.New()
	state := entity.ApprovalState()
	var status string
	targets := make([]any, 0, 1+len(s.Columns)+len(stateColumns))
	targets = append(targets, s.ID(entity))
	targets = append(targets, s.Targets(entity)...)
	targets = append(targets, &status, &state.SubmittedBy, &state.SubmittedAt, &state.ApprovedBy, &state.ApprovedAt, &state.RejectionReason)
	if err := row.Scan(targets...); err != nil {
		var zero T
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, ErrNotFound
		}
		return zero, err
	}
	state.Status = Status(status)
	return entity, nil
}

// PGStore is the PostgreSQL Store for one record type.
type PGStore[T Entity] struct {
	pool   *pgxpool.Pool
	schema Schema[T]
}

// NewPGStore constructs a store over pool.
func NewPGStore[T Entity](pool *pgxpool.Pool, schema Schema[T]) *PGStore[T] {
	return &PGStore[T]{pool: pool, schema: schema}
}

// WithTx runs fn in a READ COMMITTED transaction.
func (s *PGStore[T]) WithTx(ctx context.Context, fn func(context.Context, Tx[T]) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx[T]{Appender: audit.NewPGAppender(tx), q: tx, schema: s.schema})
	})
}

// Get loads one record.
func (s *PGStore[T]) Get(ctx context.Context, id int64) (T, error) {
	return s.schema.scan(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, s.schema.selectList(), s.schema.Table), id))
}

// List returns records newest first.
func (s *PGStore[T]) List(ctx context.Context, filter ListFilter) ([]T, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.SubmittedBy > 0 {
		args = append(args, filter.SubmittedBy)
		where = append(where, fmt.Sprintf("submitted_by = $%d", len(args)))
	}
	sql := fmt.Sprintf(`SELECT %s FROM %s`, s.schema.selectList(), s.schema.Table)
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	sql += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		entity, err := s.schema.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

type pgTx[T Entity] struct {
	audit.Appender
	q      db.DBTX
	schema Schema[T]
}

func (t *pgTx[T]) Lock(ctx context.Context, id int64) (T, error) {
	return t.schema.scan(t.q.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, t.schema.selectList(), t.schema.Table), id))
}

func (t *pgTx[T]) Insert(ctx context.Context, entity T) (T, error) {
	state := entity.ApprovalState()
	cols := append(append([]string{}, t.schema.Columns...), "status", "submitted_by", "submitted_at")
	args := append(t.schema.Values(entity), string(state.Status), state.SubmittedBy, state.SubmittedAt)
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING id`,
		t.schema.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if err := t.q.QueryRow(ctx, sql, args...).Scan(t.schema.ID(entity)); err != nil {
		var zero T
		return zero, err
	}
	return entity, nil
}

func (t *pgTx[T]) Update(ctx context.Context, entity T) error {
	sets := make([]string, len(t.schema.Columns))
	for i, col := range t.schema.Columns {
		sets[i] = fmt.Sprintf("%s = $%d", col, i+2)
	}
	args := append([]any{entity.ApprovalID()}, t.schema.Values(entity)...)
	tag, err := t.q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s, updated_at = NOW() WHERE id = $1`,
		t.schema.Table, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx[T]) Delete(ctx context.Context, id int64) error {
	tag, err := t.q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, t.schema.Table), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx[T]) Transition(ctx context.Context, id int64, from []Status, next State) (bool, error) {
	tag, err := t.q.Exec(ctx, fmt.Sprintf(`UPDATE %s
SET status = $2, approved_by = $3, approved_at = $4, rejection_reason = $5, updated_at = NOW()
WHERE id = $1 AND status = ANY($6)`, t.schema.Table),
		id, string(next.Status), next.ApprovedBy, next.ApprovedAt, next.RejectionReason, statusStrings(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// BulkTransition locks the candidate rows in id order, then updates them in
// the same statement. Under READ COMMITTED a row changed by a concurrent
// transaction is re-checked against the status filter after the lock wait
// and dropped, so each row transitions at most once.
func (t *pgTx[T]) BulkTransition(ctx context.Context, ids []int64, from []Status, next State) ([]Transitioned, error) {
	rows, err := t.q.Query(ctx, fmt.Sprintf(`WITH target AS (
    SELECT id, status FROM %[1]s
    WHERE id = ANY($1) AND status = ANY($2)
    ORDER BY id
    FOR UPDATE
)
UPDATE %[1]s AS e
SET status = $3, approved_by = $4, approved_at = $5, rejection_reason = $6, updated_at = NOW()
FROM target
WHERE e.id = target.id AND e.status = ANY($2)
RETURNING e.id, target.status`, t.schema.Table),
		ids, statusStrings(from), string(next.Status), next.ApprovedBy, next.ApprovedAt, next.RejectionReason)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transitioned
	for rows.Next() {
		var (
			row  Transitioned
			from string
		)
		if err := rows.Scan(&row.ID, &from); err != nil {
			return nil, err
		}
		row.From = Status(from)
		out = append(out, row)
	}
	return out, rows.Err()
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
