package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/shepherd-ops/shepherd/internal/platform/db"
)

// PGAppender writes entries into audit_logs using a pool or a transaction.
type PGAppender struct {
	db db.DBTX
}

// NewPGAppender constructs an appender over q.
func NewPGAppender(q db.DBTX) *PGAppender {
	return &PGAppender{db: q}
}

// AppendAudit inserts one row. audit_logs is never updated or deleted from here.
func (a *PGAppender) AppendAudit(ctx context.Context, e Entry) error {
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("audit: encode changes: %w", err)
	}
	_, err = a.db.Exec(ctx, `INSERT INTO audit_logs (user_id, action, entity_type, entity_id, changes, ip_address, user_agent, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.UserID, string(e.Action), e.EntityType, e.EntityID, changes,
		strings.TrimSpace(e.IPAddress), strings.TrimSpace(e.UserAgent), e.CreatedAt)
	return err
}

// Repository serves the read side of audit_logs.
type Repository struct {
	db db.DBTX
}

// NewRepository constructs a read repository.
func NewRepository(q db.DBTX) *Repository {
	return &Repository{db: q}
}

// ListEntries returns rows matching q, newest first.
func (r *Repository) ListEntries(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.EntityType != "" {
		add("entity_type = $%d", q.EntityType)
	}
	if q.EntityID != "" {
		add("entity_id = $%d", q.EntityID)
	}
	if q.UserID != nil {
		add("user_id = $%d", *q.UserID)
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if !q.From.IsZero() {
		add("created_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("created_at < $%d", q.To)
	}
	sql := `SELECT id, user_id, action, entity_type, entity_id, changes, ip_address, user_agent, created_at FROM audit_logs`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, q.Limit, q.Offset)
	sql += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			action  string
			changes []byte
			ip, ua  pgtype.Text
		)
		if err := rows.Scan(&e.ID, &e.UserID, &action, &e.EntityType, &e.EntityID, &changes, &ip, &ua, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = Action(action)
		e.IPAddress = ip.String
		e.UserAgent = ua.String
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &e.Changes); err != nil {
				return nil, fmt.Errorf("audit: decode changes for %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
