package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shepherd-ops/shepherd/internal/audit"
	"github.com/shepherd-ops/shepherd/internal/platform/db"
	"github.com/shepherd-ops/shepherd/internal/shared"
)

// ErrRoleExists indicates a duplicate role name.
var ErrRoleExists = fmt.Errorf("rbac: role already exists: %w", shared.ErrConflict)

// RepositoryPort is the Permission Store used by Service and the cache.
type RepositoryPort interface {
	PermissionSource
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	UserRoles(ctx context.Context, userID int64) (RoleAssignment, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional mutations. Audit rows written through it
// commit or roll back together with the change.
type TxRepository interface {
	audit.Appender
	CreateRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	LockRole(ctx context.Context, id int64) (Role, []string, error)
	ReplaceRolePermissions(ctx context.Context, roleID int64, names []string) error
	AttachPermission(ctx context.Context, roleID int64, name string) (bool, error)
	DetachPermission(ctx context.Context, roleID int64, name string) (bool, error)
	AssignRole(ctx context.Context, userID, roleID int64) (bool, error)
	RemoveRole(ctx context.Context, userID, roleID int64) (bool, error)
	UpsertPermission(ctx context.Context, perm Permission) (Permission, error)
	UpsertRole(ctx context.Context, role Role) (Role, error)
}

// Repository is the PostgreSQL Permission Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn in a READ COMMITTED transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, Appender: audit.NewPGAppender(tx)})
	})
}

// RolePermissionNames returns the permission names of role. Unknown roles
// return an empty slice.
func (r *Repository) RolePermissionNames(ctx context.Context, role string) ([]string, error) {
	return rolePermissionNames(ctx, r.pool, `SELECT p.name FROM permissions p
JOIN role_permissions rp ON rp.permission_id = p.id
JOIN roles r ON r.id = rp.role_id
WHERE lower(r.name) = lower($1)
ORDER BY p.name`, role)
}

// ListRoleNames returns every role name.
func (r *Repository) ListRoleNames(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT name FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

const roleColumns = `id, name, display_name, description, is_system, created_at, updated_at`

// ListRoles returns all roles ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetRole fetches a role by ID.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	return role, err
}

// ListPermissions returns the permission catalog.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, display_name, module, description FROM permissions ORDER BY module, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Module, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// UserRoles loads the many-to-many assignments and the legacy scalar in one query.
func (r *Repository) UserRoles(ctx context.Context, userID int64) (RoleAssignment, error) {
	var (
		legacy   pgtype.Text
		assigned []string
	)
	err := r.pool.QueryRow(ctx, `SELECT u.role,
       COALESCE(array_agg(r.name ORDER BY r.name) FILTER (WHERE r.name IS NOT NULL), '{}')
FROM users u
LEFT JOIN user_roles ur ON ur.user_id = u.id
LEFT JOIN roles r ON r.id = ur.role_id
WHERE u.id = $1
GROUP BY u.id, u.role`, userID).Scan(&legacy, &assigned)
	if errors.Is(err, pgx.ErrNoRows) {
		return RoleAssignment{}, ErrNotFound
	}
	if err != nil {
		return RoleAssignment{}, err
	}
	return RoleAssignment{Assigned: assigned, Legacy: legacy.String}, nil
}

type txRepo struct {
	audit.Appender
	tx pgx.Tx
}

func (t *txRepo) CreateRole(ctx context.Context, role Role) (Role, error) {
	out, err := scanRole(t.tx.QueryRow(ctx, `INSERT INTO roles (name, display_name, description, is_system)
VALUES ($1, $2, $3, $4)
RETURNING `+roleColumns, role.Name, role.DisplayName, role.Description, role.IsSystem))
	if db.IsUniqueViolation(err) {
		return Role{}, ErrRoleExists
	}
	return out, err
}

func (t *txRepo) UpdateRole(ctx context.Context, role Role) (Role, error) {
	out, err := scanRole(t.tx.QueryRow(ctx, `UPDATE roles
SET name = $2, display_name = $3, description = $4, updated_at = NOW()
WHERE id = $1
RETURNING `+roleColumns, role.ID, role.Name, role.DisplayName, role.Description))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Role{}, ErrNotFound
	case db.IsUniqueViolation(err):
		return Role{}, ErrRoleExists
	}
	return out, err
}

func (t *txRepo) DeleteRole(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) LockRole(ctx context.Context, id int64) (Role, []string, error) {
	role, err := scanRole(t.tx.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, nil, ErrNotFound
	}
	if err != nil {
		return Role{}, nil, err
	}
	perms, err := rolePermissionNames(ctx, t.tx, `SELECT p.name FROM permissions p
JOIN role_permissions rp ON rp.permission_id = p.id
WHERE rp.role_id = $1
ORDER BY p.name`, id)
	if err != nil {
		return Role{}, nil, err
	}
	return role, perms, nil
}

func (t *txRepo) ReplaceRolePermissions(ctx context.Context, roleID int64, names []string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	tag, err := t.tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id)
SELECT $1, id FROM permissions WHERE name = ANY($2)`, roleID, names)
	if err != nil {
		return err
	}
	if int(tag.RowsAffected()) != len(names) {
		return shared.NewValidationError("permissions", "contains unknown permission")
	}
	return nil
}

func (t *txRepo) AttachPermission(ctx context.Context, roleID int64, name string) (bool, error) {
	var permID int64
	err := t.tx.QueryRow(ctx, `SELECT id FROM permissions WHERE name = $1`, name).Scan(&permID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, shared.NewValidationError("permission", "unknown permission")
	}
	if err != nil {
		return false, err
	}
	tag, err := t.tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING`, roleID, permID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txRepo) DetachPermission(ctx context.Context, roleID int64, name string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM role_permissions
WHERE role_id = $1 AND permission_id = (SELECT id FROM permissions WHERE name = $2)`, roleID, name)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txRepo) AssignRole(ctx context.Context, userID, roleID int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING`, userID, roleID)
	if db.IsForeignKeyViolation(err) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txRepo) RemoveRole(ctx context.Context, userID, roleID int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txRepo) UpsertPermission(ctx context.Context, perm Permission) (Permission, error) {
	out := perm
	err := t.tx.QueryRow(ctx, `INSERT INTO permissions (name, display_name, module, description)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE
SET display_name = EXCLUDED.display_name, module = EXCLUDED.module, description = EXCLUDED.description
RETURNING id`, perm.Name, perm.DisplayName, perm.Module, perm.Description).Scan(&out.ID)
	return out, err
}

func (t *txRepo) UpsertRole(ctx context.Context, role Role) (Role, error) {
	return scanRole(t.tx.QueryRow(ctx, `INSERT INTO roles (name, display_name, description, is_system)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE
SET display_name = EXCLUDED.display_name, description = EXCLUDED.description,
    is_system = EXCLUDED.is_system, updated_at = NOW()
RETURNING `+roleColumns, role.Name, role.DisplayName, role.Description, role.IsSystem))
}

func rolePermissionNames(ctx context.Context, q db.DBTX, sql string, arg any) ([]string, error) {
	rows, err := q.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func scanRole(row pgx.Row) (Role, error) {
	var (
		role        Role
		displayName pgtype.Text
		description pgtype.Text
	)
	err := row.Scan(&role.ID, &role.Name, &displayName, &description, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt)
	role.DisplayName = displayName.String
	role.Description = description.String
	return role, err
}
