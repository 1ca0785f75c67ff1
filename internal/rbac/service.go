package rbac

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shepherd-ops/shepherd/internal/audit"
	"github.com/shepherd-ops/shepherd/internal/shared"
)

const (
	entityRole       = "role"
	entityPermission = "permission"
	entityUser       = "user"
)

// Invalidator drops cached permission sets.
type Invalidator interface {
	Invalidate(ctx context.Context, roles ...string) error
}

// Service orchestrates role and permission administration. Every mutation
// writes its audit row in the same transaction and invalidates the affected
// cache keys before returning.
type Service struct {
	repo   RepositoryPort
	cache  Invalidator
	writer *audit.Writer
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(repo RepositoryPort, cache Invalidator, writer *audit.Writer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, writer: writer, logger: logger}
}

// RoleInput carries editable role attributes.
type RoleInput struct {
	Name        string   `json:"name" validate:"required,max=64"`
	DisplayName string   `json:"display_name" validate:"max=128"`
	Description string   `json:"description" validate:"max=512"`
	Permissions []string `json:"permissions"`
}

// roleAttributes are the RoleInput fields UpdateRole may change.
type roleAttributes struct {
	DisplayName string `json:"display_name" validate:"max=128"`
	Description string `json:"description" validate:"max=512"`
}

// RoleDetail is a role with its permission names.
type RoleDetail struct {
	Role
	Permissions []string `json:"permissions"`
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	if roles == nil {
		roles = []Role{}
	}
	return roles, nil
}

// GetRole returns a role with its permissions read from the store.
func (s *Service) GetRole(ctx context.Context, id int64) (RoleDetail, error) {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return RoleDetail{}, err
	}
	perms, err := s.repo.RolePermissionNames(ctx, role.Name)
	if err != nil {
		return RoleDetail{}, err
	}
	return RoleDetail{Role: role, Permissions: perms}, nil
}

// ListPermissions returns the permission catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	perms, err := s.repo.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	if perms == nil {
		perms = []Permission{}
	}
	return perms, nil
}

// CreateRole inserts a non-system role with an optional initial permission set.
func (s *Service) CreateRole(ctx context.Context, actor shared.Actor, in RoleInput) (RoleDetail, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return RoleDetail{}, err
	}
	role := Role{
		Name:        normalizeRole(in.Name),
		DisplayName: strings.TrimSpace(in.DisplayName),
		Description: strings.TrimSpace(in.Description),
	}
	if role.DisplayName == "" {
		role.DisplayName = role.Name
	}
	perms := normalizePermissions(in.Permissions)

	var out RoleDetail
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		created, err := tx.CreateRole(ctx, role)
		if err != nil {
			return err
		}
		if err := tx.ReplaceRolePermissions(ctx, created.ID, perms); err != nil {
			return err
		}
		after := created.Snapshot()
		after["permissions"] = perms
		if _, err := s.writer.Bind(tx).LogCreate(ctx, actor, entityRole, idString(created.ID), after); err != nil {
			return err
		}
		out = RoleDetail{Role: created, Permissions: perms}
		return nil
	})
	if err != nil {
		return RoleDetail{}, err
	}
	return out, s.invalidate(ctx, out.Name)
}

// UpdateRole changes the display name and description of a role.
func (s *Service) UpdateRole(ctx context.Context, actor shared.Actor, id int64, in RoleInput) (Role, error) {
	if err := shared.ValidateStruct(roleAttributes{DisplayName: in.DisplayName, Description: in.Description}); err != nil {
		return Role{}, err
	}
	var out Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, _, err := tx.LockRole(ctx, id)
		if err != nil {
			return err
		}
		next := current
		if v := strings.TrimSpace(in.DisplayName); v != "" {
			next.DisplayName = v
		}
		next.Description = strings.TrimSpace(in.Description)
		updated, err := tx.UpdateRole(ctx, next)
		if err != nil {
			return err
		}
		if _, err := s.writer.Bind(tx).LogUpdate(ctx, actor, entityRole, idString(id), current.Snapshot(), updated.Snapshot()); err != nil {
			return err
		}
		out = updated
		return nil
	})
	return out, err
}

// DeleteRole removes a non-system role.
func (s *Service) DeleteRole(ctx context.Context, actor shared.Actor, id int64) error {
	var name string
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, perms, err := tx.LockRole(ctx, id)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return ErrSystemRole
		}
		if err := tx.DeleteRole(ctx, id); err != nil {
			return err
		}
		before := role.Snapshot()
		before["permissions"] = perms
		if _, err := s.writer.Bind(tx).LogDelete(ctx, actor, entityRole, idString(id), before); err != nil {
			return err
		}
		name = role.Name
		return nil
	})
	if err != nil {
		return err
	}
	return s.invalidate(ctx, name)
}

// SyncPermissions replaces the permission set of a role. It reports whether
// the set changed. System roles fail with ErrSystemRole unless the requested
// set equals the current one.
func (s *Service) SyncPermissions(ctx context.Context, actor shared.Actor, id int64, names []string) (bool, error) {
	desired := NewPermissionSet(names...)
	var (
		changed bool
		role    Role
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var (
			current []string
			err     error
		)
		role, current, err = tx.LockRole(ctx, id)
		if err != nil {
			return err
		}
		if NewPermissionSet(current...).Equal(desired) {
			return nil
		}
		if role.IsSystem {
			return ErrSystemRole
		}
		next := desired.Names()
		if err := tx.ReplaceRolePermissions(ctx, id, next); err != nil {
			return err
		}
		if _, err := s.writer.Bind(tx).LogUpdate(ctx, actor, entityRole, idString(id),
			audit.Snapshot{"permissions": current}, audit.Snapshot{"permissions": next}); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil || !changed {
		return false, err
	}
	return true, s.invalidate(ctx, role.Name)
}

// AttachPermission grants one permission to a role.
func (s *Service) AttachPermission(ctx context.Context, actor shared.Actor, id int64, name string) error {
	return s.editPermission(ctx, actor, id, name, true)
}

// DetachPermission revokes one permission from a role.
func (s *Service) DetachPermission(ctx context.Context, actor shared.Actor, id int64, name string) error {
	return s.editPermission(ctx, actor, id, name, false)
}

func (s *Service) editPermission(ctx context.Context, actor shared.Actor, id int64, name string, attach bool) error {
	name = normalizePermission(name)
	if name == "" {
		return shared.NewValidationError("permission", "is required")
	}
	var (
		changed bool
		role    Role
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var (
			current []string
			err     error
		)
		role, current, err = tx.LockRole(ctx, id)
		if err != nil {
			return err
		}
		if NewPermissionSet(current...).Has(name) == attach {
			return nil
		}
		if role.IsSystem {
			return ErrSystemRole
		}
		action := "attached"
		if attach {
			changed, err = tx.AttachPermission(ctx, id, name)
		} else {
			action = "detached"
			changed, err = tx.DetachPermission(ctx, id, name)
		}
		if err != nil || !changed {
			return err
		}
		_, err = s.writer.Bind(tx).LogUpdate(ctx, actor, entityRole, idString(id),
			audit.Snapshot{"permissions": current}, audit.Snapshot{action: name})
		return err
	})
	if err != nil || !changed {
		return err
	}
	return s.invalidate(ctx, role.Name)
}

// AssignRole adds a many-to-many role to a user.
func (s *Service) AssignRole(ctx context.Context, actor shared.Actor, userID, roleID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, _, err := tx.LockRole(ctx, roleID)
		if err != nil {
			return err
		}
		added, err := tx.AssignRole(ctx, userID, roleID)
		if err != nil || !added {
			return err
		}
		_, err = s.writer.Bind(tx).LogUpdate(ctx, actor, entityUser, idString(userID),
			nil, audit.Snapshot{"role_assigned": role.Name})
		return err
	})
}

// RemoveRole drops a many-to-many role from a user.
func (s *Service) RemoveRole(ctx context.Context, actor shared.Actor, userID, roleID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, _, err := tx.LockRole(ctx, roleID)
		if err != nil {
			return err
		}
		removed, err := tx.RemoveRole(ctx, userID, roleID)
		if err != nil || !removed {
			return err
		}
		_, err = s.writer.Bind(tx).LogUpdate(ctx, actor, entityUser, idString(userID),
			audit.Snapshot{"role_removed": role.Name}, nil)
		return err
	})
}

// EnsurePermission upserts a catalog permission by name.
func (s *Service) EnsurePermission(ctx context.Context, actor shared.Actor, perm Permission) (Permission, error) {
	perm.Name = normalizePermission(perm.Name)
	if perm.Name == "" {
		return Permission{}, shared.NewValidationError("name", "is required")
	}
	var out Permission
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.UpsertPermission(ctx, perm)
		if err != nil {
			return err
		}
		_, err = s.writer.Bind(tx).LogUpdate(ctx, actor, entityPermission, idString(out.ID), nil, audit.Snapshot{
			"name":   out.Name,
			"module": out.Module,
		})
		return err
	})
	return out, err
}

func (s *Service) invalidate(ctx context.Context, role string) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Invalidate(ctx, role); err != nil {
		s.logger.Error("permission cache invalidation failed", slog.String("role", role), slog.Any("error", err))
		return err
	}
	return nil
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
