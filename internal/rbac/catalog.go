package rbac

import (
	"context"
	"strings"

	"github.com/shepherd-ops/shepherd/internal/audit"
	"github.com/shepherd-ops/shepherd/internal/shared"
)

// Catalog is the declarative permission catalog applied by the seeder.
type Catalog struct {
	Permissions []CatalogPermission `koanf:"permissions"`
	Roles       []CatalogRole       `koanf:"roles"`
}

// CatalogPermission declares one permission.
type CatalogPermission struct {
	Name        string `koanf:"name"`
	DisplayName string `koanf:"display_name"`
	Module      string `koanf:"module"`
	Description string `koanf:"description"`
}

// CatalogRole declares one role and its full permission set.
type CatalogRole struct {
	Name        string   `koanf:"name"`
	DisplayName string   `koanf:"display_name"`
	Description string   `koanf:"description"`
	System      bool     `koanf:"system"`
	Permissions []string `koanf:"permissions"`
}

// SeedResult summarises an ApplyCatalog run.
type SeedResult struct {
	Permissions int
	Roles       int
}

// ApplyCatalog upserts permissions and roles by name in one transaction and
// then drops every cached permission set. The catalog defines system roles, so
// it is the one path allowed to rewrite their permission sets.
func (s *Service) ApplyCatalog(ctx context.Context, actor shared.Actor, catalog Catalog) (SeedResult, error) {
	var result SeedResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		w := s.writer.Bind(tx)
		for _, p := range catalog.Permissions {
			perm := Permission{
				Name:        normalizePermission(p.Name),
				DisplayName: strings.TrimSpace(p.DisplayName),
				Module:      strings.TrimSpace(p.Module),
				Description: strings.TrimSpace(p.Description),
			}
			if perm.Name == "" {
				return shared.NewValidationError("permissions.name", "is required")
			}
			if perm.Module == "" {
				perm.Module, _, _ = strings.Cut(perm.Name, ".")
			}
			if _, err := tx.UpsertPermission(ctx, perm); err != nil {
				return err
			}
			result.Permissions++
		}
		for _, r := range catalog.Roles {
			name := normalizeRole(r.Name)
			if name == "" {
				return shared.NewValidationError("roles.name", "is required")
			}
			role, err := tx.UpsertRole(ctx, Role{
				Name:        name,
				DisplayName: strings.TrimSpace(r.DisplayName),
				Description: strings.TrimSpace(r.Description),
				IsSystem:    r.System,
			})
			if err != nil {
				return err
			}
			_, current, err := tx.LockRole(ctx, role.ID)
			if err != nil {
				return err
			}
			desired := NewPermissionSet(r.Permissions...)
			if !NewPermissionSet(current...).Equal(desired) {
				if err := tx.ReplaceRolePermissions(ctx, role.ID, desired.Names()); err != nil {
					return err
				}
				if _, err := w.LogUpdate(ctx, actor, entityRole, idString(role.ID),
					audit.Snapshot{"permissions": current},
					audit.Snapshot{"permissions": desired.Names()}); err != nil {
					return err
				}
			}
			result.Roles++
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, err
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			return result, err
		}
	}
	return result, nil
}
