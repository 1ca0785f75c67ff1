package rbac

import (
	"context"
	"log/slog"
)

// RoleSource loads both role sources of a user.
type RoleSource interface {
	UserRoles(ctx context.Context, userID int64) (RoleAssignment, error)
}

// RoleResolver applies the two-tier role rule: a non-empty many-to-many set is
// authoritative, otherwise the legacy scalar role is used. The two are never
// merged.
type RoleResolver struct {
	source RoleSource
	logger *slog.Logger
}

// NewRoleResolver constructs a resolver.
func NewRoleResolver(source RoleSource, logger *slog.Logger) *RoleResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleResolver{source: source, logger: logger}
}

// ResolveRoles returns the normalised role names of userID.
func (r *RoleResolver) ResolveRoles(ctx context.Context, userID int64) ([]string, error) {
	assignment, err := r.source.UserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	return r.resolve(userID, assignment), nil
}

func (r *RoleResolver) resolve(userID int64, a RoleAssignment) []string {
	assigned := make([]string, 0, len(a.Assigned))
	seen := make(map[string]struct{}, len(a.Assigned))
	for _, name := range a.Assigned {
		name = normalizeRole(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		assigned = append(assigned, name)
	}
	legacy := normalizeRole(a.Legacy)

	if len(assigned) > 0 {
		if _, ok := seen[legacy]; legacy != "" && !ok {
			// The legacy column is ignored here; surface the mismatch so it can be migrated.
			r.logger.Warn("legacy role diverges from assigned roles",
				slog.Int64("user_id", userID),
				slog.String("legacy_role", legacy),
				slog.Any("assigned_roles", assigned))
		}
		return assigned
	}
	if legacy != "" {
		return []string{legacy}
	}
	return []string{}
}
