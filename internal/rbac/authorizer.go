package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/shepherd-ops/shepherd/internal/shared"
)

// Resolver maps a user to role names.
type Resolver interface {
	ResolveRoles(ctx context.Context, userID int64) ([]string, error)
}

// PermissionLookup returns the permission set of a role.
type PermissionLookup interface {
	RolePermissions(ctx context.Context, role string) (PermissionSet, error)
}

// Authorizer answers whether an actor holds permissions through any of its roles.
type Authorizer struct {
	resolver Resolver
	lookup   PermissionLookup
}

// NewAuthorizer constructs an Authorizer.
func NewAuthorizer(resolver Resolver, lookup PermissionLookup) *Authorizer {
	return &Authorizer{resolver: resolver, lookup: lookup}
}

// Permissions returns the union of permissions over the actor's roles.
func (a *Authorizer) Permissions(ctx context.Context, actor shared.Actor) (PermissionSet, error) {
	if actor.IsSystem() {
		return PermissionSet{}, nil
	}
	roles, err := a.resolver.ResolveRoles(ctx, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("rbac: resolve roles: %w", err)
	}
	union := PermissionSet{}
	for _, role := range roles {
		set, err := a.lookup.RolePermissions(ctx, role)
		if err != nil {
			return nil, err
		}
		for p := range set {
			union[p] = struct{}{}
		}
	}
	return union, nil
}

// Authorize succeeds when the actor holds at least one of perms.
func (a *Authorizer) Authorize(ctx context.Context, actor shared.Actor, perms ...string) error {
	granted, err := a.Permissions(ctx, actor)
	if err != nil {
		return err
	}
	if len(perms) > 0 && granted.HasAny(perms...) {
		return nil
	}
	return forbidden(perms, "|")
}

// AuthorizeAll succeeds when the actor holds every one of perms.
func (a *Authorizer) AuthorizeAll(ctx context.Context, actor shared.Actor, perms ...string) error {
	granted, err := a.Permissions(ctx, actor)
	if err != nil {
		return err
	}
	if len(perms) > 0 && granted.HasAll(perms...) {
		return nil
	}
	return forbidden(perms, "&")
}

func forbidden(perms []string, sep string) error {
	return fmt.Errorf("rbac: missing permission %s: %w", strings.Join(normalizePermissions(perms), sep), shared.ErrForbidden)
}
