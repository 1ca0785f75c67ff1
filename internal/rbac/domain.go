package rbac

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shepherd-ops/shepherd/internal/shared"
)

// Role represents a named bundle of permissions.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Snapshot renders the role for audit entries.
func (r Role) Snapshot() map[string]any {
	return map[string]any{
		"name":         r.Name,
		"display_name": r.DisplayName,
		"description":  r.Description,
		"is_system":    r.IsSystem,
	}
}

// Permission represents an atomic capability referenced by name.
type Permission struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Module      string `json:"module"`
	Description string `json:"description"`
}

// RoleAssignment holds both sources of a user's roles.
type RoleAssignment struct {
	Assigned []string
	Legacy   string
}

var (
	// ErrSystemRole is returned when a system role's permission set would change.
	ErrSystemRole = fmt.Errorf("rbac: system role is immutable: %w", shared.ErrForbidden)
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = fmt.Errorf("rbac: %w", shared.ErrNotFound)
)

// PermissionSet is an unordered set of normalised permission names.
type PermissionSet map[string]struct{}

// NewPermissionSet normalises names into a set.
func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, n := range names {
		if n = normalizePermission(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Has reports membership.
func (s PermissionSet) Has(name string) bool {
	_, ok := s[normalizePermission(name)]
	return ok
}

// HasAny reports whether at least one name is present. An empty list is satisfied.
func (s PermissionSet) HasAny(names ...string) bool {
	if len(names) == 0 {
		return true
	}
	for _, n := range names {
		if s.Has(n) {
			return true
		}
	}
	return false
}

// HasAll reports whether every name is present.
func (s PermissionSet) HasAll(names ...string) bool {
	for _, n := range names {
		if !s.Has(n) {
			return false
		}
	}
	return true
}

// Equal reports set equality.
func (s PermissionSet) Equal(other PermissionSet) bool {
	if len(s) != len(other) {
		return false
	}
	for n := range s {
		if _, ok := other[n]; !ok {
			return false
		}
	}
	return true
}

// Names returns the members sorted.
func (s PermissionSet) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func normalizePermission(p string) string {
	return strings.TrimSpace(strings.ToLower(p))
}

func normalizeRole(name string) string {
	return strings.TrimSpace(strings.ToLower(name))
}

func normalizePermissions(perms []string) []string {
	return NewPermissionSet(perms...).Names()
}
