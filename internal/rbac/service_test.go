package rbac

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shepherd-ops/shepherd/internal/audit"
	"github.com/shepherd-ops/shepherd/internal/shared"
)

type memRepo struct {
	mu        sync.Mutex
	nextID    int64
	roles     map[int64]Role
	rolePerms map[int64][]string
	catalog   map[string]Permission
	userRoles map[int64][]int64
	audits    []audit.Entry
	auditErr  error
}

func newMemRepo() *memRepo {
	return &memRepo{
		nextID:    100,
		roles:     make(map[int64]Role),
		rolePerms: make(map[int64][]string),
		catalog:   make(map[string]Permission),
		userRoles: make(map[int64][]int64),
	}
}

func (m *memRepo) addRole(id int64, name string, system bool, perms ...string) {
	m.roles[id] = Role{ID: id, Name: name, DisplayName: name, IsSystem: system}
	m.rolePerms[id] = perms
	for _, p := range perms {
		m.catalog[p] = Permission{ID: int64(len(m.catalog) + 1), Name: p}
	}
}

func (m *memRepo) RolePermissionNames(ctx context.Context, role string) ([]string, error) {
	for id, r := range m.roles {
		if r.Name == role {
			return slices.Clone(m.rolePerms[id]), nil
		}
	}
	return []string{}, nil
}

func (m *memRepo) ListRoleNames(ctx context.Context) ([]string, error) {
	var names []string
	for _, r := range m.roles {
		names = append(names, r.Name)
	}
	return names, nil
}

func (m *memRepo) ListRoles(ctx context.Context) ([]Role, error) {
	return slices.Collect(maps.Values(m.roles)), nil
}

func (m *memRepo) GetRole(ctx context.Context, id int64) (Role, error) {
	r, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func (m *memRepo) ListPermissions(ctx context.Context) ([]Permission, error) {
	return slices.Collect(maps.Values(m.catalog)), nil
}

func (m *memRepo) UserRoles(ctx context.Context, userID int64) (RoleAssignment, error) {
	var a RoleAssignment
	for _, id := range m.userRoles[userID] {
		a.Assigned = append(a.Assigned, m.roles[id].Name)
	}
	return a, nil
}

// WithTx restores the previous state when fn fails.
func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	roles := maps.Clone(m.roles)
	rolePerms := maps.Clone(m.rolePerms)
	catalog := maps.Clone(m.catalog)
	userRoles := maps.Clone(m.userRoles)
	audits := slices.Clone(m.audits)
	if err := fn(ctx, &memTx{m}); err != nil {
		m.roles, m.rolePerms, m.catalog, m.userRoles, m.audits = roles, rolePerms, catalog, userRoles, audits
		return err
	}
	return nil
}

type memTx struct{ m *memRepo }

func (t *memTx) AppendAudit(ctx context.Context, e audit.Entry) error {
	if t.m.auditErr != nil {
		return t.m.auditErr
	}
	t.m.audits = append(t.m.audits, e)
	return nil
}

func (t *memTx) CreateRole(ctx context.Context, role Role) (Role, error) {
	for _, r := range t.m.roles {
		if r.Name == role.Name {
			return Role{}, ErrRoleExists
		}
	}
	t.m.nextID++
	role.ID = t.m.nextID
	role.CreatedAt = time.Now()
	t.m.roles[role.ID] = role
	return role, nil
}

func (t *memTx) UpdateRole(ctx context.Context, role Role) (Role, error) {
	if _, ok := t.m.roles[role.ID]; !ok {
		return Role{}, ErrNotFound
	}
	t.m.roles[role.ID] = role
	return role, nil
}

func (t *memTx) DeleteRole(ctx context.Context, id int64) error {
	delete(t.m.roles, id)
	delete(t.m.rolePerms, id)
	return nil
}

func (t *memTx) LockRole(ctx context.Context, id int64) (Role, []string, error) {
	r, ok := t.m.roles[id]
	if !ok {
		return Role{}, nil, ErrNotFound
	}
	return r, slices.Clone(t.m.rolePerms[id]), nil
}

func (t *memTx) ReplaceRolePermissions(ctx context.Context, roleID int64, names []string) error {
	for _, n := range names {
		if _, ok := t.m.catalog[n]; !ok {
			return shared.NewValidationError("permissions", "contains unknown permission")
		}
	}
	t.m.rolePerms[roleID] = slices.Clone(names)
	return nil
}

func (t *memTx) AttachPermission(ctx context.Context, roleID int64, name string) (bool, error) {
	if _, ok := t.m.catalog[name]; !ok {
		return false, shared.NewValidationError("permission", "unknown permission")
	}
	if slices.Contains(t.m.rolePerms[roleID], name) {
		return false, nil
	}
	t.m.rolePerms[roleID] = append(t.m.rolePerms[roleID], name)
	return true, nil
}

func (t *memTx) DetachPermission(ctx context.Context, roleID int64, name string) (bool, error) {
	perms := t.m.rolePerms[roleID]
	i := slices.Index(perms, name)
	if i < 0 {
		return false, nil
	}
	t.m.rolePerms[roleID] = slices.Delete(slices.Clone(perms), i, i+1)
	return true, nil
}

func (t *memTx) AssignRole(ctx context.Context, userID, roleID int64) (bool, error) {
	if slices.Contains(t.m.userRoles[userID], roleID) {
		return false, nil
	}
	t.m.userRoles[userID] = append(t.m.userRoles[userID], roleID)
	return true, nil
}

func (t *memTx) RemoveRole(ctx context.Context, userID, roleID int64) (bool, error) {
	ids := t.m.userRoles[userID]
	i := slices.Index(ids, roleID)
	if i < 0 {
		return false, nil
	}
	t.m.userRoles[userID] = slices.Delete(slices.Clone(ids), i, i+1)
	return true, nil
}

func (t *memTx) UpsertPermission(ctx context.Context, perm Permission) (Permission, error) {
	if existing, ok := t.m.catalog[perm.Name]; ok {
		perm.ID = existing.ID
	} else {
		perm.ID = int64(len(t.m.catalog) + 1)
	}
	t.m.catalog[perm.Name] = perm
	return perm, nil
}

func (t *memTx) UpsertRole(ctx context.Context, role Role) (Role, error) {
	for id, r := range t.m.roles {
		if r.Name == role.Name {
			role.ID = id
			t.m.roles[id] = role
			return role, nil
		}
	}
	return t.CreateRole(ctx, role)
}

type spyInvalidator struct {
	calls [][]string
}

func (s *spyInvalidator) Invalidate(ctx context.Context, roles ...string) error {
	s.calls = append(s.calls, roles)
	return nil
}

func newTestService(repo *memRepo) (*Service, *spyInvalidator) {
	spy := &spyInvalidator{}
	return NewService(repo, spy, audit.NewWriter(nil), nil), spy
}

var admin = shared.Actor{UserID: 1, IPAddress: "127.0.0.1"}

func TestSyncPermissionsOnSystemRoleIsForbidden(t *testing.T) {
	repo := newMemRepo()
	repo.addRole(1, "super_admin", true, "roles.edit", "users.edit")
	repo.catalog["audit.view"] = Permission{ID: 50, Name: "audit.view"}
	svc, spy := newTestService(repo)

	_, err := svc.SyncPermissions(context.Background(), admin, 1, []string{"roles.edit"})
	require.ErrorIs(t, err, ErrSystemRole)
	require.ErrorIs(t, err, shared.ErrForbidden)

	_, err = svc.SyncPermissions(context.Background(), shared.SystemActor(), 1, []string{"roles.edit", "users.edit", "audit.view"})
	require.ErrorIs(t, err, ErrSystemRole)

	require.Equal(t, []string{"roles.edit", "users.edit"}, repo.rolePerms[1])
	require.Empty(t, repo.audits)
	require.Empty(t, spy.calls)
}

func TestSyncPermissionsSameSetIsNoop(t *testing.T) {
	repo := newMemRepo()
	repo.addRole(1, "super_admin", true, "roles.edit", "users.edit")
	svc, spy := newTestService(repo)

	changed, err := svc.SyncPermissions(context.Background(), admin, 1, []string{"Users.Edit", "roles.edit"})
	require.NoError(t, err)
	require.False(t, changed)
	require.Empty(t, repo.audits)
	require.Empty(t, spy.calls)
}

func TestSyncPermissionsAuditsAndInvalidates(t *testing.T) {
	repo := newMemRepo()
	repo.addRole(2, "usher", false, "attendance.approve")
	repo.catalog["attendance.edit"] = Permission{ID: 9, Name: "attendance.edit"}
	svc, spy := newTestService(repo)

	changed, err := svc.SyncPermissions(context.Background(), admin, 2, []string{"attendance.edit", "attendance.approve"})
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, []string{"attendance.approve", "attendance.edit"}, repo.rolePerms[2])

	require.Len(t, repo.audits, 1)
	entry := repo.audits[0]
	require.Equal(t, audit.ActionUpdate, entry.Action)
	require.Equal(t, "role", entry.EntityType)
	require.Equal(t, "2", entry.EntityID)
	require.Equal(t, "127.0.0.1", entry.IPAddress)
	require.Equal(t, [][]string{{"usher"}}, spy.calls)
}

func TestSyncPermissionsUnknownNameRollsBack(t *testing.T) {
	repo := newMemRepo()
	repo.addRole(2, "usher", false, "attendance.approve")
	svc, spy := newTestService(repo)

	_, err := svc.SyncPermissions(context.Background(), admin, 2, []string{"nope.nope"})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, []string{"attendance.approve"}, repo.rolePerms[2])
	require.Empty(t, spy.calls)
}

func TestAuditFailureRollsBackRoleChange(t *testing.T) {
	repo := newMemRepo()
	repo.addRole(2, "usher", false, "attendance.approve")
	repo.auditErr = errors.New("audit table locked")
	svc, spy := newTestService(repo)

	err := svc.DetachPermission(context.Background(), admin, 2, "attendance.approve")
	require.ErrorIs(t, err, repo.auditErr)
	require.Equal(t, []string{"attendance.approve"}, repo.rolePerms[2])
	require.Empty(t, spy.calls)
}

func TestAttachAndDetachPermission(t *testing.T) {
	repo := newMemRepo()
	repo.addRole(2, "usher", false)
	repo.catalog["attendance.approve"] = Permission{ID: 3, Name: "attendance.approve"}
	svc, spy := newTestService(repo)
	ctx := context.Background()

	require.NoError(t, svc.AttachPermission(ctx, admin, 2, "Attendance.Approve"))
	require.NoError(t, svc.AttachPermission(ctx, admin, 2, "attendance.approve"))
	require.Equal(t, []string{"attendance.approve"}, repo.rolePerms[2])
	require.Len(t, repo.audits, 1)

	require.NoError(t, svc.DetachPermission(ctx, admin, 2, "attendance.approve"))
	require.Empty(t, repo.rolePerms[2])
	require.Len(t, repo.audits, 2)
	require.Len(t, spy.calls, 2)

	require.ErrorIs(t, svc.AttachPermission(ctx, admin, 2, ""), shared.ErrValidation)
}

func TestDeleteRole(t *testing.T) {
	repo := newMemRepo()
	repo.addRole(1, "super_admin", true)
	repo.addRole(2, "usher", false, "attendance.approve")
	svc, spy := newTestService(repo)
	ctx := context.Background()

	require.ErrorIs(t, svc.DeleteRole(ctx, admin, 1), ErrSystemRole)
	require.ErrorIs(t, svc.DeleteRole(ctx, admin, 42), shared.ErrNotFound)

	require.NoError(t, svc.DeleteRole(ctx, admin, 2))
	require.NotContains(t, repo.roles, int64(2))
	require.Len(t, repo.audits, 1)
	require.Equal(t, audit.ActionDelete, repo.audits[0].Action)
	require.Nil(t, repo.audits[0].Changes.After)
	require.Equal(t, [][]string{{"usher"}}, spy.calls)
}

func TestCreateRoleValidatesAndAudits(t *testing.T) {
	repo := newMemRepo()
	repo.catalog["attendance.approve"] = Permission{ID: 3, Name: "attendance.approve"}
	svc, _ := newTestService(repo)
	ctx := context.Background()

	_, err := svc.CreateRole(ctx, admin, RoleInput{})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Empty(t, repo.roles)

	role, err := svc.CreateRole(ctx, admin, RoleInput{Name: " Usher ", Permissions: []string{"attendance.approve"}})
	require.NoError(t, err)
	require.Equal(t, "usher", role.Name)
	require.Equal(t, "usher", role.DisplayName)
	require.False(t, role.IsSystem)
	require.Equal(t, []string{"attendance.approve"}, repo.rolePerms[role.ID])
	require.Len(t, repo.audits, 1)
	require.Equal(t, audit.ActionCreate, repo.audits[0].Action)

	_, err = svc.CreateRole(ctx, admin, RoleInput{Name: "usher"})
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestUpdateRoleValidatesAttributes(t *testing.T) {
	repo := newMemRepo()
	repo.addRole(2, "usher", false)
	svc, _ := newTestService(repo)
	ctx := context.Background()

	_, err := svc.UpdateRole(ctx, admin, 2, RoleInput{DisplayName: strings.Repeat("u", 129)})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.UpdateRole(ctx, admin, 2, RoleInput{Description: strings.Repeat("d", 513)})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, "usher", repo.roles[2].DisplayName)
	require.Empty(t, repo.audits)

	role, err := svc.UpdateRole(ctx, admin, 2, RoleInput{DisplayName: " Door Team ", Description: "Sunday doors"})
	require.NoError(t, err)
	require.Equal(t, "Door Team", role.DisplayName)
	require.Equal(t, "Sunday doors", role.Description)
	require.Len(t, repo.audits, 1)
	require.Equal(t, audit.ActionUpdate, repo.audits[0].Action)
}

func TestAssignRoleFeedsResolver(t *testing.T) {
	repo := newMemRepo()
	repo.addRole(2, "usher", false, "attendance.approve")
	svc, _ := newTestService(repo)
	ctx := context.Background()

	require.NoError(t, svc.AssignRole(ctx, admin, 7, 2))
	require.NoError(t, svc.AssignRole(ctx, admin, 7, 2))
	require.Len(t, repo.audits, 1)

	roles, err := NewRoleResolver(repo, nil).ResolveRoles(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []string{"usher"}, roles)

	require.NoError(t, svc.RemoveRole(ctx, admin, 7, 2))
	require.Len(t, repo.audits, 2)
	require.ErrorIs(t, svc.AssignRole(ctx, admin, 7, 99), shared.ErrNotFound)
}

func TestApplyCatalogRewritesSystemRoles(t *testing.T) {
	repo := newMemRepo()
	repo.addRole(1, "super_admin", true, "roles.edit")
	svc, spy := newTestService(repo)

	res, err := svc.ApplyCatalog(context.Background(), shared.SystemActor(), Catalog{
		Permissions: []CatalogPermission{{Name: "roles.edit"}, {Name: "audit.view", Module: "audit"}},
		Roles: []CatalogRole{
			{Name: "super_admin", System: true, Permissions: []string{"roles.edit", "audit.view"}},
			{Name: "auditor", Permissions: []string{"audit.view"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, SeedResult{Permissions: 2, Roles: 2}, res)
	require.ElementsMatch(t, []string{"audit.view", "roles.edit"}, repo.rolePerms[1])
	require.Equal(t, "roles", repo.catalog["roles.edit"].Module)
	require.Len(t, repo.audits, 2)
	require.Nil(t, repo.audits[0].UserID)
	require.Equal(t, [][]string{nil}, spy.calls)
}
