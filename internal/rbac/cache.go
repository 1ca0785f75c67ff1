package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL bounds how long a cached permission set may be served.
const DefaultCacheTTL = time.Hour

// PermissionSource is the durable store the cache reads through.
type PermissionSource interface {
	RolePermissionNames(ctx context.Context, role string) ([]string, error)
	ListRoleNames(ctx context.Context) ([]string, error)
}

// Backend holds cached permission sets keyed by role name.
type Backend interface {
	Get(ctx context.Context, role string) ([]string, bool, error)
	Set(ctx context.Context, role string, perms []string, ttl time.Duration) error
	Delete(ctx context.Context, roles ...string) error
	Flush(ctx context.Context) error
}

// PermissionCache is a read-through cache of role -> permission names.
//
// Every invalidation bumps a local generation. A load only writes its result
// back when the generation it started under is still current, so a load racing
// with a permission edit can never repopulate the key with the pre-edit set.
type PermissionCache struct {
	source  PermissionSource
	backend Backend
	ttl     time.Duration
	logger  *slog.Logger
	metrics *CacheMetrics

	group singleflight.Group

	mu          sync.Mutex
	epoch       uint64
	generations map[string]uint64
}

// CacheOption customises a PermissionCache.
type CacheOption func(*PermissionCache)

// WithTTL overrides DefaultCacheTTL.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *PermissionCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheLogger sets the logger used for degraded-backend warnings.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *PermissionCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCacheMetrics attaches Prometheus collectors.
func WithCacheMetrics(m *CacheMetrics) CacheOption {
	return func(c *PermissionCache) { c.metrics = m }
}

// NewPermissionCache builds a cache in front of source. A nil backend selects
// an in-process MemoryBackend.
func NewPermissionCache(source PermissionSource, backend Backend, opts ...CacheOption) *PermissionCache {
	if backend == nil {
		backend = NewMemoryBackend(nil)
	}
	c := &PermissionCache{
		source:      source,
		backend:     backend,
		ttl:         DefaultCacheTTL,
		logger:      slog.Default(),
		generations: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type stamp struct {
	epoch uint64
	gen   uint64
}

func (c *PermissionCache) stampLocked(role string) stamp {
	return stamp{epoch: c.epoch, gen: c.generations[role]}
}

// RolePermissions returns the permission names of role. Unknown roles yield an
// empty set.
func (c *PermissionCache) RolePermissions(ctx context.Context, role string) (PermissionSet, error) {
	role = normalizeRole(role)
	if role == "" {
		return PermissionSet{}, nil
	}
	perms, ok, err := c.backend.Get(ctx, role)
	switch {
	case err != nil:
		c.logger.Warn("permission cache read failed, using store", slog.String("role", role), slog.Any("error", err))
	case ok:
		c.metrics.hit()
		return NewPermissionSet(perms...), nil
	}
	c.metrics.miss()
	names, err := c.load(ctx, role)
	if err != nil {
		return nil, err
	}
	return NewPermissionSet(names...), nil
}

func (c *PermissionCache) load(ctx context.Context, role string) ([]string, error) {
	st := c.current(role)

	key := fmt.Sprintf("%s#%d.%d", role, st.epoch, st.gen)
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Shared by every waiter on key; one caller cancelling must not fail the rest.
		ctx := context.WithoutCancel(ctx)
		start := time.Now()
		names, err := c.source.RolePermissionNames(ctx, role)
		c.metrics.observeLoad(time.Since(start))
		if err != nil {
			return nil, err
		}
		names = normalizePermissions(names)
		c.writeBack(ctx, role, st, names)
		return names, nil
	})
	if err != nil {
		return nil, fmt.Errorf("rbac: load permissions for %q: %w", role, err)
	}
	return v.([]string), nil
}

func (c *PermissionCache) current(role string) stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stampLocked(role)
}

// writeBack stores names unless role was invalidated after st was taken. The
// backend call runs outside mu; an invalidation landing during Set is caught by
// the second stamp check and the entry is removed again.
func (c *PermissionCache) writeBack(ctx context.Context, role string, st stamp, names []string) {
	if c.current(role) != st {
		return
	}
	if err := c.backend.Set(ctx, role, names, c.ttl); err != nil {
		c.logger.Warn("permission cache write failed", slog.String("role", role), slog.Any("error", err))
		return
	}
	if c.current(role) == st {
		return
	}
	if err := c.backend.Delete(ctx, role); err != nil {
		c.logger.Warn("permission cache rollback failed", slog.String("role", role), slog.Any("error", err))
	}
}

// HasPermission reports whether role carries permission.
func (c *PermissionCache) HasPermission(ctx context.Context, role, permission string) (bool, error) {
	set, err := c.RolePermissions(ctx, role)
	if err != nil {
		return false, err
	}
	return set.Has(permission), nil
}

// HasAnyPermission reports whether role carries at least one of permissions.
func (c *PermissionCache) HasAnyPermission(ctx context.Context, role string, permissions []string) (bool, error) {
	set, err := c.RolePermissions(ctx, role)
	if err != nil {
		return false, err
	}
	return set.HasAny(permissions...), nil
}

// HasAllPermissions reports whether role carries every one of permissions.
func (c *PermissionCache) HasAllPermissions(ctx context.Context, role string, permissions []string) (bool, error) {
	set, err := c.RolePermissions(ctx, role)
	if err != nil {
		return false, err
	}
	return set.HasAll(permissions...), nil
}

// Invalidate drops the cached entries of roles, or of every role when none are
// given. It returns only after the backend delete completed.
func (c *PermissionCache) Invalidate(ctx context.Context, roles ...string) error {
	normalized := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = normalizeRole(r); r != "" {
			normalized = append(normalized, r)
		}
	}
	if len(roles) > 0 && len(normalized) == 0 {
		return nil
	}

	c.mu.Lock()
	if len(normalized) == 0 {
		c.epoch++
		c.generations = make(map[string]uint64)
	} else {
		for _, r := range normalized {
			c.generations[r]++
		}
	}
	c.mu.Unlock()
	c.metrics.invalidated(len(normalized))

	var err error
	if len(normalized) == 0 {
		err = c.backend.Flush(ctx)
	} else {
		err = c.backend.Delete(ctx, normalized...)
	}
	if err != nil {
		return fmt.Errorf("rbac: invalidate permission cache: %w", err)
	}
	return nil
}

// Warm loads every known role into the cache and returns how many were written.
func (c *PermissionCache) Warm(ctx context.Context) (int, error) {
	roles, err := c.source.ListRoleNames(ctx)
	if err != nil {
		return 0, fmt.Errorf("rbac: list roles for warmup: %w", err)
	}
	var (
		warmed int
		errs   []error
	)
	for _, role := range roles {
		role = normalizeRole(role)
		if role == "" {
			continue
		}
		if _, err := c.load(ctx, role); err != nil {
			errs = append(errs, err)
			continue
		}
		warmed++
	}
	return warmed, errors.Join(errs...)
}
