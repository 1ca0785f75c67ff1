package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "github.com/shepherd-ops/shepherd/testing"
)

type fakeSource struct {
	mu      sync.Mutex
	perms   map[string][]string
	calls   map[string]int
	err     error
	entered chan struct{}
	release chan struct{}
}

func newFakeSource(perms map[string][]string) *fakeSource {
	return &fakeSource{perms: perms, calls: make(map[string]int)}
}

func (f *fakeSource) RolePermissionNames(ctx context.Context, role string) ([]string, error) {
	f.mu.Lock()
	f.calls[role]++
	perms, err := append([]string(nil), f.perms[role]...), f.err
	entered, release := f.entered, f.release
	f.entered, f.release = nil, nil
	f.mu.Unlock()

	if entered != nil {
		close(entered)
		<-release
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}
	return perms, nil
}

func (f *fakeSource) ListRoleNames(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.perms))
	for name := range f.perms {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeSource) set(role string, perms ...string) {
	f.mu.Lock()
	f.perms[role] = perms
	f.mu.Unlock()
}

func (f *fakeSource) callCount(role string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[role]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(src *fakeSource) (*PermissionCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 5, 8, 0, 0, 0, time.UTC)}
	return NewPermissionCache(src, NewMemoryBackend(clock.Now), WithTTL(time.Hour)), clock
}

func TestCacheServesWithinTTL(t *testing.T) {
	src := newFakeSource(map[string][]string{"treasurer": {"expenses.approve", "Expenses.Review"}})
	cache, clock := newTestCache(src)
	ctx := context.Background()

	ok, err := cache.HasPermission(ctx, "Treasurer", "expenses.review")
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(59 * time.Minute)
	ok, err = cache.HasPermission(ctx, "treasurer", "expenses.approve")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, src.callCount("treasurer"))

	clock.Advance(time.Minute)
	_, err = cache.RolePermissions(ctx, "treasurer")
	require.NoError(t, err)
	require.Equal(t, 2, src.callCount("treasurer"))
}

func TestCacheUnknownRoleIsEmpty(t *testing.T) {
	cache, _ := newTestCache(newFakeSource(map[string][]string{}))
	set, err := cache.RolePermissions(context.Background(), "ghost")
	require.NoError(t, err)
	require.Empty(t, set)

	ok, err := cache.HasPermission(context.Background(), "", "attendance.approve")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheAnyAndAll(t *testing.T) {
	src := newFakeSource(map[string][]string{"usher": {"attendance.approve"}})
	cache, _ := newTestCache(src)
	ctx := context.Background()

	ok, err := cache.HasAnyPermission(ctx, "usher", []string{"expenses.approve", "attendance.approve"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = cache.HasAllPermissions(ctx, "usher", []string{"expenses.approve", "attendance.approve"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInvalidateRereadsStore(t *testing.T) {
	src := newFakeSource(map[string][]string{"usher": {"attendance.approve"}})
	cache, _ := newTestCache(src)
	ctx := context.Background()

	ok, err := cache.HasPermission(ctx, "usher", "attendance.edit")
	require.NoError(t, err)
	require.False(t, ok)

	src.set("usher", "attendance.approve", "attendance.edit")
	require.NoError(t, cache.Invalidate(ctx, "usher"))

	ok, err = cache.HasPermission(ctx, "usher", "attendance.edit")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, src.callCount("usher"))
}

func TestInvalidateAllDropsEveryRole(t *testing.T) {
	src := newFakeSource(map[string][]string{"a": {"x.view"}, "b": {"y.view"}})
	cache, _ := newTestCache(src)
	ctx := context.Background()

	_, err := cache.RolePermissions(ctx, "a")
	require.NoError(t, err)
	_, err = cache.RolePermissions(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate(ctx))

	_, err = cache.RolePermissions(ctx, "a")
	require.NoError(t, err)
	_, err = cache.RolePermissions(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 2, src.callCount("a"))
	require.Equal(t, 2, src.callCount("b"))
}

func TestInFlightLoadDoesNotRestoreStaleSet(t *testing.T) {
	src := newFakeSource(map[string][]string{"usher": {"attendance.approve"}})
	src.entered = make(chan struct{})
	src.release = make(chan struct{})
	entered, release := src.entered, src.release
	cache, _ := newTestCache(src)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cache.RolePermissions(ctx, "usher")
	}()

	<-entered
	src.set("usher")
	require.NoError(t, cache.Invalidate(ctx, "usher"))
	close(release)
	<-done

	ok, err := cache.HasPermission(ctx, "usher", "attendance.approve")
	require.NoError(t, err)
	require.False(t, ok)
}

type slowSetBackend struct {
	*MemoryBackend
	entered chan struct{}
	release chan struct{}
}

func (b *slowSetBackend) Set(ctx context.Context, role string, perms []string, ttl time.Duration) error {
	close(b.entered)
	<-b.release
	return b.MemoryBackend.Set(ctx, role, perms, ttl)
}

func TestInvalidateDoesNotWaitForWriteBack(t *testing.T) {
	src := newFakeSource(map[string][]string{"usher": {"attendance.approve"}})
	backend := &slowSetBackend{
		MemoryBackend: NewMemoryBackend(nil),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	cache := NewPermissionCache(src, backend)
	ctx := context.Background()

	loaded := make(chan struct{})
	go func() {
		defer close(loaded)
		_, _ = cache.RolePermissions(ctx, "usher")
	}()
	<-backend.entered

	invalidated := make(chan error, 1)
	go func() { invalidated <- cache.Invalidate(ctx, "usher") }()
	select {
	case err := <-invalidated:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("invalidate blocked behind a backend write")
	}

	close(backend.release)
	<-loaded

	_, ok, err := backend.MemoryBackend.Get(ctx, "usher")
	require.NoError(t, err)
	require.False(t, ok, "write-back that raced an invalidation must be removed")
}

func TestLoadSurvivesCallerCancellation(t *testing.T) {
	src := newFakeSource(map[string][]string{"usher": {"attendance.approve"}})
	src.entered = make(chan struct{})
	src.release = make(chan struct{})
	entered, release := src.entered, src.release
	cache, _ := newTestCache(src)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		set PermissionSet
		err error
	}
	done := make(chan result, 1)
	go func() {
		set, err := cache.RolePermissions(ctx, "usher")
		done <- result{set, err}
	}()

	<-entered
	cancel()
	close(release)
	res := <-done
	require.NoError(t, res.err)
	require.True(t, res.set.Has("attendance.approve"))
}

func TestWarmPopulatesEveryRole(t *testing.T) {
	src := newFakeSource(map[string][]string{"pastor": {"attendance.approve"}, "usher": {}})
	cache, _ := newTestCache(src)
	ctx := context.Background()

	n, err := cache.Warm(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = cache.RolePermissions(ctx, "pastor")
	require.NoError(t, err)
	_, err = cache.RolePermissions(ctx, "usher")
	require.NoError(t, err)
	require.Equal(t, 1, src.callCount("pastor"))
	require.Equal(t, 1, src.callCount("usher"))
}

func TestStoreErrorIsReturned(t *testing.T) {
	src := newFakeSource(map[string][]string{})
	src.err = errors.New("connection refused")
	cache, _ := newTestCache(src)

	_, err := cache.RolePermissions(context.Background(), "usher")
	require.ErrorIs(t, err, src.err)
}

type brokenBackend struct{ *MemoryBackend }

func (brokenBackend) Get(ctx context.Context, role string) ([]string, bool, error) {
	return nil, false, errors.New("backend down")
}

func TestBackendReadFailureFallsBackToStore(t *testing.T) {
	src := newFakeSource(map[string][]string{"usher": {"attendance.approve"}})
	backend := &brokenBackend{MemoryBackend: NewMemoryBackend(nil)}
	cache := NewPermissionCache(src, backend)

	ok, err := cache.HasPermission(context.Background(), "usher", "attendance.approve")
	require.NoError(t, err)
	require.True(t, ok)
}
