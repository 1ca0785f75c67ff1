package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackend(client), mr, client
}

func TestRedisBackendRoundTripAndExpiry(t *testing.T) {
	backend, mr, _ := newRedisBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "usher", []string{"attendance.approve"}, time.Hour))
	perms, ok, err := backend.Get(ctx, "usher")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"attendance.approve"}, perms)

	mr.FastForward(time.Hour)
	_, ok, err = backend.Get(ctx, "usher")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisBackendCachesEmptySet(t *testing.T) {
	backend, _, _ := newRedisBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "ghost", nil, time.Hour))
	perms, ok, err := backend.Get(ctx, "ghost")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, perms)
}

func TestRedisBackendFlushKeepsForeignKeys(t *testing.T) {
	backend, mr, _ := newRedisBackend(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("asynq:unrelated", "1"))
	for _, role := range []string{"a", "b", "c"} {
		require.NoError(t, backend.Set(ctx, role, []string{"x.view"}, time.Hour))
	}
	require.NoError(t, backend.Flush(ctx))

	require.False(t, mr.Exists(redisKeyPrefix+"a"))
	require.False(t, mr.Exists(redisKeyPrefix+"c"))
	require.True(t, mr.Exists("asynq:unrelated"))
}

func TestCacheOverRedisInvalidates(t *testing.T) {
	backend, mr, _ := newRedisBackend(t)
	src := newFakeSource(map[string][]string{"usher": {"attendance.approve"}})
	cache := NewPermissionCache(src, backend, WithTTL(30*time.Minute))
	ctx := context.Background()

	_, err := cache.RolePermissions(ctx, "usher")
	require.NoError(t, err)
	require.True(t, mr.Exists(redisKeyPrefix+"usher"))
	require.Equal(t, 30*time.Minute, mr.TTL(redisKeyPrefix+"usher"))

	src.set("usher", "attendance.approve", "attendance.edit")
	require.NoError(t, cache.Invalidate(ctx, "usher"))
	require.False(t, mr.Exists(redisKeyPrefix+"usher"))

	ok, err := cache.HasPermission(ctx, "usher", "attendance.edit")
	require.NoError(t, err)
	require.True(t, ok)
}
