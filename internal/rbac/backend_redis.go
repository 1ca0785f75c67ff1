package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "rbac:perms:"
	flushBatchSize = 100
)

// RedisBackend keeps permission sets in Redis so every API instance shares
// invalidations.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend builds a RedisBackend using the default key prefix.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client, prefix: redisKeyPrefix}
}

func (b *RedisBackend) key(role string) string {
	return b.prefix + role
}

// Get loads a cached set. Redis expires keys on its own.
func (b *RedisBackend) Get(ctx context.Context, role string) ([]string, bool, error) {
	payload, err := b.client.Get(ctx, b.key(role)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var perms []string
	if err := json.Unmarshal(payload, &perms); err != nil {
		return nil, false, fmt.Errorf("rbac: decode cached permissions: %w", err)
	}
	return perms, true, nil
}

// Set stores perms as a JSON array with the given TTL.
func (b *RedisBackend) Set(ctx context.Context, role string, perms []string, ttl time.Duration) error {
	if perms == nil {
		perms = []string{}
	}
	raw, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, b.key(role), raw, ttl).Err()
}

// Delete removes the given roles.
func (b *RedisBackend) Delete(ctx context.Context, roles ...string) error {
	if len(roles) == 0 {
		return nil
	}
	keys := make([]string, len(roles))
	for i, r := range roles {
		keys[i] = b.key(r)
	}
	return b.client.Del(ctx, keys...).Err()
}

// Flush removes every key under the backend prefix.
func (b *RedisBackend) Flush(ctx context.Context) error {
	iter := b.client.Scan(ctx, 0, b.prefix+"*", flushBatchSize).Iterator()
	batch := make([]string, 0, flushBatchSize)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == flushBatchSize {
			if err := b.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return b.client.Del(ctx, batch...).Err()
	}
	return nil
}
