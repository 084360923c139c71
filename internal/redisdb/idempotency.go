package redisdb

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
)

const idemKeyPrefix = "lyra:idem:"

// IdempotencyCache remembers memory ids by caller-supplied idempotency
// key, so a retried store returns the original id instead of writing a
// duplicate. Best effort: a cache failure degrades to a miss, and a
// duplicate store is acceptable (memories are append-only facts).
type IdempotencyCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewIdempotencyCache(rdb *redis.Client, ttl time.Duration) *IdempotencyCache {
	return &IdempotencyCache{rdb: rdb, ttl: ttl}
}

// Get returns the memory id previously stored under key, or false.
func (c *IdempotencyCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.rdb.Get(ctx, idemKeyPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			zlog.Warn().Err(err).Str("component", "idemcache").Msg("idempotency read failed")
		}
		return "", false
	}
	return val, true
}

// Set records the memory id written for key.
func (c *IdempotencyCache) Set(ctx context.Context, key, memoryID string) {
	if err := c.rdb.Set(ctx, idemKeyPrefix+key, memoryID, c.ttl).Err(); err != nil {
		zlog.Warn().Err(err).Str("component", "idemcache").Msg("idempotency write failed")
	}
}
