package redisdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
)

// releaseScript deletes the lock only if the caller still holds it, so a
// holder whose TTL already expired cannot delete a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Locker provides per-key advisory locks with TTL-based stale-lock recovery.
// Used as the per-user "consolidation in progress" marker: a crashed run's
// lock expires on its own after the TTL.
type Locker struct {
	rdb *redis.Client
}

func NewLocker(rdb *redis.Client) *Locker {
	return &Locker{rdb: rdb}
}

// Acquire takes the lock for key, returning a release func and whether the
// lock was obtained. A held lock returns ok=false without error.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock acquire failed: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// Release uses a background context so a cancelled job still unlocks.
		if err := releaseScript.Run(context.Background(), l.rdb, []string{key}, token).Err(); err != nil {
			zlog.Warn().Err(err).Str("component", "locker").Str("key", key).Msg("lock release failed, relying on TTL")
		}
	}
	return release, true, nil
}
