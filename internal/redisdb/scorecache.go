package redisdb

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
)

const scoreKeyPrefix = "lyra:importance:"

// ScoreCache caches importance scores keyed by content hash. Identical text
// is never re-scored within the TTL. All failures degrade to a miss; the
// cache never blocks the scoring path.
type ScoreCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewScoreCache(rdb *redis.Client, ttl time.Duration) *ScoreCache {
	return &ScoreCache{rdb: rdb, ttl: ttl}
}

// Get returns the cached score for key, or false on miss or error.
func (c *ScoreCache) Get(ctx context.Context, key string) (float64, bool) {
	val, err := c.rdb.Get(ctx, scoreKeyPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			zlog.Warn().Err(err).Str("component", "scorecache").Msg("cache read failed")
		}
		return 0, false
	}
	score, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return score, true
}

// Set writes a score with the configured TTL. Best effort.
func (c *ScoreCache) Set(ctx context.Context, key string, score float64) {
	val := strconv.FormatFloat(score, 'f', -1, 64)
	if err := c.rdb.Set(ctx, scoreKeyPrefix+key, val, c.ttl).Err(); err != nil {
		zlog.Warn().Err(err).Str("component", "scorecache").Msg("cache write failed")
	}
}
