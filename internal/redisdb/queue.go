package redisdb

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Queue is a durable FIFO list. The deferred-store path pushes serialized
// pending writes here so they survive a process restart.
type Queue struct {
	rdb *redis.Client
	key string
}

func NewQueue(rdb *redis.Client, key string) *Queue {
	return &Queue{rdb: rdb, key: key}
}

func (q *Queue) Push(ctx context.Context, payload []byte) error {
	if err := q.rdb.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("queue push failed: %w", err)
	}
	return nil
}

// Pop removes and returns the oldest entry, or (nil, nil) when empty.
func (q *Queue) Pop(ctx context.Context) ([]byte, error) {
	val, err := q.rdb.LPop(ctx, q.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue pop failed: %w", err)
	}
	return val, nil
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len failed: %w", err)
	}
	return n, nil
}
