package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter allows one action per key per window across every process sharing the Redis
// instance.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	window time.Duration
}

func NewRedis(client *redis.Client, prefix string, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, window: window}
}

// Allow fails open when Redis is unreachable.
func (r *RedisLimiter) Allow(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := r.client.SetNX(ctx, r.prefix+key, time.Now().Unix(), r.window).Result()
	if err != nil {
		return true
	}
	return ok
}
