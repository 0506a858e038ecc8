package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed allow.lua
var allowLuaScript string

// RedisLimiter keeps the window counters in Redis so the limit holds across
// replicas. The Lua script increments and sets the window expiry atomically.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	period time.Duration
}

func NewRedisLimiter(rdb *redis.Client, limit int, period time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, period: period}
}

func (l *RedisLimiter) Allow(ctx context.Context, accountID int64, provider string) (bool, error) {
	rateKey := fmt.Sprintf("rate:%d:%s", accountID, provider)

	result, err := l.rdb.Eval(ctx, allowLuaScript,
		[]string{rateKey}, l.period.Milliseconds(), l.limit).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}

	allowed, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected rate limit reply %T", result)
	}
	return allowed == 1, nil
}
