// Package ratelimit 提供按 key 的滑动窗口限流。
//
// 两种实现：
// - RedisLimiter：多实例共享计数（ZSET + Lua，原子执行）
// - MemoryLimiter：单实例进程内计数，Redis 未启用时使用
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// Limiter 返回：allowed、retryAfter（仅当超限时有意义）。
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

var memberSeq uint64

const slidingWindowLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

local windowStart = now - window
redis.call("ZREMRANGEBYSCORE", key, 0, windowStart)
redis.call("ZADD", key, now, member)
local count = redis.call("ZCARD", key)
redis.call("PEXPIRE", key, window)

if count <= limit then
  return {1, 0}
end

redis.call("ZREM", key, member)

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if oldest[2] ~= nil then
  local oldestScore = tonumber(oldest[2])
  local retryAfter = (oldestScore + window) - now
  if retryAfter < 0 then retryAfter = 0 end
  return {0, retryAfter}
end
return {0, window}
`

var slidingWindow = redis.NewScript(slidingWindowLua)

type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	nowMS := time.Now().UnixMilli()
	// member 必须“每次请求唯一”，否则 ZADD 会覆盖同一个 member。
	// 在虚拟化环境中 UnixNano 可能短时间内重复；加序列号保证唯一。
	member := strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + strconv.FormatUint(atomic.AddUint64(&memberSeq, 1), 10)

	res, err := slidingWindow.Run(ctx, l.client, []string{key}, nowMS, window.Milliseconds(), limit, member).Result()
	if err != nil {
		return false, 0, err
	}

	arr, ok := res.([]any)
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected redis eval result: %T %v", res, res)
	}

	allowed, _ := arr[0].(int64)
	var retryAfterMs int64
	switch v := arr[1].(type) {
	case int64:
		retryAfterMs = v
	case string:
		retryAfterMs, _ = strconv.ParseInt(v, 10, 64)
	}

	return allowed == 1, time.Duration(retryAfterMs) * time.Millisecond, nil
}

// MemoryLimiter 基于 ulule/limiter 的内存 store，计数只在本进程内有效。
//
// 它是固定窗口而不是滑动窗口：窗口边界附近最多放过 2*limit 个请求，单实例兜底够用。
type MemoryLimiter struct {
	store limiter.Store
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		store: memory.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          "rl",
			CleanUpInterval: time.Minute,
		}),
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	res, err := l.store.Get(ctx, key, limiter.Rate{Period: window, Limit: int64(limit)})
	if err != nil {
		return false, 0, err
	}
	if !res.Reached {
		return true, 0, nil
	}
	retryAfter := time.Until(time.Unix(res.Reset, 0))
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter, nil
}
