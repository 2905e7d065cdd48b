package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"snowlink.local/internal/app/shortlink"
	"snowlink.local/internal/platform/metrics"
)

const (
	notFoundSentinel = "__nil__"
	keyPrefix        = "short:"
)

// Lookup 是一次缓存查询的结果。
type Lookup int

const (
	Miss     Lookup = iota
	Hit             // 命中真实映射
	NotFound        // 命中负缓存：之前查过库，确认不存在
)

// MappingCache 两级缓存：L1 ristretto + L2 redis，值是 UrlMapping 的 JSON。
//
// 设计原因：
// - 映射创建后不可变，写穿透（write-through）不会有脏数据问题
// - 负缓存用明确的哨兵值，避免缓存穿透；不要用 "" 当哨兵，容易和“未命中”混淆
// - client 可以为 nil（REDIS_ENABLED=false），此时只剩 L1
type MappingCache struct {
	client   *redis.Client
	local    *LocalCache
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewMappingCache(client *redis.Client, local *LocalCache) *MappingCache {
	return &MappingCache{
		client:   client,
		local:    local,
		ttl:      10 * time.Minute,
		emptyTTL: 30 * time.Second,
	}
}

func (c *MappingCache) Get(ctx context.Context, code string) (shortlink.UrlMapping, Lookup, error) {
	// L1: 本地缓存
	if c.local != nil {
		if m, negative, ok := c.local.Get(code); ok {
			if negative {
				metrics.CacheOperations.WithLabelValues("l1", "hit_negative").Inc()
				return shortlink.UrlMapping{}, NotFound, nil
			}
			metrics.CacheOperations.WithLabelValues("l1", "hit").Inc()
			return m, Hit, nil
		}
	}
	if c.client == nil {
		return shortlink.UrlMapping{}, Miss, nil
	}

	// L2: Redis
	res, err := c.client.Get(ctx, keyPrefix+code).Result()
	if errors.Is(err, redis.Nil) {
		metrics.CacheOperations.WithLabelValues("l2", "miss").Inc()
		return shortlink.UrlMapping{}, Miss, nil
	}
	if err != nil {
		return shortlink.UrlMapping{}, Miss, err
	}
	if res == notFoundSentinel {
		metrics.CacheOperations.WithLabelValues("l2", "hit_negative").Inc()
		if c.local != nil {
			c.local.SetNotFound(code)
		}
		return shortlink.UrlMapping{}, NotFound, nil
	}

	var m shortlink.UrlMapping
	if err := json.Unmarshal([]byte(res), &m); err != nil {
		// 旧格式或被人手工改坏：当作未命中，让调用方回源
		slog.Warn("mapping cache: bad payload", "code", code, "err", err)
		return shortlink.UrlMapping{}, Miss, nil
	}
	metrics.CacheOperations.WithLabelValues("l2", "hit").Inc()
	// 回填本地缓存
	if c.local != nil {
		c.local.Set(m)
	}
	return m, Hit, nil
}

// Put 同时写两级缓存，并覆盖可能存在的负缓存。
func (c *MappingCache) Put(ctx context.Context, m shortlink.UrlMapping) error {
	if c.local != nil {
		c.local.Set(m)
	}
	if c.client == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+m.ShortCode, data, c.ttl).Err()
}

// PutAll 批量写入 L2 用 pipeline，一次往返。
func (c *MappingCache) PutAll(ctx context.Context, ms []shortlink.UrlMapping) error {
	if c.local != nil {
		for _, m := range ms {
			c.local.Set(m)
		}
	}
	if c.client == nil || len(ms) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, m := range ms {
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			p.Set(ctx, keyPrefix+m.ShortCode, data, c.ttl)
		}
		return nil
	})
	return err
}

func (c *MappingCache) SetNotFound(ctx context.Context, code string) error {
	if c.local != nil {
		c.local.SetNotFound(code)
	}
	if c.client == nil {
		return nil
	}
	return c.client.Set(ctx, keyPrefix+code, notFoundSentinel, c.emptyTTL).Err()
}

// Close 关闭本地缓存
func (c *MappingCache) Close() {
	if c.local != nil {
		c.local.Close()
		slog.Info("本地缓存已关闭")
	}
}
