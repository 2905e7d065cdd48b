package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"snowlink.local/internal/app/shortlink"
)

// LocalCache 基于 ristretto 的本地内存缓存（L1）。
type LocalCache struct {
	cache    *ristretto.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// localNotFound 是 L1 的负缓存值，和任何真实映射都不相等。
type localNotFound struct{}

// NewLocalCache 创建本地缓存
// maxItems: 最大缓存条目数（建议 10000-100000）
// maxCost: 最大内存占用（字节，建议 16MB-64MB）
func NewLocalCache(maxItems int64, maxCost int64) (*LocalCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10, // 计数器数量，建议为 maxItems 的 10 倍
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &LocalCache{
		cache:    cache,
		ttl:      5 * time.Minute,  // 映射不可变，TTL 只是为了控制内存
		emptyTTL: 10 * time.Second, // 负缓存要短：异步落库期间别的实例可能还查不到
	}, nil
}

// Get 返回 (映射, 是否命中负缓存, 是否命中)。
func (l *LocalCache) Get(code string) (shortlink.UrlMapping, bool, bool) {
	v, ok := l.cache.Get(code)
	if !ok {
		return shortlink.UrlMapping{}, false, false
	}
	switch m := v.(type) {
	case shortlink.UrlMapping:
		return m, false, true
	case localNotFound:
		return shortlink.UrlMapping{}, true, true
	}
	return shortlink.UrlMapping{}, false, false
}

func (l *LocalCache) Set(m shortlink.UrlMapping) {
	// cost=1 表示按条目数限制
	l.cache.SetWithTTL(m.ShortCode, m, 1, l.ttl)
}

func (l *LocalCache) SetNotFound(code string) {
	l.cache.SetWithTTL(code, localNotFound{}, 1, l.emptyTTL)
}

// Wait 等待异步写入生效（ristretto 的 Set 是异步的，测试里需要）。
func (l *LocalCache) Wait() {
	l.cache.Wait()
}

func (l *LocalCache) Close() {
	l.cache.Close()
}
