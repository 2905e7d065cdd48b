package repo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"snowlink.local/internal/app/shortlink"
	"snowlink.local/internal/app/shortlink/cache"
)

// CachedMappings 给任意 MappingStore 加上写穿透缓存。
//
// - 写：先落库，成功后写缓存（缓存失败只记日志）
// - 读：缓存 -> 库 -> 负缓存
type CachedMappings struct {
	next  shortlink.MappingStore
	cache *cache.MappingCache
}

func NewCachedMappings(next shortlink.MappingStore, c *cache.MappingCache) *CachedMappings {
	return &CachedMappings{next: next, cache: c}
}

func (s *CachedMappings) Save(ctx context.Context, m shortlink.UrlMapping) (shortlink.UrlMapping, error) {
	saved, err := s.next.Save(ctx, m)
	if err != nil {
		return saved, err
	}
	cacheCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := s.cache.Put(cacheCtx, saved); err != nil {
		slog.Warn("mapping cache put failed", "code", saved.ShortCode, "err", err)
	}
	return saved, nil
}

func (s *CachedMappings) SaveAll(ctx context.Context, ms []shortlink.UrlMapping) ([]shortlink.UrlMapping, error) {
	saved, err := s.next.SaveAll(ctx, ms)
	if err != nil {
		return saved, err
	}
	cacheCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := s.cache.PutAll(cacheCtx, saved); err != nil {
		slog.Warn("mapping cache put batch failed", "batch", len(saved), "err", err)
	}
	return saved, nil
}

func (s *CachedMappings) FindByShortCode(ctx context.Context, code string) (shortlink.UrlMapping, error) {
	m, lookup, err := s.cache.Get(ctx, code)
	if err != nil {
		slog.Warn("mapping cache get failed", "code", code, "err", err)
	}
	switch lookup {
	case cache.Hit:
		return m, nil
	case cache.NotFound:
		return shortlink.UrlMapping{}, shortlink.ErrMappingNotFound
	}

	m, err = s.next.FindByShortCode(ctx, code)
	if errors.Is(err, shortlink.ErrMappingNotFound) {
		_ = s.cache.SetNotFound(ctx, code)
		return m, err
	}
	if err != nil {
		return m, err
	}
	if err := s.cache.Put(ctx, m); err != nil {
		slog.Warn("mapping cache put failed", "code", code, "err", err)
	}
	return m, nil
}

// ExistsByShortCode 缓存命中直接返回；负缓存不可信（可能是落库前写入的），回源确认。
func (s *CachedMappings) ExistsByShortCode(ctx context.Context, code string) (bool, error) {
	if _, lookup, err := s.cache.Get(ctx, code); err == nil && lookup == cache.Hit {
		return true, nil
	}
	return s.next.ExistsByShortCode(ctx, code)
}
