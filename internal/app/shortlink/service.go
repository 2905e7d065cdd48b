package shortlink

import (
	"context"
	"log/slog"
	"time"

	"snowlink.local/internal/platform/logmask"
	"snowlink.local/internal/platform/metrics"
)

// CodeGenerator 表示“产出一个未占用短码”的能力，生产实现是 Allocator。
type CodeGenerator interface {
	Generate(ctx context.Context) (string, error)
}

// Warmer 在映射落库之前先写缓存，避免刚创建的短码命中之前的负缓存。
type Warmer interface {
	Put(ctx context.Context, m UrlMapping) error
}

// MintRecorder 记录本实例已发出的短码（布隆过滤器），落库前的窗口期内查重也能看到它们。
type MintRecorder interface {
	Add(code string)
}

// Service 是短链用例的入口：Shorten 写路径，Resolve 读路径。
//
// 设计原因：
// - 写路径只负责“决定”：校验、取码、交给管道，持久化是异步且至少一次的
// - 不做按长链接去重：同一个长链接每次都会得到新短码
type Service struct {
	codes  CodeGenerator
	pub    Publisher
	store  MappingStore
	warmer Warmer
	minted MintRecorder
	now    func() time.Time
}

type ServiceOption func(*Service)

func WithWarmer(w Warmer) ServiceOption { return func(s *Service) { s.warmer = w } }

func WithMintRecorder(r MintRecorder) ServiceOption { return func(s *Service) { s.minted = r } }

func WithNow(now func() time.Time) ServiceOption { return func(s *Service) { s.now = now } }

func NewService(codes CodeGenerator, pub Publisher, store MappingStore, opts ...ServiceOption) *Service {
	s := &Service{
		codes: codes,
		pub:   pub,
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Shorten 生成短码并立即返回；映射由管道异步持久化。
func (s *Service) Shorten(ctx context.Context, longURL string) (UrlMapping, error) {
	if err := ValidateURL(longURL); err != nil {
		return UrlMapping{}, err
	}

	code, err := s.codes.Generate(ctx)
	if err != nil {
		slog.Error("allocate short code failed", "err", err)
		return UrlMapping{}, err
	}
	m := UrlMapping{
		ShortCode: code,
		LongURL:   longURL,
		CreatedAt: s.now().UnixMilli(),
	}
	if s.minted != nil {
		s.minted.Add(code)
	}

	if err := s.pub.Publish(ctx, m); err != nil {
		slog.Error("publish mapping failed", "code", code, "url", logmask.URL(longURL), "err", err)
		return UrlMapping{}, err
	}

	if s.warmer != nil {
		cacheCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		if err := s.warmer.Put(cacheCtx, m); err != nil {
			slog.Warn("warm cache failed", "code", code, "err", err)
		}
	}

	metrics.ShortlinksCreated.Inc()
	slog.Debug("shortened", "code", code, "url", logmask.URL(longURL))
	return m, nil
}

// Resolve 按短码查映射。
func (s *Service) Resolve(ctx context.Context, code string) (UrlMapping, error) {
	if err := ValidateCode(code); err != nil {
		return UrlMapping{}, ErrMappingNotFound
	}
	return s.store.FindByShortCode(ctx, code)
}
