package shortlink_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"snowlink.local/internal/app/idgen"
	"snowlink.local/internal/app/shortlink"
	"snowlink.local/internal/app/shortlink/cache"
	"snowlink.local/internal/app/shortlink/pipeline"
	"snowlink.local/internal/app/shortlink/repo"
	"snowlink.local/internal/platform/sqlitedb"
)

type stack struct {
	svc     *shortlink.Service
	batcher *pipeline.Batcher
	store   shortlink.MappingStore
}

// newStack 用真实组件拼出写路径：发号池 -> 分配器 -> 批量管道 -> sqlite。
func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()

	db, err := sqlitedb.Open(ctx, filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	local, err := cache.NewLocalCache(1000, 1000)
	require.NoError(t, err)
	mc := cache.NewMappingCache(nil, local)
	t.Cleanup(mc.Close)
	store := repo.NewCachedMappings(repo.NewSQLiteMappingsRepo(db), mc)

	var gens []idgen.IDGenerator
	for _, w := range []int64{3, 4} {
		g, err := idgen.NewGenerator(w)
		require.NoError(t, err)
		gens = append(gens, g)
	}
	pool, err := idgen.NewPool(gens...)
	require.NoError(t, err)

	codec, err := shortlink.NewBase62Codec(shortlink.DefaultBase62Alphabet)
	require.NoError(t, err)
	minted := cache.NewBloomFilter(10_000, 0.01)
	alloc := shortlink.NewAllocator(pool, codec, cache.NewMintedProbe(minted, store))

	flusher := pipeline.NewFlusher(store, repo.NewSQLiteFailedEventsRepo(db), pipeline.DefaultFlushPolicy())
	b := pipeline.NewBatcher(flusher, pipeline.BatcherConfig{BatchSize: 10, FlushInterval: 10 * time.Millisecond})
	runCtx, cancel := context.WithCancel(ctx)
	go b.Run(runCtx)
	t.Cleanup(func() {
		cancel()
		<-b.Done()
	})

	svc := shortlink.NewService(alloc, b, store, shortlink.WithWarmer(mc), shortlink.WithMintRecorder(minted))
	return &stack{svc: svc, batcher: b, store: store}
}

func TestShorten_SameURLTwiceMintsDistinctCodes(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	first, err := s.svc.Shorten(ctx, "https://example.com/a")
	require.NoError(t, err)
	second, err := s.svc.Shorten(ctx, "https://example.com/a")
	require.NoError(t, err)

	assert.NotEqual(t, first.ShortCode, second.ShortCode, "every call mints a new code")
	assert.Equal(t, "https://example.com/a", first.LongURL)
	assert.NotZero(t, first.CreatedAt)

	s.batcher.Close()
	<-s.batcher.Done()

	for _, m := range []shortlink.UrlMapping{first, second} {
		got, err := s.svc.Resolve(ctx, m.ShortCode)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestShorten_PersistsAsynchronously(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	m, err := s.svc.Shorten(ctx, "https://example.com/async?token=secret")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		ok, err := s.store.ExistsByShortCode(ctx, m.ShortCode)
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShorten_RejectsInvalidURL(t *testing.T) {
	s := newStack(t)
	_, err := s.svc.Shorten(context.Background(), "not a url")
	assert.ErrorIs(t, err, shortlink.ErrInvalidURL)
}

func TestResolve_UnknownAndMalformedCodes(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	_, err := s.svc.Resolve(ctx, "zzzzzz")
	assert.ErrorIs(t, err, shortlink.ErrMappingNotFound)
	_, err = s.svc.Resolve(ctx, "../etc")
	assert.ErrorIs(t, err, shortlink.ErrMappingNotFound)
}

type fixedCodes struct{ code string }

func (f fixedCodes) Generate(context.Context) (string, error) { return f.code, nil }

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, shortlink.UrlMapping) error { return f.err }

type recorder struct{ codes []string }

func (r *recorder) Add(code string) { r.codes = append(r.codes, code) }

func TestShorten_PublishFailureIsReturned(t *testing.T) {
	full := errors.New("pipeline queue full")
	rec := &recorder{}
	svc := shortlink.NewService(fixedCodes{"abc"}, failingPublisher{full}, nil, shortlink.WithMintRecorder(rec))

	_, err := svc.Shorten(context.Background(), "https://example.com")
	assert.ErrorIs(t, err, full)
	// 码已经记为发出，避免被别的请求复用
	assert.Equal(t, []string{"abc"}, rec.codes)
}

func TestShorten_UsesInjectedClock(t *testing.T) {
	at := time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)
	svc := shortlink.NewService(fixedCodes{"abc"}, failingPublisher{}, nil, shortlink.WithNow(func() time.Time { return at }))

	m, err := svc.Shorten(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, at.UnixMilli(), m.CreatedAt)
	assert.Equal(t, at, m.CreatedTime().UTC())
}
