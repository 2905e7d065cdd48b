package repo_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"snowlink.local/internal/app/shortlink"
	"snowlink.local/internal/app/shortlink/cache"
	"snowlink.local/internal/app/shortlink/repo"
	"snowlink.local/internal/platform/sqlitedb"
)

func openSQLite(t *testing.T) *repo.SQLiteMappingsRepo {
	t.Helper()
	db, err := sqlitedb.Open(context.Background(), filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return repo.NewSQLiteMappingsRepo(db)
}

func TestSQLiteMappings_SaveAllIsIdempotent(t *testing.T) {
	db, err := sqlitedb.Open(context.Background(), filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	r := repo.NewSQLiteMappingsRepo(db)
	ctx := context.Background()

	batch := []shortlink.UrlMapping{
		{ShortCode: "a1", LongURL: "https://example.com/1", CreatedAt: 1},
		{ShortCode: "a2", LongURL: "https://example.com/2", CreatedAt: 2},
	}
	_, err = r.SaveAll(ctx, batch)
	require.NoError(t, err)
	// 重复投递同一批
	_, err = r.SaveAll(ctx, batch)
	require.NoError(t, err)
	_, err = r.Save(ctx, batch[0])
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(1) FROM url_mappings`).Scan(&n))
	assert.Equal(t, 2, n)

	got, err := r.FindByShortCode(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, batch[1], got)

	ok, err := r.ExistsByShortCode(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.ExistsByShortCode(ctx, "zz")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.FindByShortCode(ctx, "zz")
	assert.ErrorIs(t, err, shortlink.ErrMappingNotFound)
}

func TestSQLiteMappings_ConstraintViolationIsFatal(t *testing.T) {
	r := openSQLite(t)
	_, err := r.Save(context.Background(), shortlink.UrlMapping{
		ShortCode: "big",
		LongURL:   "https://example.com/" + strings.Repeat("x", 3000),
		CreatedAt: 1,
	})
	require.Error(t, err)
	assert.True(t, shortlink.IsFatal(err))
}

func TestSQLiteOutbox_AppendFindDelete(t *testing.T) {
	db, err := sqlitedb.Open(context.Background(), filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	r := repo.NewSQLiteOutboxRepo(db)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Append(ctx, shortlink.OutboxEntry{
			AggregateType: shortlink.AggregateTypeMapping,
			AggregateID:   id,
			Payload:       []byte(`{"shortCode":"` + id + `"}`),
			CreatedAt:     time.UnixMilli(1_700_000_000_000),
		}))
	}

	entries, err := r.FindUnprocessed(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].AggregateID)
	assert.Equal(t, `{"shortCode":"a"}`, string(entries[0].Payload))
	assert.Equal(t, int64(1_700_000_000_000), entries[0].CreatedAt.UnixMilli())

	require.NoError(t, r.Delete(ctx, []int64{entries[0].ID, entries[1].ID}))
	entries, err = r.FindUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c", entries[0].AggregateID)
}

func TestSQLiteFailedEvents_Lifecycle(t *testing.T) {
	db, err := sqlitedb.Open(context.Background(), filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	r := repo.NewSQLiteFailedEventsRepo(db)
	ctx := context.Background()

	old := time.Now().Add(-10 * 24 * time.Hour)
	m := shortlink.UrlMapping{ShortCode: "f1", LongURL: "https://example.com/f", CreatedAt: 5}
	require.NoError(t, r.SaveAll(ctx, []shortlink.FailedEvent{
		shortlink.NewFailedEvent(m, assert.AnError, old),
		shortlink.NewFailedEvent(shortlink.UrlMapping{ShortCode: "f2", LongURL: "https://example.com/g", CreatedAt: 6}, assert.AnError, time.Now()),
	}))

	retryable, err := r.FindRetryable(ctx, shortlink.MaxRetryCount, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 2)
	e := retryable[0]
	assert.Equal(t, "f1", e.ShortCode)
	assert.Equal(t, m, e.Mapping())
	assert.Equal(t, shortlink.FailedPending, e.Status)
	assert.NotEmpty(t, e.LastError)

	e.MarkResolved()
	require.NoError(t, r.Update(ctx, e))
	resolved, err := r.FindByStatus(ctx, shortlink.FailedResolved, 10)
	require.NoError(t, err)
	require.Len(t, resolved, 1)

	second := retryable[1]
	for i := 0; i < shortlink.MaxRetryCount; i++ {
		second.MarkRetryFailed(assert.AnError)
	}
	require.NoError(t, r.Update(ctx, second))
	retryable, err = r.FindRetryable(ctx, shortlink.MaxRetryCount, 10)
	require.NoError(t, err)
	assert.Empty(t, retryable)

	n, err := r.DeleteResolvedOlderThan(ctx, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	missing := shortlink.FailedEvent{ID: 999, Status: shortlink.FailedPending}
	assert.ErrorIs(t, r.Update(ctx, missing), repo.ErrFailedEventNotFound)
}

func TestCachedMappings_ReadThroughAndNegative(t *testing.T) {
	inner := openSQLite(t)
	local, err := cache.NewLocalCache(1000, 1000)
	require.NoError(t, err)
	mc := cache.NewMappingCache(nil, local)
	t.Cleanup(mc.Close)
	r := repo.NewCachedMappings(inner, mc)
	ctx := context.Background()

	_, err = r.FindByShortCode(ctx, "ghost")
	require.ErrorIs(t, err, shortlink.ErrMappingNotFound)
	local.Wait()
	_, res, _ := mc.Get(ctx, "ghost")
	assert.Equal(t, cache.NotFound, res)

	m := shortlink.UrlMapping{ShortCode: "ghost", LongURL: "https://example.com/ghost", CreatedAt: 3}
	_, err = r.SaveAll(ctx, []shortlink.UrlMapping{m})
	require.NoError(t, err)
	local.Wait()

	got, err := r.FindByShortCode(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, m, got)
}
