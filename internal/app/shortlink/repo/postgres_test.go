package repo_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"snowlink.local/internal/app/shortlink"
	"snowlink.local/internal/app/shortlink/repo"
	"snowlink.local/internal/platform/db/pgtest"
)

func TestPostgresMappings(t *testing.T) {
	pool := pgtest.New(t)
	r := repo.NewMappingsRepo(pool)
	ctx := context.Background()

	batch := []shortlink.UrlMapping{
		{ShortCode: "p1", LongURL: "https://example.com/1", CreatedAt: 1},
		{ShortCode: "p2", LongURL: "https://example.com/2", CreatedAt: 2},
	}
	_, err := r.SaveAll(ctx, batch)
	require.NoError(t, err)
	_, err = r.SaveAll(ctx, batch)
	require.NoError(t, err)

	got, err := r.FindByShortCode(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, batch[0], got)

	ok, err := r.ExistsByShortCode(ctx, "p3")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.Save(ctx, shortlink.UrlMapping{ShortCode: "big", LongURL: strings.Repeat("x", 3000), CreatedAt: 1})
	require.Error(t, err)
	assert.True(t, shortlink.IsFatal(err), "check violation must be fatal: %v", err)
}

func TestPostgresOutboxAndFailedEvents(t *testing.T) {
	pool := pgtest.New(t)
	ctx := context.Background()

	outbox := repo.NewOutboxRepo(pool)
	require.NoError(t, outbox.Append(ctx, shortlink.OutboxEntry{
		AggregateType: shortlink.AggregateTypeMapping,
		AggregateID:   "o1",
		Payload:       []byte(`{"shortCode":"o1"}`),
		CreatedAt:     time.Now(),
	}))
	entries, err := outbox.FindUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, outbox.Delete(ctx, []int64{entries[0].ID}))
	entries, err = outbox.FindUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	dlq := repo.NewFailedEventsRepo(pool)
	m := shortlink.UrlMapping{ShortCode: "d1", LongURL: "https://example.com/d", CreatedAt: 9}
	require.NoError(t, dlq.SaveAll(ctx, []shortlink.FailedEvent{shortlink.NewFailedEvent(m, assert.AnError, time.Now().Add(-8*24*time.Hour))}))

	events, err := dlq.FindRetryable(ctx, shortlink.MaxRetryCount, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	e.MarkResolved()
	require.NoError(t, dlq.Update(ctx, e))

	n, err := dlq.DeleteResolvedOlderThan(ctx, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
