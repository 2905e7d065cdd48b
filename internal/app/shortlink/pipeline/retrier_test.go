package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"snowlink.local/internal/app/shortlink"
	"snowlink.local/internal/app/shortlink/pipeline"
)

func seedDeadLetters(t *testing.T, dlq *memDLQ, n int) {
	t.Helper()
	events := make([]shortlink.FailedEvent, n)
	for i := range events {
		events[i] = shortlink.NewFailedEvent(mapping(i), errDown, time.Now())
	}
	require.NoError(t, dlq.SaveAll(context.Background(), events))
}

func TestRetrier_ResolvesOnSuccess(t *testing.T) {
	store, dlq := newMemStore(), newMemDLQ()
	seedDeadLetters(t, dlq, 3)
	r := pipeline.NewRetrier(store, dlq, fastPolicy, 100)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.RetryResult{Succeeded: 3}, res)
	assert.Equal(t, 3, store.count())
	for _, e := range dlq.all() {
		assert.Equal(t, shortlink.FailedResolved, e.Status)
	}
}

func TestRetrier_FailsPermanentlyAfterMaxRetries(t *testing.T) {
	store, dlq := newMemStore(), newMemDLQ()
	store.setFail(func([]shortlink.UrlMapping) error { return errDown })
	seedDeadLetters(t, dlq, 1)
	r := pipeline.NewRetrier(store, dlq, fastPolicy, 100)
	ctx := context.Background()

	for round := 1; round < shortlink.MaxRetryCount; round++ {
		res, err := r.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, pipeline.RetryResult{Failed: 1}, res)
		e := dlq.all()[0]
		assert.Equal(t, shortlink.FailedPending, e.Status)
		assert.Equal(t, round, e.RetryCount)
	}

	res, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RetryResult{PermanentlyFailed: 1}, res)
	e := dlq.all()[0]
	assert.Equal(t, shortlink.FailedFailed, e.Status)
	assert.Equal(t, shortlink.MaxRetryCount, e.RetryCount)
	assert.NotEmpty(t, e.LastError)

	// FAILED 不再被拾取
	res, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RetryResult{}, res)
}

func TestRetrier_SkipsWhenAlreadyRunning(t *testing.T) {
	store, dlq := newMemStore(), newMemDLQ()
	store.blockCh = make(chan struct{})
	store.entering = make(chan struct{}, 1)
	seedDeadLetters(t, dlq, 1)
	r := pipeline.NewRetrier(store, dlq, fastPolicy, 100)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.Run(context.Background())
	}()
	<-store.entering

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(store.blockCh)
	wg.Wait()
}

func TestRetention_PurgesOnlyOldResolved(t *testing.T) {
	dlq := newMemDLQ()
	old := time.Now().Add(-8 * 24 * time.Hour)
	events := []shortlink.FailedEvent{
		shortlink.NewFailedEvent(mapping(1), errDown, old),
		shortlink.NewFailedEvent(mapping(2), errDown, old),
		shortlink.NewFailedEvent(mapping(3), errDown, time.Now()),
	}
	events[0].MarkResolved()
	events[2].MarkResolved()
	require.NoError(t, dlq.SaveAll(context.Background(), events))

	n, err := pipeline.NewRetention(dlq, 7*24*time.Hour).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, dlq.all(), 2)
}

// ctxBlockingStore 的 Save 一直阻塞到 ctx 结束。
type ctxBlockingStore struct {
	*memStore
	entered chan struct{}
}

func (s *ctxBlockingStore) Save(ctx context.Context, _ shortlink.UrlMapping) (shortlink.UrlMapping, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return shortlink.UrlMapping{}, ctx.Err()
}

func TestRetrier_CancelledRoundReleasesClaim(t *testing.T) {
	store := &ctxBlockingStore{memStore: newMemStore(), entered: make(chan struct{}, 1)}
	dlq := newMemDLQ()
	seedDeadLetters(t, dlq, 2)
	r := pipeline.NewRetrier(store, dlq, fastPolicy, 100)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-store.entered
		cancel()
	}()

	res, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RetryResult{}, res)

	for _, e := range dlq.all() {
		assert.Equal(t, shortlink.FailedPending, e.Status)
		assert.Equal(t, 0, e.RetryCount)
	}

	// 下一轮还能拾取到
	retryable, err := dlq.FindRetryable(context.Background(), shortlink.MaxRetryCount, 100)
	require.NoError(t, err)
	assert.Len(t, retryable, 2)
}
