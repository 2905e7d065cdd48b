package idgen_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"snowlink.local/internal/app/idgen"
)

func fixedClock(ms *atomic.Int64) idgen.Clock {
	return idgen.ClockFunc(func() int64 { return ms.Load() })
}

func TestNewGenerator_RejectsOutOfRangeWorker(t *testing.T) {
	for _, w := range []int64{-1, 1024, 1 << 20} {
		_, err := idgen.NewGenerator(w)
		require.ErrorIs(t, err, idgen.ErrInvalidWorkerID, "worker %d", w)
	}
	for _, w := range []int64{0, 1, 1023} {
		_, err := idgen.NewGenerator(w)
		require.NoError(t, err, "worker %d", w)
	}
}

func TestNextID_StrictlyIncreasingAndDecodesWorker(t *testing.T) {
	for _, w := range []int64{0, 7, 512, 1023} {
		g, err := idgen.NewGenerator(w)
		require.NoError(t, err)

		prev := int64(-1)
		for i := 0; i < 20000; i++ {
			id, err := g.NextID()
			require.NoError(t, err)
			require.Greater(t, id, prev)
			prev = id
			require.Equal(t, w, idgen.Decompose(id).WorkerID)
		}
	}
}

func TestNextID_SameMillisIncrementsLowBits(t *testing.T) {
	var now atomic.Int64
	now.Store(1_000)
	g, err := idgen.NewGenerator(3, idgen.WithClock(fixedClock(&now)))
	require.NoError(t, err)

	a, err := g.NextID()
	require.NoError(t, err)
	b, err := g.NextID()
	require.NoError(t, err)

	assert.Equal(t, int64(1), b-a)
	assert.Equal(t, a>>12, b>>12, "only the sequence bits may differ")

	pa, pb := idgen.Decompose(a), idgen.Decompose(b)
	assert.Equal(t, int64(1000), pa.Timestamp)
	assert.Equal(t, int64(0), pa.Sequence)
	assert.Equal(t, int64(1), pb.Sequence)
}

func TestNextID_NewMillisResetsSequence(t *testing.T) {
	var now atomic.Int64
	now.Store(50)
	g, _ := idgen.NewGenerator(1, idgen.WithClock(fixedClock(&now)))

	for i := 0; i < 5; i++ {
		_, err := g.NextID()
		require.NoError(t, err)
	}
	now.Store(51)
	id, err := g.NextID()
	require.NoError(t, err)
	assert.Equal(t, idgen.Parts{Timestamp: 51, WorkerID: 1, Sequence: 0}, idgen.Decompose(id))
}

func TestNextID_SequenceExhaustionWaitsForNextMillis(t *testing.T) {
	// 前 4097 次读时钟都停在 100ms（第 4097 次是溢出那一次），之后前进到 101ms。
	var calls atomic.Int64
	clock := idgen.ClockFunc(func() int64 {
		if calls.Add(1) <= 4097 {
			return 100
		}
		return 101
	})
	g, err := idgen.NewGenerator(9, idgen.WithClock(clock))
	require.NoError(t, err)

	var last int64
	for i := 0; i < 4096; i++ {
		last, err = g.NextID()
		require.NoError(t, err)
	}
	require.Equal(t, idgen.Parts{Timestamp: 100, WorkerID: 9, Sequence: 4095}, idgen.Decompose(last))
	require.Equal(t, int64(0), g.Exhaustions())

	id, err := g.NextID()
	require.NoError(t, err)
	assert.Equal(t, idgen.Parts{Timestamp: 101, WorkerID: 9, Sequence: 0}, idgen.Decompose(id))
	assert.Equal(t, int64(1), g.Exhaustions())
}

func TestNextID_ClockRegression(t *testing.T) {
	var now atomic.Int64
	now.Store(500)
	g, _ := idgen.NewGenerator(2, idgen.WithClock(fixedClock(&now)))

	_, err := g.NextID()
	require.NoError(t, err)

	now.Store(490)
	_, err = g.NextID()
	var regress *idgen.ClockRegressionError
	require.True(t, errors.As(err, &regress))
	assert.Equal(t, int64(10), regress.Delta())

	// 时钟追上之后恢复发号。
	now.Store(501)
	_, err = g.NextID()
	require.NoError(t, err)
}

func TestNextID_ConcurrentCallersNeverDuplicate(t *testing.T) {
	g, _ := idgen.NewGenerator(42)

	const workers, perWorker = 8, 5000
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				id, err := g.NextID()
				if err != nil {
					t.Errorf("NextID: %v", err)
					return
				}
				local = append(local, id)
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}
