package idgen_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"snowlink.local/internal/app/idgen"
)

type seqGen struct {
	base int64
	n    int64
}

func (s *seqGen) NextID() (int64, error) {
	s.n++
	return s.base + s.n, nil
}

func TestPool_RoundRobin(t *testing.T) {
	g1, g2, g3 := &seqGen{base: 100}, &seqGen{base: 200}, &seqGen{base: 300}
	p, err := idgen.NewPool(g1, g2, g3)
	require.NoError(t, err)

	var got []int64
	for i := 0; i < 7; i++ {
		id, err := p.NextID()
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []int64{101, 201, 301, 102, 202, 302, 103}, got)
}

func TestPool_EmptyFails(t *testing.T) {
	_, err := idgen.NewPool()
	require.ErrorIs(t, err, idgen.ErrEmptyPool)
}

func TestPool_WorkerIDs(t *testing.T) {
	a, _ := idgen.NewGenerator(4)
	b, _ := idgen.NewGenerator(5)
	p, err := idgen.NewPool(a, idgen.Instrument(b, nil))
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, p.WorkerIDs())
}

func TestInstrument_ObservesLatency(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_id_latency_seconds"})
	g, _ := idgen.NewGenerator(1)
	ig := idgen.Instrument(g, h)

	for i := 0; i < 3; i++ {
		_, err := ig.NextID()
		require.NoError(t, err)
	}
	assert.Equal(t, 1, testutil.CollectAndCount(h))

	// Instrument 之后仍能拿到 workerId。
	p, _ := idgen.NewPool(ig)
	assert.Equal(t, []int64{1}, p.WorkerIDs())
}
