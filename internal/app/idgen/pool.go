package idgen

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var ErrEmptyPool = errors.New("snowflake: generator pool is empty")

// Pool 把 NextID 轮询分发给多个 Generator，提高单实例吞吐。
//
// 设计原因：
// - 轮询下标只是一个整数的读改写，用原子自增即可，不需要锁
// - 唯一性完全由成员保证：每个成员拿到的 workerId 互不相同
type Pool struct {
	gens []IDGenerator
	next atomic.Uint64
}

func NewPool(gens ...IDGenerator) (*Pool, error) {
	if len(gens) == 0 {
		return nil, ErrEmptyPool
	}
	cp := make([]IDGenerator, len(gens))
	copy(cp, gens)
	return &Pool{gens: cp}, nil
}

func (p *Pool) NextID() (int64, error) {
	i := p.next.Add(1) - 1
	return p.gens[i%uint64(len(p.gens))].NextID()
}

func (p *Pool) Size() int { return len(p.gens) }

// WorkerIDs 返回池内成员的 workerId（成员实现了 WorkerID() 才会出现在结果里）。
func (p *Pool) WorkerIDs() []int64 {
	ids := make([]int64, 0, len(p.gens))
	for _, g := range p.gens {
		if w, ok := g.(interface{ WorkerID() int64 }); ok {
			ids = append(ids, w.WorkerID())
		}
	}
	return ids
}

type instrumented struct {
	IDGenerator
	latency prometheus.Observer
}

// Instrument 给发号器套一层耗时统计。
func Instrument(g IDGenerator, latency prometheus.Observer) IDGenerator {
	if latency == nil {
		return g
	}
	return &instrumented{IDGenerator: g, latency: latency}
}

func (i *instrumented) NextID() (int64, error) {
	start := time.Now()
	id, err := i.IDGenerator.NextID()
	i.latency.Observe(time.Since(start).Seconds())
	return id, err
}

func (i *instrumented) WorkerID() int64 {
	if w, ok := i.IDGenerator.(interface{ WorkerID() int64 }); ok {
		return w.WorkerID()
	}
	return -1
}
