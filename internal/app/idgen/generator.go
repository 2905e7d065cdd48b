package idgen

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ID 位布局：41 位时间戳 | 10 位 workerId | 12 位序列号。
const (
	workerBits   = 10
	sequenceBits = 12

	MaxWorkerID  = -1 ^ (-1 << workerBits)   // 1023
	MaxSequence  = -1 ^ (-1 << sequenceBits) // 4095
	workerShift  = sequenceBits
	timeShift    = sequenceBits + workerBits
	timestampMax = -1 ^ (-1 << 41)
)

var (
	ErrInvalidWorkerID = errors.New("snowflake: worker id out of range [0,1023]")
	// ErrTimestampOverflow 表示时钟已经超出 41 位能表示的范围（纪元配置错误时会出现）。
	ErrTimestampOverflow = errors.New("snowflake: timestamp overflows 41 bits")
)

// ClockRegressionError 表示时钟回拨：当前时间早于上一次发号的时间。
//
// 不在内部重试：回拨期间继续发号会复用时间戳，存在重复 ID 的风险，
// 交给调用方决定是报错还是稍后再试。
type ClockRegressionError struct {
	Last int64
	Now  int64
}

func (e *ClockRegressionError) Error() string {
	return fmt.Sprintf("snowflake: clock moved backwards by %dms (last=%d now=%d)", e.Delta(), e.Last, e.Now)
}

// Delta 回拨的毫秒数。
func (e *ClockRegressionError) Delta() int64 { return e.Last - e.Now }

// IDGenerator 是发号能力的最小接口，Pool、Instrument 和上层分配器都只依赖它。
type IDGenerator interface {
	NextID() (int64, error)
}

// Generator 是单实例的 Snowflake 发号器。
//
// 设计原因：
// - (lastTimestamp, sequence) 是唯一的可变状态，用一把互斥锁串行化读改写
// - 临界区内没有 I/O，锁持有时间只有几十纳秒
// - 同一个 workerId 只能有一个 Generator，跨实例的唯一性靠 workerlease 分配保证
type Generator struct {
	workerID int64
	clock    Clock

	mu            sync.Mutex
	lastTimestamp int64
	sequence      int64

	exhaustions atomic.Int64
	exhausted   prometheus.Counter
}

type Option func(*Generator)

// WithClock 注入时间源（测试用）。
func WithClock(c Clock) Option {
	return func(g *Generator) { g.clock = c }
}

// WithExhaustionCounter 把“序列号耗尽”事件同步到 Prometheus。
func WithExhaustionCounter(c prometheus.Counter) Option {
	return func(g *Generator) { g.exhausted = c }
}

func NewGenerator(workerID int64, opts ...Option) (*Generator, error) {
	if workerID < 0 || workerID > MaxWorkerID {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorkerID, workerID)
	}
	g := &Generator{
		workerID:      workerID,
		clock:         SystemClock(DefaultEpoch),
		lastTimestamp: -1,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Generator) WorkerID() int64 { return g.workerID }

// Exhaustions 返回序列号在同一毫秒内被用完的次数。
func (g *Generator) Exhaustions() int64 { return g.exhaustions.Load() }

// NextID 生成下一个 ID。
//
// 规则：
// - t < last：时钟回拨，返回 *ClockRegressionError
// - t == last：序列号 +1，溢出回到 0 时自旋等待下一毫秒
// - t > last：序列号归零
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.clock.NowMillis()
	if t < g.lastTimestamp {
		return 0, &ClockRegressionError{Last: g.lastTimestamp, Now: t}
	}

	if t == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & MaxSequence
		if g.sequence == 0 {
			g.exhaustions.Add(1)
			if g.exhausted != nil {
				g.exhausted.Inc()
			}
			t = g.waitNextMillis(g.lastTimestamp)
		}
	} else {
		g.sequence = 0
	}

	if t > timestampMax {
		return 0, ErrTimestampOverflow
	}
	g.lastTimestamp = t
	return t<<timeShift | g.workerID<<workerShift | g.sequence, nil
}

// waitNextMillis 忙等到时钟越过 last。只在单毫秒发满 4096 个号时触发，最多等 1ms。
func (g *Generator) waitNextMillis(last int64) int64 {
	t := g.clock.NowMillis()
	for t <= last {
		runtime.Gosched()
		t = g.clock.NowMillis()
	}
	return t
}

// Parts 是 ID 拆开后的三个字段。
type Parts struct {
	Timestamp int64 // 相对纪元的毫秒
	WorkerID  int64
	Sequence  int64
}

// Time 把相对时间戳还原为绝对时间。
func (p Parts) Time(epoch time.Time) time.Time {
	return epoch.Add(time.Duration(p.Timestamp) * time.Millisecond)
}

// Decompose 按位布局拆解 ID。
func Decompose(id int64) Parts {
	return Parts{
		Timestamp: id >> timeShift,
		WorkerID:  (id >> workerShift) & MaxWorkerID,
		Sequence:  id & MaxSequence,
	}
}
