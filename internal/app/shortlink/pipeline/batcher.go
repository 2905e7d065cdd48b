package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"snowlink.local/internal/app/shortlink"
	"snowlink.local/internal/platform/metrics"
)

var (
	ErrPipelineClosed = errors.New("pipeline closed")
	ErrQueueFull      = errors.New("pipeline queue full")
)

type BatcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	// MaxPending 为 0 表示不限长度；超过时新事件被丢弃并记日志
	MaxPending int
}

func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{BatchSize: 500, FlushInterval: 100 * time.Millisecond}
}

// Batcher 是进程内的持久化通道：Shorten 把映射放进队列立刻返回，
// 单个消费 goroutine 攒批后交给 Flusher。
//
// 设计原因：
// 1. 写请求不等数据库，p99 只取决于发号和编码
// 2. 队列用 mutex + slice，Publish 永远不阻塞；notify 只是唤醒信号
// 3. 满 BatchSize 立即写；队列空闲超过 FlushInterval 也写，低流量时延迟有上界
type Batcher struct {
	cfg     BatcherConfig
	flusher *Flusher

	mu     sync.Mutex
	queue  []shortlink.UrlMapping
	closed bool

	notify chan struct{}
	done   chan struct{}
}

func NewBatcher(flusher *Flusher, cfg BatcherConfig) *Batcher {
	def := DefaultBatcherConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &Batcher{
		cfg:     cfg,
		flusher: flusher,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Publish 实现 shortlink.Publisher。
func (b *Batcher) Publish(_ context.Context, m shortlink.UrlMapping) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrPipelineClosed
	}
	if b.cfg.MaxPending > 0 && len(b.queue) >= b.cfg.MaxPending {
		b.mu.Unlock()
		metrics.PipelineDropped.Inc()
		slog.Error("pipeline: queue full, mapping dropped", "short_code", m.ShortCode, "pending", b.cfg.MaxPending)
		return ErrQueueFull
	}
	b.queue = append(b.queue, m)
	depth := len(b.queue)
	b.mu.Unlock()

	metrics.PipelineQueueDepth.Set(float64(depth))
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending 当前排队中的映射数。
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close 拒绝后续 Publish，Run 把剩余队列写完后退出。
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Done 在 Run 退出后关闭。
func (b *Batcher) Done() <-chan struct{} { return b.done }

// Run 阻塞直到 ctx 取消或 Close；退出前排空队列。
func (b *Batcher) Run(ctx context.Context) {
	defer close(b.done)
	// flush 不跟随 ctx 取消，关停时已经拿到手的批次要写完
	flushCtx := context.WithoutCancel(ctx)

	batch := make([]shortlink.UrlMapping, 0, b.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.flusher.Flush(flushCtx, batch)
		batch = make([]shortlink.UrlMapping, 0, b.cfg.BatchSize)
	}

	for {
		items, closed := b.receive(ctx, b.cfg.BatchSize-len(batch))
		if len(items) > 0 {
			batch = append(batch, items...)
			if len(batch) >= b.cfg.BatchSize {
				flush()
			}
			continue
		}
		// 空闲超时、ctx 取消或已关闭
		flush()
		if closed || ctx.Err() != nil {
			break
		}
	}

	b.mu.Lock()
	b.closed = true
	rest := b.queue
	b.queue = nil
	b.mu.Unlock()
	metrics.PipelineQueueDepth.Set(0)

	for len(rest) > 0 {
		n := min(len(rest), b.cfg.BatchSize)
		batch = append(batch[:0], rest[:n]...)
		flush()
		rest = rest[n:]
	}
	slog.Info("pipeline: batcher stopped")
}

// receive 最多取 max 条；队列为空时等到有新事件、空闲超时或 ctx 取消。
func (b *Batcher) receive(ctx context.Context, max int) ([]shortlink.UrlMapping, bool) {
	timer := time.NewTimer(b.cfg.FlushInterval)
	defer timer.Stop()
	for {
		b.mu.Lock()
		if n := len(b.queue); n > 0 {
			if n > max {
				n = max
			}
			items := make([]shortlink.UrlMapping, n)
			copy(items, b.queue[:n])
			b.queue = b.queue[n:]
			if len(b.queue) == 0 {
				b.queue = nil
			}
			depth := len(b.queue)
			b.mu.Unlock()
			metrics.PipelineQueueDepth.Set(float64(depth))
			return items, false
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, true
		}

		select {
		case <-b.notify:
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}
