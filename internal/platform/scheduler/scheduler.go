// Package scheduler 跑进程内的定时任务：worker 槽位回收、死信补偿、死信清理、outbox 同步。
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"snowlink.local/internal/platform/metrics"
)

// Task 是一次任务执行，返回的错误只用于日志和指标。
type Task func(ctx context.Context) error

// Scheduler 包一层 cron：
// 1. SkipIfStillRunning：上一轮没跑完就跳过，任务本身不用再做重入保护
// 2. Recover：任务 panic 只记日志，不影响其它任务
// 3. Stop 时取消任务的 ctx 并等待正在运行的任务返回
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	names map[cron.EntryID]string
}

func New() *Scheduler {
	logger := SlogLogger{L: slog.Default()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
		names:  map[cron.EntryID]string{},
	}
}

// Add 注册一个任务，spec 支持标准 5 段表达式和 "@every 5m" 这类描述符。
func (s *Scheduler) Add(name, spec string, task Task) error {
	id, err := s.cron.AddFunc(spec, func() { s.run(name, task) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.mu.Lock()
	s.names[id] = name
	s.mu.Unlock()
	slog.Info("scheduler: task registered", "task", name, "spec", spec)
	return nil
}

// run 执行一次任务并记录结果。
func (s *Scheduler) run(name string, task Task) {
	start := time.Now()
	err := task(s.ctx)
	result := "success"
	if err != nil {
		result = "failure"
		slog.Error("scheduler: task failed", "task", name, "err", err, "duration", time.Since(start))
	} else {
		slog.Debug("scheduler: task finished", "task", name, "duration", time.Since(start))
	}
	metrics.ScheduledTaskRuns.WithLabelValues(name, result).Inc()
}

// Entries 返回任务名和下一次执行时间。
func (s *Scheduler) Entries() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.names))
	for _, e := range s.cron.Entries() {
		out[s.names[e.ID]] = e.Next
	}
	return out
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop 停止调度，取消任务 ctx，等待运行中的任务退出或 ctx 超时。
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SlogLogger 把 cron.Logger 接到 slog 上。
type SlogLogger struct {
	L *slog.Logger
}

func (l SlogLogger) Info(msg string, keysAndValues ...any) {
	l.L.Debug("cron: "+msg, keysAndValues...)
}

func (l SlogLogger) Error(err error, msg string, keysAndValues ...any) {
	l.L.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
