package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"snowlink.local/internal/app/shortlink"
	"snowlink.local/internal/platform/metrics"
)

// RetryResult 一轮死信补偿的统计。
type RetryResult struct {
	Succeeded         int  `json:"succeeded"`
	Failed            int  `json:"failed"`
	PermanentlyFailed int  `json:"permanently_failed"`
	Skipped           bool `json:"skipped,omitempty"`
}

// Retrier 定时把 PENDING 死信重新写入映射表。
//
// 同一进程内不可重入：上一轮还没跑完时新一轮直接跳过，
// 避免两轮拿到同一批记录、重复计 retryCount。
type Retrier struct {
	store     shortlink.MappingStore
	dlq       DeadLetterStore
	policy    RetryPolicy
	batchSize int
	running   atomic.Bool
}

func NewRetrier(store shortlink.MappingStore, dlq DeadLetterStore, policy RetryPolicy, batchSize int) *Retrier {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Retrier{store: store, dlq: dlq, policy: policy, batchSize: batchSize}
}

func (r *Retrier) Run(ctx context.Context) (RetryResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		slog.Info("dlq: previous retry still running, skipped")
		return RetryResult{Skipped: true}, nil
	}
	defer r.running.Store(false)

	ctx, span := tracer.Start(ctx, "pipeline.dlq_retry")
	defer span.End()

	events, err := r.dlq.FindRetryable(ctx, shortlink.MaxRetryCount, r.batchSize)
	if err != nil {
		slog.Error("dlq: load retryable events failed", "err", err)
		return RetryResult{}, err
	}

	var res RetryResult
	for _, e := range events {
		if ctx.Err() != nil {
			// 剩下的记录保持 PENDING，下一轮再拾取
			break
		}
		e.MarkProcessing()
		if err := r.update(ctx, e); err != nil {
			slog.Error("dlq: mark processing failed", "id", e.ID, "err", err)
			continue
		}

		m := e.Mapping()
		err := retry(ctx, r.policy, func() error {
			_, err := r.store.Save(ctx, m)
			return err
		})
		switch {
		case err == nil:
			e.MarkResolved()
			res.Succeeded++
			metrics.DLQRetries.WithLabelValues("resolved").Inc()
		case ctx.Err() != nil:
			// 停机或客户端断开，不算一次真实失败
			e.ReleaseClaim()
			metrics.DLQRetries.WithLabelValues("interrupted").Inc()
			slog.Warn("dlq: retry interrupted, released", "id", e.ID, "err", err)
		default:
			e.MarkRetryFailed(err)
			if e.Status == shortlink.FailedFailed {
				res.PermanentlyFailed++
				metrics.DLQRetries.WithLabelValues("failed").Inc()
				slog.Error("dlq: event permanently failed", "id", e.ID, "short_code", e.ShortCode, "retries", e.RetryCount, "err", err)
			} else {
				res.Failed++
				metrics.DLQRetries.WithLabelValues("retry").Inc()
			}
		}

		if err := r.update(ctx, e); err != nil {
			// 记录停在 PROCESSING，需要人工改回 PENDING
			slog.Error("dlq: status update failed", "severity", "CRITICAL", "id", e.ID, "status", e.Status, "err", err)
		}
	}

	span.SetAttributes(
		attribute.Int("dlq.succeeded", res.Succeeded),
		attribute.Int("dlq.failed", res.Failed),
		attribute.Int("dlq.permanently_failed", res.PermanentlyFailed),
	)
	if len(events) > 0 {
		slog.Info("dlq: retry round finished", "total", len(events),
			"succeeded", res.Succeeded, "failed", res.Failed, "permanently_failed", res.PermanentlyFailed)
	}
	return res, nil
}

// update 状态回写不跟随调用方取消，否则记录会卡在 PROCESSING。
func (r *Retrier) update(ctx context.Context, e shortlink.FailedEvent) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return r.dlq.Update(wctx, e)
}

// Retention 清理已解决的旧死信。FAILED 记录保留给人工排查。
type Retention struct {
	dlq    DeadLetterStore
	maxAge time.Duration
	now    func() time.Time
}

func NewRetention(dlq DeadLetterStore, maxAge time.Duration) *Retention {
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	return &Retention{dlq: dlq, maxAge: maxAge, now: time.Now}
}

func (r *Retention) Run(ctx context.Context) (int64, error) {
	before := r.now().Add(-r.maxAge)
	n, err := r.dlq.DeleteResolvedOlderThan(ctx, before)
	if err != nil {
		slog.Error("dlq: retention cleanup failed", "err", err)
		return 0, err
	}
	if n > 0 {
		slog.Info("dlq: resolved events purged", "count", n, "before", before)
	}
	return n, nil
}
