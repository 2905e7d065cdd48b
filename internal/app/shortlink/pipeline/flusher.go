package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"snowlink.local/internal/app/shortlink"
	"snowlink.local/internal/platform/metrics"
)

var tracer = otel.Tracer("snowlink/pipeline")

// DeadLetterStore 是死信表的端口。
type DeadLetterStore interface {
	SaveAll(ctx context.Context, events []shortlink.FailedEvent) error
	Update(ctx context.Context, e shortlink.FailedEvent) error
	FindByStatus(ctx context.Context, status shortlink.FailedStatus, limit int) ([]shortlink.FailedEvent, error)
	FindRetryable(ctx context.Context, maxRetry, limit int) ([]shortlink.FailedEvent, error)
	DeleteResolvedOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Outcome 一次 Flush 的最终去向。
type Outcome int

const (
	Persisted    Outcome = iota // 已写入映射表
	DeadLettered                // 重试耗尽，已写入死信表
	Lost                        // 连死信都没写进去，只剩日志
)

// Stats 是 Flusher 的累计计数，和 Prometheus 指标同步增长。
type Stats struct {
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Flusher 负责“把一批映射写进存储，写不进去就升级到死信表”。
//
// 批量通道、Kafka 消费者都复用它，失败语义只有一份：
// 1. transient 错误按 RetryPolicy 退避重试
// 2. fatal 错误不重试；批量里有坏数据时逐条写，把坏的挑出来
// 3. 仍然失败的写成 FailedEvent（PENDING，fatal 的直接 FAILED）
// 4. 死信也写不进去：最高级别日志，等人工处理
type Flusher struct {
	store  shortlink.MappingStore
	dlq    DeadLetterStore
	policy RetryPolicy
	now    func() time.Time

	succeeded    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
}

func NewFlusher(store shortlink.MappingStore, dlq DeadLetterStore, policy RetryPolicy) *Flusher {
	return &Flusher{store: store, dlq: dlq, policy: policy, now: time.Now}
}

func (f *Flusher) Stats() Stats {
	return Stats{
		Succeeded:    f.succeeded.Load(),
		Failed:       f.failed.Load(),
		DeadLettered: f.deadLettered.Load(),
	}
}

func (f *Flusher) Flush(ctx context.Context, batch []shortlink.UrlMapping) Outcome {
	if len(batch) == 0 {
		return Persisted
	}
	ctx, span := tracer.Start(ctx, "pipeline.flush")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(batch)))

	err := retry(ctx, f.policy, func() error {
		_, err := f.store.SaveAll(ctx, batch)
		return err
	})
	if err == nil {
		f.succeeded.Add(1)
		metrics.PipelineFlushes.WithLabelValues("success").Inc()
		slog.Debug("pipeline: flushed", "count", len(batch))
		return Persisted
	}

	f.failed.Add(1)
	metrics.PipelineFlushes.WithLabelValues("failure").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "flush failed")

	if shortlink.IsFatal(err) && len(batch) > 1 {
		return f.isolate(ctx, batch)
	}
	slog.Error("pipeline: batch persist failed after retries", "count", len(batch), "err", err)
	return f.DeadLetter(ctx, batch, err)
}

// isolate 逐条写入，找出导致 fatal 的那几条，其余照常落库。
func (f *Flusher) isolate(ctx context.Context, batch []shortlink.UrlMapping) Outcome {
	var (
		bad     []shortlink.UrlMapping
		badErr  error
		pending []shortlink.UrlMapping
		pendErr error
	)
	for _, m := range batch {
		err := retry(ctx, f.policy, func() error {
			_, err := f.store.Save(ctx, m)
			return err
		})
		switch {
		case err == nil:
		case shortlink.IsFatal(err):
			bad, badErr = append(bad, m), err
		default:
			pending, pendErr = append(pending, m), err
		}
	}
	slog.Error("pipeline: batch contained rejected mappings", "count", len(batch), "rejected", len(bad), "unsaved", len(pending))

	outcome := Persisted
	if len(bad) > 0 {
		outcome = worse(outcome, f.DeadLetter(ctx, bad, badErr))
	}
	if len(pending) > 0 {
		outcome = worse(outcome, f.DeadLetter(ctx, pending, pendErr))
	}
	return outcome
}

// DeadLetter 把 batch 写进死信表。cause 是 fatal 时直接标为 FAILED，不参与定时补偿。
func (f *Flusher) DeadLetter(ctx context.Context, batch []shortlink.UrlMapping, cause error) Outcome {
	now := f.now()
	events := make([]shortlink.FailedEvent, len(batch))
	for i, m := range batch {
		events[i] = shortlink.NewFailedEvent(m, cause, now)
		if shortlink.IsFatal(cause) {
			events[i].Status = shortlink.FailedFailed
		}
	}

	// 关停时 ctx 已经取消，死信仍然要写完
	dlqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := f.dlq.SaveAll(dlqCtx, events); err != nil {
		codes := make([]string, len(batch))
		for i, m := range batch {
			codes[i] = m.ShortCode
		}
		slog.Error("pipeline: dead letter write failed, mappings need manual recovery",
			"severity", "CRITICAL", "count", len(batch), "codes", codes, "cause", cause, "err", err)
		return Lost
	}
	f.deadLettered.Add(int64(len(events)))
	metrics.PipelineDLQEvents.Add(float64(len(events)))
	slog.Warn("pipeline: batch escalated to dead letter store", "count", len(events), "cause", cause)
	return DeadLettered
}

func worse(a, b Outcome) Outcome {
	if b > a {
		return b
	}
	return a
}
