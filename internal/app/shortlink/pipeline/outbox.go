package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"snowlink.local/internal/app/shortlink"
	"snowlink.local/internal/platform/logmask"
	"snowlink.local/internal/platform/metrics"
)

// OutboxStore 是 outbox 表的端口。
type OutboxStore interface {
	Append(ctx context.Context, e shortlink.OutboxEntry) error
	FindUnprocessed(ctx context.Context, limit int) ([]shortlink.OutboxEntry, error)
	Delete(ctx context.Context, ids []int64) error
}

// OutboxPublisher 把映射序列化后追加到 outbox 表，由 Relay 异步同步到映射表。
type OutboxPublisher struct {
	outbox OutboxStore
	now    func() time.Time
}

func NewOutboxPublisher(outbox OutboxStore) *OutboxPublisher {
	return &OutboxPublisher{outbox: outbox, now: time.Now}
}

func (p *OutboxPublisher) Publish(ctx context.Context, m shortlink.UrlMapping) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: %w", shortlink.ErrPersistenceFatal, err)
	}
	return p.outbox.Append(ctx, shortlink.OutboxEntry{
		AggregateType: shortlink.AggregateTypeMapping,
		AggregateID:   m.ShortCode,
		Payload:       payload,
		CreatedAt:     p.now(),
	})
}

// Relay 定时把 outbox 里的记录写进映射表，写成功后才删除。
//
// 设计原因：
// 1. 只有 SaveAll 成功后才删 outbox 行：进程在两步之间崩溃时，下一轮会重放，SaveAll 幂等
// 2. 解析不了的载荷永远不会成功，脱敏记日志后删除，避免卡住整个队列
// 3. 批量写遇到 fatal 时逐条写，只丢弃真正有问题的那几行
type Relay struct {
	outbox    OutboxStore
	store     shortlink.MappingStore
	batchSize int
	running   atomic.Bool
}

func NewRelay(outbox OutboxStore, store shortlink.MappingStore, batchSize int) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{outbox: outbox, store: store, batchSize: batchSize}
}

// Run 处理一批 outbox 记录，返回已同步（写入或丢弃）的条数。
func (r *Relay) Run(ctx context.Context) (int, error) {
	if !r.running.CompareAndSwap(false, true) {
		slog.Info("outbox: previous relay still running, skipped")
		return 0, nil
	}
	defer r.running.Store(false)

	ctx, span := tracer.Start(ctx, "pipeline.outbox_relay")
	defer span.End()

	entries, err := r.outbox.FindUnprocessed(ctx, r.batchSize)
	if err != nil {
		slog.Error("outbox: load entries failed", "err", err)
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("outbox.entries", len(entries)))

	var (
		mappings []shortlink.UrlMapping
		ids      []int64 // 和 mappings 一一对应
		discard  []int64
	)
	for _, e := range entries {
		m, err := decodeEntry(e)
		if err != nil {
			slog.Error("outbox: malformed entry discarded", "id", e.ID, "aggregate_id", e.AggregateID,
				"payload", logmask.Payload(e.Payload), "err", err)
			discard = append(discard, e.ID)
			continue
		}
		mappings = append(mappings, m)
		ids = append(ids, e.ID)
	}

	done := discard
	if len(mappings) > 0 {
		_, err := r.store.SaveAll(ctx, mappings)
		switch {
		case err == nil:
			done = append(done, ids...)
		case shortlink.IsFatal(err):
			done = append(done, r.saveEach(ctx, mappings, ids)...)
		default:
			// transient：这批留在 outbox，下一轮重放
			slog.Warn("outbox: persist failed, will retry next round", "count", len(mappings), "err", err)
			if len(discard) > 0 {
				if derr := r.outbox.Delete(ctx, discard); derr != nil {
					slog.Error("outbox: delete malformed entries failed", "err", derr)
				}
			}
			return 0, err
		}
	}

	if len(done) == 0 {
		return 0, nil
	}
	if err := r.outbox.Delete(ctx, done); err != nil {
		slog.Error("outbox: delete relayed entries failed", "count", len(done), "err", err)
		return 0, err
	}
	metrics.OutboxRelayed.Add(float64(len(done)))
	slog.Debug("outbox: relayed", "count", len(done), "discarded", len(discard))
	return len(done), nil
}

func (r *Relay) saveEach(ctx context.Context, ms []shortlink.UrlMapping, ids []int64) []int64 {
	var done []int64
	for i, m := range ms {
		_, err := r.store.Save(ctx, m)
		switch {
		case err == nil:
			done = append(done, ids[i])
		case shortlink.IsFatal(err):
			slog.Error("outbox: entry rejected by store, discarded", "id", ids[i], "short_code", m.ShortCode,
				"long_url", logmask.URL(m.LongURL), "err", err)
			done = append(done, ids[i])
		default:
			slog.Warn("outbox: persist failed, will retry next round", "id", ids[i], "err", err)
		}
	}
	return done
}

func decodeEntry(e shortlink.OutboxEntry) (shortlink.UrlMapping, error) {
	if e.AggregateType != shortlink.AggregateTypeMapping {
		return shortlink.UrlMapping{}, fmt.Errorf("unexpected aggregate type %q", e.AggregateType)
	}
	var m shortlink.UrlMapping
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return shortlink.UrlMapping{}, err
	}
	if m.ShortCode == "" || m.LongURL == "" {
		return shortlink.UrlMapping{}, fmt.Errorf("incomplete payload")
	}
	return m, nil
}
