package main

import (
	"context"
	"fmt"
	"log/slog"

	"snowlink.local/internal/app/shortlink"
	"snowlink.local/internal/app/shortlink/pipeline"
	"snowlink.local/internal/platform/config"
	"snowlink.local/internal/platform/scheduler"
)

// eventPipeline 是按 PIPELINE_MODE 组装出的持久化管道。
//
// - channel：进程内批量队列，崩溃会丢掉队列里未落库的映射
// - outbox：先写 outbox 表，定时 relay 到映射表，崩溃不丢
// - kafka：写 Kafka，由消费者组批量落库
type eventPipeline struct {
	publisher shortlink.Publisher
	start     func(ctx context.Context)
	// drain 在 HTTP 服务停止之后调用，把已接收的映射尽量落库。
	drain func(ctx context.Context)
}

func buildPipeline(cfg config.Config, store shortlink.MappingStore, st *storage, sched *scheduler.Scheduler) (*eventPipeline, error) {
	flusher := pipeline.NewFlusher(store, st.dlq, pipeline.RetryPolicy{
		MaxAttempts: cfg.PipelineRetryAttempts,
		Initial:     cfg.PipelineRetryInitial,
		Max:         cfg.PipelineRetryMax,
		Multiplier:  cfg.PipelineRetryFactor,
	})

	switch cfg.PipelineMode {
	case "channel":
		b := pipeline.NewBatcher(flusher, pipeline.BatcherConfig{
			BatchSize:     cfg.PipelineBatchSize,
			FlushInterval: cfg.PipelineFlushInterval,
			MaxPending:    cfg.PipelineMaxPending,
		})
		return &eventPipeline{
			publisher: b,
			start:     func(ctx context.Context) { go b.Run(ctx) },
			drain: func(ctx context.Context) {
				b.Close()
				select {
				case <-b.Done():
				case <-ctx.Done():
					slog.Error("pipeline drain timed out", "pending", b.Pending(), "severity", "CRITICAL")
				}
			},
		}, nil

	case "outbox":
		relay := pipeline.NewRelay(st.outbox, store, cfg.OutboxBatchSize)
		if err := sched.Add("outbox-relay", cfg.OutboxRelaySchedule, func(ctx context.Context) error {
			_, err := relay.Run(ctx)
			return err
		}); err != nil {
			return nil, err
		}
		return &eventPipeline{
			publisher: pipeline.NewOutboxPublisher(st.outbox),
			start:     func(context.Context) {},
			// 没来得及 relay 的行还在表里，下次启动继续同步；这里再跑一轮缩短可见延迟。
			drain: func(ctx context.Context) {
				if _, err := relay.Run(ctx); err != nil {
					slog.Warn("final outbox relay failed", "err", err)
				}
			},
		}, nil

	case "kafka":
		pub := pipeline.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, flusher)
		consumer := pipeline.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, flusher)
		consumerCtx, stopConsumer := context.WithCancel(context.Background())
		done := make(chan struct{})
		slog.Info("使用 Kafka 持久化映射", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
		return &eventPipeline{
			publisher: pub,
			start: func(context.Context) {
				go func() {
					defer close(done)
					consumer.Run(consumerCtx)
				}()
			},
			drain: func(ctx context.Context) {
				// 先关 writer：异步写的消息全部送达（或进死信）之后再停消费者。
				if err := pub.Close(); err != nil {
					slog.Error("kafka writer close failed", "err", err)
				}
				stopConsumer()
				select {
				case <-done:
				case <-ctx.Done():
				}
				if err := consumer.Close(); err != nil {
					slog.Error("kafka reader close failed", "err", err)
				}
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown PIPELINE_MODE %q (want channel, outbox or kafka)", cfg.PipelineMode)
}
