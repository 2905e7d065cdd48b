package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"snowlink.local/internal/app/shortlink"
)

// KafkaPublisher 异步写 Kafka，按短码分区保证同一条映射的顺序。
// 投递失败（Completion 回调带错误）时把这批映射直接写进死信表。
type KafkaPublisher struct {
	writer  *kafka.Writer
	flusher *Flusher
}

func NewKafkaPublisher(brokers []string, topic string, flusher *Flusher) *KafkaPublisher {
	p := &KafkaPublisher{flusher: flusher}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true, // 异步发送
		Completion:   p.completion,
	}
	return p
}

func (p *KafkaPublisher) Publish(ctx context.Context, m shortlink.UrlMapping) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: %w", shortlink.ErrPersistenceFatal, err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(m.ShortCode), Value: data}); err != nil {
		slog.Error("kafka write failed", "short_code", m.ShortCode, "err", err)
		return fmt.Errorf("%w: %w", shortlink.ErrPersistenceTransient, err)
	}
	return nil
}

func (p *KafkaPublisher) completion(messages []kafka.Message, err error) {
	if err == nil || len(messages) == 0 {
		return
	}
	batch := make([]shortlink.UrlMapping, 0, len(messages))
	for _, msg := range messages {
		var m shortlink.UrlMapping
		if uerr := json.Unmarshal(msg.Value, &m); uerr != nil {
			slog.Error("kafka: undeliverable message not decodable", "key", string(msg.Key), "err", uerr)
			continue
		}
		batch = append(batch, m)
	}
	slog.Error("kafka: async delivery failed", "count", len(messages), "err", err)
	if p.flusher != nil && len(batch) > 0 {
		p.flusher.DeadLetter(context.Background(), batch,
			fmt.Errorf("%w: kafka delivery: %w", shortlink.ErrPersistenceTransient, err))
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaConsumer 消费映射事件，攒批交给 Flusher；批次有了去向（落库或死信）才提交 offset。
type KafkaConsumer struct {
	reader    *kafka.Reader
	flusher   *Flusher
	batchSize int
	interval  time.Duration
}

func NewKafkaConsumer(brokers []string, topic, groupID string, flusher *Flusher) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		flusher:   flusher,
		batchSize: 500,
		interval:  100 * time.Millisecond,
	}
}

// Run 阻塞直到 ctx 取消。
func (k *KafkaConsumer) Run(ctx context.Context) {
	var (
		mappings = make([]shortlink.UrlMapping, 0, k.batchSize)
		msgs     = make([]kafka.Message, 0, k.batchSize)
	)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	// 用于非阻塞读取 Kafka
	msgCh := make(chan kafka.Message, k.batchSize)
	go func() {
		defer close(msgCh)
		for {
			msg, err := k.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				slog.Error("kafka fetch failed", "err", err)
				continue
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	flush := func() {
		if len(msgs) == 0 {
			return
		}
		k.flush(ctx, mappings, msgs)
		mappings = mappings[:0]
		msgs = msgs[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case msg, ok := <-msgCh:
			if !ok {
				flush()
				return
			}
			msgs = append(msgs, msg)
			var m shortlink.UrlMapping
			if err := json.Unmarshal(msg.Value, &m); err != nil || m.ShortCode == "" {
				// 坏消息永远不会成功，跳过但仍提交 offset
				slog.Error("kafka: malformed mapping event skipped", "offset", msg.Offset, "partition", msg.Partition, "err", err)
			} else {
				mappings = append(mappings, m)
			}
			if len(msgs) >= k.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (k *KafkaConsumer) flush(ctx context.Context, mappings []shortlink.UrlMapping, msgs []kafka.Message) {
	if len(mappings) > 0 && k.flusher.Flush(context.WithoutCancel(ctx), mappings) == Lost {
		// 不提交，重启后 Kafka 重新投递
		return
	}
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := k.reader.CommitMessages(commitCtx, msgs...); err != nil {
		slog.Error("kafka consumer: commit failed", "count", len(msgs), "err", err)
		return
	}
	slog.Debug("kafka consumer: flushed", "count", len(msgs))
}

func (k *KafkaConsumer) Close() error {
	return k.reader.Close()
}
