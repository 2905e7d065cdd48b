package shortlink

import (
	"context"
	"errors"
	"time"
)

// UrlMapping 是短链领域对象：一个短码对应一个长链接，创建后不可变。
//
// 说明：
// - ShortCode：短码（拼接成 https://s.example.com/{code}）
// - LongURL：原始长链接
// - CreatedAt：创建时间（epoch 毫秒）
//
// 设计原因：
// - 不可变对象可以被重复投递（at-least-once），存储层按 short_code 幂等写入即可
type UrlMapping struct {
	ShortCode string `json:"shortCode"`
	LongURL   string `json:"longUrl"`
	CreatedAt int64  `json:"createdAt"`
}

func (m UrlMapping) CreatedTime() time.Time { return time.UnixMilli(m.CreatedAt) }

var (
	ErrMappingNotFound = errors.New("mapping not found")

	// ErrPersistenceTransient 表示可以重试的存储失败（连接断开、超时、锁冲突）。
	ErrPersistenceTransient = errors.New("persistence transient failure")
	// ErrPersistenceFatal 表示重试也不会成功的失败（数据不合法、载荷无法解析）。
	ErrPersistenceFatal = errors.New("persistence fatal failure")
)

// IsFatal 判断错误是否不值得重试。
func IsFatal(err error) bool { return errors.Is(err, ErrPersistenceFatal) }

// MappingStore 是持久化端口，pgx / sqlite / 缓存装饰器都实现它。
type MappingStore interface {
	Save(ctx context.Context, m UrlMapping) (UrlMapping, error)
	// SaveAll 必须按 short_code 幂等：重复投递同一条记录不会报错，也不会产生第二行。
	SaveAll(ctx context.Context, ms []UrlMapping) ([]UrlMapping, error)
	FindByShortCode(ctx context.Context, code string) (UrlMapping, error)
	ExistsByShortCode(ctx context.Context, code string) (bool, error)
}

// Publisher 把“映射已创建”的事实交给可靠事件管道。
//
// 实现方式由部署决定：进程内批量通道、事务性 outbox、Kafka。
type Publisher interface {
	Publish(ctx context.Context, m UrlMapping) error
}

const AggregateTypeMapping = "UrlMapping"

// OutboxEntry 表示“已经决定、但还没同步到可查询存储”的意图。
type OutboxEntry struct {
	ID            int64
	AggregateType string
	AggregateID   string
	Payload       []byte // UrlMapping 的 JSON
	CreatedAt     time.Time
}

// FailedStatus 是死信记录的状态机：
//
//	PENDING -> PROCESSING -> RESOLVED
//	                      -> PENDING (retryCount+1)
//	                      -> FAILED  (retryCount >= MaxRetryCount)
//	                      -> PENDING (处理被取消，retryCount 不变)
type FailedStatus string

const (
	FailedPending    FailedStatus = "PENDING"
	FailedProcessing FailedStatus = "PROCESSING"
	FailedResolved   FailedStatus = "RESOLVED"
	FailedFailed     FailedStatus = "FAILED"
)

// MaxRetryCount 死信重试的上限，达到后需要人工介入。
const MaxRetryCount = 3

func ParseFailedStatus(s string) (FailedStatus, bool) {
	switch st := FailedStatus(s); st {
	case FailedPending, FailedProcessing, FailedResolved, FailedFailed:
		return st, true
	}
	return "", false
}

// FailedEvent 是死信记录：批量落库在本地重试耗尽后写入这里，等待定时任务补偿。
type FailedEvent struct {
	ID         int64        `json:"id"`
	ShortCode  string       `json:"shortCode"`
	LongURL    string       `json:"longUrl"`
	CreatedAt  int64        `json:"createdAt"`
	FailedAt   time.Time    `json:"failedAt"`
	RetryCount int          `json:"retryCount"`
	LastError  string       `json:"lastError"`
	Status     FailedStatus `json:"status"`
}

// NewFailedEvent 从映射构造一条待补偿的死信。
func NewFailedEvent(m UrlMapping, cause error, now time.Time) FailedEvent {
	msg := "unknown error"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	return FailedEvent{
		ShortCode: m.ShortCode,
		LongURL:   m.LongURL,
		CreatedAt: m.CreatedAt,
		FailedAt:  now,
		LastError: msg,
		Status:    FailedPending,
	}
}

func (e FailedEvent) Mapping() UrlMapping {
	return UrlMapping{ShortCode: e.ShortCode, LongURL: e.LongURL, CreatedAt: e.CreatedAt}
}

func (e *FailedEvent) MarkProcessing() { e.Status = FailedProcessing }

func (e *FailedEvent) MarkResolved() { e.Status = FailedResolved }

// ReleaseClaim 把被中断的处理退回 PENDING，不计入重试次数。
func (e *FailedEvent) ReleaseClaim() { e.Status = FailedPending }

// MarkRetryFailed 记一次失败；次数到上限后进入 FAILED。
func (e *FailedEvent) MarkRetryFailed(cause error) {
	e.RetryCount++
	if cause != nil {
		e.LastError = cause.Error()
	}
	if e.RetryCount >= MaxRetryCount {
		e.Status = FailedFailed
		return
	}
	e.Status = FailedPending
}
