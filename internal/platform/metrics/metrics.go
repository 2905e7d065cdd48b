package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// once 用来保证指标只注册一次。
	// Prometheus 的 registry 不允许重复注册同名指标，否则会直接 panic。
	once sync.Once

	// HTTPRequestsTotal：累计请求数（Counter）。
	//
	// labels：
	// - method：HTTP 方法，例如 GET/POST
	// - route：路由模板（用 chi 的 pattern，例如 /api/v1/shortlinks/{code}），不要用真实 path，否则会产生无限 label
	// - status：HTTP 状态码字符串，例如 "200"/"401"/"500"
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_request_total",
			Help: "HTTP请求的总数",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDurationSeconds：请求耗时分布（Histogram），用来算 P95/P99。
	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency distributions.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// HTTPInflightRequests：当前正在处理中的请求数（Gauge）。
	HTTPInflightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	// SequenceExhausted：单毫秒内 4096 个序列号被用完、不得不自旋等下一毫秒的次数。
	// 持续增长说明单个 worker 扛不住，应该调大 SNOWFLAKE_WORKER_COUNT。
	SequenceExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowflake_sequence_exhausted_total",
			Help: "Times a generator exhausted its per-millisecond sequence.",
		},
		[]string{"worker_id"},
	)

	// IDGenerationSeconds：单次发号耗时，正常在微秒级；自旋等待时会出现毫秒级长尾。
	IDGenerationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snowflake_id_generation_seconds",
			Help:    "Latency of a single NextID call.",
			Buckets: []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3},
		},
	)

	ShortlinksCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shortlinks_created_total",
			Help: "Short codes minted.",
		},
	)

	// ShortlinkRedirects：result = hit / not_found / error
	ShortlinkRedirects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shortlink_redirects_total",
			Help: "Redirect lookups by result.",
		},
		[]string{"result"},
	)

	// CacheOperations：layer = l1 / l2，result = hit / hit_negative / miss
	CacheOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_operations_total",
			Help: "Mapping cache lookups by layer and result.",
		},
		[]string{"layer", "result"},
	)

	// PipelineFlushes：批量落库的结果，result = success / failure
	PipelineFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_flush_total",
			Help: "Batch persistence attempts after retries.",
		},
		[]string{"result"},
	)

	// PipelineDLQEvents：写进死信表的事件数。
	PipelineDLQEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_dlq_events_total",
			Help: "Events escalated to the dead letter store.",
		},
	)

	// PipelineDropped：队列设置了上限且已满时被丢弃的事件数（默认无上限，应当一直是 0）。
	PipelineDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_dropped_total",
			Help: "Events dropped because the bounded queue was full.",
		},
	)

	PipelineQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Events waiting in the in-process queue.",
		},
	)

	// DLQRetries：死信补偿的结果，result = resolved / retry / failed / interrupted
	DLQRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_retry_total",
			Help: "Dead letter retry outcomes.",
		},
		[]string{"result"},
	)

	OutboxRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_relayed_total",
			Help: "Outbox entries relayed to the mapping store.",
		},
	)

	WorkerSlotsReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_slots_reclaimed_total",
			Help: "Stale ACTIVE worker slots returned to IDLE.",
		},
	)

	// WorkerHeartbeats：result = ok / lost / error。lost 表示槽位已被回收，需要人工确认。
	WorkerHeartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_heartbeat_total",
			Help: "Worker slot heartbeat outcomes.",
		},
		[]string{"result"},
	)

	ScheduledTaskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_task_runs_total",
			Help: "Scheduled task executions by task and result.",
		},
		[]string{"task", "result"},
	)
)

// Init 注册指标：只允许注册一次（否则 panic: duplicate metrics collector registration）
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDurationSeconds,
			HTTPInflightRequests,
			SequenceExhausted,
			IDGenerationSeconds,
			ShortlinksCreated,
			ShortlinkRedirects,
			CacheOperations,
			PipelineFlushes,
			PipelineDLQEvents,
			PipelineDropped,
			PipelineQueueDepth,
			DLQRetries,
			OutboxRelayed,
			WorkerSlotsReclaimed,
			WorkerHeartbeats,
			ScheduledTaskRuns,
		)
	})
}
