package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"snowlink.local/internal/app/idgen"
	"snowlink.local/internal/app/shortlink"
	slcache "snowlink.local/internal/app/shortlink/cache"
	shortlinkhttpapi "snowlink.local/internal/app/shortlink/httpapi"
	"snowlink.local/internal/app/shortlink/pipeline"
	"snowlink.local/internal/app/shortlink/repo"
	"snowlink.local/internal/app/workerlease"
	"snowlink.local/internal/platform/auth"
	platformcache "snowlink.local/internal/platform/cache"
	"snowlink.local/internal/platform/config"
	"snowlink.local/internal/platform/httpserver"
	"snowlink.local/internal/platform/metrics"
	"snowlink.local/internal/platform/ratelimit"
	"snowlink.local/internal/platform/scheduler"
	"snowlink.local/internal/platform/trace"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cfg := config.Load()
	if version != "dev" {
		cfg.Version = version
	}

	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))

	metrics.Init()

	if cfg.TracingEnabled {
		shutdown := trace.InitTrace(cfg.OtlpGrpcEndpoint, cfg.OtlpServiceName, cfg.Version)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Error("trace shutdown failed", "err", err)
			}
		}()
	} else {
		slog.Warn("Tracing disabled by config", "TRACING_ENABLED", false)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 存储
	st, err := openStorage(stopCtx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer st.close()

	// Redis（可选）
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient, err = platformcache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal(err)
		}
		defer redisClient.Close()
	} else {
		slog.Warn("Redis disabled by config, cache is process local", "REDIS_ENABLED", false)
	}

	// 限流器：有 Redis 用滑动窗口（多实例共享），否则退化为进程内计数
	var limiter ratelimit.Limiter
	switch {
	case !cfg.RateLimitEnabled:
		slog.Warn("RateLimit disabled by config", "RATELIMIT_ENABLED", false)
	case redisClient != nil:
		limiter = ratelimit.NewRedisLimiter(redisClient)
	default:
		limiter = ratelimit.NewMemoryLimiter()
	}

	// worker 槽位 -> 生成器池
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = workerlease.NewInstanceID()
	}
	leases := workerlease.NewManager(st.slots)
	if cfg.AutoMigrate {
		if n, err := leases.Seed(stopCtx, cfg.WorkerPoolSize); err != nil {
			log.Fatal(err)
		} else if n > 0 {
			slog.Info("worker slots seeded", "inserted", n)
		}
	}
	workerIDs, err := leases.Allocate(stopCtx, instanceID, cfg.WorkerCount)
	if err != nil {
		// 槽位不够时宁可起不来，也不能用重复的 worker id 发号
		log.Fatal(err)
	}
	slog.Info("worker slots claimed", "instance_id", instanceID, "worker_ids", workerIDs)

	idPool, err := newIDPool(workerIDs, cfg.SnowflakeEpoch)
	if err != nil {
		log.Fatal(err)
	}

	// 缓存：L1 ristretto + L2 redis，外加本实例已发出短码的布隆过滤器
	localCache, err := slcache.NewLocalCache(100000, 1<<24) // 10万条目，16MB
	if err != nil {
		log.Fatal(err)
	}
	mappingCache := slcache.NewMappingCache(redisClient, localCache)
	defer mappingCache.Close()
	minted := slcache.NewBloomFilter(1_000_000, 0.01) // 预期 100 万短码，1% 误判率
	mappings := repo.NewCachedMappings(st.mappings, mappingCache)

	codec, err := newCodec(cfg.ShortCodeCodec)
	if err != nil {
		log.Fatal(err)
	}
	allocator := shortlink.NewAllocator(idPool, codec, slcache.NewMintedProbe(minted, mappings),
		shortlink.WithMaxSuffix(cfg.ShortCodeMaxSuffix),
		shortlink.WithMaxRounds(cfg.ShortCodeMaxRounds),
	)

	// 定时任务和持久化管道
	sched := scheduler.New()
	events, err := buildPipeline(cfg, mappings, st, sched)
	if err != nil {
		log.Fatal(err)
	}
	retrier := pipeline.NewRetrier(mappings, st.dlq, pipeline.RetryPolicy{
		MaxAttempts: cfg.DLQRetryAttempts,
		Initial:     cfg.PipelineRetryInitial,
		Max:         cfg.PipelineRetryMax,
		Multiplier:  cfg.PipelineRetryFactor,
	}, cfg.DLQRetryBatch)
	retention := pipeline.NewRetention(st.dlq, cfg.DLQRetention)
	mustSchedule(sched, "worker-cleanse", cfg.WorkerCleanseSchedule, func(ctx context.Context) error {
		_, err := leases.CleanseIdle(ctx, cfg.WorkerStaleAfter)
		return err
	})
	mustSchedule(sched, "dlq-retry", cfg.DLQRetrySchedule, func(ctx context.Context) error {
		_, err := retrier.Run(ctx)
		return err
	})
	mustSchedule(sched, "dlq-retention", cfg.DLQRetentionSchedule, func(ctx context.Context) error {
		_, err := retention.Run(ctx)
		return err
	})

	svc := shortlink.NewService(allocator, events.publisher, mappings,
		shortlink.WithWarmer(mappingCache),
		shortlink.WithMintRecorder(minted),
	)

	ts, err := auth.NewHS256Service(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	if err != nil {
		log.Fatal(err)
	}

	// 对外业务
	r := shortlinkhttpapi.NewRouter(shortlinkhttpapi.Deps{
		Shortener:     svc,
		BaseURL:       cfg.ShortBaseURL,
		IDs:           idPool,
		Epoch:         cfg.SnowflakeEpoch,
		InstanceID:    instanceID,
		Workers:       idPool,
		Slots:         leases,
		StaleAfter:    cfg.WorkerStaleAfter,
		DLQ:           st.dlq,
		Retrier:       retrier,
		Tokens:        ts,
		Limiter:       limiter,
		ShortenLimit:  cfg.RateLimitShortenLimit,
		ShortenWindow: cfg.RateLimitShortenWin,
	})
	publicHandler := http.Handler(r)
	if cfg.TracingEnabled {
		publicHandler = otelhttp.NewHandler(r, "http")
	}
	publicSrv := httpserver.New(cfg, publicHandler)
	adminSrv := httpserver.NewAdmin(cfg, adminRouter(cfg, st, sched))

	// 后台：管道、心跳、定时任务
	bgCtx, stopBackground := context.WithCancel(context.Background())
	events.start(bgCtx)
	go leases.RunHeartbeat(bgCtx, instanceID, workerIDs, cfg.WorkerHeartbeatInterval)
	sched.Start()

	g, gctx := errgroup.WithContext(stopCtx)
	g.Go(func() error { return httpserver.Run(gctx, publicSrv, cfg.ShutdownTimeout) })
	g.Go(func() error { return httpserver.Run(gctx, adminSrv, cfg.ShutdownTimeout) })
	serveErr := g.Wait()
	stop()

	// 顺序：先停入口（上面已完成），再停定时任务，再排空管道，最后归还槽位。
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Warn("scheduler stop timed out", "err", err)
	}
	events.drain(shutdownCtx)
	stopBackground()
	if n, err := leases.Release(shutdownCtx, instanceID); err != nil {
		slog.Error("release worker slots failed, they will be reclaimed after staleness", "err", err)
	} else {
		slog.Info("worker slots released", "count", n)
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		log.Fatal(serveErr)
	}
}

func newIDPool(workerIDs []int64, epoch time.Time) (*idgen.Pool, error) {
	gens := make([]idgen.IDGenerator, 0, len(workerIDs))
	for _, id := range workerIDs {
		g, err := idgen.NewGenerator(id,
			idgen.WithClock(idgen.SystemClock(epoch)),
			idgen.WithExhaustionCounter(metrics.SequenceExhausted.WithLabelValues(strconv.FormatInt(id, 10))),
		)
		if err != nil {
			return nil, err
		}
		gens = append(gens, idgen.Instrument(g, metrics.IDGenerationSeconds))
	}
	return idgen.NewPool(gens...)
}

func newCodec(name string) (shortlink.Codec, error) {
	if name == "sqids" {
		c, err := shortlink.NewSqidsCodec(6)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	c, err := shortlink.NewBase62Codec(shortlink.DefaultBase62Alphabet)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func mustSchedule(s *scheduler.Scheduler, name, spec string, task scheduler.Task) {
	if err := s.Add(name, spec, task); err != nil {
		log.Fatal(err)
	}
}

// adminRouter 仅本机/内网：指标、就绪检查、版本、pprof。
func adminRouter(cfg config.Config, st *storage, sched *scheduler.Scheduler) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())

	// 存储连接状态检测
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := st.ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("DB Ping Err"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("DB ready"))
	})

	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"service_name": cfg.ServiceName,
			"version":      cfg.Version,
			"commit":       commit,
			"build_time":   buildTime,
			"go_version":   runtime.Version(),
		})
	})

	r.Get("/schedule", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sched.Entries())
	})

	if cfg.PprofEnabled {
		// /debug/pprof/* 和 /debug/vars
		r.Mount("/debug", chimw.Profiler())
	}
	return r
}
