package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"snowlink.local/internal/platform/auth"
	"snowlink.local/internal/platform/httpmiddleware"
	"snowlink.local/internal/platform/ratelimit"
)

// Deps 是路由挂载需要的全部依赖，由 cmd/api 组装。
type Deps struct {
	Shortener Shortener
	BaseURL   string // 不带结尾的 /

	IDs        IDIssuer
	Epoch      time.Time
	InstanceID string
	Workers    WorkerPool

	Slots      WorkerSlots
	StaleAfter time.Duration
	DLQ        DeadLetters
	Retrier    DLQRetrier

	Tokens auth.TokenService

	// Limiter 为 nil 时不限流。
	Limiter       ratelimit.Limiter
	ShortenLimit  int
	ShortenWindow time.Duration
}

// RegisterAPIRoutes 在给定的路由（例如 /api/v1）下挂载 JSON API。
//
// 设计原因：
// - cmd/api 只负责"组装"和"挂载"，路由定义留在业务模块里，避免散落在 main.go
// - API 路由一般用于机器调用（JSON），统一放在 /api/v1 下便于版本化
func RegisterAPIRoutes(api chi.Router, d Deps) {
	api.With(httpmiddleware.RateLimit(d.Limiter, "shorten", d.ShortenLimit, d.ShortenWindow)).
		Post("/shorten", NewShortenHandler(d.Shortener, d.BaseURL))
	api.Get("/shortlinks/{code}", NewLookupHandler(d.Shortener, d.BaseURL))
	api.Post("/ids", NewIDHandler(d.IDs, d.Epoch))
	api.Get("/workers", NewWorkersHandler(d.InstanceID, d.Workers))

	api.Route("/admin", func(admin chi.Router) {
		admin.Use(httpmiddleware.AuthRequired(d.Tokens), httpmiddleware.RequireRole(auth.RoleAdmin))
		admin.Post("/workers/cleanse", NewCleanseHandler(d.Slots, d.StaleAfter))
		admin.Post("/workers/{num}/heartbeat", NewHeartbeatHandler(d.Slots))
		admin.Get("/workers", NewListSlotsHandler(d.Slots))
		admin.Get("/dlq", NewListDLQHandler(d.DLQ))
		admin.Post("/dlq/retry", NewRetryDLQHandler(d.Retrier))
	})
}

// RegisterPublicRoutes 在根路由上挂载跳转入口 GET /{code} 和健康检查。
//
// 跳转入口刻意不放在 /api/v1 下，方便用户直接在浏览器输入短链 URL。
func RegisterPublicRoutes(r chi.Router, d Deps) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/{code}", NewRedirectHandler(d.Shortener))
}

// NewRouter 组装完整的 handler：全局中间件 + 公开路由 + /api/v1。
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(
		httpmiddleware.ReqID,
		httpmiddleware.Recovery,
		httpmiddleware.AccessLog,
		httpmiddleware.Metrics,
		httpmiddleware.TraceName,
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpmiddleware.WriteError(w, r, http.StatusNotFound, "not found")
	})
	r.Route("/api/v1", func(api chi.Router) { RegisterAPIRoutes(api, d) })
	RegisterPublicRoutes(r, d)
	return r
}
