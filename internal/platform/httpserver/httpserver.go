package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"snowlink.local/internal/platform/config"
)

func New(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		Addr:              cfg.Addr,
	}
}

// NewAdmin 管理端口（/metrics /readyz /debug/pprof），只监听内网地址。
// pprof 的 profile 默认采样 30s，写超时要比它长。
func NewAdmin(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       cfg.IdleTimeout,
		Addr:              cfg.AdminAddr,
	}
}

// Run 启动服务并阻塞，直到监听失败或 ctx 取消；ctx 取消后在 shutdownTimeout 内优雅关闭。
// 返回 nil 表示正常关闭，适合直接放进 errgroup。
func Run(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		slog.Info("http server stopped", "addr", srv.Addr)
	}
	return nil
}
