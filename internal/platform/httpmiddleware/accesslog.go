package httpmiddleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"snowlink.local/internal/platform/logmask"
)

// AccessLog 每个请求一行日志。path 里可能带 query，先脱敏。
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Info("access",
			"request_id", r.Header.Get(requestIDHeader),
			"method", r.Method,
			"path", logmask.URL(r.URL.RequestURI()),
			"route", routePattern(r),
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"latency_ms", time.Since(start).Milliseconds())
	})
}
