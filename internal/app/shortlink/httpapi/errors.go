package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"snowlink.local/internal/app/idgen"
	"snowlink.local/internal/app/shortlink"
	"snowlink.local/internal/app/shortlink/pipeline"
	"snowlink.local/internal/platform/httpmiddleware"
)

// writeDomainError 是领域错误到 HTTP 状态码的唯一映射点。
//
// 对外只暴露能让调用方自行修正的信息；存储、时钟这类内部故障统一 5xx，细节进日志。
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var clockErr *idgen.ClockRegressionError
	switch {
	case errors.Is(err, shortlink.ErrInvalidURL):
		httpmiddleware.WriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, shortlink.ErrInvalidCode):
		httpmiddleware.WriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, shortlink.ErrMappingNotFound):
		httpmiddleware.WriteError(w, r, http.StatusNotFound, "url not found")
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrPipelineClosed):
		w.Header().Set("Retry-After", "1")
		httpmiddleware.WriteError(w, r, http.StatusServiceUnavailable, "service busy, retry later")
	case errors.As(err, &clockErr):
		slog.Error("clock moved backwards", "err", err, "delta_ms", clockErr.Delta())
		w.Header().Set("Retry-After", "1")
		httpmiddleware.WriteError(w, r, http.StatusServiceUnavailable, "id generator unavailable")
	case errors.Is(err, shortlink.ErrCodeSpaceExhausted):
		httpmiddleware.WriteError(w, r, http.StatusServiceUnavailable, "short code allocation failed")
	default:
		slog.Error("request failed", "path", r.URL.Path, "err", err)
		httpmiddleware.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
