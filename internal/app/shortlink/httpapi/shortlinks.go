package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"snowlink.local/internal/app/shortlink"
	"snowlink.local/internal/platform/httpmiddleware"
	"snowlink.local/internal/platform/metrics"
)

// 设计原因（为什么要单独一个 httpapi 包）：
// - 让领域层（internal/app/shortlink）不依赖 HTTP 框架（chi），更容易测试与复用
// - handler 只做“翻译”：HTTP <-> 领域（参数校验、错误映射、响应格式），避免堆业务

// Shortener 是 handler 需要的领域能力，生产实现是 *shortlink.Service。
type Shortener interface {
	Shorten(ctx context.Context, longURL string) (shortlink.UrlMapping, error)
	Resolve(ctx context.Context, code string) (shortlink.UrlMapping, error)
}

type ShortenRequest struct {
	URL string `json:"url"`
}

type MappingResponse struct {
	ShortCode   string    `json:"short_code"`
	ShortURL    string    `json:"short_url"`
	OriginalURL string    `json:"original_url"`
	CreatedAt   time.Time `json:"created_at"`
}

func toResponse(m shortlink.UrlMapping, baseURL string) MappingResponse {
	return MappingResponse{
		ShortCode:   m.ShortCode,
		ShortURL:    baseURL + "/" + m.ShortCode,
		OriginalURL: m.LongURL,
		CreatedAt:   m.CreatedTime().UTC(),
	}
}

// maxShortenBody 请求体上限，长链接本身不超过 2048 字节，留出 JSON 包装的余量。
const maxShortenBody = 8 << 10

func NewShortenHandler(svc Shortener, baseURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ShortenRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxShortenBody))
		if err := dec.Decode(&req); err != nil {
			httpmiddleware.WriteError(w, r, http.StatusBadRequest, "Invalid json")
			return
		}
		m, err := svc.Shorten(r.Context(), req.URL)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		httpmiddleware.WriteJSON(w, http.StatusCreated, toResponse(m, baseURL))
	}
}

// NewRedirectHandler 302 跳转。短码不合法和不存在都按 404 处理。
func NewRedirectHandler(svc Shortener) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := svc.Resolve(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			if isNotFound(err) {
				metrics.ShortlinkRedirects.WithLabelValues("not_found").Inc()
			} else {
				metrics.ShortlinkRedirects.WithLabelValues("error").Inc()
			}
			writeDomainError(w, r, err)
			return
		}
		metrics.ShortlinkRedirects.WithLabelValues("hit").Inc()
		http.Redirect(w, r, m.LongURL, http.StatusFound)
	}
}

func NewLookupHandler(svc Shortener, baseURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := svc.Resolve(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		httpmiddleware.WriteJSON(w, http.StatusOK, toResponse(m, baseURL))
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, shortlink.ErrMappingNotFound)
}
