package httpmiddleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Recovery 把 handler 的 panic 转成 500，并记录堆栈。
// 响应已经开始写了就只能放弃，不能再改状态码。
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.Error("panic recovered",
				"request_id", r.Header.Get(requestIDHeader),
				"method", r.Method,
				"path", r.URL.Path,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			if ww.Status() != 0 {
				return
			}
			WriteError(ww, r, http.StatusInternalServerError, "Internal Server Error")
		}()
		next.ServeHTTP(ww, r)
	})
}
