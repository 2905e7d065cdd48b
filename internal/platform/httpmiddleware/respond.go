package httpmiddleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

const requestIDHeader = "X-Request-ID"

// ErrorResponse 是所有错误响应的统一格式。
type ErrorResponse struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON 写 JSON 响应，编码失败只记日志（header 已经发出去了）。
func WriteJSON(w http.ResponseWriter, code int, obj any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		slog.Error("encode response failed", "err", err)
	}
}

// WriteError 写统一格式的错误响应，request id 取自 ReqID 中间件写回的请求头。
func WriteError(w http.ResponseWriter, r *http.Request, code int, message string) {
	WriteJSON(w, code, ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: r.Header.Get(requestIDHeader),
	})
}
