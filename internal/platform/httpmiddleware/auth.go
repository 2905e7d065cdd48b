package httpmiddleware

import (
	"net/http"
	"strings"

	"snowlink.local/internal/platform/auth"
)

// parseBearer 解析 Authorization header 中的 Bearer token，格式不对返回空字符串。
func parseBearer(header string) string {
	fields := strings.Fields(header)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "Bearer") {
		return ""
	}
	return fields[1]
}

// AuthRequired 要求请求必须携带有效的 JWT token。
func AuthRequired(ts auth.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				WriteError(w, r, http.StatusUnauthorized, "missing authorization header")
				return
			}
			token := parseBearer(header)
			if token == "" {
				WriteError(w, r, http.StatusUnauthorized, "invalid authorization format")
				return
			}
			claim, err := ts.Verify(token)
			if err != nil {
				WriteError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := auth.WithIdentity(r.Context(), auth.Identity{Subject: claim.Subject, Role: claim.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole 要求身份具有指定角色，必须放在 AuthRequired 之后。
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.GetIdentity(r.Context())
			if !ok {
				WriteError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			if id.Role != role {
				WriteError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
