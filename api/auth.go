package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const bearerScheme = "Bearer "

// 运行控制接口的认证中间件，未配置token时不校验
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		// 获取Authorization请求头，必须以Bearer开头
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerScheme) {
			writeError(w, http.StatusUnauthorized, "no auth token provided")
			return
		}
		token := strings.TrimPrefix(header, bearerScheme)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "auth token invalid")
			return
		}
		next.ServeHTTP(w, r)
	})
}
