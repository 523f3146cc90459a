package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"groupbot_engine/internal/config"
)

var (
	corsAllowHeaders = strings.Join([]string{"Content-Type", "Authorization", "X-Request-Id"}, ", ")
	corsAllowMethods = strings.Join([]string{"GET", "POST", "DELETE", "OPTIONS"}, ", ")
)

const corsMaxAge = 600

// corsMiddleware 只放行配置里的来源；预检请求直接返回 204。
func corsMiddleware(cfg config.CorsConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := allowedOrigin(cfg.AllowOrigins, r.Header.Get("Origin")); allowed != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Add("Vary", "Origin")
			if cfg.AllowCredentials && allowed != "*" {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func allowedOrigin(allow []string, origin string) string {
	for _, o := range allow {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}
