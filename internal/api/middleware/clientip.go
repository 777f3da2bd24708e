// clientip.go — определение адреса клиента.
// Адрес используется как идентичность анонимного клиента: к нему
// привязаны сессии и лимит запросов.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// ContextKeyClientIP — ключ адреса клиента в контексте запроса.
const ContextKeyClientIP contextKey = "client_ip"

// ClientIP возвращает middleware, кладущий адрес клиента в контекст.
// trustProxy — брать первый адрес из X-Forwarded-For (сервис за reverse proxy).
func ClientIP(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ResolveClientIP(r, trustProxy)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ContextKeyClientIP, ip)))
		})
	}
}

// ResolveClientIP вычисляет адрес клиента из запроса.
func ResolveClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
		if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
			if ip := net.ParseIP(xr); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientIPFromContext возвращает адрес клиента из контекста.
// Пустая строка, если middleware ClientIP не подключён.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ContextKeyClientIP).(string)
	return ip
}
