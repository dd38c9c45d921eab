package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/irisanalysis/datalab-gateway/internal/http/httperr"
	"github.com/irisanalysis/datalab-gateway/internal/ratelimit"
)

// RateLimit — admission-контроль по ключу purpose:clientIP.
// Заголовки X-RateLimit-* выставляются и на пропуске, и на отказе;
// отказ дополнительно получает Retry-After.
func RateLimit(l *ratelimit.Limiter, purpose string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := purpose + ":" + ClientIP(r)

			d, ok := l.Allow(key)
			setRateLimitHeaders(w, d)

			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Round(time.Second).Seconds())))
				httperr.TooManyRequests(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

// ClientIP определяет IP клиента: первая запись X-Forwarded-For,
// затем X-Real-IP, затем RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
