// proxy пересылает запросы нижестоящим сервисам по статическому реестру
// имя -> базовый URL. Тело запроса передаётся потоком (JSON и multipart
// одинаково), заголовки фильтруются по белому списку, статусы нижестоящего
// сервиса прозрачно возвращаются клиенту.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/irisanalysis/datalab-gateway/pkg/log"
)

var (
	// ErrUnknownService — сервис отсутствует в реестре. Транспорт: HTTP 404.
	ErrUnknownService = errors.New("unknown service")

	// ErrUpstreamUnavailable — нижестоящий сервис недоступен
	// (ошибка соединения или таймаут). Транспорт: HTTP 503.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

var upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "proxy_upstream_requests_total",
	Help: "Requests forwarded to upstream services.",
}, []string{"service", "code"})

// requestHeaderWhitelist — заголовки запроса, которые пересылаются
// нижестоящему сервису как есть. Остальные отбрасываются; User-Agent
// клиента переименовывается в X-Original-User-Agent.
var requestHeaderWhitelist = []string{
	"Authorization",
	"X-Request-Id",
	"Content-Type",
}

// Proxy — форвардер запросов к нижестоящим сервисам.
type Proxy struct {
	registry map[string]string
	client   *http.Client
	timeout  time.Duration
}

// New создаёт Proxy по реестру сервисов. Таймаут ограничивает каждый
// пересылаемый запрос целиком, включая чтение ответа.
func New(registry map[string]string, timeout time.Duration) *Proxy {
	return &Proxy{
		registry: registry,
		client: &http.Client{
			// Редиректы нижестоящих сервисов возвращаем клиенту как есть.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
	}
}

// Services возвращает имена зарегистрированных сервисов.
func (p *Proxy) Services() []string {
	names := make([]string, 0, len(p.registry))
	for name := range p.registry {
		names = append(names, name)
	}

	return names
}

// BaseURL возвращает базовый URL сервиса.
func (p *Proxy) BaseURL(service string) (string, error) {
	base, ok := p.registry[service]
	if !ok {
		return "", ErrUnknownService
	}

	return base, nil
}

// Forward пересылает запрос сервису service по остаточному пути rest
// и пишет ответ нижестоящего сервиса в w. Возвращает ErrUnknownService,
// если сервис не зарегистрирован, и ErrUpstreamUnavailable при ошибке
// соединения или таймауте; ответы 4xx/5xx нижестоящего сервиса ошибкой
// не считаются и передаются клиенту дословно.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, service, rest string) error {
	const op = "proxy.Forward"

	lg := log.From(r.Context())

	base, ok := p.registry[service]
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrUnknownService)
	}

	target, err := buildTargetURL(base, rest, r.URL.RawQuery)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	// Тело не буферизуется: multipart-загрузки уходят потоком.
	out, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	out.ContentLength = r.ContentLength

	copyRequestHeaders(out.Header, r.Header)

	start := time.Now()

	resp, err := p.client.Do(out)
	if err != nil {
		upstreamRequests.WithLabelValues(service, "unavailable").Inc()

		lg.Warn("upstream_request_failed",
			slog.String("op", op),
			slog.String("service", service),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("%s: %w", op, ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	upstreamRequests.WithLabelValues(service, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	lg.Debug("upstream_request_done",
		slog.String("service", service),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Статус уже отправлен; остаётся только залогировать обрыв.
		lg.Warn("upstream_body_copy_failed",
			slog.String("service", service),
			slog.String("err", err.Error()),
		)
	}

	return nil
}

// buildTargetURL склеивает базовый URL сервиса с остаточным путём и query.
func buildTargetURL(base, rest, rawQuery string) (string, error) {
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}

	target := base + rest
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	if _, err := url.Parse(target); err != nil {
		return "", fmt.Errorf("malformed target url: %w", err)
	}

	return target, nil
}

// copyRequestHeaders переносит заголовки запроса по белому списку.
func copyRequestHeaders(dst, src http.Header) {
	for _, name := range requestHeaderWhitelist {
		if values, ok := src[http.CanonicalHeaderKey(name)]; ok {
			dst[http.CanonicalHeaderKey(name)] = values
		}
	}

	if ua := src.Get("User-Agent"); ua != "" {
		dst.Set("X-Original-User-Agent", ua)
	}
}

// copyResponseHeaders переносит заголовки ответа нижестоящего сервиса.
// Hop-by-hop заголовки не копируются.
func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		switch http.CanonicalHeaderKey(name) {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade",
			"Proxy-Authenticate", "Proxy-Authorization", "Te", "Trailer":
			continue
		}

		dst[name] = values
	}
}
