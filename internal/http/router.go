package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/irisanalysis/datalab-gateway/internal/http/handlers"
	"github.com/irisanalysis/datalab-gateway/internal/http/middleware"
	"github.com/irisanalysis/datalab-gateway/internal/ratelimit"
)

// Options — параметры сборки HTTP-роутера.
type Options struct {
	Logger      *slog.Logger
	Timeout     time.Duration
	CORSOrigins []string

	// Лимитеры по назначению; nil отключает соответствующий контроль.
	AuthLimiter    *ratelimit.Limiter
	RefreshLimiter *ratelimit.Limiter
	APILimiter     *ratelimit.Limiter
}

// NewRouter собирает http.Handler с chi и подключёнными middleware/роутами.
//
// Порядок (внешний -> внутренний): Recover, RequestID, Logging, CORS,
// Timeout, затем на маршрутах — rate limit по назначению и auth-гейт.
// /healthz, /livez и /metrics не лимитируются и не гейтируются.
func NewRouter(h *handlers.Handlers, authn middleware.TokenValidator, opts Options) http.Handler {
	root := chi.NewRouter()

	root.Use(
		middleware.Recover(),            // безопасно ловим паники
		middleware.RequestID(),          // формируем/прокидываем X-Request-Id (до логирования!)
		middleware.Logging(opts.Logger), // кладём request-scoped логгер в контекст и логируем
	)
	if len(opts.CORSOrigins) > 0 {
		root.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	if opts.Timeout > 0 {
		root.Use(middleware.Timeout(opts.Timeout)) // общий дедлайн запроса
	}

	// Служебные эндпойнты: без лимитов и без гейта.
	root.Get("/healthz", h.Healthz)
	root.Get("/livez", h.Livez)
	root.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// auth: свои бюджеты на вход и на ротацию.
	root.Group(func(r chi.Router) {
		if opts.AuthLimiter != nil {
			r.Use(middleware.RateLimit(opts.AuthLimiter, "auth"))
		}
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)
	})

	root.Group(func(r chi.Router) {
		if opts.RefreshLimiter != nil {
			r.Use(middleware.RateLimit(opts.RefreshLimiter, "refresh"))
		}
		r.Post("/auth/refresh", h.Refresh)
		r.Post("/auth/logout", h.Logout)
	})

	// Всё остальное — api-бюджет и auth-гейт.
	root.Group(func(r chi.Router) {
		if opts.APILimiter != nil {
			r.Use(middleware.RateLimit(opts.APILimiter, "api"))
		}
		r.Use(middleware.Authn(authn))

		r.Post("/auth/logout_all", h.LogoutAll)
		r.Get("/me", h.Me)
		r.HandleFunc("/services/{service}/*", h.Gateway)
	})

	return root
}
