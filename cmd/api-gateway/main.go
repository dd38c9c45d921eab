package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/irisanalysis/datalab-gateway/internal/audit"
	"github.com/irisanalysis/datalab-gateway/internal/cache"
	"github.com/irisanalysis/datalab-gateway/internal/config"
	gatewayhttp "github.com/irisanalysis/datalab-gateway/internal/http"
	"github.com/irisanalysis/datalab-gateway/internal/http/handlers"
	"github.com/irisanalysis/datalab-gateway/internal/proxy"
	"github.com/irisanalysis/datalab-gateway/internal/ratelimit"
	"github.com/irisanalysis/datalab-gateway/internal/service"
	"github.com/irisanalysis/datalab-gateway/internal/storage"
	"github.com/irisanalysis/datalab-gateway/internal/storage/postgres"
)

// Константы для определения окружения.
const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	cfg := config.MustLoad(configPath)

	log := setupLogger(cfg.Env)
	slog.SetDefault(log)
	log.Info("starting application", "env", cfg.Env)

	// Корневой контекст по сигналам.
	rootCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	// Подключение к БД c таймаутом.
	dbCtx, dbCancel := context.WithTimeout(rootCtx, 10*time.Second)
	str, err := postgres.New(dbCtx, cfg.DB.DatabaseURL)
	dbCancel()
	if err != nil {
		log.Error("postgres_connect_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer str.Close()
	log.Info("postgres_connected")

	// Сервис. Журнал аудита общий с HTTP-слоем: сервис пишет в него
	// события, не привязанные к обработчику (обнаружение повтора токена).
	auditor := audit.New(log)

	srvc := service.New(str, cfg.Auth)
	srvc.SetAuditor(auditor)

	// Негативный кэш отозванных токенов (опционально).
	var revoked cache.RevokedCache
	if cfg.Redis.RedisURL != "" {
		cacheCtx, cacheCancel := context.WithTimeout(rootCtx, 5*time.Second)
		revoked, err = cache.New(cacheCtx, cfg.Redis.RedisURL)
		cacheCancel()
		if err != nil {
			log.Error("redis_connect_failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
		defer revoked.Close()

		srvc.SetRevokedCache(revoked)
		log.Info("redis_connected")
	}

	// Реестр нижестоящих сервисов.
	registry, err := cfg.Upstream.Registry()
	if err != nil {
		log.Error("upstream_registry_invalid", slog.String("err", err.Error()))
		os.Exit(1)
	}

	fwd := proxy.New(registry, cfg.Upstream.RequestTimeout)

	var poller *proxy.HealthPoller
	if len(registry) > 0 {
		poller = proxy.NewHealthPoller(fwd, cfg.Upstream.HealthInterval)
		poller.Start(rootCtx)
	}

	// Admission-контроль: отдельные бюджеты по назначению.
	rl := cfg.RateLimit
	authLimiter := ratelimit.New("auth", rl.AuthLimit, rl.Window)
	refreshLimiter := ratelimit.New("refresh", rl.RefreshLimit, rl.Window)
	apiLimiter := ratelimit.New("api", rl.APILimit, rl.Window)
	for _, l := range []*ratelimit.Limiter{authLimiter, refreshLimiter, apiLimiter} {
		l.StartSweeper(rootCtx, rl.SweepInterval, 2*rl.Window)
	}

	// Фоновая очистка просроченных refresh-токенов.
	startRefreshJanitor(rootCtx, str, log, 30*time.Minute)

	h := handlers.New(handlers.Deps{
		Auth:    srvc,
		Proxy:   fwd,
		Poller:  poller,
		Audit:   auditor,
		AuthCfg: cfg.Auth,
		DB:      str,
		Cache:   pingerOrNil(revoked),
	})

	router := gatewayhttp.NewRouter(h, srvc, gatewayhttp.Options{
		Logger:         log,
		Timeout:        cfg.Timeouts.Request,
		CORSOrigins:    cfg.CORS.Origins,
		AuthLimiter:    authLimiter,
		RefreshLimiter: refreshLimiter,
		APILimiter:     apiLimiter,
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info("http_listen_start", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
		close(serveErrCh)
	}()

	// Ожидание сигнала завершения или фатальной ошибки сервера.
	select {
	case <-rootCtx.Done():
		log.Info("shutdown_requested")
	case err := <-serveErrCh:
		if err != nil {
			log.Error("http_serve_failed", slog.String("err", err.Error()))
		}
	}

	// Graceful stop с таймаутом.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_force_stop", slog.String("err", err.Error()))
		_ = httpSrv.Close()
	}

	log.Info("service_stopped")
}

// pingerOrNil конвертирует опциональный кэш в handlers.Pinger
// без типизированного nil в интерфейсе.
func pingerOrNil(c cache.RevokedCache) handlers.Pinger {
	if c == nil {
		return nil
	}
	return c
}

// setupLogger настраивает slog по окружению.
func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	}

	return log
}

// startRefreshJanitor запускает фоновую задачу, которая периодически удаляет
// просроченные refresh-токены из хранилища с помощью storage.DeleteExpiredTokens.
func startRefreshJanitor(ctx context.Context, storage storage.Storage, log *slog.Logger, period time.Duration) {
	if period <= 0 {
		return
	}

	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := storage.DeleteExpiredTokens(ctx, time.Now().UTC()); err != nil {
					log.Error("refresh_janitor_failed", slog.String("err", err.Error()))
				}
			}
		}
	}()
}
