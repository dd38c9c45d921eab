// config предоставляет структуру конфигурации сервиса и функции
// загрузки из файла/переменных окружения с предсказуемым приоритетом.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config — корневая конфигурация сервиса.
// Источники значений (по убыванию приоритета):
//  1. явный путь через флаг --config;
//  2. путь в переменной окружения CONFIG_PATH;
//  3. файл local.yaml из рабочей директории;
//  4. переменные окружения (cleanenv).
type Config struct {
	Env       string          `yaml:"env" env:"ENV" env-default:"local"`
	HTTP      HTTPConfig      `yaml:"http"`
	Auth      AuthConfig      `yaml:"auth"`
	DB        DBConfig        `yaml:"db"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	CORS      CORSConfig      `yaml:"cors"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
}

// HTTPConfig — сетевые настройки HTTP-сервера.
type HTTPConfig struct {
	Host string `yaml:"host" env:"HTTP_HOST" env-default:"0.0.0.0"`
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
}

// Addr возвращает адрес в формате host:port.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, h.Port)
}

// AuthConfig содержит параметры выпуска и валидации токенов.
type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret" env:"JWT_SECRET" env-required:"true"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL" env-default:"15m"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env:"REFRESH_TOKEN_TTL" env-default:"168h"`
	Issuer          string        `yaml:"issuer" env:"ISSUER" env-default:"datalab-gateway"`
	Audience        []string      `yaml:"audience" env:"AUDIENCE" env-default:"datalab"`
	BcryptCost      int           `yaml:"bcrypt_cost" env:"BCRYPT_COST" env-default:"12"`
	CookieDomain    string        `yaml:"cookie_domain" env:"COOKIE_DOMAIN" env-default:""`
	CookieSecure    bool          `yaml:"cookie_secure" env:"COOKIE_SECURE" env-default:"true"`
	CookieSameSite  string        `yaml:"cookie_samesite" env:"COOKIE_SAMESITE" env-default:"lax"`
}

// DBConfig — настройки подключения к базе данных.
type DBConfig struct {
	DatabaseURL string `yaml:"db_url" env:"DATABASE_URL" env-required:"true"`
}

// RedisConfig — настройки кэша отозванных токенов.
// Пустой URL означает, что кэш выключен (валидация работает только через БД).
type RedisConfig struct {
	RedisURL string `yaml:"redis_url" env:"REDIS_URL" env-default:""`
}

// RateLimitConfig — бюджеты admission-контроля по назначению ключа.
// Для каждого назначения лимит действует в скользящем окне Window, ёмкость
// token-bucket равна лимиту, скорость пополнения — limit/Window.
type RateLimitConfig struct {
	AuthLimit     int           `yaml:"auth_limit" env:"RATE_LIMIT_AUTH" env-default:"10"`
	RefreshLimit  int           `yaml:"refresh_limit" env:"RATE_LIMIT_REFRESH" env-default:"5"`
	APILimit      int           `yaml:"api_limit" env:"RATE_LIMIT_API" env-default:"100"`
	Window        time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW" env-default:"60s"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"RATE_LIMIT_SWEEP" env-default:"5m"`
}

// UpstreamConfig — реестр нижестоящих сервисов и таймауты обращений к ним.
// Services — список записей вида "name=http://host:port".
type UpstreamConfig struct {
	Services       []string      `yaml:"services" env:"UPSTREAMS" env-separator:"," env-default:""`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"UPSTREAM_TIMEOUT" env-default:"30s"`
	HealthInterval time.Duration `yaml:"health_interval" env:"HEALTH_INTERVAL" env-default:"30s"`
}

// Registry разбирает Services в отображение имя -> базовый URL.
func (u UpstreamConfig) Registry() (map[string]string, error) {
	reg := make(map[string]string, len(u.Services))
	for _, entry := range u.Services {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, url, ok := strings.Cut(entry, "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("malformed upstream entry %q (want name=url)", entry)
		}

		reg[name] = strings.TrimRight(url, "/")
	}

	return reg, nil
}

// CORSConfig — список разрешённых origin'ов.
type CORSConfig struct {
	Origins []string `yaml:"origins" env:"CORS_ORIGINS" env-separator:"," env-default:"http://localhost:3000"`
}

// TimeoutConfig — таймауты сервиса.
type TimeoutConfig struct {
	Request time.Duration `yaml:"request" env:"REQUEST_TIMEOUT" env-default:"30s"`
}

// MustLoad — обёртка над Load с panic при ошибке.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

// Load загружает конфигурацию по приоритету:
// 1) явный путь; 2) CONFIG_PATH; 3) ./local.yaml; 4) ENV.
// ВАЖНО: после чтения файла накладываем ENV-переменные поверх значений из YAML.
func Load(path string) (*Config, error) {
	var cfg Config

	// чтение файла + overlay ENV.
	tryRead := func(p string) (*Config, error) {
		if p == "" {
			return nil, fmt.Errorf("empty config path")
		}

		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", p, err)
		}

		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to overlay env: %w", err)
		}

		return &cfg, nil
	}

	// 1) Явный путь.
	if path != "" {
		return tryRead(path)
	}

	// 2) CONFIG_PATH.
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return tryRead(envPath)
	}

	// 3) ./local.yaml.
	if _, err := os.Stat("local.yaml"); err == nil {
		return tryRead("local.yaml")
	}

	// 4) Только ENV.
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config not found: provide --config, CONFIG_PATH, local.yaml or env vars: %w", err)
	}

	return &cfg, nil
}
