// service содержит бизнес-логику шлюза: регистрацию/аутентификацию
// пользователей, выпуск/ротацию/отзыв токенов и работу с хранилищем
// через интерфейсы из пакета storage.
//
// Основные аспекты:
//   - Пакет не хранит состояние запроса внутри Service; экземпляр Service
//     безопасен для конкурентного использования из разных горутин при условии,
//     что переданное хранилище (storage.Storage) потокобезопасно.
//   - Ошибки возвращаются и далее маппятся HTTP-слоем в коды ответов
//     (см. комментарии к переменным ошибок ниже). Причина отказа в аутентификации
//     клиенту не раскрывается — различие видно только в логах.
package service

import (
	"errors"
	"time"

	"github.com/irisanalysis/datalab-gateway/internal/audit"
	"github.com/irisanalysis/datalab-gateway/internal/cache"
	"github.com/irisanalysis/datalab-gateway/internal/config"
	"github.com/irisanalysis/datalab-gateway/internal/storage"
)

var (
	// ErrInvalidCredentials — пара логин/пароль неверна, пользователь не найден
	// или учётная запись деактивирована. Транспорт: HTTP 401 с обобщённым телом.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken — токен (access/refresh) некорректен по формату/подписи
	// или отсутствует в хранилище. Транспорт: HTTP 401 с обобщённым телом.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired — срок действия токена истёк.
	// Транспорт: HTTP 401 с обобщённым телом.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked — токен отозван (logout/rotation/compromise) и недействителен
	// независимо от срока. Транспорт: HTTP 401 с обобщённым телом.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrEmailTaken — e-mail уже занят другим пользователем.
	// Транспорт: HTTP 409.
	ErrEmailTaken = errors.New("email already taken")

	// ErrRefreshTokenCollision — исчерпаны попытки сгенерировать уникальный refresh-токен
	// (редкий случай коллизий при сохранении хэша в БД после нескольких ретраев).
	// Транспорт: HTTP 500.
	ErrRefreshTokenCollision = errors.New("refresh token collision")

	// ErrInvalidEmail — e-mail имеет некорректный формат или не проходит политику валидации.
	// Транспорт: HTTP 400.
	ErrInvalidEmail = errors.New("invalid email format")

	// ErrWeakPassword — пароль не удовлетворяет политикам сложности.
	// Транспорт: HTTP 400.
	ErrWeakPassword = errors.New("password is too weak")

	// ErrEmptyPassword — пароль пустой.
	// Транспорт: HTTP 400.
	ErrEmptyPassword = errors.New("password is empty")
)

// Service описывает бизнес-логику аутентификации и жизненного цикла токенов.
type Service struct {
	storage storage.Storage
	cfg     config.AuthConfig
	revoked cache.RevokedCache // может быть nil, если кэш не сконфигурирован
	auditor *audit.Auditor     // может быть nil; Emit нил-безопасен
}

// New создаёт новый экземпляр Service.
func New(storage storage.Storage, cfg config.AuthConfig) *Service {
	return &Service{
		storage: storage,
		cfg:     cfg,
	}
}

// SetRevokedCache устанавливает негативный кэш отозванных refresh-токенов (опционально).
// Кэш ускоряет отклонение заведомо отозванных токенов; положительные решения
// всегда принимает БД.
func (s *Service) SetRevokedCache(c cache.RevokedCache) {
	s.revoked = c
}

// SetAuditor устанавливает журнал событий безопасности (опционально).
// Сервис пишет в него события, возникающие вне HTTP-обработчиков,
// например обнаружение повтора отозванного refresh-токена.
func (s *Service) SetAuditor(a *audit.Auditor) {
	s.auditor = a
}

// AccessTokenTTL возвращает срок жизни access-токена.
func (s *Service) AccessTokenTTL() time.Duration {
	return s.cfg.AccessTokenTTL
}

// RefreshTokenTTL возвращает срок жизни refresh-токена.
func (s *Service) RefreshTokenTTL() time.Duration {
	return s.cfg.RefreshTokenTTL
}
