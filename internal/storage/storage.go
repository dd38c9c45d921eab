// storage задаёт контракт персистентного слоя: пользователи и refresh-токены.
// Реализации обязаны быть потокобезопасными; ротация refresh-токена —
// атомарной (см. RotateRefreshToken).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/irisanalysis/datalab-gateway/internal/models"
)

var (
	// ErrNotFound — запись не найдена (пользователь/токен).
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists — нарушение уникальности (email/token_hash).
	ErrAlreadyExists = errors.New("already exists")
	// ErrRevoked — refresh-токен уже отозван.
	ErrRevoked = errors.New("revoked")
)

// UserStorage выполняет операции над пользователями.
type UserStorage interface {
	// SaveUser создаёт нового пользователя в БД.
	SaveUser(ctx context.Context, user *models.User) error
	// UserByEmail находит пользователя по email (в нижнем регистре).
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	// UserByID находит пользователя по ID.
	UserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// RefreshTokenStorage выполняет операции над refresh-токенами.
type RefreshTokenStorage interface {
	// SaveRefreshToken сохраняет новый refresh-токен.
	SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error
	// RefreshTokenByHash находит refresh-токен по его хэшу.
	RefreshTokenByHash(ctx context.Context, hash string) (*models.RefreshToken, error)
	// RevokeRefreshToken пытается отозвать refresh-токен.
	// Возвращает (true, nil), если токен был активен и отозван сейчас;
	// (false, nil), если он уже был отозван; (false, ErrNotFound) — если не найден.
	RevokeRefreshToken(ctx context.Context, hash string) (bool, error)
	// RotateRefreshToken атомарно отзывает старый токен и сохраняет новый
	// в одной транзакции: при сбое вставки отзыв откатывается, чтобы
	// сессия не осталась вовсе без валидного токена.
	RotateRefreshToken(ctx context.Context, oldHash string, next *models.RefreshToken) error
	// RevokeAllUserTokens отзывает все активные токены пользователя.
	// Возвращает количество отозванных записей.
	RevokeAllUserTokens(ctx context.Context, userID uuid.UUID) (int64, error)
	// DeleteExpiredTokens удаляет все просроченные токены
	// (вызывается внешней retention-задачей).
	DeleteExpiredTokens(ctx context.Context, now time.Time) error
}

// Storage задаёт контракт работы с БД.
type Storage interface {
	UserStorage
	RefreshTokenStorage
	Close()
}
