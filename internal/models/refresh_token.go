package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken — серверная запись о выданном refresh-токене.
//
// В БД хранится только SHA-256-хэш секрета (TokenHash); сам секрет никогда
// не персистится. SessionID связывает цепочку ротаций одной логической
// сессии, UserAgent/IP сохраняются для аудита. Отозванные записи не
// удаляются — их зачищает внешняя retention-задача.
type RefreshToken struct {
	TokenHash string
	UserID    uuid.UUID
	SessionID uuid.UUID
	UserAgent string
	IP        string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Revoked сообщает, был ли токен отозван.
func (t *RefreshToken) Revoked() bool {
	return t.RevokedAt != nil
}

// ExpiredAt проверяет истечение срока на момент now.
// Граница включительная: в момент ExpiresAt токен уже просрочен
// (валидность определена строго как now < ExpiresAt).
func (t *RefreshToken) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
