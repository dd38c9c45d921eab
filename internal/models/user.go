package models

import (
	"time"

	"github.com/google/uuid"
)

// User — учётная запись пользователя.
//
// Email хранится в нижнем регистре и уникален. Учётная запись никогда не
// удаляется — деактивация выполняется флагом Active (историю сессий и
// refresh-токенов нужно сохранять для аудита).
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
