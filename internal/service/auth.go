package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/irisanalysis/datalab-gateway/internal/models"
	"github.com/irisanalysis/datalab-gateway/internal/storage"
	"github.com/irisanalysis/datalab-gateway/pkg/log"
	"github.com/irisanalysis/datalab-gateway/pkg/redact"
)

// dummyPasswordHash — bcrypt-хэш случайной строки (cost=12).
// Используется для выравнивания времени ответа при неизвестном email:
// сравнение выполняется всегда, чтобы логин не раскрывал существование
// учётной записи по времени ответа.
const dummyPasswordHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

// ClientMeta — метаданные клиента, привязываемые к refresh-сессии.
type ClientMeta struct {
	UserAgent string
	IP        string
}

// RegisterUser регистрирует нового пользователя. Автологин не выполняется:
// клиент должен явно пройти /auth/login.
func (s *Service) RegisterUser(ctx context.Context, email, password string) (*models.User, error) {
	const op = "service.auth.RegisterUser"

	lg := log.From(ctx)

	normEmail, err := validateEmail(email)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	if err := validatePassword(password); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	hashedPassword, err := s.hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:           uuid.New(),
		Email:        normEmail,
		PasswordHash: hashedPassword,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.storage.SaveUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("%s: %w", op, ErrEmailTaken)
		}

		lg.Error("save_user_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	lg.Info("user_registered",
		slog.String("user_id", user.ID.String()),
		slog.String("email", redact.Email(user.Email)),
	)

	return user, nil
}

// LoginUser выполняет вход по email+пароль и выпускает пару токенов.
// Неизвестный email, неверный пароль и деактивированная учётная запись
// неразличимы для клиента: все три случая возвращают ErrInvalidCredentials,
// а bcrypt-сравнение выполняется даже при отсутствии пользователя.
func (s *Service) LoginUser(ctx context.Context, email, password string, meta ClientMeta) (*models.TokenPair, *models.User, error) {
	const op = "service.auth.LoginUser"

	lg := log.From(ctx)

	normEmail, err := validateEmail(email)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if len(password) == 0 {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	user, err := s.storage.UserByEmail(ctx, normEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Выравнивание времени: сравниваем с фиктивным хэшем.
			checkPassword(dummyPasswordHash, password)

			lg.Warn("login_unknown_email",
				slog.String("op", op),
				slog.String("email", redact.Email(normEmail)),
			)
			return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}

		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	if !checkPassword(user.PasswordHash, password) {
		lg.Warn("login_wrong_password",
			slog.String("op", op),
			slog.String("user_id", user.ID.String()),
		)
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if !user.Active {
		lg.Warn("login_inactive_account",
			slog.String("op", op),
			slog.String("user_id", user.ID.String()),
		)
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	pair, err := s.issueTokenPair(ctx, user, uuid.New(), meta)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	return pair, user, nil
}

// RefreshToken ротирует пару токенов по refresh-токену: старый токен
// отзывается и новый сохраняется в одной транзакции, так что после
// ротации действителен ровно один из двух.
func (s *Service) RefreshToken(ctx context.Context, refreshToken string, meta ClientMeta) (*models.TokenPair, *models.User, error) {
	const op = "service.auth.RefreshToken"

	token, err := s.validateRefreshToken(ctx, refreshToken, meta)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	user, err := s.storage.UserByID(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	if !user.Active {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	pair, err := s.rotateTokenPair(ctx, user, token, hashToken(refreshToken), meta)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	return pair, user, nil
}

// RevokeToken отзывает refresh-токен (logout). Операция идемпотентна:
// повторный отзыв и отзыв несуществующего токена не являются ошибками.
func (s *Service) RevokeToken(ctx context.Context, refreshToken string) error {
	const op = "service.auth.RevokeToken"

	lg := log.From(ctx)

	hash := hashToken(refreshToken)

	revoked, err := s.storage.RevokeRefreshToken(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Токен неизвестен — для logout это не ошибка.
			return nil
		}

		lg.Error("revoke_refresh_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("%s: %w", op, err)
	}

	if revoked {
		// Метаданных здесь нет (хранилище возвращает только факт отзыва):
		// повтор такого токена один раз пройдёт мимо кэша до строки БД,
		// которая дополнит отметку владельцем и сроком жизни.
		s.markRevoked(ctx, hash, uuid.Nil, time.Time{})
	}

	return nil
}

// RevokeAllUserTokens отзывает все активные refresh-токены пользователя
// ("выйти на всех устройствах"). Возвращает число отозванных токенов.
func (s *Service) RevokeAllUserTokens(ctx context.Context, userID uuid.UUID) (int64, error) {
	const op = "service.auth.RevokeAllUserTokens"

	count, err := s.storage.RevokeAllUserTokens(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	log.From(ctx).Info("all_user_tokens_revoked",
		slog.String("user_id", userID.String()),
		slog.Int64("count", count),
	)

	return count, nil
}

// UserByID возвращает пользователя по идентификатору.
func (s *Service) UserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	const op = "service.auth.UserByID"

	user, err := s.storage.UserByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

// hashPassword хэширует пароль с помощью bcrypt со стоимостью из конфигурации.
func (s *Service) hashPassword(password string) (string, error) {
	const op = "service.auth.hashPassword"

	cost := s.cfg.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	bytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return string(bytes), nil
}

// checkPassword сравнивает пароль с хэшем.
func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// hashToken возвращает base64url(SHA-256(plain)) — форму хранения refresh-токена.
func hashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// validateEmail проверяет базовый формат email и обрезает пробелы снаружи.
func validateEmail(raw string) (string, error) {
	const op = "service.auth.validateEmail"

	email := strings.TrimSpace(raw)
	if email == "" {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	return strings.ToLower(email), nil
}

// validatePassword проверяет минимальные требования к паролю.
// Политика по умолчанию: длина >= 8, хотя бы одна строчная, заглавная, цифра и спецсимвол.
func validatePassword(pw string) error {
	const op = "service.auth.validatePassword"

	if len(pw) == 0 {
		return fmt.Errorf("%s: %w", op, ErrEmptyPassword)
	}

	if len([]rune(pw)) < 8 {
		return fmt.Errorf("%s: %w", op, ErrWeakPassword)
	}

	var hasLower, hasUpper, hasDigit, hasSpecial bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if !(hasLower && hasUpper && hasDigit && hasSpecial) {
		return fmt.Errorf("%s: %w", op, ErrWeakPassword)
	}

	return nil
}
