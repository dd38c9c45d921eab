package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/irisanalysis/datalab-gateway/internal/audit"
	"github.com/irisanalysis/datalab-gateway/internal/cache"
	"github.com/irisanalysis/datalab-gateway/internal/models"
	"github.com/irisanalysis/datalab-gateway/internal/storage"
	"github.com/irisanalysis/datalab-gateway/pkg/log"
)

// tokenTypeAccess — значение claim'а "type" в access-токене.
// Claim обязателен: refresh-токены непригодны для прохождения auth-гейта
// уже на уровне формата (они вообще не JWT), а любой JWT без type=access
// отклоняется.
const tokenTypeAccess = "access"

type accessClaims struct {
	TokenType string `json:"type"`
	Email     string `json:"email"`
	jwt.RegisteredClaims
}

// generateAccessToken генерирует access-токен (JWT HS256).
func (s *Service) generateAccessToken(ctx context.Context, user *models.User, now time.Time) (string, error) {
	const op = "service.token.generateAccessToken"

	lg := log.From(ctx)

	claims := accessClaims{
		TokenType: tokenTypeAccess,
		Email:     user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.cfg.Issuer,
			Subject:   user.ID.String(),
			Audience:  jwt.ClaimStrings(s.cfg.Audience),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		lg.Error("access_token_sign_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

// ValidateAccessToken валидирует access-токен: подпись, срок действия,
// issuer/audience и claim type=access. Возвращает идентификатор и email
// пользователя.
func (s *Service) ValidateAccessToken(tokenStr string) (uuid.UUID, string, error) {
	const op = "service.token.ValidateAccessToken"

	token, err := jwt.ParseWithClaims(tokenStr, &accessClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
			}

			return []byte(s.cfg.JWTSecret), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5*time.Second),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience...),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, "", fmt.Errorf("%s: %w", op, ErrTokenExpired)
		}

		return uuid.Nil, "", fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	claims, ok := token.Claims.(*accessClaims)
	if !ok || !token.Valid {
		return uuid.Nil, "", fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	if claims.TokenType != tokenTypeAccess {
		return uuid.Nil, "", fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	uid, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return uid, claims.Email, nil
}

// newRefreshPlain генерирует криптослучайный refresh-токен (32 байта, base64url).
func newRefreshPlain() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

// newRefreshRecord собирает запись refresh-токена для сохранения.
func (s *Service) newRefreshRecord(plain string, userID, sessionID uuid.UUID, meta ClientMeta, now time.Time) *models.RefreshToken {
	return &models.RefreshToken{
		TokenHash: hashToken(plain),
		UserID:    userID,
		SessionID: sessionID,
		UserAgent: meta.UserAgent,
		IP:        meta.IP,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}
}

// issueTokenPair выпускает новую пару access+refresh токенов для свежей сессии.
func (s *Service) issueTokenPair(ctx context.Context, user *models.User, sessionID uuid.UUID, meta ClientMeta) (*models.TokenPair, error) {
	const (
		op          = "service.token.issueTokenPair"
		maxAttempts = 5
	)

	lg := log.From(ctx)

	now := time.Now().UTC()

	accessToken, err := s.generateAccessToken(ctx, user, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		plain, err := newRefreshPlain()
		if err != nil {
			lg.Error("refresh_rand_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		record := s.newRefreshRecord(plain, user.ID, sessionID, meta, now)

		if err := s.storage.SaveRefreshToken(ctx, record); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				// Редкая коллизия хэша — пробуем сгенерировать заново.
				continue
			}

			lg.Error("save_refresh_token_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		return &models.TokenPair{
			AccessToken:     accessToken,
			RefreshToken:    plain,
			AccessExpiresAt: now.Add(s.cfg.AccessTokenTTL),
		}, nil
	}

	lg.Error("refresh_collision_exceeded", slog.String("op", op))

	return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenCollision)
}

// rotateTokenPair ротирует пару: отзывает старый refresh-токен и сохраняет
// новый в одной транзакции хранилища. Идентификатор сессии наследуется.
func (s *Service) rotateTokenPair(ctx context.Context, user *models.User, old *models.RefreshToken, oldHash string, meta ClientMeta) (*models.TokenPair, error) {
	const (
		op          = "service.token.rotateTokenPair"
		maxAttempts = 5
	)

	lg := log.From(ctx)

	now := time.Now().UTC()

	accessToken, err := s.generateAccessToken(ctx, user, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		plain, err := newRefreshPlain()
		if err != nil {
			lg.Error("refresh_rand_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		next := s.newRefreshRecord(plain, user.ID, old.SessionID, meta, now)

		if err := s.storage.RotateRefreshToken(ctx, oldHash, next); err != nil {
			switch {
			case errors.Is(err, storage.ErrAlreadyExists):
				// Коллизия хэша нового токена; ротация откатилась целиком.
				continue
			case errors.Is(err, storage.ErrNotFound):
				return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
			case errors.Is(err, storage.ErrRevoked):
				// Старый токен отозвали конкурентно (например, параллельный refresh).
				return nil, fmt.Errorf("%s: %w", op, ErrTokenRevoked)
			}

			lg.Error("rotate_refresh_token_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		s.markRevoked(ctx, oldHash, old.UserID, old.ExpiresAt)

		return &models.TokenPair{
			AccessToken:     accessToken,
			RefreshToken:    plain,
			AccessExpiresAt: now.Add(s.cfg.AccessTokenTTL),
		}, nil
	}

	lg.Error("refresh_collision_exceeded", slog.String("op", op))

	return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenCollision)
}

// validateRefreshToken валидирует refresh-токен по хранилищу.
//
// Три внутренних исхода (не найден / отозван / истёк) различимы в логах,
// но транспорт сводит их к общему 401. Повтор отозванного, но ещё не
// истёкшего токена трактуется как компрометация сессии: все активные
// токены владельца отзываются.
func (s *Service) validateRefreshToken(ctx context.Context, plain string, meta ClientMeta) (*models.RefreshToken, error) {
	const op = "service.token.validateRefreshToken"

	lg := log.From(ctx)

	hash := hashToken(plain)
	now := time.Now().UTC()

	// Быстрый путь: негативный кэш отозванных хэшей. Промах кэша ничего
	// не утверждает — решение о действительности принимает только БД.
	// Отметка с метаданными позволяет отреагировать на повтор живого
	// отозванного токена, не поднимая строку из БД; отметка без метаданных
	// лишь отправляет запрос на общий путь.
	if s.revoked != nil {
		rev, err := s.revoked.IsRevoked(ctx, hash)
		if err != nil {
			lg.Warn("revoked_cache_lookup_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
		} else if rev != nil && rev.UserID != uuid.Nil {
			if now.Before(rev.ExpiresAt) {
				s.handleRefreshReuse(ctx, rev.UserID, uuid.Nil, meta)
			} else {
				lg.Warn("refresh_revoked_cache_hit", slog.String("op", op))
			}

			return nil, fmt.Errorf("%s: %w", op, ErrTokenRevoked)
		}
	}

	token, err := s.storage.RefreshTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			lg.Warn("refresh_lookup_not_found", slog.String("op", op))
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		lg.Error("refresh_lookup_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if token.Revoked() {
		s.markRevoked(ctx, hash, token.UserID, token.ExpiresAt)

		if !token.ExpiredAt(now) {
			s.handleRefreshReuse(ctx, token.UserID, token.SessionID, meta)
		} else {
			lg.Warn("refresh_revoked",
				slog.String("op", op),
				slog.String("user_id", token.UserID.String()),
			)
		}

		return nil, fmt.Errorf("%s: %w", op, ErrTokenRevoked)
	}

	if token.ExpiredAt(now) {
		lg.Warn("refresh_expired",
			slog.String("op", op),
			slog.String("user_id", token.UserID.String()),
		)
		return nil, fmt.Errorf("%s: %w", op, ErrTokenExpired)
	}

	return token, nil
}

// handleRefreshReuse обрабатывает повтор отозванного, но ещё живого
// refresh-токена: это признак кражи, все активные токены владельца
// отзываются, событие фиксируется в журнале аудита. sessionID может быть
// uuid.Nil, когда повтор пойман негативным кэшем без строки БД.
func (s *Service) handleRefreshReuse(ctx context.Context, userID, sessionID uuid.UUID, meta ClientMeta) {
	const op = "service.token.handleRefreshReuse"

	lg := log.From(ctx)

	attrs := []any{
		slog.String("op", op),
		slog.String("user_id", userID.String()),
	}
	if sessionID != uuid.Nil {
		attrs = append(attrs, slog.String("session_id", sessionID.String()))
	}
	lg.Warn("refresh_reuse_detected", attrs...)

	if _, err := s.storage.RevokeAllUserTokens(ctx, userID); err != nil {
		lg.Error("reuse_revoke_all_failed",
			slog.String("op", op),
			slog.String("user_id", userID.String()),
			slog.String("err", err.Error()),
		)
	}

	s.auditor.Emit(ctx, audit.Event{
		Action:    audit.ActionReuseDetect,
		UserID:    userID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Success:   false,
		Reason:    "revoked refresh token replayed",
	})
}

// markRevoked помечает хэш отозванным в негативном кэше (best-effort).
// Вместе с отметкой сохраняются владелец и срок жизни токена — без них
// быстрый путь не смог бы распознать повтор живого отозванного токена.
func (s *Service) markRevoked(ctx context.Context, hash string, userID uuid.UUID, expiresAt time.Time) {
	if s.revoked == nil {
		return
	}

	rev := cache.Revocation{UserID: userID, ExpiresAt: expiresAt}
	if err := s.revoked.MarkRevoked(ctx, hash, rev, s.cfg.RefreshTokenTTL); err != nil {
		log.From(ctx).Warn("revoked_cache_mark_failed",
			slog.String("err", err.Error()),
		)
	}
}
