// cache хранит в Redis отметки об отозванных refresh-токенах.
//
// Это строго негативный кэш: положительный ответ о валидности токена всегда
// даёт только БД (иначе нарушился бы инвариант «отозванный токен больше
// никогда не валиден» — запись в кэше могла бы пережить отзыв). Кэш лишь
// позволяет отбрасывать повторные предъявления уже отозванных токенов без
// похода в PostgreSQL, что важно при replay-штормах.
//
// Вместе с отметкой кэш хранит владельца токена и исходный срок его жизни:
// обнаружение повтора живого отозванного токена (и каскадный отзыв всех
// токенов владельца) должно срабатывать и на быстром пути, без строки БД.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Revocation — отметка об отзыве: владелец токена и момент его истечения.
// Нулевой UserID означает отметку без метаданных (например, от старого
// формата записи) — в этом случае решение о реакции на повтор принимает БД.
type Revocation struct {
	UserID    uuid.UUID
	ExpiresAt time.Time
}

// RevokedCache — минимальный контракт кэша отозванных refresh-токенов.
type RevokedCache interface {
	// IsRevoked возвращает отметку об отзыве для хэша.
	// (nil, nil) означает «кэш не знает» — решает БД.
	IsRevoked(ctx context.Context, hash string) (*Revocation, error)
	// MarkRevoked помечает хэш отозванным на остаток жизни токена.
	MarkRevoked(ctx context.Context, hash string, rev Revocation, ttl time.Duration) error
	// Ping проверяет доступность кэша (для healthz).
	Ping(ctx context.Context) error
	// Close закрывает клиент Redis.
	Close() error
}

// keyPrefix — пространство ключей отметок об отзыве.
const keyPrefix = "auth:revoked:"

type redisCache struct {
	rdb    *redis.Client
	prefix string
}

// New создаёт клиент Redis из URL (например, redis://:pass@host:6379/0)
// и проверяет соединение fail-fast.
func New(ctx context.Context, redisURL string) (RevokedCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &redisCache{rdb: rdb, prefix: keyPrefix}, nil
}

func (c *redisCache) key(hash string) string { return c.prefix + hash }

// encodeRevocation сериализует отметку в значение ключа: "<uuid>|<unix exp>".
func encodeRevocation(rev Revocation) string {
	return fmt.Sprintf("%s|%d", rev.UserID, rev.ExpiresAt.Unix())
}

// decodeRevocation разбирает значение ключа. Нераспознанное значение — не
// ошибка: возвращается отметка без метаданных, факт отзыва она подтверждает.
func decodeRevocation(val string) Revocation {
	idStr, expStr, ok := strings.Cut(val, "|")
	if !ok {
		return Revocation{}
	}

	userID, err := uuid.Parse(idStr)
	if err != nil {
		return Revocation{}
	}

	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return Revocation{}
	}

	return Revocation{UserID: userID, ExpiresAt: time.Unix(exp, 0).UTC()}
}

func (c *redisCache) IsRevoked(ctx context.Context, hash string) (*Revocation, error) {
	val, err := c.rdb.Get(ctx, c.key(hash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, err
	}

	rev := decodeRevocation(val)

	return &rev, nil
}

func (c *redisCache) MarkRevoked(ctx context.Context, hash string, rev Revocation, ttl time.Duration) error {
	if ttl <= 0 {
		// Токен и так просрочен — держать отметку незачем.
		return nil
	}

	return c.rdb.Set(ctx, c.key(hash), encodeRevocation(rev), ttl).Err()
}

func (c *redisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *redisCache) Close() error { return c.rdb.Close() }
