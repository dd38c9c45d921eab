package service

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/irisanalysis/datalab-gateway/internal/audit"
	"github.com/irisanalysis/datalab-gateway/internal/cache"
	"github.com/irisanalysis/datalab-gateway/internal/models"
	"github.com/irisanalysis/datalab-gateway/internal/storage"
	"github.com/irisanalysis/datalab-gateway/mocks"
)

func testUser() *models.User {
	return &models.User{
		ID:     uuid.New(),
		Email:  "user@example.com",
		Active: true,
	}
}

func TestAccessToken_RoundTrip(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := testUser()

	signed, err := svc.generateAccessToken(context.Background(), user, time.Now().UTC())
	require.NoError(t, err)

	uid, email, err := svc.ValidateAccessToken(signed)
	require.NoError(t, err)
	require.Equal(t, user.ID, uid)
	require.Equal(t, user.Email, email)
}

func TestValidateAccessToken_WrongSecret(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	cfg := testCfg()
	cfg.JWTSecret = "other-secret"
	other := New(mocks.NewMockStorage(ctrl), cfg)

	signed, err := other.generateAccessToken(context.Background(), testUser(), time.Now().UTC())
	require.NoError(t, err)

	_, _, err = svc.ValidateAccessToken(signed)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateAccessToken_Expired(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	// Выпущен в прошлом так, чтобы exp (и leeway в 5с) уже прошли.
	past := time.Now().UTC().Add(-svc.cfg.AccessTokenTTL - time.Minute)
	signed, err := svc.generateAccessToken(context.Background(), testUser(), past)
	require.NoError(t, err)

	_, _, err = svc.ValidateAccessToken(signed)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateAccessToken_MissingTypeClaim(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	// JWT с валидной подписью, но без type=access.
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Issuer:    svc.cfg.Issuer,
		Subject:   uuid.NewString(),
		Audience:  jwt.ClaimStrings(svc.cfg.Audience),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(svc.cfg.JWTSecret))
	require.NoError(t, err)

	_, _, err = svc.ValidateAccessToken(signed)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateAccessToken_Garbage(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	_, _, err := svc.ValidateAccessToken("not-a-jwt")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshToken_RotatesAtomically(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := testUser()
	plain := "old-refresh-token"
	oldHash := hashToken(plain)
	sessionID := uuid.New()

	now := time.Now().UTC()
	st.EXPECT().RefreshTokenByHash(gomock.Any(), oldHash).Return(&models.RefreshToken{
		TokenHash: oldHash,
		UserID:    user.ID,
		SessionID: sessionID,
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(time.Hour),
	}, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)
	st.EXPECT().RotateRefreshToken(gomock.Any(), oldHash, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, next *models.RefreshToken) error {
			require.Equal(t, user.ID, next.UserID)
			// Идентификатор сессии наследуется через ротации.
			require.Equal(t, sessionID, next.SessionID)
			require.NotEqual(t, oldHash, next.TokenHash)
			return nil
		})

	pair, got, err := svc.RefreshToken(context.Background(), plain, testMeta())
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEqual(t, plain, pair.RefreshToken)
}

func TestRefreshToken_UnknownToken_Generic(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().RefreshTokenByHash(gomock.Any(), gomock.Any()).Return(nil, storage.ErrNotFound)

	_, _, err := svc.RefreshToken(context.Background(), "ghost-token", testMeta())
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshToken_Expired(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	now := time.Now().UTC()
	st.EXPECT().RefreshTokenByHash(gomock.Any(), gomock.Any()).Return(&models.RefreshToken{
		UserID:    uuid.New(),
		SessionID: uuid.New(),
		ExpiresAt: now.Add(-time.Minute),
	}, nil)

	_, _, err := svc.RefreshToken(context.Background(), "expired-token", testMeta())
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestRefreshToken_ExpiryBoundaryInclusive(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	token := models.RefreshToken{ExpiresAt: now}

	// Ровно в момент exp токен уже истёк.
	require.True(t, token.ExpiredAt(now))
	require.False(t, token.ExpiredAt(now.Add(-time.Nanosecond)))
}

func TestRefreshToken_ReuseTriggersRevokeAll(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	userID := uuid.New()
	now := time.Now().UTC()
	revokedAt := now.Add(-time.Minute)

	// Отозван, но не истёк: повтор = компрометация, отзываем всё.
	st.EXPECT().RefreshTokenByHash(gomock.Any(), gomock.Any()).Return(&models.RefreshToken{
		UserID:    userID,
		SessionID: uuid.New(),
		ExpiresAt: now.Add(time.Hour),
		RevokedAt: &revokedAt,
	}, nil)
	st.EXPECT().RevokeAllUserTokens(gomock.Any(), userID).Return(int64(2), nil)

	_, _, err := svc.RefreshToken(context.Background(), "stolen-token", testMeta())
	require.ErrorIs(t, err, ErrTokenRevoked)
}

func TestRefreshToken_RevokedAndExpired_NoRevokeAll(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	now := time.Now().UTC()
	revokedAt := now.Add(-2 * time.Hour)

	// Отозван и истёк: обычный отказ без каскадного отзыва.
	st.EXPECT().RefreshTokenByHash(gomock.Any(), gomock.Any()).Return(&models.RefreshToken{
		UserID:    uuid.New(),
		SessionID: uuid.New(),
		ExpiresAt: now.Add(-time.Hour),
		RevokedAt: &revokedAt,
	}, nil)

	_, _, err := svc.RefreshToken(context.Background(), "stale-token", testMeta())
	require.ErrorIs(t, err, ErrTokenRevoked)
}

func TestRefreshToken_InactiveUser_Generic(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := testUser()
	user.Active = false
	now := time.Now().UTC()

	st.EXPECT().RefreshTokenByHash(gomock.Any(), gomock.Any()).Return(&models.RefreshToken{
		UserID:    user.ID,
		SessionID: uuid.New(),
		ExpiresAt: now.Add(time.Hour),
	}, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)

	_, _, err := svc.RefreshToken(context.Background(), "some-token", testMeta())
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefreshToken_CollisionRetries(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := testUser()
	plain := "old-refresh-token"
	now := time.Now().UTC()

	st.EXPECT().RefreshTokenByHash(gomock.Any(), gomock.Any()).Return(&models.RefreshToken{
		UserID:    user.ID,
		SessionID: uuid.New(),
		ExpiresAt: now.Add(time.Hour),
	}, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)

	// Первая попытка — коллизия хэша (ротация откатилась), вторая — успех.
	gomock.InOrder(
		st.EXPECT().RotateRefreshToken(gomock.Any(), gomock.Any(), gomock.Any()).Return(storage.ErrAlreadyExists),
		st.EXPECT().RotateRefreshToken(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil),
	)

	_, _, err := svc.RefreshToken(context.Background(), plain, testMeta())
	require.NoError(t, err)
}

// fakeRevokedCache — in-memory реализация cache.RevokedCache.
type fakeRevokedCache struct {
	mu      sync.Mutex
	revoked map[string]cache.Revocation
}

func newFakeRevokedCache() *fakeRevokedCache {
	return &fakeRevokedCache{revoked: make(map[string]cache.Revocation)}
}

func (f *fakeRevokedCache) IsRevoked(_ context.Context, hash string) (*cache.Revocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rev, ok := f.revoked[hash]
	if !ok {
		return nil, nil
	}
	return &rev, nil
}

func (f *fakeRevokedCache) MarkRevoked(_ context.Context, hash string, rev cache.Revocation, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[hash] = rev
	return nil
}

func (f *fakeRevokedCache) Ping(context.Context) error { return nil }
func (f *fakeRevokedCache) Close() error               { return nil }

func TestRefreshToken_RevokedCacheHit_TriggersRevokeAll(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	rc := newFakeRevokedCache()
	svc.SetRevokedCache(rc)

	userID := uuid.New()
	plain := "cached-revoked-token"
	require.NoError(t, rc.MarkRevoked(context.Background(), hashToken(plain), cache.Revocation{
		UserID:    userID,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}, time.Hour))

	// Повтор живого отозванного токена ловится кэшем без строки БД:
	// RefreshTokenByHash не ожидается, но каскадный отзыв обязателен.
	st.EXPECT().RevokeAllUserTokens(gomock.Any(), userID).Return(int64(2), nil)

	_, _, err := svc.RefreshToken(context.Background(), plain, testMeta())
	require.ErrorIs(t, err, ErrTokenRevoked)
}

func TestRefreshToken_RevokedCacheHit_Expired_NoRevokeAll(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	rc := newFakeRevokedCache()
	svc.SetRevokedCache(rc)

	plain := "cached-stale-token"
	require.NoError(t, rc.MarkRevoked(context.Background(), hashToken(plain), cache.Revocation{
		UserID:    uuid.New(),
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}, time.Hour))

	// Токен и отозван, и истёк: обычный отказ без похода в хранилище.
	_, _, err := svc.RefreshToken(context.Background(), plain, testMeta())
	require.ErrorIs(t, err, ErrTokenRevoked)

	_ = st // хранилище не должно быть тронуто
}

func TestRefreshToken_RevokedCacheHit_NoMetadata_FallsThroughToDB(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	rc := newFakeRevokedCache()
	svc.SetRevokedCache(rc)

	userID := uuid.New()
	plain := "cached-bare-mark"
	hash := hashToken(plain)

	// Отметка без метаданных (например, после logout): решает БД.
	require.NoError(t, rc.MarkRevoked(context.Background(), hash, cache.Revocation{}, time.Hour))

	now := time.Now().UTC()
	revokedAt := now.Add(-time.Minute)
	expiresAt := now.Add(time.Hour)
	st.EXPECT().RefreshTokenByHash(gomock.Any(), hash).Return(&models.RefreshToken{
		TokenHash: hash,
		UserID:    userID,
		SessionID: uuid.New(),
		ExpiresAt: expiresAt,
		RevokedAt: &revokedAt,
	}, nil)
	st.EXPECT().RevokeAllUserTokens(gomock.Any(), userID).Return(int64(1), nil)

	_, _, err := svc.RefreshToken(context.Background(), plain, testMeta())
	require.ErrorIs(t, err, ErrTokenRevoked)

	// Строка БД дополнила отметку метаданными: следующий повтор
	// обрабатывается уже быстрым путём.
	rev, err := rc.IsRevoked(context.Background(), hash)
	require.NoError(t, err)
	require.NotNil(t, rev)
	require.Equal(t, userID, rev.UserID)
	require.True(t, expiresAt.Equal(rev.ExpiresAt))
}

func TestRefreshToken_ReuseEmitsAuditEvent(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	buf := &bytes.Buffer{}
	svc.SetAuditor(audit.New(slog.New(slog.NewJSONHandler(buf, nil))))

	userID := uuid.New()
	now := time.Now().UTC()
	revokedAt := now.Add(-time.Minute)

	st.EXPECT().RefreshTokenByHash(gomock.Any(), gomock.Any()).Return(&models.RefreshToken{
		UserID:    userID,
		SessionID: uuid.New(),
		ExpiresAt: now.Add(time.Hour),
		RevokedAt: &revokedAt,
	}, nil)
	st.EXPECT().RevokeAllUserTokens(gomock.Any(), userID).Return(int64(2), nil)

	_, _, err := svc.RefreshToken(context.Background(), "stolen-token", testMeta())
	require.ErrorIs(t, err, ErrTokenRevoked)

	out := buf.String()
	require.Contains(t, out, "audit_event")
	require.Contains(t, out, audit.ActionReuseDetect)
	require.Contains(t, out, userID.String())
}

func TestRevokeToken_PopulatesRevokedCache(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	rc := newFakeRevokedCache()
	svc.SetRevokedCache(rc)

	plain := "soon-revoked-token"
	st.EXPECT().RevokeRefreshToken(gomock.Any(), hashToken(plain)).Return(true, nil)

	require.NoError(t, svc.RevokeToken(context.Background(), plain))

	rev, err := rc.IsRevoked(context.Background(), hashToken(plain))
	require.NoError(t, err)
	require.NotNil(t, rev)
	// Logout знает только хэш: отметка без метаданных.
	require.Equal(t, uuid.Nil, rev.UserID)
}

func TestRefreshToken_ConcurrentRotation_Revoked(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := testUser()
	now := time.Now().UTC()

	st.EXPECT().RefreshTokenByHash(gomock.Any(), gomock.Any()).Return(&models.RefreshToken{
		UserID:    user.ID,
		SessionID: uuid.New(),
		ExpiresAt: now.Add(time.Hour),
	}, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)

	// Между валидацией и ротацией токен отозвали конкурентно.
	st.EXPECT().RotateRefreshToken(gomock.Any(), gomock.Any(), gomock.Any()).Return(storage.ErrRevoked)

	_, _, err := svc.RefreshToken(context.Background(), "racing-token", testMeta())
	require.ErrorIs(t, err, ErrTokenRevoked)
}
