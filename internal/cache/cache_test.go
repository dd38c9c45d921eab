package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (RevokedCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func testRevocation() Revocation {
	return Revocation{
		UserID:    uuid.New(),
		ExpiresAt: time.Now().UTC().Add(time.Hour).Truncate(time.Second),
	}
}

func TestMarkRevoked_ThenIsRevoked(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t)
	ctx := context.Background()

	rev, err := c.IsRevoked(ctx, "hash-1")
	require.NoError(t, err)
	require.Nil(t, rev, "unknown hash is a cache miss, not a verdict")

	want := testRevocation()
	require.NoError(t, c.MarkRevoked(ctx, "hash-1", want, time.Hour))

	rev, err = c.IsRevoked(ctx, "hash-1")
	require.NoError(t, err)
	require.NotNil(t, rev)
	require.Equal(t, want.UserID, rev.UserID)
	require.True(t, want.ExpiresAt.Equal(rev.ExpiresAt))
}

func TestMarkRevoked_EntryExpires(t *testing.T) {
	t.Parallel()

	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.MarkRevoked(ctx, "hash-2", testRevocation(), time.Minute))

	mr.FastForward(2 * time.Minute)

	rev, err := c.IsRevoked(ctx, "hash-2")
	require.NoError(t, err)
	require.Nil(t, rev)
}

func TestMarkRevoked_NonPositiveTTLIsNoop(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.MarkRevoked(ctx, "hash-3", testRevocation(), 0))
	require.NoError(t, c.MarkRevoked(ctx, "hash-4", testRevocation(), -time.Minute))

	rev, err := c.IsRevoked(ctx, "hash-3")
	require.NoError(t, err)
	require.Nil(t, rev)
}

func TestIsRevoked_UnparsableValueStillRevoked(t *testing.T) {
	t.Parallel()

	c, mr := newTestCache(t)
	ctx := context.Background()

	// Значение стороннего формата: факт отзыва подтверждается,
	// метаданные — нет.
	require.NoError(t, mr.Set(keyPrefix+"hash-5", "1"))

	rev, err := c.IsRevoked(ctx, "hash-5")
	require.NoError(t, err)
	require.NotNil(t, rev)
	require.Equal(t, uuid.Nil, rev.UserID)
}

func TestNew_BadURL(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), "not-a-url")
	require.Error(t, err)
}

func TestNew_UnreachableServer(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), "redis://127.0.0.1:1")
	require.Error(t, err)
}

func TestPing(t *testing.T) {
	t.Parallel()

	c, mr := newTestCache(t)
	require.NoError(t, c.Ping(context.Background()))

	mr.Close()
	require.Error(t, c.Ping(context.Background()))
}
