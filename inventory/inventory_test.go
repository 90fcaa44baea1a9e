package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "bookingsaga/errors"
	"bookingsaga/logging"
	"bookingsaga/patterns/retry"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewRedisStore(rdb, RedisConfig{
		TTL:    time.Minute,
		Retry:  retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond},
		Logger: logging.NewNoopLogger(),
	})
	return mr, store
}

func TestRedisStore_HoldIsIdempotent(t *testing.T) {
	mr, store := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Hold(ctx, "bk1"))
	require.NoError(t, store.Hold(ctx, "bk1"))

	assert.True(t, mr.Exists("inventory:hold:bk1"))
	assert.Equal(t, time.Minute, mr.TTL("inventory:hold:bk1"))
	held, err := store.IsHeld(ctx, "bk1")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestRedisStore_ReleaseAndRehold(t *testing.T) {
	mr, store := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Hold(ctx, "bk1"))
	require.NoError(t, store.Release(ctx, "bk1"))
	assert.False(t, mr.Exists("inventory:hold:bk1"))

	err := store.Release(ctx, "bk1")
	assert.True(t, errors.Is(err, ErrNotHeld))
	assert.True(t, apperrors.IsNotFound(err))

	require.NoError(t, store.Rehold(ctx, "bk1"))
	assert.True(t, mr.Exists("inventory:hold:bk1"))
}

func TestRedisStore_HoldExpires(t *testing.T) {
	mr, store := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Hold(ctx, "bk1"))
	mr.FastForward(2 * time.Minute)

	held, err := store.IsHeld(ctx, "bk1")
	require.NoError(t, err)
	assert.False(t, held)
	assert.ErrorIs(t, store.Release(ctx, "bk1"), ErrNotHeld)
}

func TestRedisStore_RedisFailureIsDependencyError(t *testing.T) {
	mr, store := newTestRedis(t)
	mr.SetError("ERR injected failure")

	err := store.Hold(context.Background(), "bk1")
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeDependency))
}

func TestRedisStore_EmptyBookingID(t *testing.T) {
	_, store := newTestRedis(t)
	assert.True(t, apperrors.IsValidation(store.Hold(context.Background(), "")))
	assert.True(t, apperrors.IsValidation(store.Rehold(context.Background(), "")))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryStore(time.Minute)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Hold(ctx, "bk1"))
	require.NoError(t, m.Hold(ctx, "bk1"))
	held, _ := m.IsHeld(ctx, "bk1")
	assert.True(t, held)

	require.NoError(t, m.Release(ctx, "bk1"))
	assert.ErrorIs(t, m.Release(ctx, "bk1"), ErrNotHeld)

	require.NoError(t, m.Rehold(ctx, "bk1"))
	now = now.Add(2 * time.Minute)
	held, _ = m.IsHeld(ctx, "bk1")
	assert.False(t, held)
	assert.ErrorIs(t, m.Release(ctx, "bk1"), ErrNotHeld)
	assert.Error(t, m.Hold(ctx, ""))
}
