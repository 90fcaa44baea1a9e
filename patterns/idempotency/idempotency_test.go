package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "bookingsaga/errors"
	"bookingsaga/logging"
)

func newMemoryStore(t *testing.T) Store {
	s := NewMemoryStore(time.Minute)
	t.Cleanup(s.Stop)
	return s
}

func newRedisStore(t *testing.T) Store {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "")
}

var stores = map[string]func(t *testing.T) Store{
	"memory": newMemoryStore,
	"redis":  newRedisStore,
}

func fastGate(s Store) *Gate {
	return NewGate(s, Config{WaitTimeout: 2 * time.Second, PollInterval: 2 * time.Millisecond}, logging.NewNoopLogger())
}

func TestStoreContract(t *testing.T) {
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()

			rec, ok, err := s.Acquire(ctx, "k", "a", time.Minute)
			require.NoError(t, err)
			assert.Nil(t, rec)
			assert.True(t, ok)

			// 锁被 a 持有
			rec, ok, err = s.Acquire(ctx, "k", "b", time.Minute)
			require.NoError(t, err)
			assert.Nil(t, rec)
			assert.False(t, ok)

			assert.ErrorIs(t, s.Complete(ctx, "k", "b", Record{Status: 1}, time.Minute), ErrNotOwner)
			assert.ErrorIs(t, s.Release(ctx, "k", "b"), ErrNotOwner)
			assert.ErrorIs(t, s.Extend(ctx, "k", "b", time.Minute), ErrNotOwner)
			require.NoError(t, s.Extend(ctx, "k", "a", time.Minute))

			require.NoError(t, s.Complete(ctx, "k", "a", Record{Status: 200, Body: []byte(`{"ok":true}`)}, time.Minute))

			rec, ok, err = s.Acquire(ctx, "k", "c", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)
			require.NotNil(t, rec)
			assert.Equal(t, 200, rec.Status)
			assert.JSONEq(t, `{"ok":true}`, string(rec.Body))
			// 已完成的键不能再续期
			assert.ErrorIs(t, s.Extend(ctx, "k", "a", time.Minute), ErrNotOwner)

			// 释放后其他人可以重新获取
			_, ok, err = s.Acquire(ctx, "k2", "a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, s.Release(ctx, "k2", "a"))
			_, ok, err = s.Acquire(ctx, "k2", "b", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestGate_ConcurrentDuplicatesRunOnce(t *testing.T) {
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			gate := fastGate(mk(t))
			var runs atomic.Int32
			release := make(chan struct{})

			fn := func(context.Context) (Record, error) {
				runs.Add(1)
				<-release
				return Record{Status: 200, Body: []byte("cancelled")}, nil
			}

			const n = 8
			var wg sync.WaitGroup
			var replays atomic.Int32
			results := make([]Record, n)
			errs := make([]error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					rec, replayed, err := gate.Do(context.Background(), "cancel:bk1", fn)
					results[i], errs[i] = rec, err
					if replayed {
						replays.Add(1)
					}
				}(i)
			}

			require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
			time.Sleep(10 * time.Millisecond)
			close(release)
			wg.Wait()

			assert.Equal(t, int32(1), runs.Load())
			assert.Equal(t, int32(n-1), replays.Load())
			for i := 0; i < n; i++ {
				require.NoError(t, errs[i])
				assert.Equal(t, "cancelled", string(results[i].Body))
			}
		})
	}
}

func TestGate_ReplayAfterCompletion(t *testing.T) {
	gate := fastGate(newMemoryStore(t))
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (Record, error) {
		calls++
		return Record{Status: 200}, nil
	}

	_, replayed, err := gate.Do(ctx, "k", fn)
	require.NoError(t, err)
	assert.False(t, replayed)

	rec, replayed, err := gate.Do(ctx, "k", fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, 200, rec.Status)
	assert.Equal(t, 1, calls)
}

func TestGate_FailureIsNotRecorded(t *testing.T) {
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			gate := fastGate(mk(t))
			ctx := context.Background()
			boom := errors.New("saga engine down")

			_, _, err := gate.Do(ctx, "k", func(context.Context) (Record, error) { return Record{}, boom })
			assert.ErrorIs(t, err, boom)

			rec, replayed, err := gate.Do(ctx, "k", func(context.Context) (Record, error) { return Record{Status: 201}, nil })
			require.NoError(t, err)
			assert.False(t, replayed)
			assert.Equal(t, 201, rec.Status)
		})
	}
}

func TestGate_PanicReleasesLock(t *testing.T) {
	gate := fastGate(newMemoryStore(t))
	assert.Panics(t, func() {
		_, _, _ = gate.Do(context.Background(), "k", func(context.Context) (Record, error) { panic("boom") })
	})
	_, replayed, err := gate.Do(context.Background(), "k", func(context.Context) (Record, error) { return Record{}, nil })
	require.NoError(t, err)
	assert.False(t, replayed)
}

func TestGate_WaitTimeout(t *testing.T) {
	store := newMemoryStore(t)
	_, ok, err := store.Acquire(context.Background(), "k", "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	gate := NewGate(store, Config{WaitTimeout: 30 * time.Millisecond, PollInterval: 2 * time.Millisecond}, logging.NewNoopLogger())
	_, _, err = gate.Do(context.Background(), "k", func(context.Context) (Record, error) {
		t.Fatal("must not run while another owner holds the lock")
		return Record{}, nil
	})
	assert.ErrorIs(t, err, ErrInProgress)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeConflict))
}

func TestGate_WaiterTakesOverAfterOwnerFails(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	_, ok, err := store.Acquire(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.Release(ctx, "k", "first")
	}()

	rec, replayed, err := fastGate(store).Do(ctx, "k", func(context.Context) (Record, error) {
		return Record{Status: 202}, nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 202, rec.Status)
}

func TestGate_LockOutlivesLockTTLWhileRunning(t *testing.T) {
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			store := mk(t)
			gate := NewGate(store, Config{LockTTL: 60 * time.Millisecond, WaitTimeout: time.Second, PollInterval: 2 * time.Millisecond}, logging.NewNoopLogger())
			ctx := context.Background()

			rec, replayed, err := gate.Do(ctx, "k", func(context.Context) (Record, error) {
				for i := 0; i < 5; i++ {
					time.Sleep(40 * time.Millisecond)
					// 运行时间已超过 LockTTL，其他请求仍拿不到锁
					_, ok, err := store.Acquire(ctx, "k", "intruder", time.Minute)
					require.NoError(t, err)
					require.False(t, ok)
				}
				return Record{Status: 200}, nil
			})
			require.NoError(t, err)
			assert.False(t, replayed)
			assert.Equal(t, 200, rec.Status)

			// 完成后续期停止，终态记录可回放
			_, replayed, err = gate.Do(ctx, "k", func(context.Context) (Record, error) {
				t.Fatal("completed key must replay")
				return Record{}, nil
			})
			require.NoError(t, err)
			assert.True(t, replayed)
		})
	}
}

func TestGate_EmptyKeyBypassesStore(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Stop()
	calls := 0
	for i := 0; i < 2; i++ {
		_, replayed, err := fastGate(store).Do(context.Background(), "", func(context.Context) (Record, error) {
			calls++
			return Record{}, nil
		})
		require.NoError(t, err)
		assert.False(t, replayed)
	}
	assert.Equal(t, 2, calls)
	assert.Zero(t, store.Len())
}

func TestMemoryStore_Cleanup(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Stop()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, _, _ = s.Acquire(context.Background(), "a", "o", time.Second)
	_, _, _ = s.Acquire(context.Background(), "b", "o", time.Hour)
	now = now.Add(time.Minute)
	assert.Equal(t, 1, s.cleanup())
	assert.Equal(t, 1, s.Len())

	// 过期的锁可以被重新获取
	_, _, _ = s.Acquire(context.Background(), "c", "o", time.Second)
	now = now.Add(2 * time.Second)
	_, ok, err := s.Acquire(context.Background(), "c", "p", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	s.Stop()
}
