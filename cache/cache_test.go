package cache

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *manualClock {
	return &manualClock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
}

func TestCache_SetGetDelete(t *testing.T) {
	c := New[string, int](Config{Name: "t", MaxSize: 10})

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Set("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestCache_LRUEviction(t *testing.T) {
	var evicted []string
	c := New[string, int](Config{MaxSize: 2}).OnEvict(func(k string, _ int) { evicted = append(evicted, k) })

	c.Set("a", 1)
	c.Set("b", 2)
	_, _ = c.Get("a") // a 变为最近使用
	c.Set("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_ExpireAfterWrite(t *testing.T) {
	clock := newClock()
	c := New[string, string](Config{TTL: time.Minute, Now: clock.Now})

	c.Set("k", "v")
	clock.Advance(30 * time.Second)
	_, ok := c.Get("k")
	require.True(t, ok)

	// 命中不刷新写入时间
	clock.Advance(30 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Expires)
}

func TestCache_ExpireAfterAccess(t *testing.T) {
	clock := newClock()
	c := New[string, string](Config{TTL: time.Minute, Expiry: ExpireAfterAccess, Now: clock.Now})

	c.Set("k", "v")
	for i := 0; i < 3; i++ {
		clock.Advance(40 * time.Second)
		_, ok := c.Get("k")
		require.True(t, ok, "round %d", i)
	}
	clock.Advance(time.Minute)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCache_SetIfAbsent(t *testing.T) {
	clock := newClock()
	c := New[string, int](Config{TTL: time.Minute, Now: clock.Now})

	v, stored := c.SetIfAbsent("k", 1)
	assert.True(t, stored)
	assert.Equal(t, 1, v)

	v, stored = c.SetIfAbsent("k", 2)
	assert.False(t, stored)
	assert.Equal(t, 1, v)

	clock.Advance(time.Minute)
	v, stored = c.SetIfAbsent("k", 3)
	assert.True(t, stored)
	assert.Equal(t, 3, v)
}

func TestCache_Purge(t *testing.T) {
	clock := newClock()
	c := New[int, int](Config{TTL: time.Second, Now: clock.Now})
	for i := 0; i < 5; i++ {
		c.Set(i, i)
	}
	clock.Advance(time.Second)
	c.Set(99, 99)

	assert.Equal(t, 5, c.Purge())
	assert.Equal(t, 1, c.Len())
	assert.Zero(t, New[int, int](Config{}).Purge())
}

func TestCache_StatsAndHitRate(t *testing.T) {
	c := New[string, int](Config{Name: "stats"})
	assert.Zero(t, c.Stats().HitRate())

	c.Set("a", 1)
	_, _ = c.Get("a")
	_, _ = c.Get("a")
	_, _ = c.Get("missing")

	s := c.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, 1, s.Size)
	assert.InDelta(t, 2.0/3.0, s.HitRate(), 1e-9)
	assert.True(t, strings.HasPrefix(c.String(), "cache[stats]"))
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[int, int](Config{MaxSize: 50})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Set(g*1000+i, i)
				_, _ = c.Get(g*1000 + i/2)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}

func TestCollector(t *testing.T) {
	a := New[string, int](Config{Name: "payment_replay"})
	a.Set("k", 1)
	_, _ = a.Get("k")
	_, _ = a.Get("x")

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector("", a)))

	expected := `
# HELP bookingsaga_cache_hits_total Cache hits
# TYPE bookingsaga_cache_hits_total counter
bookingsaga_cache_hits_total{cache="payment_replay"} 1
# HELP bookingsaga_cache_misses_total Cache misses
# TYPE bookingsaga_cache_misses_total counter
bookingsaga_cache_misses_total{cache="payment_replay"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"bookingsaga_cache_hits_total", "bookingsaga_cache_misses_total"))
}
