// Package cache 提供进程内的泛型 LRU/TTL 缓存
//
// 主要用于幂等键的响应回放：支付沙箱按幂等键缓存首次响应，
// 内存版幂等存储用它保存终态记录。
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// ExpiryMode 过期时间的计算基准
type ExpiryMode int

const (
	// ExpireAfterWrite 从写入时刻计算 TTL（默认，适合响应回放）
	ExpireAfterWrite ExpiryMode = iota
	// ExpireAfterAccess 每次命中刷新 TTL
	ExpireAfterAccess
)

// Config 缓存配置
type Config struct {
	// Name 缓存名称，用于统计和指标
	Name string

	// MaxSize 最大条目数，0 表示不限制
	MaxSize int

	// TTL 过期时间，0 表示永不过期
	TTL time.Duration

	// Expiry TTL 计算基准
	Expiry ExpiryMode

	// Now 时钟，测试时可替换
	Now func() time.Time
}

// Stats 缓存统计
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expires   int64
	Size      int
}

// HitRate 命中率，无访问时为 0
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	touchedAt time.Time
	elem      *list.Element
}

// Cache 并发安全的泛型缓存
//
// 超过 MaxSize 时驱逐最久未使用的条目；过期条目在访问或 Purge 时删除。
type Cache[K comparable, V any] struct {
	cfg   Config
	mu    sync.Mutex
	items map[K]*entry[K, V]
	lru   *list.List // 最近使用的在前
	stats Stats

	onEvict func(K, V)
}

// New 创建缓存
func New[K comparable, V any](cfg Config) *Cache[K, V] {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache[K, V]{
		cfg:   cfg,
		items: make(map[K]*entry[K, V]),
		lru:   list.New(),
	}
}

// OnEvict 设置驱逐回调（LRU 驱逐、过期、Delete 都会触发），返回自身便于链式调用
func (c *Cache[K, V]) OnEvict(fn func(K, V)) *Cache[K, V] {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
	return c
}

// Name 缓存名称
func (c *Cache[K, V]) Name() string { return c.cfg.Name }

// Get 获取未过期的值
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	now := c.cfg.Now()
	if c.expired(e, now) {
		c.remove(e)
		c.stats.Misses++
		c.stats.Expires++
		return zero, false
	}
	if c.cfg.Expiry == ExpireAfterAccess {
		e.touchedAt = now
	}
	c.lru.MoveToFront(e.elem)
	c.stats.Hits++
	return e.value, true
}

// Set 写入或覆盖
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, c.cfg.Now())
}

// SetIfAbsent 仅当 key 不存在（或已过期）时写入
//
// 返回缓存中最终的值，以及本次是否写入。
func (c *Cache[K, V]) SetIfAbsent(key K, value V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Now()
	if e, ok := c.items[key]; ok {
		if !c.expired(e, now) {
			return e.value, false
		}
		c.remove(e)
		c.stats.Expires++
	}
	c.setLocked(key, value, now)
	return value, true
}

// Delete 删除条目，返回是否存在
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return false
	}
	c.remove(e)
	return true
}

// Purge 清理所有过期条目，返回清理数量
func (c *Cache[K, V]) Purge() int {
	if c.cfg.TTL <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Now()
	n := 0
	for _, e := range c.items {
		if c.expired(e, now) {
			c.remove(e)
			n++
		}
	}
	c.stats.Expires += int64(n)
	return n
}

// Len 当前条目数（可能包含尚未清理的过期条目）
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats 统计快照
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.items)
	return s
}

func (c *Cache[K, V]) String() string {
	s := c.Stats()
	return fmt.Sprintf("cache[%s] size=%d/%d hits=%d misses=%d evictions=%d expires=%d",
		c.cfg.Name, s.Size, c.cfg.MaxSize, s.Hits, s.Misses, s.Evictions, s.Expires)
}

func (c *Cache[K, V]) setLocked(key K, value V, now time.Time) {
	if e, ok := c.items[key]; ok {
		e.value = value
		e.touchedAt = now
		c.lru.MoveToFront(e.elem)
		return
	}
	if c.cfg.MaxSize > 0 && len(c.items) >= c.cfg.MaxSize {
		if oldest := c.lru.Back(); oldest != nil {
			c.remove(oldest.Value.(*entry[K, V]))
			c.stats.Evictions++
		}
	}
	e := &entry[K, V]{key: key, value: value, touchedAt: now}
	e.elem = c.lru.PushFront(e)
	c.items[key] = e
}

func (c *Cache[K, V]) expired(e *entry[K, V], now time.Time) bool {
	return c.cfg.TTL > 0 && now.Sub(e.touchedAt) >= c.cfg.TTL
}

// remove 需持锁调用
func (c *Cache[K, V]) remove(e *entry[K, V]) {
	c.lru.Remove(e.elem)
	delete(c.items, e.key)
	if c.onEvict != nil {
		c.onEvict(e.key, e.value)
	}
}
