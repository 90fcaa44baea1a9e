// Package inventory 管理预订占用的库存名额
//
// 一个预订最多持有一个名额：Hold 幂等，Release 释放，Rehold 在补偿时重新占用。
package inventory

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotHeld 释放时该预订没有持有名额
var ErrNotHeld = errors.New("inventory hold not found")

// Service 库存协作方
type Service interface {
	Hold(ctx context.Context, bookingID string) error
	Release(ctx context.Context, bookingID string) error
	Rehold(ctx context.Context, bookingID string) error
}

// DefaultHoldTTL 名额默认保留时长
const DefaultHoldTTL = 15 * time.Minute

// MemoryStore 进程内实现，未配置 Redis 时使用
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	holds map[string]time.Time // bookingID -> 过期时间
}

var _ Service = (*MemoryStore)(nil)

// NewMemoryStore ttl<=0 时使用 DefaultHoldTTL
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultHoldTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now, holds: make(map[string]time.Time)}
}

func (m *MemoryStore) Hold(_ context.Context, bookingID string) error {
	if bookingID == "" {
		return errEmptyBooking
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.holds[bookingID]; ok && m.now().Before(exp) {
		return nil
	}
	m.holds[bookingID] = m.now().Add(m.ttl)
	return nil
}

func (m *MemoryStore) Release(_ context.Context, bookingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.holds[bookingID]
	delete(m.holds, bookingID)
	if !ok || !m.now().Before(exp) {
		return ErrNotHeld
	}
	return nil
}

func (m *MemoryStore) Rehold(_ context.Context, bookingID string) error {
	if bookingID == "" {
		return errEmptyBooking
	}
	m.mu.Lock()
	m.holds[bookingID] = m.now().Add(m.ttl)
	m.mu.Unlock()
	return nil
}

// IsHeld 是否持有未过期的名额
func (m *MemoryStore) IsHeld(_ context.Context, bookingID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.holds[bookingID]
	return ok && m.now().Before(exp), nil
}

var errEmptyBooking = errors.New("inventory: empty booking id")
