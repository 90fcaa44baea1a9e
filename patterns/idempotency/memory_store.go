package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	owner     string
	record    *Record
	expiresAt time.Time
}

// MemoryStore 进程内存储，适合单实例部署和测试
//
// 锁和终态记录共用一张表：record 为空表示仍在执行。
// 后台协程按 CleanupInterval 清理过期条目，使用完需调用 Stop。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore cleanupInterval<=0 时默认 10 分钟
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	s := &MemoryStore{
		entries:         make(map[string]*memoryEntry),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go s.cleanupWorker()
	return s
}

func (s *MemoryStore) Acquire(_ context.Context, key, owner string, lockTTL time.Duration) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		if e.record != nil {
			rec := *e.record
			rec.Body = append([]byte(nil), e.record.Body...)
			return &rec, false, nil
		}
		return nil, false, nil
	}
	s.entries[key] = &memoryEntry{owner: owner, expiresAt: now.Add(lockTTL)}
	return nil, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, owner string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.owner != owner || e.record != nil {
		return ErrNotOwner
	}
	rec.Body = append([]byte(nil), rec.Body...)
	e.record = &rec
	e.expiresAt = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.owner != owner || e.record != nil {
		return ErrNotOwner
	}
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Extend(_ context.Context, key, owner string, lockTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || e.owner != owner || e.record != nil || !now.Before(e.expiresAt) {
		return ErrNotOwner
	}
	e.expiresAt = now.Add(lockTTL)
	return nil
}

// Len 当前条目数
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop 停止后台清理，可重复调用
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *MemoryStore) cleanupWorker() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
			n++
		}
	}
	return n
}
