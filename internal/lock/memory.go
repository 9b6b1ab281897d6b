package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker реализует Locker в памяти процесса с той же семантикой, что и RedisLocker.
// Подходит только для развёртывания в один экземпляр.
type MemoryLocker struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

// NewMemoryLocker создаёт блокировщик в памяти.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

// SetClock подменяет источник времени.
func (l *MemoryLocker) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Acquire пытается захватить ключ без ожидания.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expiresAt) {
		return "", false, nil
	}

	token := newToken()
	l.entries[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

// Release снимает блокировку, если она удерживается указанным токеном.
func (l *MemoryLocker) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || e.token != token || !l.now().Before(e.expiresAt) {
		return ErrNotOwner
	}
	delete(l.entries, key)
	return nil
}
