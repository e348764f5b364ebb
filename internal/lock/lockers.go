package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"copytrade-engine/pkg/cache"
)

// RedisLocker stores locks as lock:<key> with SET NX PX and releases them
// with a compare-and-delete script
type RedisLocker struct {
	cache *cache.RedisCache
}

// NewRedisLocker creates a locker on the shared cache
func NewRedisLocker(c *cache.RedisCache) *RedisLocker {
	return &RedisLocker{cache: c}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return l.cache.SetNX(ctx, fmt.Sprintf(cache.KeyLock, key), token, ttl)
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	return l.cache.CompareAndDelete(ctx, fmt.Sprintf(cache.KeyLock, key), token)
}

type heldLock struct {
	token   string
	expires time.Time
}

// MemoryLocker is a process-local Locker for tests and single-node runs
type MemoryLocker struct {
	mu       sync.Mutex
	held     map[string]heldLock
	releases map[string]int
	now      func() time.Time
}

// NewMemoryLocker creates an empty in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:     make(map[string]heldLock),
		releases: make(map[string]int),
		now:      time.Now,
	}
}

func (l *MemoryLocker) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.held[key]; ok && l.now().Before(h.expires) {
		return false, nil
	}
	l.held[key] = heldLock{token: token, expires: l.now().Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.releases[key]++
	h, ok := l.held[key]
	if !ok || h.token != token {
		return false, nil
	}
	delete(l.held, key)
	return true, nil
}

// Held reports whether key is currently locked
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[key]
	return ok && l.now().Before(h.expires)
}

// Releases returns how many release calls were made for key
func (l *MemoryLocker) Releases(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releases[key]
}
