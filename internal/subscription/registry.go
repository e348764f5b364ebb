// Package subscription keeps the shared sets of watched master wallets and
// price-feed tokens. Inserts are atomic test-and-set so concurrent callers
// never double-register.
package subscription

import (
	"context"
	"sort"
	"sync"

	"copytrade-engine/pkg/cache"
)

// Registry is a named set with atomic add and remove
type Registry interface {
	// Add inserts member and reports whether it was newly added
	Add(ctx context.Context, member string) (bool, error)
	// Remove deletes member and reports whether it was present
	Remove(ctx context.Context, member string) (bool, error)
	Contains(ctx context.Context, member string) (bool, error)
	Members(ctx context.Context) ([]string, error)
}

// RedisRegistry stores the set under one Redis key
type RedisRegistry struct {
	cache *cache.RedisCache
	key   string
}

// NewRedisRegistry creates a registry backed by the Redis set at key
func NewRedisRegistry(c *cache.RedisCache, key string) *RedisRegistry {
	return &RedisRegistry{cache: c, key: key}
}

func (r *RedisRegistry) Add(ctx context.Context, member string) (bool, error) {
	return r.cache.SAdd(ctx, r.key, member)
}

func (r *RedisRegistry) Remove(ctx context.Context, member string) (bool, error) {
	return r.cache.SRem(ctx, r.key, member)
}

func (r *RedisRegistry) Contains(ctx context.Context, member string) (bool, error) {
	return r.cache.SIsMember(ctx, r.key, member)
}

func (r *RedisRegistry) Members(ctx context.Context) ([]string, error) {
	return r.cache.SMembers(ctx, r.key)
}

// MemoryRegistry is an in-process Registry
type MemoryRegistry struct {
	mu  sync.Mutex
	set map[string]struct{}
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{set: make(map[string]struct{})}
}

func (r *MemoryRegistry) Add(_ context.Context, member string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[member]; ok {
		return false, nil
	}
	r.set[member] = struct{}{}
	return true, nil
}

func (r *MemoryRegistry) Remove(_ context.Context, member string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[member]; !ok {
		return false, nil
	}
	delete(r.set, member)
	return true, nil
}

func (r *MemoryRegistry) Contains(_ context.Context, member string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.set[member]
	return ok, nil
}

func (r *MemoryRegistry) Members(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.set))
	for m := range r.set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}
