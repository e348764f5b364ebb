package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"copytrade-engine/internal/events"
	"copytrade-engine/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	topics []events.Topic
	last   map[events.Topic]interface{}
}

func (r *recorder) Publish(_ context.Context, topic events.Topic, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		r.last = make(map[events.Topic]interface{})
	}
	r.topics = append(r.topics, topic)
	r.last[topic] = payload
}

func (r *recorder) count(topic events.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func testConfig() config.LockConfig {
	return config.LockConfig{Retries: 3, RetryDelay: 5 * time.Millisecond, TTL: time.Second}
}

func TestWithLockRunsAndReleases(t *testing.T) {
	locker := NewMemoryLocker()
	rec := &recorder{}
	c := NewCoordinator(locker, rec, testConfig())

	called := false
	err := c.WithLock(context.Background(), "orderbook:abc", 0, func(ctx context.Context) error {
		called = true
		assert.True(t, locker.Held("orderbook:abc"))
		return nil
	})

	require.NoError(t, err)
	assert.True(t, called)
	assert.False(t, locker.Held("orderbook:abc"))
	assert.Equal(t, 1, locker.Releases("orderbook:abc"))
	assert.Equal(t, 1, rec.count(events.TopicLockReleased))
}

func TestWithLockReleasesOnceOnError(t *testing.T) {
	locker := NewMemoryLocker()
	c := NewCoordinator(locker, nil, testConfig())
	boom := errors.New("boom")

	err := c.WithLock(context.Background(), "k", 0, func(ctx context.Context) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, locker.Releases("k"))
	assert.False(t, locker.Held("k"))
}

func TestWithLockReleasesOnceOnPanic(t *testing.T) {
	locker := NewMemoryLocker()
	c := NewCoordinator(locker, nil, testConfig())

	assert.Panics(t, func() {
		_ = c.WithLock(context.Background(), "k", 0, func(ctx context.Context) error { panic("fn exploded") })
	})
	assert.Equal(t, 1, locker.Releases("k"))
	assert.False(t, locker.Held("k"))
}

func TestWithLockFailsAfterRetries(t *testing.T) {
	locker := NewMemoryLocker()
	ok, err := locker.Acquire(context.Background(), "k", "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rec := &recorder{}
	c := NewCoordinator(locker, rec, testConfig())

	called := false
	err = c.WithLock(context.Background(), "k", 0, func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrLockNotAcquired)
	assert.False(t, called)
	assert.Equal(t, 1, rec.count(events.TopicLockFailed))
	assert.Equal(t, 0, rec.count(events.TopicLockReleased))
	assert.Equal(t, 3, rec.last[events.TopicLockFailed].(events.LockFailed).Attempts)
	assert.True(t, locker.Held("k"))
}

func TestReleaseKeepsLockTakenOverAfterExpiry(t *testing.T) {
	locker := NewMemoryLocker()
	now := time.Now()
	locker.now = func() time.Time { return now }
	c := NewCoordinator(locker, nil, testConfig())

	err := c.WithLock(context.Background(), "k", time.Second, func(ctx context.Context) error {
		// Our lock expires and another holder takes the key over.
		now = now.Add(2 * time.Second)
		ok, err := locker.Acquire(ctx, "k", "other", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})

	require.NoError(t, err)
	assert.True(t, locker.Held("k"), "release must not delete a lock held by another token")
}

func TestWithLockSerialisesSameKey(t *testing.T) {
	locker := NewMemoryLocker()
	c := NewCoordinator(locker, nil, config.LockConfig{Retries: 50, RetryDelay: 2 * time.Millisecond, TTL: time.Second})

	var (
		mu      sync.Mutex
		active  int
		overlap bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.WithLock(context.Background(), "orderbook:t", 0, func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > 1 {
					overlap = true
				}
				mu.Unlock()
				time.Sleep(3 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.False(t, overlap)
}
