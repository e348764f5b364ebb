// Package lock provides keyed mutual exclusion with bounded acquisition
// retries. Locks carry a unique token so a holder never releases a lock that
// expired and was taken over by someone else.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"copytrade-engine/internal/events"
	"copytrade-engine/pkg/config"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// ErrLockNotAcquired is returned when every acquisition attempt failed
var ErrLockNotAcquired = errors.New("lock: not acquired")

const releaseTimeout = 5 * time.Second

// Locker is the storage primitive behind the coordinator
type Locker interface {
	// Acquire sets key to token only if the key is free
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release deletes key only while it still holds token
	Release(ctx context.Context, key, token string) (bool, error)
}

// Coordinator runs functions while holding a keyed lock
type Coordinator struct {
	locker  Locker
	events  events.Publisher
	retries int
	delay   time.Duration
	ttl     time.Duration
	log     *logrus.Entry
}

// NewCoordinator creates a coordinator. Zero config values fall back to
// 3 attempts, 1s apart, 30s ttl.
func NewCoordinator(locker Locker, pub events.Publisher, cfg config.LockConfig) *Coordinator {
	if pub == nil {
		pub = events.Discard{}
	}
	c := &Coordinator{
		locker:  locker,
		events:  pub,
		retries: cfg.Retries,
		delay:   cfg.RetryDelay,
		ttl:     cfg.TTL,
		log:     logrus.WithField("component", "lock"),
	}
	if c.retries <= 0 {
		c.retries = 3
	}
	if c.delay <= 0 {
		c.delay = time.Second
	}
	if c.ttl <= 0 {
		c.ttl = 30 * time.Second
	}
	return c
}

// WithLock acquires key, runs fn and releases the lock exactly once, even
// when fn returns an error or panics. A non-positive ttl uses the default.
// When the lock cannot be acquired fn is not called and ErrLockNotAcquired
// is returned.
func (c *Coordinator) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	token := xid.New().String()

	if err := c.acquire(ctx, key, token, ttl); err != nil {
		return err
	}

	defer c.release(key, token)
	return fn(ctx)
}

func (c *Coordinator) acquire(ctx context.Context, key, token string, ttl time.Duration) error {
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		ok, err := c.locker.Acquire(ctx, key, token, ttl)
		if err == nil && ok {
			return nil
		}
		if err != nil {
			lastErr = err
			c.log.WithError(err).WithFields(logrus.Fields{"key": key, "attempt": attempt}).Warn("Lock acquire error")
		}

		if attempt == c.retries {
			break
		}
		select {
		case <-ctx.Done():
			return c.fail(ctx, key, attempt, ctx.Err())
		case <-time.After(c.delay):
		}
	}
	return c.fail(ctx, key, c.retries, lastErr)
}

func (c *Coordinator) fail(ctx context.Context, key string, attempts int, cause error) error {
	payload := events.LockFailed{Key: key, Attempts: attempts}
	if cause != nil {
		payload.Error = cause.Error()
	}
	c.events.Publish(ctx, events.TopicLockFailed, payload)
	c.log.WithFields(logrus.Fields{"key": key, "attempts": attempts}).Warn("Failed to acquire lock")

	if cause != nil {
		return fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, key, cause)
	}
	return fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
}

func (c *Coordinator) release(key, token string) {
	// The caller's context may already be cancelled; release must still run.
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	released, err := c.locker.Release(ctx, key, token)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Error("Failed to release lock")
	} else if !released {
		c.log.WithField("key", key).Warn("Lock expired before release")
	}
	c.events.Publish(ctx, events.TopicLockReleased, events.LockReleased{Key: key, Released: released})
}
