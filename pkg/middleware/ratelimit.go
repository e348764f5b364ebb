package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Limiter decides whether one more request for key fits the window
type Limiter interface {
	AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Requests   int                         // Number of requests
	Window     time.Duration               // Time window
	KeyFunc    func(c *gin.Context) string // Function to generate rate limit key
	Message    string                      // Error message to return
	StatusCode int                         // HTTP status code to return
}

// ByAccount keys authenticated requests by account, others by client IP
func ByAccount(c *gin.Context) string {
	if id, ok := GetAccountID(c); ok {
		return fmt.Sprintf("account:%d", id)
	}
	return "ip:" + c.ClientIP()
}

// RateLimitMiddleware handles rate limiting
type RateLimitMiddleware struct {
	limiter  Limiter
	fallback *MemoryLimiter
	log      *logrus.Entry
}

// NewRateLimitMiddleware creates a rate limiting middleware. A nil limiter
// or a limiter error falls back to an in-process window.
func NewRateLimitMiddleware(limiter Limiter) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter:  limiter,
		fallback: NewMemoryLimiter(),
		log:      logrus.WithField("component", "ratelimit"),
	}
}

// RateLimit creates a rate limiting middleware with the given configuration
func (rl *RateLimitMiddleware) RateLimit(config RateLimitConfig) gin.HandlerFunc {
	if config.KeyFunc == nil {
		config.KeyFunc = ByAccount
	}
	if config.StatusCode == 0 {
		config.StatusCode = http.StatusTooManyRequests
	}
	if config.Message == "" {
		config.Message = "Too many requests, please try again later"
	}

	return func(c *gin.Context) {
		key := config.KeyFunc(c)
		ctx := c.Request.Context()

		var (
			allowed bool
			err     error = errNoLimiter
		)
		if rl.limiter != nil {
			allowed, err = rl.limiter.AllowRequest(ctx, key, config.Requests, config.Window)
			if err != nil {
				rl.log.WithError(err).Debug("Rate limiter unavailable, using local window")
			}
		}
		if err != nil {
			allowed, _ = rl.fallback.AllowRequest(ctx, key, config.Requests, config.Window)
		}

		if !allowed {
			c.JSON(config.StatusCode, gin.H{"success": false, "error": config.Message})
			c.Abort()
			return
		}
		c.Next()
	}
}

var errNoLimiter = errors.New("no limiter configured")

// MemoryLimiter is a per-process sliding window
type MemoryLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewMemoryLimiter creates an empty limiter
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{hits: make(map[string][]time.Time), now: time.Now}
}

func (m *MemoryLimiter) AllowRequest(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-window)
	hits := m.hits[key]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		m.hits[key] = kept
		return false, nil
	}
	m.hits[key] = append(kept, now)
	return true, nil
}
