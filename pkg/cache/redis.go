package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"copytrade-engine/pkg/config"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("cache: key not found")

// Cache keys constants
const (
	KeyLock              = "lock:%s"                 // lock:orderbook:<token>
	KeyLastPrice         = "price:last:%s"           // price:last:<token>
	KeyPriceSubscription = "pricefeed:subscriptions" // set of token addresses
	KeyWatchedMasters    = "replication:watched"     // set of master wallet addresses
	ChannelEvents        = "events:%s"               // events:order.executed
	KeyRateLimit         = "rate_limit:%s"           // rate_limit:<client>
)

// Cache expiration times
const (
	ExpireLastPrice = 5 * time.Minute
)

// compareAndDelete removes KEYS[1] only while it still holds ARGV[1]
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache wraps a go-redis client with the helpers the engine uses
type RedisCache struct {
	client *redis.Client
	ctx    context.Context
}

// Initialize Redis connection
func Initialize(cfg *config.Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.GetRedisURL(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.Database,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	})

	c := New(client)

	// Test connection
	if _, err := client.Ping(c.ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logrus.Info("Redis connected successfully")
	return c, nil
}

// New wraps an existing client
func New(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, ctx: context.Background()}
}

// Client exposes the underlying go-redis client
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Context returns the background context used by ctx-less helpers
func (c *RedisCache) Context() context.Context {
	return c.ctx
}

// Set stores a JSON encoded value with expiration
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	jsonValue, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := c.client.Set(ctx, key, jsonValue, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Get decodes the JSON value stored at key into dest
func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// SetNX stores a raw string only if the key does not exist
func (c *RedisCache) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndDelete deletes key only if it still holds value
func (c *RedisCache) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, c.client, []string{key}, value).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release key %s: %w", key, err)
	}
	return n == 1, nil
}

// SAdd adds member to a set and reports whether it was newly inserted
func (c *RedisCache) SAdd(ctx context.Context, key, member string) (bool, error) {
	n, err := c.client.SAdd(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("failed to add to set %s: %w", key, err)
	}
	return n == 1, nil
}

// SRem removes member from a set and reports whether it was present
func (c *RedisCache) SRem(ctx context.Context, key, member string) (bool, error) {
	n, err := c.client.SRem(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove from set %s: %w", key, err)
	}
	return n == 1, nil
}

// SMembers lists a set
func (c *RedisCache) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list set %s: %w", key, err)
	}
	return members, nil
}

// SIsMember reports set membership
func (c *RedisCache) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := c.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check set %s: %w", key, err)
	}
	return ok, nil
}

// Publish publishes a JSON encoded message to a channel
func (c *RedisCache) Publish(ctx context.Context, channel string, message interface{}) error {
	jsonMessage, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := c.client.Publish(ctx, channel, jsonMessage).Err(); err != nil {
		return fmt.Errorf("failed to publish message to channel %s: %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to Redis channels
func (c *RedisCache) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.client.Subscribe(ctx, channels...)
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// HealthCheck checks if Redis is healthy
func (c *RedisCache) HealthCheck(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	if _, err := c.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("Redis ping failed: %w", err)
	}
	return nil
}

// CacheLastPrice remembers the latest observed price for a token
func (c *RedisCache) CacheLastPrice(ctx context.Context, token string, price interface{}) error {
	return c.Set(ctx, fmt.Sprintf(KeyLastPrice, token), price, ExpireLastPrice)
}

// GetLastPrice retrieves the cached price for a token
func (c *RedisCache) GetLastPrice(ctx context.Context, token string, dest interface{}) error {
	return c.Get(ctx, fmt.Sprintf(KeyLastPrice, token), dest)
}

// AllowRequest records one request for key in a sliding window and reports
// whether it stays within limit
func (c *RedisCache) AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	key = fmt.Sprintf(KeyRateLimit, key)
	now := time.Now()
	expired := now.Add(-window).UnixNano()

	if err := c.client.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(expired, 10)).Err(); err != nil {
		return false, err
	}
	count, err := c.client.ZCard(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count >= int64(limit) {
		return false, nil
	}

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixNano()), Member: strconv.FormatInt(now.UnixNano(), 10)})
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}
