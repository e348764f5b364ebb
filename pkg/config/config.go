package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	JWT         JWTConfig         `yaml:"jwt"`
	Replication ReplicationConfig `yaml:"replication"`
	Lock        LockConfig        `yaml:"lock"`
	PriceFeed   PriceFeedConfig   `yaml:"price_feed"`
	Venue       VenueConfig       `yaml:"venue"`
	Matcher     MatcherConfig     `yaml:"matcher"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Archive     ArchiveConfig     `yaml:"archive"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	Host         string        `yaml:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	Environment  string        `yaml:"environment"`

	// IngestKey authenticates the chain watcher posting detected trades.
	// Empty disables the detections endpoint.
	IngestKey string `yaml:"ingest_key"`

	// AllowedOrigins is the CORS allow list outside development
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Host     string        `yaml:"host"`
	Port     string        `yaml:"port"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	DBName   string        `yaml:"db_name"`
	SSLMode  string        `yaml:"ssl_mode"`
	MaxOpen  int           `yaml:"max_open"`
	MaxIdle  int           `yaml:"max_idle"`
	MaxLife  time.Duration `yaml:"max_life"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	Database int    `yaml:"database"`
	PoolSize int    `yaml:"pool_size"`
}

type JWTConfig struct {
	SecretKey string        `yaml:"secret_key"`
	ExpiresIn time.Duration `yaml:"expires_in"`
}

// ReplicationConfig tunes the fan-out of master trades
type ReplicationConfig struct {
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queue_size"`
	GroupBatchSize     int           `yaml:"group_batch_size"`
	VIPBatchSize       int           `yaml:"vip_batch_size"`
	BatchDelayMin      time.Duration `yaml:"batch_delay_min"`
	BatchDelayMax      time.Duration `yaml:"batch_delay_max"`
	RetryCount         int           `yaml:"retry_count"`
	OriginPollInterval time.Duration `yaml:"origin_poll_interval"`
	OriginTimeout      time.Duration `yaml:"origin_timeout"`
	MinViableAmount    string        `yaml:"min_viable_amount"`
	EstimatedVenueFee  string        `yaml:"estimated_venue_fee"`
	ReservedBalance    string        `yaml:"reserved_balance"`
	MarkupMin          float64       `yaml:"markup_min"`
	MarkupMax          float64       `yaml:"markup_max"`
	JitterFraction     float64       `yaml:"jitter_fraction"`
	MemberFeeRate      string        `yaml:"member_fee_rate"`
}

// LockConfig tunes the lock coordinator
type LockConfig struct {
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	TTL        time.Duration `yaml:"ttl"`
}

// PriceFeedConfig points at the streaming and REST price sources
type PriceFeedConfig struct {
	URL                  string        `yaml:"url"`
	RESTURL              string        `yaml:"rest_url"`
	BaseBackoff          time.Duration `yaml:"base_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	PollInterval         time.Duration `yaml:"poll_interval"`
}

// VenueConfig lists the execution endpoints in failover order
type VenueConfig struct {
	Endpoints      map[string]string `yaml:"endpoints"`
	Order          []string          `yaml:"order"`
	Timeout        time.Duration     `yaml:"timeout"`
	QuoteAsset     string            `yaml:"quote_asset"`
	DefaultSlipPct float64           `yaml:"default_slippage"`
}

// MatcherConfig tunes the price-driven matcher
type MatcherConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// SchedulerConfig sets the periodic maintenance jobs
type SchedulerConfig struct {
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	RebuildInterval   time.Duration `yaml:"rebuild_interval"`
}

// ArchiveConfig points at the S3 compatible bucket receiving replication
// reports. An empty bucket disables archiving.
type ArchiveConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// RateLimitConfig bounds API requests per client
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			Host:           getEnv("SERVER_HOST", "localhost"),
			ReadTimeout:    getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:    getDurationEnv("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:    getEnv("ENVIRONMENT", "development"),
			IngestKey:      getEnv("SERVER_INGEST_KEY", ""),
			AllowedOrigins: getListEnv("SERVER_ALLOWED_ORIGINS", nil),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "copytrade_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxOpen:  getIntEnv("DB_MAX_OPEN", 25),
			MaxIdle:  getIntEnv("DB_MAX_IDLE", 5),
			MaxLife:  getDurationEnv("DB_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			Database: getIntEnv("REDIS_DATABASE", 0),
			PoolSize: getIntEnv("REDIS_POOL_SIZE", 10),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET_KEY", "copytrade-engine-secret-key"),
			ExpiresIn: getDurationEnv("JWT_EXPIRES_IN", 24*time.Hour),
		},
		Replication: ReplicationConfig{
			Workers:            getIntEnv("REPLICATION_WORKERS", 4),
			QueueSize:          getIntEnv("REPLICATION_QUEUE_SIZE", 256),
			GroupBatchSize:     getIntEnv("REPLICATION_GROUP_BATCH", 3),
			VIPBatchSize:       getIntEnv("REPLICATION_VIP_BATCH", 10),
			BatchDelayMin:      getDurationEnv("REPLICATION_BATCH_DELAY_MIN", 200*time.Millisecond),
			BatchDelayMax:      getDurationEnv("REPLICATION_BATCH_DELAY_MAX", 800*time.Millisecond),
			RetryCount:         getIntEnv("REPLICATION_RETRY_COUNT", 3),
			OriginPollInterval: getDurationEnv("REPLICATION_ORIGIN_POLL", time.Second),
			OriginTimeout:      getDurationEnv("REPLICATION_ORIGIN_TIMEOUT", 30*time.Second),
			MinViableAmount:    getEnv("REPLICATION_MIN_VIABLE", "0.001"),
			EstimatedVenueFee:  getEnv("REPLICATION_VENUE_FEE", "0.0005"),
			ReservedBalance:    getEnv("REPLICATION_RESERVED_BALANCE", "0.002"),
			MarkupMin:          getFloatEnv("REPLICATION_MARKUP_MIN", 0.0005),
			MarkupMax:          getFloatEnv("REPLICATION_MARKUP_MAX", 0.001),
			JitterFraction:     getFloatEnv("REPLICATION_JITTER", 0.1),
			MemberFeeRate:      getEnv("REPLICATION_MEMBER_FEE_RATE", "0.01"),
		},
		Lock: LockConfig{
			Retries:    getIntEnv("LOCK_RETRIES", 3),
			RetryDelay: getDurationEnv("LOCK_RETRY_DELAY", time.Second),
			TTL:        getDurationEnv("LOCK_TTL", 30*time.Second),
		},
		PriceFeed: PriceFeedConfig{
			URL:                  getEnv("PRICE_FEED_URL", "wss://price-feed.example.com/ws"),
			RESTURL:              getEnv("PRICE_FEED_REST_URL", "https://price-feed.example.com/v1/price"),
			BaseBackoff:          getDurationEnv("PRICE_FEED_BASE_BACKOFF", time.Second),
			MaxBackoff:           getDurationEnv("PRICE_FEED_MAX_BACKOFF", 30*time.Second),
			MaxReconnectAttempts: getIntEnv("PRICE_FEED_MAX_RECONNECTS", 5),
			PollInterval:         getDurationEnv("PRICE_FEED_POLL_INTERVAL", 5*time.Second),
		},
		Venue: VenueConfig{
			Endpoints: map[string]string{
				"pumpfun": getEnv("VENUE_PUMPFUN_URL", "http://localhost:9101/swap"),
				"jupiter": getEnv("VENUE_JUPITER_URL", "http://localhost:9102/swap"),
				"raydium": getEnv("VENUE_RAYDIUM_URL", "http://localhost:9103/swap"),
			},
			Order:          getListEnv("VENUE_ORDER", []string{"pumpfun", "jupiter", "raydium"}),
			Timeout:        getDurationEnv("VENUE_TIMEOUT", 20*time.Second),
			QuoteAsset:     getEnv("VENUE_QUOTE_ASSET", "SOL"),
			DefaultSlipPct: getFloatEnv("VENUE_DEFAULT_SLIPPAGE", 1),
		},
		Matcher: MatcherConfig{
			Workers:   getIntEnv("MATCHER_WORKERS", 4),
			QueueSize: getIntEnv("MATCHER_QUEUE_SIZE", 1024),
		},
		Scheduler: SchedulerConfig{
			SweepInterval:     getDurationEnv("SCHEDULER_SWEEP_INTERVAL", 30*time.Second),
			ReconcileInterval: getDurationEnv("SCHEDULER_RECONCILE_INTERVAL", 15*time.Second),
			RebuildInterval:   getDurationEnv("SCHEDULER_REBUILD_INTERVAL", 10*time.Minute),
		},
		Archive: ArchiveConfig{
			Bucket:          getEnv("ARCHIVE_BUCKET", ""),
			Prefix:          getEnv("ARCHIVE_PREFIX", "replications"),
			Region:          getEnv("ARCHIVE_REGION", "auto"),
			Endpoint:        getEnv("ARCHIVE_ENDPOINT", ""),
			AccessKeyID:     getEnv("ARCHIVE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARCHIVE_SECRET_ACCESS_KEY", ""),
		},
		RateLimit: RateLimitConfig{
			Requests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
			Window:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// overlay merges a YAML file over the environment derived values. Keys
// absent from the file keep their current value.
func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) GetDatabaseURL() string {
	return "postgres://" + c.Database.User + ":" + c.Database.Password + "@" + c.Database.Host + ":" + c.Database.Port + "/" + c.Database.DBName + "?sslmode=" + c.Database.SSLMode
}

func (c *Config) GetRedisURL() string {
	return c.Redis.Host + ":" + c.Redis.Port
}

func (c *Config) GetServerAddress() string {
	return c.Server.Host + ":" + c.Server.Port
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
