// Package config loads and validates all runtime configuration for the hub.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// DSN is the only hard requirement — the hub refuses to start without its
// database. REDIS_URL is strongly recommended; without it circuit breaker
// state, quotas, and sessions degrade to process-local behaviour.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// DSN is the database connection string. Required at startup.
	DSN string

	// Redis holds the connection URL and key prefix.
	Redis RedisConfig

	// SessionTTL is the idle lifetime of a session (and of codex fingerprint
	// mappings). Default: 300s.
	SessionTTL time.Duration

	// MessageRequest controls the usage bookkeeping write path.
	MessageRequest MessageRequestConfig

	// EnableEndpointCircuitBreaker toggles the per-endpoint breaker keyspace.
	EnableEndpointCircuitBreaker bool

	// CircuitBreaker holds system-wide breaker defaults, overridable per
	// provider in the database.
	CircuitBreaker CircuitBreakerConfig

	// MaxRetries is the system-wide attempt cap per request (including the
	// first attempt) when the provider does not override it. Default: 3.
	MaxRetries int

	// Timeouts are the forwarding deadline defaults applied when a provider
	// row leaves them unset.
	Timeouts TimeoutConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Empty disables Redis-backed state.
	URL string

	// Prefix is prepended to every key the hub writes. Default: "cch".
	Prefix string
}

// MessageRequestConfig controls the async usage write buffer.
type MessageRequestConfig struct {
	// Mode is "sync" (write inline) or "async" (buffered). Default: async.
	Mode string

	// FlushInterval is how often the async buffer flushes. Default: 1s.
	FlushInterval time.Duration

	// BatchSize is the max rows per flush. Default: 100.
	BatchSize int

	// MaxPending bounds the buffer channel; overflow drops the oldest row
	// and increments a warning counter. Default: 10000.
	MaxPending int

	// ClickHouseDSN is the analytics sink address. Empty keeps rows in the
	// relational ledger only.
	ClickHouseDSN string
}

// CircuitBreakerConfig holds system-wide breaker defaults.
type CircuitBreakerConfig struct {
	// FailureThreshold trips the breaker. <= 0 disables it. Default: 5.
	FailureThreshold int

	// OpenDuration is how long the breaker stays open before a read
	// transitions it to half-open. Default: 30s.
	OpenDuration time.Duration

	// HalfOpenSuccessThreshold is the successes needed to close from
	// half-open. Default: 2.
	HalfOpenSuccessThreshold int
}

// TimeoutConfig holds the per-attempt deadline defaults.
type TimeoutConfig struct {
	// FirstByteStreaming caps time-to-first-byte on streaming attempts.
	FirstByteStreaming time.Duration

	// StreamingIdle caps the gap between streamed chunks.
	StreamingIdle time.Duration

	// RequestNonStreaming caps a whole non-streaming attempt, including
	// reading the response body.
	RequestNonStreaming time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REDIS_PREFIX", "cch")
	v.SetDefault("SESSION_TTL", 300)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("MESSAGE_REQUEST_WRITE_MODE", "async")
	v.SetDefault("MESSAGE_REQUEST_ASYNC_FLUSH_INTERVAL_MS", 1000)
	v.SetDefault("MESSAGE_REQUEST_ASYNC_BATCH_SIZE", 100)
	v.SetDefault("MESSAGE_REQUEST_ASYNC_MAX_PENDING", 10_000)

	v.SetDefault("ENABLE_ENDPOINT_CIRCUIT_BREAKER", true)

	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_OPEN_DURATION", "30s")
	v.SetDefault("CB_HALF_OPEN_SUCCESS_THRESHOLD", 2)

	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("FIRST_BYTE_TIMEOUT_STREAMING", "30s")
	v.SetDefault("STREAMING_IDLE_TIMEOUT", "60s")
	v.SetDefault("REQUEST_TIMEOUT_NON_STREAMING", "120s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		DSN:      v.GetString("DSN"),

		Redis: RedisConfig{
			URL:    v.GetString("REDIS_URL"),
			Prefix: v.GetString("REDIS_PREFIX"),
		},

		SessionTTL: time.Duration(v.GetInt("SESSION_TTL")) * time.Second,

		MessageRequest: MessageRequestConfig{
			Mode:          strings.ToLower(v.GetString("MESSAGE_REQUEST_WRITE_MODE")),
			FlushInterval: time.Duration(v.GetInt("MESSAGE_REQUEST_ASYNC_FLUSH_INTERVAL_MS")) * time.Millisecond,
			BatchSize:     v.GetInt("MESSAGE_REQUEST_ASYNC_BATCH_SIZE"),
			MaxPending:    v.GetInt("MESSAGE_REQUEST_ASYNC_MAX_PENDING"),
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		},

		EnableEndpointCircuitBreaker: v.GetBool("ENABLE_ENDPOINT_CIRCUIT_BREAKER"),

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:         v.GetInt("CB_FAILURE_THRESHOLD"),
			OpenDuration:             v.GetDuration("CB_OPEN_DURATION"),
			HalfOpenSuccessThreshold: v.GetInt("CB_HALF_OPEN_SUCCESS_THRESHOLD"),
		},

		MaxRetries: v.GetInt("MAX_RETRIES"),

		Timeouts: TimeoutConfig{
			FirstByteStreaming:  v.GetDuration("FIRST_BYTE_TIMEOUT_STREAMING"),
			StreamingIdle:       v.GetDuration("STREAMING_IDLE_TIMEOUT"),
			RequestNonStreaming: v.GetDuration("REQUEST_TIMEOUT_NON_STREAMING"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	if c.DSN == "" {
		return fmt.Errorf("config: DSN is required (database connection string)")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.MessageRequest.Mode {
	case "sync", "async":
	default:
		return fmt.Errorf(
			"config: invalid MESSAGE_REQUEST_WRITE_MODE %q; must be sync or async",
			c.MessageRequest.Mode,
		)
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("config: SESSION_TTL must be a positive number of seconds")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.MaxRetries)
	}
	if c.CircuitBreaker.OpenDuration <= 0 {
		return fmt.Errorf("config: CB_OPEN_DURATION must be a positive duration")
	}
	if c.MessageRequest.BatchSize < 1 {
		return fmt.Errorf("config: MESSAGE_REQUEST_ASYNC_BATCH_SIZE must be ≥ 1")
	}
	if c.MessageRequest.MaxPending < 1 {
		return fmt.Errorf("config: MESSAGE_REQUEST_ASYNC_MAX_PENDING must be ≥ 1")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
