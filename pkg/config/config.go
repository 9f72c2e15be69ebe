// Package config loads the edge proxy configuration from a YAML/JSON/TOML file
// and MARKETPLACE_* environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/marketplace-client/pkg/cache"
	"github.com/Sternrassler/marketplace-client/pkg/client"
	"github.com/Sternrassler/marketplace-client/pkg/logging"
	"github.com/Sternrassler/marketplace-client/pkg/ratelimit"
	"github.com/Sternrassler/marketplace-client/pkg/telemetry"
	"github.com/sony/gobreaker"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MARKETPLACE_CLIENT_BASE_URL.
const EnvPrefix = "MARKETPLACE"

// Config is the complete process configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Log       LogConfig        `mapstructure:"log"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Client    ClientConfig     `mapstructure:"client"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ProxyTimeout    time.Duration `mapstructure:"proxy_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// RedisConfig configures the optional Redis store. The in-memory store is used when disabled.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

// ClientConfig configures the upstream API client.
type ClientConfig struct {
	BaseURL               string          `mapstructure:"base_url"`
	UserAgent             string          `mapstructure:"user_agent"`
	MaxConcurrentRequests int             `mapstructure:"max_concurrent_requests"`
	MaxQueueLength        int             `mapstructure:"max_queue_length"`
	OverflowPolicy        string          `mapstructure:"overflow_policy"`
	DrainInterval         time.Duration   `mapstructure:"drain_interval"`
	Timeout               time.Duration   `mapstructure:"timeout"`
	Retries               int             `mapstructure:"retries"`
	Backoff               []time.Duration `mapstructure:"backoff"`
	CacheTTL              time.Duration   `mapstructure:"cache_ttl"`
	CacheSize             int             `mapstructure:"cache_size"`
	CacheStrategy         string          `mapstructure:"cache_strategy"`
	HealthPath            string          `mapstructure:"health_path"`
	HealthTimeout         time.Duration   `mapstructure:"health_timeout"`
	PruneInterval         time.Duration   `mapstructure:"prune_interval"`

	// RateLimit applies to proxied requests when MaxRequests > 0
	RateLimit ratelimit.Rule `mapstructure:"rate_limit"`

	Breaker BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig configures the optional circuit breaker.
type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	def := client.DefaultConfig("")

	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			ProxyTimeout:    30 * time.Second,
		},
		Log: LogConfig{
			Level: string(logging.LevelInfo),
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Namespace: "marketplace:",
		},
		Client: ClientConfig{
			UserAgent:             def.UserAgent,
			MaxConcurrentRequests: def.MaxConcurrentRequests,
			MaxQueueLength:        def.MaxQueueLength,
			OverflowPolicy:        string(def.OverflowPolicy),
			DrainInterval:         def.DrainInterval,
			Timeout:               def.Timeout,
			Retries:               def.Retries,
			Backoff:               def.Backoff,
			CacheTTL:              def.CacheTTL,
			CacheSize:             def.CacheSize,
			CacheStrategy:         string(def.CacheStrategy),
			HealthPath:            def.HealthPath,
			HealthTimeout:         def.HealthTimeout,
			PruneInterval:         def.PruneInterval,
			Breaker: BreakerConfig{
				MaxRequests:         1,
				Interval:            60 * time.Second,
				Timeout:             30 * time.Second,
				ConsecutiveFailures: 5,
			},
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads configuration from path (optional) and the environment.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(strings.TrimPrefix(filepath.Ext(path), "."))

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so environment overrides are picked up by Unmarshal.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	v.SetDefault("server.proxy_timeout", cfg.Server.ProxyTimeout)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.pretty", cfg.Log.Pretty)

	v.SetDefault("redis.enabled", cfg.Redis.Enabled)
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("redis.namespace", cfg.Redis.Namespace)

	c := cfg.Client
	v.SetDefault("client.base_url", c.BaseURL)
	v.SetDefault("client.user_agent", c.UserAgent)
	v.SetDefault("client.max_concurrent_requests", c.MaxConcurrentRequests)
	v.SetDefault("client.max_queue_length", c.MaxQueueLength)
	v.SetDefault("client.overflow_policy", c.OverflowPolicy)
	v.SetDefault("client.drain_interval", c.DrainInterval)
	v.SetDefault("client.timeout", c.Timeout)
	v.SetDefault("client.retries", c.Retries)
	v.SetDefault("client.backoff", c.Backoff)
	v.SetDefault("client.cache_ttl", c.CacheTTL)
	v.SetDefault("client.cache_size", c.CacheSize)
	v.SetDefault("client.cache_strategy", c.CacheStrategy)
	v.SetDefault("client.health_path", c.HealthPath)
	v.SetDefault("client.health_timeout", c.HealthTimeout)
	v.SetDefault("client.prune_interval", c.PruneInterval)
	v.SetDefault("client.rate_limit.max_requests", c.RateLimit.MaxRequests)
	v.SetDefault("client.rate_limit.window", c.RateLimit.Window)
	v.SetDefault("client.breaker.enabled", c.Breaker.Enabled)
	v.SetDefault("client.breaker.max_requests", c.Breaker.MaxRequests)
	v.SetDefault("client.breaker.interval", c.Breaker.Interval)
	v.SetDefault("client.breaker.timeout", c.Breaker.Timeout)
	v.SetDefault("client.breaker.consecutive_failures", c.Breaker.ConsecutiveFailures)

	t := cfg.Telemetry
	v.SetDefault("telemetry.memory_interval", t.MemoryInterval)
	v.SetDefault("telemetry.memory_threshold", t.MemoryThreshold)
	v.SetDefault("telemetry.object_interval", t.ObjectInterval)
	v.SetDefault("telemetry.object_threshold", t.ObjectThreshold)
	v.SetDefault("telemetry.long_task_threshold", t.LongTaskThreshold)
	v.SetDefault("telemetry.layout_shift_threshold", t.LayoutShiftThreshold)
	v.SetDefault("telemetry.ttfb_threshold", t.TTFBThreshold)
	v.SetDefault("telemetry.slow_request_threshold", t.SlowRequestThreshold)
	v.SetDefault("telemetry.stale_blob_age", t.StaleBlobAge)
	v.SetDefault("telemetry.error_buffer_size", t.ErrorBufferSize)
	v.SetDefault("telemetry.persisted_errors", t.PersistedErrors)
	v.SetDefault("telemetry.history_size", t.HistorySize)
	v.SetDefault("telemetry.alert_buffer_size", t.AlertBufferSize)
	v.SetDefault("telemetry.timing_samples", t.TimingSamples)
	v.SetDefault("telemetry.error_rate_window", t.ErrorRateWindow)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if _, err := logging.ParseLevel(logging.LogLevel(c.Log.Level)); err != nil {
		return err
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	cl := c.Client
	if cl.BaseURL == "" {
		return fmt.Errorf("client.base_url is required")
	}
	if cl.MaxConcurrentRequests < 1 {
		return fmt.Errorf("client.max_concurrent_requests must be >= 1 (got %d)", cl.MaxConcurrentRequests)
	}
	if cl.MaxQueueLength < 0 {
		return fmt.Errorf("client.max_queue_length must be >= 0 (got %d)", cl.MaxQueueLength)
	}

	switch client.OverflowPolicy(cl.OverflowPolicy) {
	case client.OverflowReject, client.OverflowDropOldest:
	default:
		return fmt.Errorf("unknown client.overflow_policy %q", cl.OverflowPolicy)
	}

	switch cache.Strategy(cl.CacheStrategy) {
	case cache.StrategyLRU, cache.StrategyFIFO, cache.StrategyTTL:
	default:
		return fmt.Errorf("unknown client.cache_strategy %q", cl.CacheStrategy)
	}

	if cl.RateLimit.MaxRequests > 0 && !cl.RateLimit.Valid() {
		return fmt.Errorf("client.rate_limit.window must be > 0 when max_requests is set")
	}

	if cl.Breaker.Enabled && cl.Breaker.ConsecutiveFailures < 1 {
		return fmt.Errorf("client.breaker.consecutive_failures must be >= 1 (got %d)", cl.Breaker.ConsecutiveFailures)
	}

	return nil
}

// ClientConfig converts the client section into a client.Config.
func (c *Config) ClientConfig() client.Config {
	cl := c.Client

	cfg := client.Config{
		BaseURL:               cl.BaseURL,
		UserAgent:             cl.UserAgent,
		MaxConcurrentRequests: cl.MaxConcurrentRequests,
		MaxQueueLength:        cl.MaxQueueLength,
		OverflowPolicy:        client.OverflowPolicy(cl.OverflowPolicy),
		DrainInterval:         cl.DrainInterval,
		Timeout:               cl.Timeout,
		Retries:               cl.Retries,
		Backoff:               cl.Backoff,
		CacheTTL:              cl.CacheTTL,
		CacheSize:             cl.CacheSize,
		CacheStrategy:         cache.Strategy(cl.CacheStrategy),
		HealthPath:            cl.HealthPath,
		HealthTimeout:         cl.HealthTimeout,
		PruneInterval:         cl.PruneInterval,
	}

	if cl.Breaker.Enabled {
		failures := cl.Breaker.ConsecutiveFailures
		cfg.CircuitBreaker = &gobreaker.Settings{
			Name:        "upstream",
			MaxRequests: cl.Breaker.MaxRequests,
			Interval:    cl.Breaker.Interval,
			Timeout:     cl.Breaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		}
	}

	return cfg
}

// LoggingConfig converts the log section into a logging.Config.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}

// ProxyRateLimit returns the rate limit rule for proxied requests, or nil when disabled.
func (c *Config) ProxyRateLimit() *ratelimit.Rule {
	if !c.Client.RateLimit.Valid() {
		return nil
	}
	rule := c.Client.RateLimit
	return &rule
}
