package config

import (
	"time"

	"github.com/predmkts/predmkts/internal/core"
	"github.com/predmkts/predmkts/internal/core/datasource"
)

// Config represents the complete application configuration. Values come
// from, in increasing precedence: SetDefaults, the optional limits file,
// the YAML config file, and PREDMKTS_* environment variables.
type Config struct {
	Exchanges  map[string]ExchangeConfig     `mapstructure:"exchanges"`
	LimitsFile string                        `mapstructure:"limits_file"`
	Limiter    LimiterConfig                 `mapstructure:"limiter"`
	Telemetry  TelemetryConfig               `mapstructure:"telemetry"`
	Store      StoreConfig                   `mapstructure:"store"`
	Logging    LoggingConfig                 `mapstructure:"logging"`
	Metrics    MetricsConfig                 `mapstructure:"metrics"`
	Server     ServerConfig                  `mapstructure:"server"`
	HTTP       HTTPConfig                    `mapstructure:"http"`
	Sources    map[string]datasource.Options `mapstructure:"sources"`
}

// ExchangeConfig is the rate limit budget for one exchange host.
type ExchangeConfig struct {
	Host           string           `mapstructure:"host" yaml:"host" json:"host"`
	SteadyRate     float64          `mapstructure:"steady_rate" yaml:"steady_rate" json:"steady_rate"`
	Burst          float64          `mapstructure:"burst" yaml:"burst" json:"burst"`
	MaxConcurrency int              `mapstructure:"max_concurrency" yaml:"max_concurrency" json:"max_concurrency"`
	Headers        core.HeaderNames `mapstructure:"headers" yaml:"headers" json:"headers"`
	Buckets        []BucketRule     `mapstructure:"buckets" yaml:"buckets" json:"buckets,omitempty"`
}

// BucketRule routes request paths matching Pattern into the shared bucket
// Key. An empty Pattern matches every path of the exchange.
type BucketRule struct {
	Key     string `mapstructure:"key" yaml:"key" json:"key"`
	Pattern string `mapstructure:"pattern" yaml:"pattern" json:"pattern,omitempty"`
}

// LimiterConfig tunes retry and header-driven adaptation.
type LimiterConfig struct {
	Backoff  BackoffConfig  `mapstructure:"backoff"`
	Adaptive AdaptiveConfig `mapstructure:"adaptive"`
}

// BackoffConfig controls exponential backoff after 429 and 5xx responses.
type BackoffConfig struct {
	Base        time.Duration `mapstructure:"base"`
	Max         time.Duration `mapstructure:"max"`
	Jitter      float64       `mapstructure:"jitter"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// AdaptiveConfig controls re-tuning of buckets from quota headers.
type AdaptiveConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Threshold       float64 `mapstructure:"threshold"`
	BurstMultiplier float64 `mapstructure:"burst_multiplier"`
	MinRate         float64 `mapstructure:"min_rate"`
	MinCapacity     float64 `mapstructure:"min_capacity"`
}

// TelemetryConfig controls limiter event logging.
type TelemetryConfig struct {
	// Level is info (notable events at INFO, the rest at DEBUG) or debug.
	Level       string `mapstructure:"level"`
	EventBuffer int    `mapstructure:"event_buffer"`
}

// StoreConfig selects where bucket snapshots are persisted.
//
// Driver is libsql, sqlite, redis or none.
type StoreConfig struct {
	Driver        string        `mapstructure:"driver"`
	Path          string        `mapstructure:"path"`
	URL           string        `mapstructure:"url"`
	AuthToken     string        `mapstructure:"auth_token"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisTTL      time.Duration `mapstructure:"redis_ttl"`

	// SnapshotInterval is how often serve persists live buckets.
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// HTTPConfig configures the outbound client used by data sources.
type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}
