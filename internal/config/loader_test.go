package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predmkts/predmkts/internal/core/engine"
	"github.com/predmkts/predmkts/internal/core/telemetry"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("LoadDefaults", func(t *testing.T) {
		path := writeFile(t, "config.yaml", "{}\n")

		cfg, err := Load(path)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Exchange defaults
		require.Contains(t, cfg.Exchanges, DefaultExchange)
		def := cfg.Exchanges[DefaultExchange]
		assert.Equal(t, "api.example.com", def.Host)
		assert.Equal(t, 10.0, def.SteadyRate)
		assert.Equal(t, 20.0, def.Burst)
		assert.Equal(t, 4, def.MaxConcurrency)
		assert.Equal(t, "Retry-After", def.Headers.RetryAfter)
		assert.Equal(t, "X-RateLimit-Remaining", def.Headers.Remaining)

		// Limiter defaults
		assert.Equal(t, time.Second, cfg.Limiter.Backoff.Base)
		assert.Equal(t, 60*time.Second, cfg.Limiter.Backoff.Max)
		assert.Equal(t, 0.25, cfg.Limiter.Backoff.Jitter)
		assert.Equal(t, 5, cfg.Limiter.Backoff.MaxAttempts)
		assert.True(t, cfg.Limiter.Adaptive.Enabled)
		assert.Equal(t, 0.10, cfg.Limiter.Adaptive.Threshold)
		assert.Equal(t, 2.0, cfg.Limiter.Adaptive.BurstMultiplier)

		// Telemetry defaults
		assert.Equal(t, telemetry.LevelInfo, cfg.TelemetryLevel())
		assert.Equal(t, 1024, cfg.Telemetry.EventBuffer)

		// Server and store defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
		assert.Equal(t, "libsql", cfg.Store.Driver)
		assert.Equal(t, 24*time.Hour, cfg.Store.RedisTTL)
		assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
		assert.Equal(t, 100, cfg.Sources["kalshi"].PageSize)

		assert.Same(t, cfg, GetConfig())
	})

	t.Run("ConfigFileExchanges", func(t *testing.T) {
		path := writeFile(t, "config.yaml", `
exchanges:
  polymarket:
    host: gamma-api.polymarket.com
    steady_rate: 5
    burst: 10
    max_concurrency: 2
    headers:
      remaining: X-Quota-Left
    buckets:
      - key: markets
        pattern: "^/markets"
      - key: global
limiter:
  backoff:
    base: 250ms
    max_attempts: 3
telemetry:
  level: debug
`)

		cfg, err := Load(path)
		require.NoError(t, err)

		poly := cfg.Exchanges["polymarket"]
		assert.Equal(t, 5.0, poly.SteadyRate)
		assert.Equal(t, "X-Quota-Left", poly.Headers.Remaining)
		assert.Equal(t, "Retry-After", poly.Headers.RetryAfter)
		require.Len(t, poly.Buckets, 2)
		assert.Equal(t, "global", poly.Buckets[1].Key)

		assert.Equal(t, 250*time.Millisecond, cfg.Limiter.Backoff.Base)
		assert.Equal(t, 3, cfg.Limiter.Backoff.MaxAttempts)
		assert.Equal(t, telemetry.LevelDebug, cfg.TelemetryLevel())
		assert.Contains(t, cfg.Exchanges, DefaultExchange)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("PREDMKTS_SERVER_PORT", "3000")
		t.Setenv("PREDMKTS_LOGGING_LEVEL", "warn")
		t.Setenv("PREDMKTS_LIMITER_BACKOFF_MAX", "2m")

		cfg, err := Load(writeFile(t, "config.yaml", "{}\n"))
		require.NoError(t, err)
		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 2*time.Minute, cfg.Limiter.Backoff.Max)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConfigInvalid))
	})
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{"MissingHost", "exchanges:\n  kalshi:\n    steady_rate: 5\n", "host"},
		{"ZeroRate", "exchanges:\n  kalshi:\n    host: a\n    steady_rate: 0\n", "steady_rate"},
		{"NegativeBurst", "exchanges:\n  kalshi:\n    host: a\n    burst: -1\n", "burst"},
		{"FractionalBurst", "exchanges:\n  kalshi:\n    host: a\n    burst: 0.5\n", "burst"},
		{"SharedKeyAcrossExchanges", "exchanges:\n  kalshi:\n    host: a\n    buckets:\n      - key: global\n  polymarket:\n    host: b\n    buckets:\n      - key: global\n", "buckets[0].key"},
		{"RuleKeyIsOtherHost", "exchanges:\n  kalshi:\n    host: a\n  polymarket:\n    host: b\n    buckets:\n      - key: a\n", "buckets[0].key"},
		{"BucketWithoutKey", "exchanges:\n  kalshi:\n    host: a\n    buckets:\n      - pattern: x\n", "buckets[0].key"},
		{"BadPattern", "exchanges:\n  kalshi:\n    host: a\n    buckets:\n      - key: k\n        pattern: \"(\"\n", "buckets[0].pattern"},
		{"BadJitter", "limiter:\n  backoff:\n    jitter: 1.5\n", "limiter.backoff.jitter"},
		{"BadAttempts", "limiter:\n  backoff:\n    max_attempts: 0\n", "limiter.backoff.max_attempts"},
		{"BadMultiplier", "limiter:\n  adaptive:\n    burst_multiplier: 0\n", "limiter.adaptive.burst_multiplier"},
		{"MinCapacityBelowOne", "limiter:\n  adaptive:\n    min_capacity: 0.5\n", "limiter.adaptive.min_capacity"},
		{"BadTelemetryLevel", "telemetry:\n  level: loud\n", "telemetry.level"},
		{"BadDriver", "store:\n  driver: mongo\n", "store.driver"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", tc.body))
			require.Error(t, err)

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %T: %v", err, err)
			assert.Equal(t, tc.field, cfgErr.Field)
			assert.True(t, errors.Is(err, ErrConfigInvalid))
		})
	}
}

func TestLoadLimitsFile(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		path := writeFile(t, "limits.yml", `
exchanges:
  kalshi:
    host: api.elections.kalshi.com
    steady_rate: 15
    burst: 30
    max_concurrency: 8
    headers:
      retry_after: Retry
    buckets:
      - key: global
`)
		limits, err := LoadLimitsFile(path)
		require.NoError(t, err)
		kalshi := limits["kalshi"]
		assert.Equal(t, 15.0, kalshi.SteadyRate)
		assert.Equal(t, 8, kalshi.MaxConcurrency)
		assert.Equal(t, "Retry", kalshi.Headers.RetryAfter)
		assert.Equal(t, "X-RateLimit-Limit", kalshi.Headers.Limit)
		assert.Equal(t, []BucketRule{{Key: "global"}}, kalshi.Buckets)
	})

	t.Run("MinimalUsesDefaults", func(t *testing.T) {
		limits, err := LoadLimitsFile(writeFile(t, "limits.yml", "exchanges:\n  x:\n    host: x.test\n"))
		require.NoError(t, err)
		assert.Equal(t, 10.0, limits["x"].SteadyRate)
		assert.Equal(t, 20.0, limits["x"].Burst)
		assert.Equal(t, 4, limits["x"].MaxConcurrency)
	})

	t.Run("MissingFileFallsBack", func(t *testing.T) {
		limits, err := LoadLimitsFile(filepath.Join(t.TempDir(), "nope.yml"))
		require.NoError(t, err)
		require.Len(t, limits, 1)
		assert.Equal(t, "api.example.com", limits[DefaultExchange].Host)
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		_, err := LoadLimitsFile(writeFile(t, "limits.yml", "exchanges: [unclosed\n"))
		require.ErrorIs(t, err, ErrConfigInvalid)
	})

	t.Run("MissingExchangesKey", func(t *testing.T) {
		_, err := LoadLimitsFile(writeFile(t, "limits.yml", "other: 1\n"))
		require.ErrorIs(t, err, ErrConfigInvalid)
	})

	t.Run("MergedUnderConfigFile", func(t *testing.T) {
		limitsPath := writeFile(t, "limits.yml", `
exchanges:
  kalshi:
    host: from-limits.test
  polymarket:
    host: poly-limits.test
    steady_rate: 3
`)
		cfgPath := writeFile(t, "config.yaml", "limits_file: "+limitsPath+"\nexchanges:\n  kalshi:\n    host: from-config.test\n")

		cfg, err := Load(cfgPath)
		require.NoError(t, err)
		assert.Equal(t, "from-config.test", cfg.Exchanges["kalshi"].Host)
		assert.Equal(t, "poly-limits.test", cfg.Exchanges["polymarket"].Host)
		assert.Equal(t, 3.0, cfg.Exchanges["polymarket"].SteadyRate)
	})
}

func TestPolicies(t *testing.T) {
	cfg := &Config{Exchanges: map[string]ExchangeConfig{
		DefaultExchange: {Host: "api.example.com", SteadyRate: 1, Burst: 2, MaxConcurrency: 1},
		"kalshi": {
			Host:       "API.Elections.Kalshi.com",
			SteadyRate: 5,
			Burst:      10,
			Buckets:    []BucketRule{{Key: "orders", Pattern: "^/portfolio/orders"}, {Key: "global"}},
		},
	}}

	policies, fallback, err := cfg.Policies()
	require.NoError(t, err)
	require.Len(t, policies, 1)

	kalshi := policies[0]
	assert.Equal(t, "kalshi", kalshi.Exchange)
	assert.Equal(t, "api.elections.kalshi.com", kalshi.Host)
	assert.Equal(t, 4, kalshi.MaxConcurrency)
	require.Len(t, kalshi.Rules, 2)
	assert.True(t, kalshi.Rules[0].Matches("/portfolio/orders/1"))
	assert.Nil(t, kalshi.Rules[1].Pattern)

	assert.Equal(t, DefaultExchange, fallback.Exchange)
	assert.Empty(t, fallback.Host)
	assert.Equal(t, 1.0, fallback.SteadyRate)

	registry, err := engine.NewRegistry(policies, fallback, engine.NewManualClock(time.Unix(0, 0)))
	require.NoError(t, err)
	key, _ := registry.Resolve("api.elections.kalshi.com", "/markets")
	assert.Equal(t, "global", string(key))

	_, fallback, err = (&Config{}).Policies()
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultFallback().SteadyRate, fallback.SteadyRate)
}

func TestBackoffAndAdaptivePolicies(t *testing.T) {
	cfg := &Config{Limiter: LimiterConfig{
		Backoff:  BackoffConfig{Base: time.Second, Max: time.Minute, Jitter: 0.1, MaxAttempts: 7},
		Adaptive: AdaptiveConfig{Enabled: true, Threshold: 0.2, BurstMultiplier: 3, MinRate: 0.5, MinCapacity: 2},
	}}

	assert.Equal(t, engine.BackoffPolicy{Base: time.Second, Max: time.Minute, Jitter: 0.1, MaxAttempts: 7}, cfg.BackoffPolicy())
	assert.Equal(t, engine.AdaptivePolicy{Enabled: true, Threshold: 0.2, BurstMultiplier: 3, MinRate: 0.5, MinCapacity: 2}, cfg.AdaptivePolicy())
}

func TestConfigErrorMessage(t *testing.T) {
	err := &ConfigError{Exchange: "kalshi", Field: "burst", Reason: "must be a positive number"}
	assert.Equal(t, `config: exchange "kalshi": burst: must be a positive number`, err.Error())
	assert.Equal(t, "config: limiter.backoff.jitter: must be in [0,1)", invalid("", "limiter.backoff.jitter", "must be in [0,1)").Error())
}
