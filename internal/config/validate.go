package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/predmkts/predmkts/internal/core"
	"github.com/predmkts/predmkts/internal/core/engine"
	"github.com/predmkts/predmkts/internal/core/telemetry"
)

// ErrConfigInvalid is wrapped by every ConfigError.
var ErrConfigInvalid = errors.New("invalid configuration")

// ConfigError reports a configuration value that cannot be used.
type ConfigError struct {
	Exchange string
	Field    string
	Reason   string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.Exchange != "" {
		fmt.Fprintf(&b, ": exchange %q", e.Exchange)
	}
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error {
	return ErrConfigInvalid
}

func invalid(exchange, field, reason string) *ConfigError {
	return &ConfigError{Exchange: exchange, Field: field, Reason: reason}
}

// Validate checks every section that feeds the limiter.
func (c *Config) Validate() error {
	owners := make(map[string]string, len(c.Exchanges))
	for _, name := range c.ExchangeNames() {
		owners[strings.ToLower(strings.TrimSpace(c.Exchanges[name].Host))] = name
	}

	for _, name := range c.ExchangeNames() {
		ex := c.Exchanges[name]
		if strings.TrimSpace(ex.Host) == "" {
			return invalid(name, "host", "is required")
		}
		if ex.SteadyRate <= 0 {
			return invalid(name, "steady_rate", "must be a positive number")
		}
		if ex.Burst < 1 {
			return invalid(name, "burst", "must be at least 1")
		}
		if ex.MaxConcurrency <= 0 {
			return invalid(name, "max_concurrency", "must be a positive number")
		}
		for i, rule := range ex.Buckets {
			if strings.TrimSpace(rule.Key) == "" {
				return invalid(name, fmt.Sprintf("buckets[%d].key", i), "is required")
			}
			if owner, taken := owners[rule.Key]; taken && owner != name {
				return invalid(name, fmt.Sprintf("buckets[%d].key", i), fmt.Sprintf("%q is already used by exchange %q", rule.Key, owner))
			}
			owners[rule.Key] = name
			if rule.Pattern != "" {
				if _, err := regexp.Compile(rule.Pattern); err != nil {
					return invalid(name, fmt.Sprintf("buckets[%d].pattern", i), err.Error())
				}
			}
		}
	}

	b := c.Limiter.Backoff
	if b.Base < 0 {
		return invalid("", "limiter.backoff.base", "must not be negative")
	}
	if b.Max < b.Base {
		return invalid("", "limiter.backoff.max", "must not be less than base")
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		return invalid("", "limiter.backoff.jitter", "must be in [0,1)")
	}
	if b.MaxAttempts < 1 {
		return invalid("", "limiter.backoff.max_attempts", "must be at least 1")
	}

	a := c.Limiter.Adaptive
	if a.Threshold < 0 {
		return invalid("", "limiter.adaptive.threshold", "must not be negative")
	}
	if a.BurstMultiplier <= 0 {
		return invalid("", "limiter.adaptive.burst_multiplier", "must be positive")
	}
	if a.MinRate <= 0 {
		return invalid("", "limiter.adaptive.min_rate", "must be positive")
	}
	if a.MinCapacity < 1 {
		return invalid("", "limiter.adaptive.min_capacity", "must be at least 1")
	}

	switch telemetry.Level(strings.ToLower(strings.TrimSpace(c.Telemetry.Level))) {
	case "", telemetry.LevelInfo, telemetry.LevelDebug:
	default:
		return invalid("", "telemetry.level", fmt.Sprintf("unknown level %q (info|debug)", c.Telemetry.Level))
	}

	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", "libsql", "sqlite", "redis", "none":
	default:
		return invalid("", "store.driver", fmt.Sprintf("unsupported driver %q", c.Store.Driver))
	}
	return nil
}

// ExchangeNames returns the configured exchange names in sorted order.
func (c *Config) ExchangeNames() []string {
	names := make([]string, 0, len(c.Exchanges))
	for name := range c.Exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Policies converts the exchanges into limiter policies. The exchange named
// default becomes the fallback; without one the built-in fallback is used.
func (c *Config) Policies() ([]engine.Policy, engine.Policy, error) {
	fallback := engine.DefaultFallback()
	policies := make([]engine.Policy, 0, len(c.Exchanges))

	for _, name := range c.ExchangeNames() {
		policy, err := c.Exchanges[name].Policy(name)
		if err != nil {
			return nil, engine.Policy{}, err
		}
		if name == DefaultExchange {
			// Unknown hosts take the fallback under their own name.
			policy.Host = ""
			fallback = policy
			continue
		}
		policies = append(policies, policy)
	}
	return policies, fallback, nil
}

// Policy converts one exchange into a limiter policy.
func (e ExchangeConfig) Policy(name string) (engine.Policy, error) {
	e = e.withDefaults()
	rules := make([]engine.Rule, 0, len(e.Buckets))
	for i, b := range e.Buckets {
		key := strings.TrimSpace(b.Key)
		if key == "" {
			return engine.Policy{}, invalid(name, fmt.Sprintf("buckets[%d].key", i), "is required")
		}
		rule := engine.Rule{Key: core.BucketKey(key)}
		if b.Pattern != "" {
			re, err := regexp.Compile(b.Pattern)
			if err != nil {
				return engine.Policy{}, invalid(name, fmt.Sprintf("buckets[%d].pattern", i), err.Error())
			}
			rule.Pattern = re
		}
		rules = append(rules, rule)
	}

	return engine.Policy{
		Exchange:       name,
		Host:           strings.ToLower(strings.TrimSpace(e.Host)),
		SteadyRate:     e.SteadyRate,
		Burst:          e.Burst,
		MaxConcurrency: e.MaxConcurrency,
		Headers:        e.Headers.WithDefaults(),
		Rules:          rules,
	}, nil
}

// BackoffPolicy returns the limiter backoff tuning.
func (c *Config) BackoffPolicy() engine.BackoffPolicy {
	b := c.Limiter.Backoff
	return engine.BackoffPolicy{
		Base:        b.Base,
		Max:         b.Max,
		Jitter:      b.Jitter,
		MaxAttempts: b.MaxAttempts,
	}
}

// AdaptivePolicy returns the limiter adaptation tuning.
func (c *Config) AdaptivePolicy() engine.AdaptivePolicy {
	a := c.Limiter.Adaptive
	return engine.AdaptivePolicy{
		Enabled:         a.Enabled,
		Threshold:       a.Threshold,
		BurstMultiplier: a.BurstMultiplier,
		MinRate:         a.MinRate,
		MinCapacity:     a.MinCapacity,
	}
}

// TelemetryLevel returns the configured event log level.
func (c *Config) TelemetryLevel() telemetry.Level {
	if strings.EqualFold(strings.TrimSpace(c.Telemetry.Level), string(telemetry.LevelDebug)) {
		return telemetry.LevelDebug
	}
	return telemetry.LevelInfo
}
