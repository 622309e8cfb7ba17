// Package config loads predmkts configuration with viper: registered
// defaults, an optional limits file in the exchanges: format, the YAML
// config file, then PREDMKTS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// AppName names the config, data and cache directories.
	AppName = "predmkts"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "PREDMKTS"
	// DefaultExchange is the exchange used for hosts no other exchange names.
	DefaultExchange = "default"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("exchanges", map[string]any{
		DefaultExchange: map[string]any{
			"host":            "api.example.com",
			"steady_rate":     10,
			"burst":           20,
			"max_concurrency": 4,
			"headers": map[string]any{
				"retry_after": "Retry-After",
				"limit":       "X-RateLimit-Limit",
				"remaining":   "X-RateLimit-Remaining",
				"reset":       "X-RateLimit-Reset",
			},
			"buckets": []any{},
		},
	})
	v.SetDefault("limits_file", "")

	// Limiter defaults
	v.SetDefault("limiter.backoff.base", "1s")
	v.SetDefault("limiter.backoff.max", "60s")
	v.SetDefault("limiter.backoff.jitter", 0.25)
	v.SetDefault("limiter.backoff.max_attempts", 5)
	v.SetDefault("limiter.adaptive.enabled", true)
	v.SetDefault("limiter.adaptive.threshold", 0.10)
	v.SetDefault("limiter.adaptive.burst_multiplier", 2.0)
	v.SetDefault("limiter.adaptive.min_rate", 0.1)
	v.SetDefault("limiter.adaptive.min_capacity", 1.0)

	// Telemetry defaults
	v.SetDefault("telemetry.level", "info")
	v.SetDefault("telemetry.event_buffer", 1024)

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.redis_ttl", "24h")
	v.SetDefault("store.snapshot_interval", "30s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Outbound HTTP defaults
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.user_agent", AppName)

	v.SetDefault("sources", map[string]any{
		"polymarket": map[string]any{"base_url": "", "api_key": "", "page_size": 100},
		"kalshi":     map[string]any{"base_url": "", "api_key": "", "page_size": 100},
	})
}

// NewViper returns a viper instance with defaults and environment binding.
// cfgFile is optional; when empty the XDG config directory and ./config
// are searched for config.yaml.
func NewViper(cfgFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if dir := gfconfig.GetAppConfigDir(AppName); strings.TrimSpace(dir) != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads cfgFile (optional), validates the result and makes it the
// current configuration. A missing implicit config file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := NewViper(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, invalid("", "config_file", err.Error())
		}
	}

	cfg, err := LoadFrom(v)
	if err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// LoadFrom decodes and validates the configuration held by v, merging the
// limits file if one is named. Exchanges defined in the config file win
// over limits file entries of the same name.
func LoadFrom(v *viper.Viper) (*Config, error) {
	raw := v.AllSettings()

	if path := strings.TrimSpace(v.GetString("limits_file")); path != "" {
		limits, err := readLimitsFile(path)
		if err != nil {
			return nil, err
		}
		exchanges, _ := raw["exchanges"].(map[string]any)
		if exchanges == nil {
			exchanges = map[string]any{}
		}
		for name, ex := range limits {
			name = strings.ToLower(name)
			if v.InConfig("exchanges." + name) {
				continue
			}
			exchanges[name] = ex
		}
		raw["exchanges"] = exchanges
	}

	if err := validateExchangesRaw(raw["exchanges"]); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := decode(raw, cfg); err != nil {
		return nil, invalid("", "", err.Error())
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadLimitsFile reads a standalone limits file with a top-level
// exchanges: map. A missing file yields the built-in default exchange.
func LoadLimitsFile(path string) (map[string]ExchangeConfig, error) {
	raw, err := readLimitsFile(path)
	if err != nil {
		return nil, err
	}
	if err := validateExchangesRaw(raw); err != nil {
		return nil, err
	}

	out := map[string]ExchangeConfig{}
	if err := decode(raw, &out); err != nil {
		return nil, invalid("", "exchanges", err.Error())
	}
	for name, ex := range out {
		out[name] = ex.withDefaults()
	}
	return out, nil
}

func readLimitsFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]any{DefaultExchange: defaultExchangeRaw()}, nil
		}
		return nil, invalid("", "limits_file", err.Error())
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, invalid("", "limits_file", fmt.Sprintf("invalid YAML: %v", err))
	}
	if doc == nil {
		return nil, invalid("", "limits_file", "config must be a mapping")
	}
	rawExchanges, ok := doc["exchanges"]
	if !ok {
		return nil, invalid("", "exchanges", "config must contain 'exchanges' key")
	}
	exchanges, ok := rawExchanges.(map[string]any)
	if !ok {
		return nil, invalid("", "exchanges", "'exchanges' must be a mapping")
	}
	return exchanges, nil
}

func defaultExchangeRaw() map[string]any {
	return map[string]any{
		"host":            "api.example.com",
		"steady_rate":     10,
		"burst":           20,
		"max_concurrency": 4,
	}
}

// validateExchangesRaw checks the shape of the exchanges map before it is
// decoded, so that absent fields can be told apart from zero values.
func validateExchangesRaw(value any) error {
	if value == nil {
		return nil
	}
	exchanges, ok := value.(map[string]any)
	if !ok {
		return invalid("", "exchanges", "'exchanges' must be a mapping")
	}

	names := make([]string, 0, len(exchanges))
	for name := range exchanges {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ex, ok := exchanges[name].(map[string]any)
		if !ok {
			return invalid(name, "", "config must be a mapping")
		}
		if _, ok := ex["host"]; !ok {
			return invalid(name, "host", "is required")
		}
		for _, field := range []string{"steady_rate", "burst", "max_concurrency"} {
			raw, ok := ex[field]
			if !ok {
				continue
			}
			n, ok := toFloat(raw)
			if !ok || n <= 0 {
				return invalid(name, field, "must be a positive number")
			}
		}
		if headers, ok := ex["headers"]; ok && headers != nil {
			if _, ok := headers.(map[string]any); !ok {
				return invalid(name, "headers", "must be a mapping")
			}
		}
		if buckets, ok := ex["buckets"]; ok && buckets != nil {
			list, ok := buckets.([]any)
			if !ok {
				return invalid(name, "buckets", "must be a list")
			}
			for i, item := range list {
				bucket, ok := item.(map[string]any)
				if !ok {
					return invalid(name, fmt.Sprintf("buckets[%d]", i), "must be a mapping")
				}
				if _, ok := bucket["key"]; !ok {
					return invalid(name, fmt.Sprintf("buckets[%d].key", i), "is required")
				}
			}
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func decode(input any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(input)
}

func (c *Config) applyDefaults() {
	if c.Exchanges == nil {
		c.Exchanges = map[string]ExchangeConfig{}
	}
	for name, ex := range c.Exchanges {
		c.Exchanges[name] = ex.withDefaults()
	}
	if strings.TrimSpace(c.Store.URL) == "" && strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = DefaultStorePath()
	}
}

// withDefaults fills fields the exchange left out.
func (e ExchangeConfig) withDefaults() ExchangeConfig {
	if e.SteadyRate == 0 {
		e.SteadyRate = 10
	}
	if e.Burst == 0 {
		e.Burst = 20
	}
	if e.MaxConcurrency == 0 {
		e.MaxConcurrency = 4
	}
	e.Headers = e.Headers.WithDefaults()
	return e
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}
