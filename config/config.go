// Package config loads netcore settings from a YAML file and NETCORE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// NETCORE_RETRY_MAX_ATTEMPTS.
const EnvPrefix = "NETCORE"

// Config stores all configuration of the resilience layer.
type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
}

// TransportConfig stores HTTP transport settings.
type TransportConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes"`
	UserAgent     string        `mapstructure:"user_agent"`
	MinRequestGap time.Duration `mapstructure:"min_request_gap"` // Minimum spacing between outgoing calls
	ProbeURL      string        `mapstructure:"probe_url"`       // Connectivity probe target, empty disables probing
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// RetryConfig stores backoff settings.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      time.Duration `mapstructure:"jitter"`
	Strategy    string        `mapstructure:"strategy"` // "exponential_jitter", "decorrelated_jitter"
}

// BreakerConfig stores circuit breaker settings.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
}

// CacheConfig stores response cache settings.
type CacheConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Capacity    int           `mapstructure:"capacity"`
	DefaultTier string        `mapstructure:"default_tier"` // "short", "medium", "long", "very_long"
	ShortTTL    time.Duration `mapstructure:"short_ttl"`
	MediumTTL   time.Duration `mapstructure:"medium_ttl"`
	LongTTL     time.Duration `mapstructure:"long_ttl"`
	VeryLongTTL time.Duration `mapstructure:"very_long_ttl"`
}

// DedupConfig stores request deduplication settings.
type DedupConfig struct {
	Window time.Duration `mapstructure:"window"`
}

// QueueConfig stores offline queue settings.
type QueueConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	Key                  string `mapstructure:"key"`
	MaxRetries           int    `mapstructure:"max_retries"`
	QueueOnServerFailure bool   `mapstructure:"queue_on_server_failure"`
}

// AuthConfig stores credential refresh settings.
type AuthConfig struct {
	RefreshURL            string        `mapstructure:"refresh_url"`
	RefreshTimeout        time.Duration `mapstructure:"refresh_timeout"`
	CredentialKey         string        `mapstructure:"credential_key"`
	ExcludedEndpoints     []string      `mapstructure:"excluded_endpoints"`
	PublicEndpoints       []string      `mapstructure:"public_endpoints"`
	AuthRequiredEndpoints []string      `mapstructure:"auth_required_endpoints"`
}

// MetricsConfig stores Prometheus settings.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LogConfig stores logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console", "json"
}

// StoreConfig stores persistence settings.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite", "memory"
	Path   string `mapstructure:"path"`
}

// Load reads configuration from path, if given, and the environment. A
// missing path is an error; with no path only defaults and the environment
// apply.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return FromViper(v)
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers every default so that AutomaticEnv can see each key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("transport.base_url", "")
	v.SetDefault("transport.timeout", 30*time.Second)
	v.SetDefault("transport.max_body_bytes", int64(10<<20))
	v.SetDefault("transport.user_agent", "")
	v.SetDefault("transport.min_request_gap", 100*time.Millisecond)
	v.SetDefault("transport.probe_url", "")
	v.SetDefault("transport.probe_interval", 15*time.Second)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter", 300*time.Millisecond)
	v.SetDefault("retry.strategy", "exponential_jitter")

	v.SetDefault("breaker.enabled", false)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", 60*time.Second)
	v.SetDefault("breaker.success_threshold", 2)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.capacity", 100)
	v.SetDefault("cache.default_tier", "medium")
	v.SetDefault("cache.short_ttl", 30*time.Second)
	v.SetDefault("cache.medium_ttl", 5*time.Minute)
	v.SetDefault("cache.long_ttl", 30*time.Minute)
	v.SetDefault("cache.very_long_ttl", 24*time.Hour)

	v.SetDefault("dedup.window", 2*time.Second)

	v.SetDefault("queue.enabled", true)
	v.SetDefault("queue.key", "netcore:offline_queue")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.queue_on_server_failure", false)

	v.SetDefault("auth.refresh_url", "")
	v.SetDefault("auth.refresh_timeout", 5*time.Second)
	v.SetDefault("auth.credential_key", "netcore:credentials")
	v.SetDefault("auth.excluded_endpoints", []string{"/auth/login", "/auth/validate", "/auth/refresh", "/users/password"})
	v.SetDefault("auth.public_endpoints", []string{})
	v.SetDefault("auth.auth_required_endpoints", []string{})

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9464")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "netcore.db")
}

// FromViper unmarshals and validates the resolved configuration.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Transport.Timeout > 0, "transport.timeout must be positive")
	check(c.Transport.MaxBodyBytes > 0, "transport.max_body_bytes must be positive")
	check(c.Transport.MinRequestGap >= 0, "transport.min_request_gap must not be negative")

	check(c.Retry.MaxAttempts >= 1, "retry.max_attempts must be at least 1")
	check(c.Retry.BaseDelay > 0, "retry.base_delay must be positive")
	check(c.Retry.MaxDelay >= c.Retry.BaseDelay, "retry.max_delay must be >= retry.base_delay")
	check(c.Retry.Jitter >= 0, "retry.jitter must not be negative")
	switch c.Retry.Strategy {
	case "exponential_jitter", "decorrelated_jitter":
	default:
		check(false, "retry.strategy %q is not supported", c.Retry.Strategy)
	}

	if c.Breaker.Enabled {
		check(c.Breaker.FailureThreshold > 0, "breaker.failure_threshold must be positive")
		check(c.Breaker.RecoveryTimeout > 0, "breaker.recovery_timeout must be positive")
		check(c.Breaker.SuccessThreshold > 0, "breaker.success_threshold must be positive")
	}

	if c.Cache.Enabled {
		check(c.Cache.Capacity > 0, "cache.capacity must be positive")
		check(c.Cache.ShortTTL > 0 && c.Cache.MediumTTL > 0 && c.Cache.LongTTL > 0 && c.Cache.VeryLongTTL > 0,
			"cache tier TTLs must be positive")
		switch c.Cache.DefaultTier {
		case "short", "medium", "long", "very_long":
		default:
			check(false, "cache.default_tier %q is not supported", c.Cache.DefaultTier)
		}
	}

	check(c.Dedup.Window >= 0, "dedup.window must not be negative")
	if c.Queue.Enabled {
		check(c.Queue.MaxRetries > 0, "queue.max_retries must be positive")
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		check(false, "log.format %q is not supported", c.Log.Format)
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		check(c.Store.Path != "", "store.path is required for the sqlite driver")
	default:
		check(false, "store.driver %q is not supported", c.Store.Driver)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
