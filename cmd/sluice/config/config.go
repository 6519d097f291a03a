// Package config provides configuration structures for the sluice worker.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/TFMV/sluice/pkg/infrastructure/credentials"
	"github.com/TFMV/sluice/pkg/infrastructure/pool"
	"github.com/TFMV/sluice/pkg/models"
	"github.com/TFMV/sluice/pkg/services"
)

// Config represents the worker configuration.
type Config struct {
	LogLevel        string        `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	// ApplicationName is reported to the backend where the driver supports it.
	ApplicationName string `yaml:"application_name" json:"application_name" mapstructure:"application_name"`

	Pool        PoolConfig        `yaml:"pool" json:"pool" mapstructure:"pool"`
	Query       QueryConfig       `yaml:"query" json:"query" mapstructure:"query"`
	Health      HealthConfig      `yaml:"health" json:"health" mapstructure:"health"`
	Schema      SchemaConfig      `yaml:"schema" json:"schema" mapstructure:"schema"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
	Credentials CredentialsConfig `yaml:"credentials" json:"credentials" mapstructure:"credentials"`

	// Profiles are named connection profiles, keyed by name.
	Profiles map[string]models.ConnectionProfile `yaml:"profiles" json:"profiles" mapstructure:"profiles"`
}

// PoolConfig represents connection pool configuration.
type PoolConfig struct {
	MaxOpenConnections int           `yaml:"max_open_connections" json:"max_open_connections" mapstructure:"max_open_connections"`
	MaxIdleConnections int           `yaml:"max_idle_connections" json:"max_idle_connections" mapstructure:"max_idle_connections"`
	ConnMaxIdleTime    time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	ConnMaxLifetime    time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" json:"connect_timeout" mapstructure:"connect_timeout"`
	DrainGracePeriod   time.Duration `yaml:"drain_grace_period" json:"drain_grace_period" mapstructure:"drain_grace_period"`
}

// QueryConfig represents query execution limits.
type QueryConfig struct {
	DefaultRowLimit    int           `yaml:"default_row_limit" json:"default_row_limit" mapstructure:"default_row_limit"`
	DefaultTimeout     time.Duration `yaml:"default_timeout" json:"default_timeout" mapstructure:"default_timeout"`
	BatchSize          int           `yaml:"batch_size" json:"batch_size" mapstructure:"batch_size"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" json:"slow_query_threshold" mapstructure:"slow_query_threshold"`
	ConfirmCancel      bool          `yaml:"confirm_cancel" json:"confirm_cancel" mapstructure:"confirm_cancel"`
}

// HealthConfig represents health check configuration.
type HealthConfig struct {
	Enabled              bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Interval             time.Duration `yaml:"interval" json:"interval" mapstructure:"interval"`
	ProbeTimeout         time.Duration `yaml:"probe_timeout" json:"probe_timeout" mapstructure:"probe_timeout"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
	BackoffBase          time.Duration `yaml:"backoff_base" json:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax           time.Duration `yaml:"backoff_max" json:"backoff_max" mapstructure:"backoff_max"`
}

// SchemaConfig represents schema introspection configuration.
type SchemaConfig struct {
	FetchConcurrency int `yaml:"fetch_concurrency" json:"fetch_concurrency" mapstructure:"fetch_concurrency"`
	// CacheCapacity bounds the cached relations per connection; 0 is unbounded.
	CacheCapacity int `yaml:"cache_capacity" json:"cache_capacity" mapstructure:"cache_capacity"`
	// CacheTTL marks cached relations stale after this age; 0 keeps them
	// until the next fetch or reconnect.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl" mapstructure:"cache_ttl"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" json:"address" mapstructure:"address"`
	Path    string `yaml:"path" json:"path" mapstructure:"path"`
}

// CredentialsConfig tells where secrets referenced by profiles are looked up.
type CredentialsConfig struct {
	EnvFile   string `yaml:"env_file" json:"env_file" mapstructure:"env_file"`
	EnvPrefix string `yaml:"env_prefix" json:"env_prefix" mapstructure:"env_prefix"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	p := pool.DefaultConfig()
	q := services.DefaultDispatcherConfig()
	h := services.DefaultHealthConfig()

	return &Config{
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
		ApplicationName: "sluice",
		Pool: PoolConfig{
			MaxOpenConnections: p.MaxOpenConnections,
			MaxIdleConnections: p.MaxIdleConnections,
			ConnMaxIdleTime:    p.ConnMaxIdleTime,
			ConnMaxLifetime:    p.ConnMaxLifetime,
			ConnectTimeout:     p.ConnectTimeout,
			DrainGracePeriod:   p.DrainGracePeriod,
		},
		Query: QueryConfig{
			DefaultRowLimit:    q.DefaultRowLimit,
			DefaultTimeout:     q.DefaultTimeout,
			BatchSize:          q.BatchSize,
			SlowQueryThreshold: p.SlowQueryThreshold,
			ConfirmCancel:      !q.SkipCancelConfirm,
		},
		Health: HealthConfig{
			Enabled:              h.Enabled,
			Interval:             h.Interval,
			ProbeTimeout:         h.ProbeTimeout,
			MaxReconnectAttempts: h.MaxReconnectAttempts,
			BackoffBase:          h.BackoffBase,
			BackoffMax:           h.BackoffMax,
		},
		Schema: SchemaConfig{
			FetchConcurrency: 4,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
			Path:    "/metrics",
		},
		Credentials: CredentialsConfig{
			EnvPrefix: credentials.DefaultEnvPrefix,
		},
	}
}

// SetDefaults registers every key of DefaultConfig with v, so environment
// variables can override keys that no file or flag mentions.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("application_name", d.ApplicationName)

	v.SetDefault("pool.max_open_connections", d.Pool.MaxOpenConnections)
	v.SetDefault("pool.max_idle_connections", d.Pool.MaxIdleConnections)
	v.SetDefault("pool.conn_max_idle_time", d.Pool.ConnMaxIdleTime)
	v.SetDefault("pool.conn_max_lifetime", d.Pool.ConnMaxLifetime)
	v.SetDefault("pool.connect_timeout", d.Pool.ConnectTimeout)
	v.SetDefault("pool.drain_grace_period", d.Pool.DrainGracePeriod)

	v.SetDefault("query.default_row_limit", d.Query.DefaultRowLimit)
	v.SetDefault("query.default_timeout", d.Query.DefaultTimeout)
	v.SetDefault("query.batch_size", d.Query.BatchSize)
	v.SetDefault("query.slow_query_threshold", d.Query.SlowQueryThreshold)
	v.SetDefault("query.confirm_cancel", d.Query.ConfirmCancel)

	v.SetDefault("health.enabled", d.Health.Enabled)
	v.SetDefault("health.interval", d.Health.Interval)
	v.SetDefault("health.probe_timeout", d.Health.ProbeTimeout)
	v.SetDefault("health.max_reconnect_attempts", d.Health.MaxReconnectAttempts)
	v.SetDefault("health.backoff_base", d.Health.BackoffBase)
	v.SetDefault("health.backoff_max", d.Health.BackoffMax)

	v.SetDefault("schema.fetch_concurrency", d.Schema.FetchConcurrency)
	v.SetDefault("schema.cache_capacity", d.Schema.CacheCapacity)
	v.SetDefault("schema.cache_ttl", d.Schema.CacheTTL)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("credentials.env_file", d.Credentials.EnvFile)
	v.SetDefault("credentials.env_prefix", d.Credentials.EnvPrefix)
}

// Load reads the optional config file into v and decodes the result.
// Environment variables use prefix SLUICE_ with dots replaced by underscores,
// e.g. SLUICE_POOL_MAX_OPEN_CONNECTIONS.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("SLUICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration and fills in defaults.
func (c *Config) Validate() error {
	d := DefaultConfig()

	switch c.LogLevel {
	case "":
		c.LogLevel = d.LogLevel
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s", c.LogLevel)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}

	// Pool
	if c.Pool.MaxOpenConnections <= 0 {
		c.Pool.MaxOpenConnections = d.Pool.MaxOpenConnections
	}
	if c.Pool.MaxIdleConnections < 0 {
		c.Pool.MaxIdleConnections = d.Pool.MaxIdleConnections
	}
	if c.Pool.MaxIdleConnections > c.Pool.MaxOpenConnections {
		return fmt.Errorf("pool.max_idle_connections (%d) exceeds pool.max_open_connections (%d)",
			c.Pool.MaxIdleConnections, c.Pool.MaxOpenConnections)
	}
	if c.Pool.ConnMaxIdleTime <= 0 {
		c.Pool.ConnMaxIdleTime = d.Pool.ConnMaxIdleTime
	}
	if c.Pool.ConnMaxLifetime <= 0 {
		c.Pool.ConnMaxLifetime = d.Pool.ConnMaxLifetime
	}
	if c.Pool.ConnectTimeout <= 0 {
		c.Pool.ConnectTimeout = d.Pool.ConnectTimeout
	}
	if c.Pool.DrainGracePeriod <= 0 {
		c.Pool.DrainGracePeriod = d.Pool.DrainGracePeriod
	}

	// Query
	if c.Query.DefaultRowLimit <= 0 {
		c.Query.DefaultRowLimit = d.Query.DefaultRowLimit
	}
	if c.Query.DefaultTimeout <= 0 {
		c.Query.DefaultTimeout = d.Query.DefaultTimeout
	}
	if c.Query.BatchSize <= 0 {
		c.Query.BatchSize = d.Query.BatchSize
	}
	if c.Query.SlowQueryThreshold <= 0 {
		c.Query.SlowQueryThreshold = d.Query.SlowQueryThreshold
	}

	// Health
	if c.Health.Interval <= 0 {
		c.Health.Interval = d.Health.Interval
	}
	if c.Health.ProbeTimeout <= 0 {
		c.Health.ProbeTimeout = d.Health.ProbeTimeout
	}
	if c.Health.MaxReconnectAttempts <= 0 {
		c.Health.MaxReconnectAttempts = d.Health.MaxReconnectAttempts
	}
	if c.Health.BackoffBase <= 0 {
		c.Health.BackoffBase = d.Health.BackoffBase
	}
	if c.Health.BackoffMax <= 0 {
		c.Health.BackoffMax = d.Health.BackoffMax
	}
	if c.Health.BackoffMax < c.Health.BackoffBase {
		return fmt.Errorf("health.backoff_max (%s) is shorter than health.backoff_base (%s)",
			c.Health.BackoffMax, c.Health.BackoffBase)
	}

	// Schema
	if c.Schema.FetchConcurrency <= 0 {
		c.Schema.FetchConcurrency = d.Schema.FetchConcurrency
	}
	if c.Schema.CacheCapacity < 0 {
		return fmt.Errorf("schema.cache_capacity must not be negative")
	}
	if c.Schema.CacheTTL < 0 {
		return fmt.Errorf("schema.cache_ttl must not be negative")
	}

	// Metrics
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = d.Metrics.Path
	}

	if c.Credentials.EnvPrefix == "" {
		c.Credentials.EnvPrefix = d.Credentials.EnvPrefix
	}

	// Profiles take their name from the map key when it is omitted.
	for key, p := range c.Profiles {
		if p.Name == "" {
			p.Name = key
		}
		if p.Name != key {
			return fmt.Errorf("profile %q has name %q", key, p.Name)
		}
		if err := p.Validate(); err != nil {
			return err
		}
		c.Profiles[key] = p
	}

	return nil
}

// Profile returns the named profile.
func (c *Config) Profile(name string) (models.ConnectionProfile, error) {
	p, ok := c.Profiles[name]
	if !ok {
		return models.ConnectionProfile{}, fmt.Errorf("unknown profile %q (known: %s)", name, strings.Join(c.ProfileNames(), ", "))
	}
	return p, nil
}

// ProfileNames returns the configured profile names in order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToPool converts the pool and query sections into a pool.Config.
func (c *Config) ToPool() pool.Config {
	return pool.Config{
		MaxOpenConnections: c.Pool.MaxOpenConnections,
		MaxIdleConnections: c.Pool.MaxIdleConnections,
		ConnMaxLifetime:    c.Pool.ConnMaxLifetime,
		ConnMaxIdleTime:    c.Pool.ConnMaxIdleTime,
		ConnectTimeout:     c.Pool.ConnectTimeout,
		DrainGracePeriod:   c.Pool.DrainGracePeriod,
		SlowQueryThreshold: c.Query.SlowQueryThreshold,
	}
}

// ToDispatcher converts the query section.
func (c *Config) ToDispatcher() services.DispatcherConfig {
	return services.DispatcherConfig{
		DefaultRowLimit:   c.Query.DefaultRowLimit,
		DefaultTimeout:    c.Query.DefaultTimeout,
		BatchSize:         c.Query.BatchSize,
		SkipCancelConfirm: !c.Query.ConfirmCancel,
	}
}

// ToHealth converts the health section.
func (c *Config) ToHealth() services.HealthConfig {
	return services.HealthConfig{
		Enabled:              c.Health.Enabled,
		Interval:             c.Health.Interval,
		ProbeTimeout:         c.Health.ProbeTimeout,
		MaxReconnectAttempts: c.Health.MaxReconnectAttempts,
		BackoffBase:          c.Health.BackoffBase,
		BackoffMax:           c.Health.BackoffMax,
	}
}
