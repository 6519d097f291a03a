package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/sluice/pkg/models"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.Pool.MaxOpenConnections)
	assert.Equal(t, 2, cfg.Pool.MaxIdleConnections)
	assert.Equal(t, 5*time.Minute, cfg.Pool.ConnMaxIdleTime)
	assert.Equal(t, 5000, cfg.Query.DefaultRowLimit)
	assert.Equal(t, 30*time.Second, cfg.Query.DefaultTimeout)
	assert.True(t, cfg.Query.ConfirmCancel)
	assert.False(t, cfg.ToDispatcher().SkipCancelConfirm)
	assert.Equal(t, 5, cfg.Health.MaxReconnectAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Health.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Health.BackoffMax)
	assert.Equal(t, 4, cfg.Schema.FetchConcurrency)
	assert.Equal(t, "SLUICE_SECRET_", cfg.Credentials.EnvPrefix)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
		check   func(*testing.T, *Config)
	}{
		{
			name:   "zero values get defaults",
			modify: func(c *Config) { *c = Config{} },
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "info", c.LogLevel)
				assert.Equal(t, 10, c.Pool.MaxOpenConnections)
				assert.Equal(t, 100, c.Query.BatchSize)
				assert.Equal(t, 5*time.Second, c.Health.Interval)
			},
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.LogLevel = "trace" },
			wantErr: "unsupported log level",
		},
		{
			name: "idle above open",
			modify: func(c *Config) {
				c.Pool.MaxOpenConnections = 2
				c.Pool.MaxIdleConnections = 3
			},
			wantErr: "max_idle_connections",
		},
		{
			name: "backoff max below base",
			modify: func(c *Config) {
				c.Health.BackoffBase = time.Minute
				c.Health.BackoffMax = time.Second
			},
			wantErr: "backoff_max",
		},
		{
			name:    "negative schema ttl",
			modify:  func(c *Config) { c.Schema.CacheTTL = -time.Second },
			wantErr: "schema.cache_ttl",
		},
		{
			name: "metrics without address",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Address = ""
			},
			wantErr: "metrics.address",
		},
		{
			name: "profile name from key",
			modify: func(c *Config) {
				c.Profiles = map[string]models.ConnectionProfile{
					"local": {Driver: models.DriverPostgres, User: "app"},
				}
			},
			check: func(t *testing.T, c *Config) {
				p, err := c.Profile("local")
				require.NoError(t, err)
				assert.Equal(t, "local", p.Name)
			},
		},
		{
			name: "profile name mismatch",
			modify: func(c *Config) {
				c.Profiles = map[string]models.ConnectionProfile{
					"local": {Name: "other", Driver: models.DriverPostgres, User: "app"},
				}
			},
			wantErr: `profile "local" has name "other"`,
		},
		{
			name: "invalid profile",
			modify: func(c *Config) {
				c.Profiles = map[string]models.ConnectionProfile{
					"local": {Driver: models.DriverPostgres},
				}
			},
			wantErr: "user is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "sluice.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
log_level: debug
pool:
  max_open_connections: 6
query:
  default_timeout: 2s
profiles:
  warehouse:
    driver: mysql
    host: db.internal
    port: 3307
    database: sales
    user: reporter
    credential_ref: warehouse
`), 0o600))

	t.Setenv("SLUICE_QUERY_DEFAULT_ROW_LIMIT", "250")
	t.Setenv("SLUICE_HEALTH_ENABLED", "false")

	cfg, err := Load(viper.New(), file)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 6, cfg.Pool.MaxOpenConnections)
	assert.Equal(t, 2, cfg.Pool.MaxIdleConnections)
	assert.Equal(t, 2*time.Second, cfg.Query.DefaultTimeout)
	assert.Equal(t, 250, cfg.Query.DefaultRowLimit)
	assert.False(t, cfg.Health.Enabled)

	p, err := cfg.Profile("warehouse")
	require.NoError(t, err)
	assert.Equal(t, models.DriverMySQL, p.Driver)
	assert.Equal(t, 3307, p.Port)
	assert.Equal(t, "warehouse", p.CredentialRef)

	_, err = cfg.Profile("missing")
	assert.ErrorContains(t, err, "warehouse")

	pc := cfg.ToPool()
	assert.Equal(t, 6, pc.MaxOpenConnections)
	assert.Equal(t, time.Second, pc.SlowQueryThreshold)
	assert.Equal(t, 250, cfg.ToDispatcher().DefaultRowLimit)
	assert.False(t, cfg.ToHealth().Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
