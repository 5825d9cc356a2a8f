package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, DriverSQLite, cfg.StorageDriver)
	assert.Equal(t, 30*time.Second, cfg.SchedulerInterval)
	assert.Equal(t, 10*time.Minute, cfg.ClaimLease)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 1000, cfg.CacheSize)
	assert.Equal(t, "cdwyy", cfg.RequestIDPrefix)
	assert.True(t, cfg.SchedulerEnabled)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.ListenAddr())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.env")
	content := "PORT=9000\nSCHEDULER_INTERVAL=5s\nENCRYPTION_KEY=from-file\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("PORT", "9100")
	t.Setenv("BATCH_SIZE", "25")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.SchedulerInterval)
	assert.Equal(t, "from-file", cfg.EncryptionKey)
	assert.Equal(t, 25, cfg.BatchSize)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.StorageDriver = "mysql" }, "STORAGE_DRIVER"},
		{"postgres without url", func(c *Config) { c.StorageDriver = DriverPostgres }, "DATABASE_URL"},
		{"redis without url", func(c *Config) { c.CacheBackend = CacheRedis }, "REDIS_URL"},
		{"pebble cache on sqlite", func(c *Config) { c.CacheBackend = CachePebble }, "STORAGE_DRIVER=pebble"},
		{"zero interval", func(c *Config) { c.SchedulerInterval = 0 }, "SCHEDULER_INTERVAL"},
		{"zero workers", func(c *Config) { c.PoolWorkers = 0 }, "POOL_WORKERS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
