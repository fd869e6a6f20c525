package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultValidates(t *testing.T) {
	cfg := NewDefault()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "INFO", cfg.Global.LogLevel)
	assert.Equal(t, 10, cfg.Connection.MaxTenants)
	assert.Equal(t, 20, cfg.Optimizer.GlobalMaxConcurrency)
	assert.Equal(t, 5, cfg.Retry.PersistentThreshold)
	assert.True(t, cfg.Alerting.Enabled)
	assert.Equal(t, 0.5, cfg.Alerting.ErrorRateThreshold)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
}

func TestStorePath(t *testing.T) {
	cfg := NewDefault()
	cfg.Global.DataDir = "/data"
	cfg.Global.StoreFile = "sync.db"
	assert.Equal(t, filepath.Join("/data", "sync.db"), cfg.StorePath())

	cfg.Global.StoreFile = "/elsewhere/sync.db"
	assert.Equal(t, "/elsewhere/sync.db", cfg.StorePath())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")

	cfg := NewDefault()
	cfg.Global.LogLevel = "DEBUG"
	cfg.Connection.MaxTenants = 7
	cfg.Queue.MaxRetries = 5
	require.NoError(t, cfg.SaveToFile(path))

	loaded := NewDefault()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, "DEBUG", loaded.Global.LogLevel)
	assert.Equal(t, 7, loaded.Connection.MaxTenants)
	assert.Equal(t, 5, loaded.Queue.MaxRetries)
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := NewDefault()
	assert.Error(t, cfg.LoadFromFile(filepath.Join(t.TempDir(), "nope.yml")))
}

func TestLoadFromFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("global: [not a map"), 0600))

	cfg := NewDefault()
	assert.Error(t, cfg.LoadFromFile(path))
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("PROJECTLENS_LOG_LEVEL", "WARN")
	t.Setenv("PROJECTLENS_MAX_TENANTS", "3")
	t.Setenv("PROJECTLENS_REQUEST_TIMEOUT", "45s")
	t.Setenv("PROJECTLENS_WARNING_THRESHOLD", "0.9")
	t.Setenv("PROJECTLENS_METRICS_ENABLED", "true")
	t.Setenv("PROJECTLENS_SCHEDULER_ENABLED", "false")
	t.Setenv("PROJECTLENS_ALERTING_ENABLED", "false")
	t.Setenv("PROJECTLENS_ALERT_WEBHOOK_URL", "https://hooks.example.com/sync")

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "WARN", cfg.Global.LogLevel)
	assert.Equal(t, 3, cfg.Connection.MaxTenants)
	assert.Equal(t, 45*time.Second, cfg.Connection.RequestTimeout)
	assert.Equal(t, 0.9, cfg.RateLimit.WarningThreshold)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.False(t, cfg.Alerting.Enabled)
	assert.Equal(t, "https://hooks.example.com/sync", cfg.Alerting.WebhookURL)
}

func TestLoadFromEnvIgnoresUnparseableNumbers(t *testing.T) {
	t.Setenv("PROJECTLENS_MAX_TENANTS", "lots")

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, 10, cfg.Connection.MaxTenants, "bad values keep the default")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"zero max tenants", func(c *Configuration) { c.Connection.MaxTenants = 0 }},
		{"zero pool size", func(c *Configuration) { c.Connection.PoolSize = 0 }},
		{"warning threshold above one", func(c *Configuration) { c.RateLimit.WarningThreshold = 1.5 }},
		{"zero global concurrency", func(c *Configuration) { c.Optimizer.GlobalMaxConcurrency = 0 }},
		{"zero persistent threshold", func(c *Configuration) { c.Retry.PersistentThreshold = 0 }},
		{"error rate threshold above one", func(c *Configuration) { c.Alerting.ErrorRateThreshold = 1.5 }},
		{"scheduler enabled without interval", func(c *Configuration) {
			c.Scheduler.Enabled = true
			c.Scheduler.Interval = 0
		}},
		{"unknown log level", func(c *Configuration) { c.Global.LogLevel = "TRACE" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefault()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBuildLogger(t *testing.T) {
	cfg := NewDefault()
	for _, level := range []string{"DEBUG", "INFO", "WARN", "ERROR"} {
		cfg.Global.LogLevel = level
		logger, err := cfg.BuildLogger()
		require.NoError(t, err, "level %s", level)
		require.NotNil(t, logger)
	}
}
