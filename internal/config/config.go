// Package config defines the engine's configuration surface: YAML file
// loading, PROJECTLENS_-prefixed environment overrides, and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sumihiro3/project-lens-sync/internal/alerting"
	"github.com/sumihiro3/project-lens-sync/internal/cache"
	"github.com/sumihiro3/project-lens-sync/internal/connection"
	"github.com/sumihiro3/project-lens-sync/internal/metrics"
	"github.com/sumihiro3/project-lens-sync/internal/queue"
	"github.com/sumihiro3/project-lens-sync/internal/ratelimit"
	"github.com/sumihiro3/project-lens-sync/pkg/retry"
)

// Configuration represents the complete engine configuration.
type Configuration struct {
	Global     GlobalConfig              `yaml:"global"`
	RateLimit  ratelimit.Config          `yaml:"rate_limit"`
	Optimizer  ratelimit.OptimizerConfig `yaml:"optimizer"`
	Connection connection.Config         `yaml:"connection"`
	Queue      queue.Config              `yaml:"queue"`
	Cache      cache.Config              `yaml:"cache"`
	Retry      RetryConfig               `yaml:"retry"`
	Alerting   alerting.Config           `yaml:"alerting"`
	Metrics    metrics.Config            `yaml:"metrics"`
	Scheduler  SchedulerConfig           `yaml:"scheduler"`
}

// RetryConfig tunes persistent-failure tracking.
type RetryConfig struct {
	PersistentThreshold int `yaml:"persistent_threshold"`
}

// GlobalConfig represents global engine settings.
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	DataDir   string `yaml:"data_dir"`   // vault secret + sqlite store
	StoreFile string `yaml:"store_file"` // relative to DataDir unless absolute
}

// SchedulerConfig represents the periodic full-sync scheduler settings.
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	InitialDelay time.Duration `yaml:"initial_delay"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			DataDir:   defaultDataDir(),
			StoreFile: "sync.db",
		},
		RateLimit:  ratelimit.DefaultConfig(),
		Optimizer:  ratelimit.DefaultOptimizerConfig(),
		Connection: connection.DefaultConfig(),
		Queue:      queue.DefaultConfig(),
		Cache:      cache.DefaultConfig(),
		Retry:      RetryConfig{PersistentThreshold: retry.DefaultPersistentThreshold},
		Alerting:   alerting.DefaultConfig(),
		Metrics:    metrics.DefaultConfig(),
		Scheduler: SchedulerConfig{
			Enabled:      true,
			Interval:     5 * time.Minute,
			InitialDelay: 10 * time.Second,
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".project-lens-sync")
	}
	return ".project-lens-sync"
}

// StorePath resolves the SQLite store location.
func (c *Configuration) StorePath() string {
	if filepath.IsAbs(c.Global.StoreFile) {
		return c.Global.StoreFile
	}
	return filepath.Join(c.Global.DataDir, c.Global.StoreFile)
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("PROJECTLENS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("PROJECTLENS_DATA_DIR"); val != "" {
		c.Global.DataDir = val
	}
	if val := os.Getenv("PROJECTLENS_STORE_FILE"); val != "" {
		c.Global.StoreFile = val
	}

	if val := os.Getenv("PROJECTLENS_MAX_TENANTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Connection.MaxTenants = n
		}
	}
	if val := os.Getenv("PROJECTLENS_POOL_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Connection.PoolSize = n
		}
	}
	if val := os.Getenv("PROJECTLENS_REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Connection.RequestTimeout = d
		}
	}

	if val := os.Getenv("PROJECTLENS_WARNING_THRESHOLD"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.RateLimit.WarningThreshold = f
		}
	}
	if val := os.Getenv("PROJECTLENS_GLOBAL_MAX_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Optimizer.GlobalMaxConcurrency = n
		}
	}

	if val := os.Getenv("PROJECTLENS_ALERTING_ENABLED"); val != "" {
		c.Alerting.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PROJECTLENS_ALERT_WEBHOOK_URL"); val != "" {
		c.Alerting.WebhookURL = val
	}

	if val := os.Getenv("PROJECTLENS_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PROJECTLENS_METRICS_PORT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = n
		}
	}

	if val := os.Getenv("PROJECTLENS_SCHEDULER_ENABLED"); val != "" {
		c.Scheduler.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PROJECTLENS_SCHEDULER_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Scheduler.Interval = d
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if c.Connection.MaxTenants <= 0 {
		return fmt.Errorf("max_tenants must be greater than 0")
	}
	if c.Connection.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be greater than 0")
	}
	if c.RateLimit.WarningThreshold <= 0 || c.RateLimit.WarningThreshold > 1 {
		return fmt.Errorf("warning_threshold must be in (0, 1]")
	}
	if c.Optimizer.GlobalMaxConcurrency <= 0 {
		return fmt.Errorf("global_max_concurrency must be greater than 0")
	}
	if c.Retry.PersistentThreshold <= 0 {
		return fmt.Errorf("persistent_threshold must be greater than 0")
	}
	if c.Alerting.Enabled && (c.Alerting.ErrorRateThreshold <= 0 || c.Alerting.ErrorRateThreshold > 1) {
		return fmt.Errorf("error_rate_threshold must be in (0, 1]")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be greater than 0")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}

