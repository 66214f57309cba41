// Package config loads companion agent settings from a config file,
// environment variables, and defaults, in that order of precedence.
//
// The config file is companion.yaml in ~/.eso-companion (or the directory
// given on the command line). Every key can be overridden with an
// ESO_COMPANION_ prefixed environment variable, e.g. ESO_COMPANION_API_BASE_URL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the companion agent.
type Config struct {
	// API settings
	APIBaseURL string        `mapstructure:"api_base_url"`
	APITimeout time.Duration `mapstructure:"api_timeout"`

	// Sync cadences
	UploadInterval   time.Duration `mapstructure:"upload_interval"`
	DownloadInterval time.Duration `mapstructure:"download_interval"`
	FullSyncInterval time.Duration `mapstructure:"full_sync_interval"`

	// Batch and queue settings
	MaxBatchSize int `mapstructure:"max_batch_size"`
	MaxQueueSize int `mapstructure:"max_queue_size"`

	// Retry policy
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseRetryDelay time.Duration `mapstructure:"base_retry_delay"`
	MaxRetryDelay  time.Duration `mapstructure:"max_retry_delay"`

	// Download cache
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// Rate limiting
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	RequestsPerHour   int `mapstructure:"requests_per_hour"`

	// Auth
	TokenRefreshBuffer time.Duration `mapstructure:"token_refresh_buffer"`

	// Watcher
	AddonName         string `mapstructure:"addon_name"`
	SavedVariablesDir string `mapstructure:"saved_variables_dir"`
	RecentIDCap       int    `mapstructure:"recent_id_cap"`

	// Storage and logging
	DataDir string `mapstructure:"data_dir"`
	LogFile string `mapstructure:"log_file"`
}

// DatabasePath returns the sqlite file under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "companion.db")
}

// Load reads configuration from dir/companion.yaml plus environment
// overrides. A missing config file is fine; the defaults stand. An empty dir
// selects DefaultDir.
func Load(dir string) (*Config, error) {
	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}

	v := viper.New()
	v.SetConfigName("companion")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("ESO_COMPANION")
	v.AutomaticEnv()

	setDefaults(v, dir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultDir returns ~/.eso-companion.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".eso-companion"), nil
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("api_base_url", "https://api.eso-optimizer.com/v1")
	v.SetDefault("api_timeout", 30*time.Second)

	v.SetDefault("upload_interval", time.Minute)
	v.SetDefault("download_interval", 5*time.Minute)
	v.SetDefault("full_sync_interval", time.Hour)

	v.SetDefault("max_batch_size", 50)
	v.SetDefault("max_queue_size", 10000)

	v.SetDefault("max_retries", 5)
	v.SetDefault("base_retry_delay", time.Second)
	v.SetDefault("max_retry_delay", time.Minute)

	v.SetDefault("cache_ttl", 5*time.Minute)

	v.SetDefault("requests_per_minute", 60)
	v.SetDefault("requests_per_hour", 1000)

	v.SetDefault("token_refresh_buffer", 5*time.Minute)

	v.SetDefault("addon_name", "ESOBuildOptimizer")
	v.SetDefault("saved_variables_dir", "")
	v.SetDefault("recent_id_cap", 10000)

	v.SetDefault("data_dir", dir)
	v.SetDefault("log_file", filepath.Join(dir, "companion.log"))
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url must not be empty")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive, got %d", c.MaxBatchSize)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be positive, got %d", c.MaxQueueSize)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries)
	}
	if c.BaseRetryDelay <= 0 || c.MaxRetryDelay < c.BaseRetryDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base <= max, got %s/%s",
			c.BaseRetryDelay, c.MaxRetryDelay)
	}
	if c.RecentIDCap <= 0 {
		return fmt.Errorf("recent_id_cap must be positive, got %d", c.RecentIDCap)
	}
	if c.RequestsPerMinute <= 0 || c.RequestsPerHour <= 0 {
		return fmt.Errorf("rate limits must be positive, got %d/min %d/hour",
			c.RequestsPerMinute, c.RequestsPerHour)
	}
	if c.AddonName == "" {
		return fmt.Errorf("addon_name must not be empty")
	}
	return nil
}
