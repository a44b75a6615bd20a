// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Quality   QualityConfig   `mapstructure:"quality"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SchedulerConfig governs the polling worker pool.
type SchedulerConfig struct {
	Workers          int `mapstructure:"workers"`
	TickSeconds      int `mapstructure:"tick_seconds"`
	MaxAttempts      int `mapstructure:"max_attempts"`
	MaxJobAgeHours   int `mapstructure:"max_job_age_hours"`
	LeaseSeconds     int `mapstructure:"lease_seconds"`
	SweepEveryNTicks int `mapstructure:"sweep_every_n_ticks"`
}

// RemoteConfig configures the external processing service client.
type RemoteConfig struct {
	Endpoint         string  `mapstructure:"endpoint"`
	APIKey           string  `mapstructure:"api_key"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	DownloadTimeoutS int     `mapstructure:"download_timeout_seconds"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	RateRPS          float64 `mapstructure:"rate_rps"`
	RateBurst        int     `mapstructure:"rate_burst"`
}

// QualityConfig controls the coherence filter applied during extraction.
type QualityConfig struct {
	CoherenceThreshold float64 `mapstructure:"coherence_threshold"`
	KeepLowConfidence  bool    `mapstructure:"keep_low_confidence"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// StorageConfig selects and configures the artifact archive.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"` // gcs, local or noop
	GCSBucket string `mapstructure:"gcs_bucket"`
	BaseDir   string `mapstructure:"base_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for completion-event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CatalogConfig points at the grid service and its Redis cache.
type CatalogConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	RedisAddr       string `mapstructure:"redis_addr"`
	RedisPassword   string `mapstructure:"redis_password"`
	RedisDB         int    `mapstructure:"redis_db"`
	CacheTTLMinutes int    `mapstructure:"cache_ttl_minutes"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INSAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("scheduler.workers", 5)
	v.SetDefault("scheduler.tick_seconds", 30)
	v.SetDefault("scheduler.max_attempts", 50)
	v.SetDefault("scheduler.max_job_age_hours", 12)
	v.SetDefault("scheduler.lease_seconds", 300)
	v.SetDefault("scheduler.sweep_every_n_ticks", 10)
	v.SetDefault("remote.timeout_seconds", 30)
	v.SetDefault("remote.download_timeout_seconds", 300)
	v.SetDefault("remote.max_retries", 2)
	v.SetDefault("remote.backoff_initial_ms", 250)
	v.SetDefault("remote.backoff_max_ms", 5000)
	v.SetDefault("remote.rate_rps", 2)
	v.SetDefault("remote.rate_burst", 4)
	v.SetDefault("quality.coherence_threshold", 0.3)
	v.SetDefault("quality.keep_low_confidence", false)
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.base_dir", "/var/lib/insar/artifacts")
	v.SetDefault("storage.prefix", "results")
	v.SetDefault("catalog.timeout_seconds", 10)
	v.SetDefault("catalog.cache_ttl_minutes", 60)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_seconds must be > 0")
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler.max_attempts must be > 0")
	}
	if c.Scheduler.LeaseSeconds <= c.Scheduler.TickSeconds {
		return fmt.Errorf("scheduler.lease_seconds must exceed scheduler.tick_seconds")
	}
	if c.Remote.Endpoint == "" {
		return fmt.Errorf("remote.endpoint is required")
	}
	if c.Remote.TimeoutSeconds <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be > 0")
	}
	if c.Quality.CoherenceThreshold < 0 || c.Quality.CoherenceThreshold > 1 {
		return fmt.Errorf("quality.coherence_threshold must be within [0, 1]")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
	}
	return nil
}

// Tick converts the scheduler tick into a duration.
func (c Config) Tick() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// Lease converts the claim lease into a duration.
func (c Config) Lease() time.Duration {
	return time.Duration(c.Scheduler.LeaseSeconds) * time.Second
}

// MaxJobAge converts the age ceiling into a duration.
func (c Config) MaxJobAge() time.Duration {
	return time.Duration(c.Scheduler.MaxJobAgeHours) * time.Hour
}
