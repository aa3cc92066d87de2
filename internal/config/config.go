// Package config loads the runner's static configuration. The struct is a
// startup-time snapshot; nothing mutates it mid-process and limit changes
// require a restart.
package config

import (
	"fmt"
	"time"

	"adaptive-runner/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the runner. The mapstructure tags are
// used by Viper to unmarshal the data.
type Config struct {
	HTTPListenAddr string `mapstructure:"http_listen_addr"`

	// Server-side security limits. Job requests are clamped against these.
	ServerMaxTimeoutSeconds int      `mapstructure:"server_max_timeout_seconds" validate:"gte=1"`
	ServerMaxMemoryMB       int      `mapstructure:"server_max_memory_mb" validate:"gte=1"`
	MaxConcurrent           int      `mapstructure:"max_concurrent_jobs" validate:"gte=1"`
	MinConcurrent           int      `mapstructure:"min_concurrent_jobs" validate:"gte=1,ltefield=MaxConcurrent"`
	MaxJobsPerMinute        int      `mapstructure:"max_jobs_per_minute" validate:"gte=0"`
	AllowedSourcePrefixes   []string `mapstructure:"allowed_source_prefixes"`
	IsolateByDefault        bool     `mapstructure:"isolate_by_default"`

	// Analyzer thresholds, in seconds.
	InlineThresholdSeconds float64       `mapstructure:"inline_threshold_seconds" validate:"gt=0"`
	PooledThresholdSeconds float64       `mapstructure:"pooled_threshold_seconds" validate:"gtfield=InlineThresholdSeconds"`
	StatsTTL               time.Duration `mapstructure:"stats_ttl"`

	// Health monitoring.
	RuntimeMemoryLimitMB int     `mapstructure:"runtime_memory_limit_mb" validate:"gte=1"`
	MemoryCheckEvery     string  `mapstructure:"memory_check_every"`
	HealthSampleEvery    string  `mapstructure:"health_sample_every"`
	LoadHighWater        float64 `mapstructure:"load_high_water" validate:"gt=0"`
	LoadLowWater         float64 `mapstructure:"load_low_water" validate:"gt=0,ltfield=LoadHighWater"`
	MemoryHighWaterPct   float64 `mapstructure:"memory_high_water_pct" validate:"gt=0,lte=100"`
	MemoryLowWaterPct    float64 `mapstructure:"memory_low_water_pct" validate:"gt=0,ltfield=MemoryHighWaterPct"`

	DrainTimeout time.Duration `mapstructure:"drain_timeout"`

	// Statistics store. Empty endpoints select the in-memory store.
	EtcdEndpoints []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout   time.Duration `mapstructure:"etcd_timeout"`
}

// Load reads configuration from file and environment variables and
// validates the result.
func Load() (*Config, error) {
	viper.SetDefault("http_listen_addr", ":8080")
	viper.SetDefault("server_max_timeout_seconds", 300)
	viper.SetDefault("server_max_memory_mb", 512)
	viper.SetDefault("max_concurrent_jobs", 10)
	viper.SetDefault("min_concurrent_jobs", 1)
	viper.SetDefault("max_jobs_per_minute", 60)
	viper.SetDefault("isolate_by_default", false)
	viper.SetDefault("inline_threshold_seconds", 1.0)
	viper.SetDefault("pooled_threshold_seconds", 10.0)
	viper.SetDefault("stats_ttl", "24h")
	viper.SetDefault("runtime_memory_limit_mb", 1024)
	viper.SetDefault("memory_check_every", "30s")
	viper.SetDefault("health_sample_every", "60s")
	viper.SetDefault("load_high_water", 4.0)
	viper.SetDefault("load_low_water", 1.0)
	viper.SetDefault("memory_high_water_pct", 85.0)
	viper.SetDefault("memory_low_water_pct", 60.0)
	viper.SetDefault("drain_timeout", "30s")
	viper.SetDefault("etcd_timeout", "5s")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// No config file: defaults and env vars carry the day.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Limits returns the domain-level security limits snapshot.
func (c *Config) Limits() domain.Limits {
	return domain.Limits{
		MaxTimeoutSeconds:     c.ServerMaxTimeoutSeconds,
		MaxMemoryMB:           c.ServerMaxMemoryMB,
		MaxConcurrent:         c.MaxConcurrent,
		MaxJobsPerMinute:      c.MaxJobsPerMinute,
		AllowedSourcePrefixes: c.AllowedSourcePrefixes,
	}
}
