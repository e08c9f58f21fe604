// Package config provides configuration management for chainwatch.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/chainwatch/internal/aging"
	"github.com/lvonguyen/chainwatch/internal/api/gateway"
	"github.com/lvonguyen/chainwatch/internal/correlate"
	"github.com/lvonguyen/chainwatch/internal/observability"
	"github.com/lvonguyen/chainwatch/internal/sources"
	"github.com/lvonguyen/chainwatch/internal/stats"
	"github.com/lvonguyen/chainwatch/internal/subscription"
)

// Config holds all chainwatch configuration.
type Config struct {
	Server      ServerConfig            `yaml:"server"`
	Redis       RedisConfig             `yaml:"redis"`
	Store       StoreConfig             `yaml:"store"`
	Sessions    SessionConfig           `yaml:"sessions"`
	Correlation correlate.Config        `yaml:"correlation"`
	Aging       aging.Config            `yaml:"aging"`
	Dispatch    subscription.Config     `yaml:"dispatch"`
	Stats       stats.Config            `yaml:"stats"`
	Sources     SourcesConfig           `yaml:"sources"`
	RateLimit   gateway.RateLimitConfig `yaml:"rate_limit"`
	Telemetry   observability.Config    `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// StoreConfig sizes the in-memory record store.
type StoreConfig struct {
	// ExpectedRecords sizes the negative-lookup filter.
	ExpectedRecords uint `yaml:"expected_records"`
}

// SessionConfig bounds anonymous session subscriptions.
type SessionConfig struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

// SourcesConfig holds the external producer schedule and adapters.
type SourcesConfig struct {
	Scheduler sources.SchedulerConfig `yaml:"scheduler"`
	Feeds     []FeedSourceConfig      `yaml:"feeds"`
	OnChain   OnChainSourceConfig     `yaml:"on_chain"`
}

// FeedSourceConfig is one HTTP intel feed plus its fetch interval.
type FeedSourceConfig struct {
	sources.HTTPFeedConfig `yaml:",inline"`
	Enabled                bool          `yaml:"enabled"`
	Interval               time.Duration `yaml:"interval"`
}

// OnChainSourceConfig is the on-chain analysis adapter plus its interval.
type OnChainSourceConfig struct {
	sources.OnChainConfig `yaml:",inline"`
	Enabled               bool          `yaml:"enabled"`
	Interval              time.Duration `yaml:"interval"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:  true,
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Store: StoreConfig{
			ExpectedRecords: 1_000_000,
		},
		Sessions: SessionConfig{
			Capacity: 10_000,
			TTL:      24 * time.Hour,
		},
		Correlation: correlate.DefaultConfig(),
		Aging:       aging.DefaultConfig(),
		Dispatch:    subscription.DefaultConfig(),
		Stats:       stats.DefaultConfig(),
		Sources: SourcesConfig{
			Scheduler: sources.DefaultSchedulerConfig(),
			OnChain: OnChainSourceConfig{
				OnChainConfig: sources.DefaultOnChainConfig(),
				Enabled:       false,
				Interval:      10 * time.Minute,
			},
		},
		RateLimit: gateway.RateLimitConfig{
			DefaultRequestsPerMinute: 100,
			IncludeHeaders:           true,
		},
		Telemetry: observability.Config{
			ServiceName:    "chainwatch",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "json",
			TracingEnabled: false,
			SamplingRate:   0.1,
			MetricsEnabled: true,
			MetricsPort:    9090,
		},
	}
}

// EnabledFeeds returns the feed configs with Enabled set.
func (c *Config) EnabledFeeds() []FeedSourceConfig {
	var feeds []FeedSourceConfig
	for _, f := range c.Sources.Feeds {
		if f.Enabled {
			feeds = append(feeds, f)
		}
	}
	return feeds
}
