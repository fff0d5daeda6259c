// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the message router.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Registry    RegistryConfig    `yaml:"registry"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Compression CompressionConfig `yaml:"compression"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	History     HistoryConfig     `yaml:"history"`
	Health      HealthConfig      `yaml:"health"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RegistryConfig holds subscriber registry settings.
type RegistryConfig struct {
	// Strict rejects re-registration of an active subscriber instead of
	// upserting.
	Strict bool `yaml:"strict"`

	// MaxQueueSize bounds each subscriber's pending queue.
	MaxQueueSize int `yaml:"max_queue_size"`

	// OverflowPolicy is "drop_oldest" or "reject_new".
	OverflowPolicy string `yaml:"overflow_policy"`

	// Per-priority-band sub-limits within the pending queue.
	CriticalQueueSize int `yaml:"critical_queue_size"`
	HighQueueSize     int `yaml:"high_queue_size"`
	NormalQueueSize   int `yaml:"normal_queue_size"`
	LowQueueSize      int `yaml:"low_queue_size"`

	// EvictAfter removes registrations idle for this long; zero disables.
	EvictAfter      time.Duration `yaml:"evict_after"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DeliveryConfig holds delivery engine settings.
type DeliveryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	MessageTimeout time.Duration `yaml:"message_timeout"`

	// TypeTimeouts overrides the acknowledgment timeout per message type.
	TypeTimeouts map[string]time.Duration `yaml:"type_timeouts"`

	SweepInterval       time.Duration `yaml:"sweep_interval"`
	FanOutWorkers       int           `yaml:"fanout_workers"`
	FanOutMinRecipients int           `yaml:"fanout_min_recipients"`
	FailedCapacity      int           `yaml:"failed_capacity"`

	// Circuit breaker over the transport. Threshold zero disables it.
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// ResolverConfig holds route selection heuristics.
type ResolverConfig struct {
	// BroadcastThreshold is the target/total ratio above which broadcast
	// beats multicast.
	BroadcastThreshold float64 `yaml:"broadcast_threshold"`
	// UrgentThreshold replaces BroadcastThreshold for urgent traffic.
	UrgentThreshold float64 `yaml:"urgent_threshold"`
	// ReliableThreshold replaces BroadcastThreshold for reliable traffic.
	ReliableThreshold float64 `yaml:"reliable_threshold"`
}

// CompressionConfig holds payload compression settings.
type CompressionConfig struct {
	Enabled bool `yaml:"enabled"`
	// MinSize is the payload size below which compression is skipped.
	MinSize int `yaml:"min_size"`
	// MaxRatio is the compressed/original ratio at or above which the
	// result is discarded.
	MaxRatio float64 `yaml:"max_ratio"`
}

// RateLimitConfig holds per-sender rate limiting.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MessagesPerSecond float64       `yaml:"messages_per_second"`
	Burst             int           `yaml:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// HistoryConfig holds message history settings.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Backend is "memory" or "badger".
	Backend  string `yaml:"backend"`
	Capacity int    `yaml:"capacity"`
	// BadgerDir is the data directory for the badger backend.
	BadgerDir string `yaml:"badger_dir"`
	// ReplayOnSubscribe delivers this many recent messages to new
	// subscribers. Zero disables replay.
	ReplayOnSubscribe int `yaml:"replay_on_subscribe"`
}

// HealthConfig holds advisory health thresholds.
type HealthConfig struct {
	MaxFailureRate float64 `yaml:"max_failure_rate"`
	MaxBacklog     int     `yaml:"max_backlog"`
	MinSamples     uint64  `yaml:"min_samples"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,
		},
		Registry: RegistryConfig{
			Strict:            false,
			MaxQueueSize:      10000,
			OverflowPolicy:    "drop_oldest",
			CriticalQueueSize: 2000,
			HighQueueSize:     3000,
			NormalQueueSize:   4000,
			LowQueueSize:      1000,
			EvictAfter:        0,
			CleanupInterval:   5 * time.Minute,
		},
		Delivery: DeliveryConfig{
			MaxRetries:          3,
			RetryDelay:          time.Second,
			MessageTimeout:      30 * time.Second,
			SweepInterval:       500 * time.Millisecond,
			FanOutMinRecipients: 8,
			FailedCapacity:      1000,
			BreakerThreshold:    5,
			BreakerReset:        10 * time.Second,
		},
		Resolver: ResolverConfig{
			BroadcastThreshold: 0.6,
			UrgentThreshold:    0.4,
			ReliableThreshold:  0.75,
		},
		Compression: CompressionConfig{
			Enabled:  true,
			MinSize:  1024,
			MaxRatio: 0.8,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			MessagesPerSecond: 100,
			Burst:             200,
			CleanupInterval:   time.Minute,
		},
		History: HistoryConfig{
			Enabled:           true,
			Backend:           "memory",
			Capacity:          1000,
			BadgerDir:         "/tmp/windroute/history",
			ReplayOnSubscribe: 0,
		},
		Health: HealthConfig{
			MaxFailureRate: 0.1,
			MaxBacklog:     100000,
			MinSamples:     100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health endpoint is enabled")
	}

	if c.Registry.MaxQueueSize < 1 {
		return fmt.Errorf("registry.max_queue_size must be at least 1")
	}
	if c.Registry.OverflowPolicy != "drop_oldest" && c.Registry.OverflowPolicy != "reject_new" {
		return fmt.Errorf("registry.overflow_policy must be 'drop_oldest' or 'reject_new'")
	}

	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries cannot be negative")
	}
	if c.Delivery.RetryDelay < time.Millisecond {
		return fmt.Errorf("delivery.retry_delay must be at least 1ms")
	}
	if c.Delivery.MessageTimeout < time.Millisecond {
		return fmt.Errorf("delivery.message_timeout must be at least 1ms")
	}
	for msgType, d := range c.Delivery.TypeTimeouts {
		if d <= 0 {
			return fmt.Errorf("delivery.type_timeouts[%s] must be positive", msgType)
		}
	}

	for name, v := range map[string]float64{
		"resolver.broadcast_threshold": c.Resolver.BroadcastThreshold,
		"resolver.urgent_threshold":    c.Resolver.UrgentThreshold,
		"resolver.reliable_threshold":  c.Resolver.ReliableThreshold,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1]", name)
		}
	}

	if c.Compression.Enabled {
		if c.Compression.MinSize < 0 {
			return fmt.Errorf("compression.min_size cannot be negative")
		}
		if c.Compression.MaxRatio <= 0 || c.Compression.MaxRatio > 1 {
			return fmt.Errorf("compression.max_ratio must be in (0, 1]")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limit.messages_per_second must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("rate_limit.burst must be at least 1")
		}
	}

	if c.History.Enabled {
		if c.History.Backend != "memory" && c.History.Backend != "badger" {
			return fmt.Errorf("history.backend must be 'memory' or 'badger'")
		}
		if c.History.Backend == "badger" && c.History.BadgerDir == "" {
			return fmt.Errorf("history.badger_dir required when backend is badger")
		}
		if c.History.Capacity < 1 {
			return fmt.Errorf("history.capacity must be at least 1")
		}
	}

	if c.Health.MaxFailureRate < 0 || c.Health.MaxFailureRate > 1 {
		return fmt.Errorf("health.max_failure_rate must be between 0.0 and 1.0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
