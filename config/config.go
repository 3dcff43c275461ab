// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fluxq/ratelimit"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageBadger = "badger"
	StorageBolt   = "bolt"
)

// Config holds all configuration for the broker daemon.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Producer  ProducerConfig  `yaml:"producer"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Queues    []QueueConfig   `yaml:"queues"`
}

// BrokerConfig holds broker-wide delivery settings.
type BrokerConfig struct {
	AutoCreateQueues    bool          `yaml:"auto_create_queues"`
	ExpiryScanInterval  time.Duration `yaml:"expiry_scan_interval"`
	CounterSamplePeriod time.Duration `yaml:"counter_sample_period"`

	// Defaults for queues that are not listed under queues.
	MaxDeliveryAttempts int    `yaml:"max_delivery_attempts"` // 0 disables dead lettering
	DeadLetterAddress   string `yaml:"dead_letter_address"`

	// Credits returned to a producer per processed send.
	CreditBatch int `yaml:"credit_batch"`
}

// ProducerConfig holds producer flow control defaults.
type ProducerConfig struct {
	WindowSize    int              `yaml:"window_size"` // 0 disables credit flow control
	BlockOnCredit bool             `yaml:"block_on_credit"`
	RateLimit     ratelimit.Config `yaml:"rate_limit"`
}

// SessionConfig holds session settings.
type SessionConfig struct {
	SendWhileStopped bool `yaml:"send_while_stopped"`
}

// TransportConfig holds client transport settings.
type TransportConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the breaker around blocking sends.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// StorageConfig holds durable store configuration.
type StorageConfig struct {
	Type     string `yaml:"type"` // memory, badger, bolt
	Compress bool   `yaml:"compress"`

	// BadgerDB settings
	BadgerDir        string        `yaml:"badger_dir"`
	BadgerGCInterval time.Duration `yaml:"badger_gc_interval"`

	// bbolt settings
	BoltPath string `yaml:"bolt_path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry and health endpoint settings.
type TelemetryConfig struct {
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0

	HealthEnabled bool   `yaml:"health_enabled"`
	HealthAddr    string `yaml:"health_addr"`
}

// QueueConfig declares a queue.
type QueueConfig struct {
	Name                string `yaml:"name"`
	MaxDeliveryAttempts int    `yaml:"max_delivery_attempts"`
	DeadLetterAddress   string `yaml:"dead_letter_address"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			AutoCreateQueues:    true,
			ExpiryScanInterval:  time.Second,
			CounterSamplePeriod: 10 * time.Second,
			MaxDeliveryAttempts: 10,
			DeadLetterAddress:   "DLQ",
			CreditBatch:         1,
		},
		Producer: ProducerConfig{
			WindowSize:    1000,
			BlockOnCredit: true,
			RateLimit:     ratelimit.DefaultConfig(),
		},
		Session: SessionConfig{
			SendWhileStopped: true,
		},
		Transport: TransportConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Storage: StorageConfig{
			Type:             StorageMemory,
			BadgerDir:        "/tmp/fluxq/badger",
			BadgerGCInterval: 5 * time.Minute,
			BoltPath:         "/tmp/fluxq/fluxq.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			ServiceName:     "fluxq",
			ServiceVersion:  "1.0.0",
			OTLPEndpoint:    "localhost:4317",
			MetricsEnabled:  false,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
			HealthEnabled:   true,
			HealthAddr:      ":8081",
		},
	}
}

// Load reads configuration from a YAML file. A missing file or an empty
// path yields the defaults.
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
	if c.Broker.ExpiryScanInterval < 0 {
		return fmt.Errorf("broker.expiry_scan_interval cannot be negative")
	}
	if c.Broker.CounterSamplePeriod < 0 {
		return fmt.Errorf("broker.counter_sample_period cannot be negative")
	}
	if c.Broker.MaxDeliveryAttempts < 0 {
		return fmt.Errorf("broker.max_delivery_attempts cannot be negative")
	}
	if c.Broker.CreditBatch < 0 {
		return fmt.Errorf("broker.credit_batch cannot be negative")
	}

	if c.Producer.WindowSize < 0 {
		return fmt.Errorf("producer.window_size cannot be negative")
	}
	if c.Producer.WindowSize > 0 && c.Producer.BlockOnCredit && c.Broker.CreditBatch == 0 {
		return fmt.Errorf("producer.block_on_credit requires broker.credit_batch > 0")
	}
	if rl := c.Producer.RateLimit; rl.Enabled {
		if rl.Rate <= 0 {
			return fmt.Errorf("producer.rate_limit.rate must be positive")
		}
		if rl.Burst <= 0 {
			return fmt.Errorf("producer.rate_limit.burst must be positive")
		}
	}

	if cb := c.Transport.CircuitBreaker; cb.Enabled {
		if cb.FailureThreshold <= 0 {
			return fmt.Errorf("transport.circuit_breaker.failure_threshold must be positive")
		}
		if cb.ResetTimeout <= 0 {
			return fmt.Errorf("transport.circuit_breaker.reset_timeout must be positive")
		}
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StorageBadger:
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir cannot be empty when using badger storage")
		}
	case StorageBolt:
		if c.Storage.BoltPath == "" {
			return fmt.Errorf("storage.bolt_path cannot be empty when using bolt storage")
		}
	default:
		return fmt.Errorf("storage.type must be one of memory, badger, bolt; got %q", c.Storage.Type)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json; got %q", c.Log.Format)
	}

	if t := c.Telemetry; t.MetricsEnabled || t.TracesEnabled {
		if t.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint cannot be empty when telemetry is enabled")
		}
		if t.TraceSampleRate < 0 || t.TraceSampleRate > 1 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0 and 1")
		}
	}
	if c.Telemetry.HealthEnabled && c.Telemetry.HealthAddr == "" {
		return fmt.Errorf("telemetry.health_addr cannot be empty when health is enabled")
	}

	seen := make(map[string]bool, len(c.Queues))
	for i, q := range c.Queues {
		if q.Name == "" {
			return fmt.Errorf("queues[%d].name cannot be empty", i)
		}
		if seen[q.Name] {
			return fmt.Errorf("queues[%d]: duplicate queue %q", i, q.Name)
		}
		seen[q.Name] = true
		if q.MaxDeliveryAttempts < 0 {
			return fmt.Errorf("queues[%d].max_delivery_attempts cannot be negative", i)
		}
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
