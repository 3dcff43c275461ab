// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if !cfg.Broker.AutoCreateQueues {
		t.Error("expected queues to be created on demand by default")
	}
	if cfg.Broker.ExpiryScanInterval != time.Second {
		t.Errorf("expected expiry scan interval 1s, got %v", cfg.Broker.ExpiryScanInterval)
	}
	if cfg.Producer.WindowSize != 1000 {
		t.Errorf("expected window size 1000, got %d", cfg.Producer.WindowSize)
	}
	if cfg.Storage.Type != StorageMemory {
		t.Errorf("expected memory storage, got %s", cfg.Storage.Type)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "negative expiry scan interval",
			modify:  func(c *Config) { c.Broker.ExpiryScanInterval = -time.Second },
			wantErr: true,
		},
		{
			name:    "negative credit batch",
			modify:  func(c *Config) { c.Broker.CreditBatch = -1 },
			wantErr: true,
		},
		{
			name: "blocking producers without credit return",
			modify: func(c *Config) {
				c.Broker.CreditBatch = 0
			},
			wantErr: true,
		},
		{
			name: "no flow control without credit return",
			modify: func(c *Config) {
				c.Broker.CreditBatch = 0
				c.Producer.WindowSize = 0
			},
			wantErr: false,
		},
		{
			name: "rate limit without rate",
			modify: func(c *Config) {
				c.Producer.RateLimit.Enabled = true
				c.Producer.RateLimit.Rate = 0
			},
			wantErr: true,
		},
		{
			name:    "circuit breaker without threshold",
			modify:  func(c *Config) { c.Transport.CircuitBreaker.FailureThreshold = 0 },
			wantErr: true,
		},
		{
			name:    "unknown storage type",
			modify:  func(c *Config) { c.Storage.Type = "postgres" },
			wantErr: true,
		},
		{
			name: "badger without directory",
			modify: func(c *Config) {
				c.Storage.Type = StorageBadger
				c.Storage.BadgerDir = ""
			},
			wantErr: true,
		},
		{
			name: "bolt with path",
			modify: func(c *Config) {
				c.Storage.Type = StorageBolt
			},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: true,
		},
		{
			name: "telemetry without endpoint",
			modify: func(c *Config) {
				c.Telemetry.MetricsEnabled = true
				c.Telemetry.OTLPEndpoint = ""
			},
			wantErr: true,
		},
		{
			name: "sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.TracesEnabled = true
				c.Telemetry.TraceSampleRate = 1.5
			},
			wantErr: true,
		},
		{
			name: "queue without name",
			modify: func(c *Config) {
				c.Queues = []QueueConfig{{MaxDeliveryAttempts: 3}}
			},
			wantErr: true,
		},
		{
			name: "duplicate queues",
			modify: func(c *Config) {
				c.Queues = []QueueConfig{{Name: "orders"}, {Name: "orders"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}
	if cfg.Storage.Type != StorageMemory {
		t.Errorf("expected default config, got storage type %s", cfg.Storage.Type)
	}
}

func TestLoadPartial(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	data := []byte(`
broker:
  credit_batch: 5
queues:
  - name: orders
    max_delivery_attempts: 3
    dead_letter_address: orders.dlq
`)
	if err := os.WriteFile(tmpfile, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Broker.CreditBatch != 5 {
		t.Errorf("expected credit batch 5, got %d", cfg.Broker.CreditBatch)
	}
	if cfg.Producer.WindowSize != 1000 {
		t.Errorf("expected default window size to survive, got %d", cfg.Producer.WindowSize)
	}
	if len(cfg.Queues) != 1 || cfg.Queues[0].DeadLetterAddress != "orders.dlq" {
		t.Errorf("unexpected queues %+v", cfg.Queues)
	}
}

func TestLoadInvalid(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	if err := os.WriteFile(tmpfile, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(tmpfile); err == nil {
		t.Error("expected invalid log level to be rejected")
	}

	if err := os.WriteFile(tmpfile, []byte("broker: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(tmpfile); err == nil {
		t.Error("expected malformed yaml to be rejected")
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	cfg := Default()
	cfg.Broker.ExpiryScanInterval = 5 * time.Second
	cfg.Storage.Type = StorageBadger
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Broker.ExpiryScanInterval != 5*time.Second {
		t.Errorf("expected expiry scan interval 5s, got %v", loaded.Broker.ExpiryScanInterval)
	}
	if loaded.Storage.Type != StorageBadger {
		t.Errorf("expected badger storage, got %s", loaded.Storage.Type)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
