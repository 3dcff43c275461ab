// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/absmach/fluxq/broker"
	"github.com/absmach/fluxq/config"
	"github.com/absmach/fluxq/storage/badger"
	"github.com/absmach/fluxq/storage/bolt"
	"github.com/absmach/fluxq/storage/memory"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name  string
		cfg   config.StorageConfig
		check func(t *testing.T, v any)
	}{
		{
			name: "memory",
			cfg:  config.StorageConfig{Type: config.StorageMemory},
			check: func(t *testing.T, v any) {
				if _, ok := v.(*memory.Store); !ok {
					t.Errorf("expected *memory.Store, got %T", v)
				}
			},
		},
		{
			name: "badger",
			cfg: config.StorageConfig{
				Type:             config.StorageBadger,
				BadgerDir:        filepath.Join(dir, "badger"),
				BadgerGCInterval: time.Minute,
			},
			check: func(t *testing.T, v any) {
				if _, ok := v.(*badger.Store); !ok {
					t.Errorf("expected *badger.Store, got %T", v)
				}
			},
		},
		{
			name: "bolt",
			cfg: config.StorageConfig{
				Type:     config.StorageBolt,
				BoltPath: filepath.Join(dir, "fluxq.db"),
				Compress: true,
			},
			check: func(t *testing.T, v any) {
				if _, ok := v.(*bolt.Store); !ok {
					t.Errorf("expected *bolt.Store, got %T", v)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := openStore(tt.cfg)
			if err != nil {
				t.Fatalf("openStore failed: %v", err)
			}
			defer store.Close()
			tt.check(t, store)
		})
	}
}

func TestRunProbe(t *testing.T) {
	cfg := config.Default()

	b, err := broker.New(broker.Config{CreditBatch: cfg.Broker.CreditBatch}, broker.WithStore(memory.New()))
	if err != nil {
		t.Fatalf("failed to create broker: %v", err)
	}
	defer b.Close()
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("failed to start broker: %v", err)
	}

	if err := runProbe(context.Background(), cfg, b, nil, tracenoop.NewTracerProvider().Tracer("test"), slog.Default()); err != nil {
		t.Fatalf("probe failed: %v", err)
	}

	if slices.Contains(b.Queues(), probeQueue) {
		t.Errorf("probe queue %q was not removed", probeQueue)
	}
	if got := b.Stats().GetSendsHandled(); got != 1 {
		t.Errorf("expected 1 handled send, got %d", got)
	}
	if got := b.Stats().GetCreditsReturned(); got != uint64(cfg.Broker.CreditBatch) {
		t.Errorf("expected %d returned credits, got %d", cfg.Broker.CreditBatch, got)
	}
}

func TestRunProbeOnClosedBroker(t *testing.T) {
	b, err := broker.New(broker.Config{})
	if err != nil {
		t.Fatalf("failed to create broker: %v", err)
	}
	b.Close()

	if err := runProbe(context.Background(), config.Default(), b, nil, nil, slog.Default()); err == nil {
		t.Fatal("expected probe to fail on a closed broker")
	}
}
