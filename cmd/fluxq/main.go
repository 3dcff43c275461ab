// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxq/broker"
	"github.com/absmach/fluxq/config"
	"github.com/absmach/fluxq/management"
	"github.com/absmach/fluxq/metrics"
	"github.com/absmach/fluxq/metrics/otel"
	"github.com/absmach/fluxq/server/health"
	"github.com/absmach/fluxq/storage"
	"github.com/absmach/fluxq/storage/badger"
	"github.com/absmach/fluxq/storage/bolt"
	"github.com/absmach/fluxq/storage/memory"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	probe := flag.Bool("probe", true, "Run a send/receive round trip after startup")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting fluxq broker", "version", cfg.Telemetry.ServiceVersion)
	slog.Info("Configuration loaded",
		"storage", cfg.Storage.Type,
		"auto_create_queues", cfg.Broker.AutoCreateQueues,
		"queues", len(cfg.Queues),
		"window_size", cfg.Producer.WindowSize,
		"health_enabled", cfg.Telemetry.HealthEnabled,
		"log_level", cfg.Log.Level)

	store, err := openStore(cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize storage", "type", cfg.Storage.Type, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := otel.New(ctx, cfg.Telemetry, uuid.NewString())
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	m, err := metrics.New(providers.Meter())
	if err != nil {
		slog.Error("Failed to create metrics", "error", err)
		os.Exit(1)
	}

	queues := make([]broker.QueueConfig, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		queues = append(queues, broker.QueueConfig{
			Name:                q.Name,
			MaxDeliveryAttempts: q.MaxDeliveryAttempts,
			DeadLetterAddress:   q.DeadLetterAddress,
		})
	}

	b, err := broker.New(broker.Config{
		AutoCreateQueues:    cfg.Broker.AutoCreateQueues,
		CreditBatch:         cfg.Broker.CreditBatch,
		ExpiryScanInterval:  cfg.Broker.ExpiryScanInterval,
		MaxDeliveryAttempts: cfg.Broker.MaxDeliveryAttempts,
		DeadLetterAddress:   cfg.Broker.DeadLetterAddress,
		Queues:              queues,
	},
		broker.WithStore(store),
		broker.WithLogger(logger),
		broker.WithMetrics(m),
		broker.WithTracer(providers.Tracer()),
	)
	if err != nil {
		slog.Error("Failed to create broker", "error", err)
		os.Exit(1)
	}
	if err := b.Start(ctx); err != nil {
		slog.Error("Failed to start broker", "error", err)
		os.Exit(1)
	}

	registry := management.NewRegistry(b, cfg.Broker.CounterSamplePeriod, logger)
	registry.Start(ctx)

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	if cfg.Telemetry.HealthEnabled {
		hs := health.New(health.Config{
			Address:         cfg.Telemetry.HealthAddr,
			ShutdownTimeout: 5 * time.Second,
		}, b, registry, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hs.Listen(ctx); err != nil {
				slog.Error("Health check server error", "error", err)
				serverErr <- err
			}
		}()
	}

	if *probe {
		if err := runProbe(ctx, cfg, b, m, providers.Tracer(), logger); err != nil {
			slog.Error("Startup probe failed", "error", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	registry.Stop()
	if err := b.Close(); err != nil {
		slog.Error("Error during broker shutdown", "error", err)
	}

	otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer otelCancel()
	if err := providers.Shutdown(otelShutdownCtx); err != nil {
		slog.Error("Failed to shutdown OpenTelemetry", "error", err)
	} else {
		slog.Info("OpenTelemetry shutdown complete")
	}

	cancel()

	wg.Wait()
	slog.Info("fluxq broker stopped")
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case config.StorageBadger:
		s, err := badger.New(badger.Config{
			Dir:        cfg.BadgerDir,
			Compress:   cfg.Compress,
			GCInterval: cfg.BadgerGCInterval,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.BadgerDir)
		return s, nil
	case config.StorageBolt:
		s, err := bolt.New(bolt.Config{
			Path:     cfg.BoltPath,
			Compress: cfg.Compress,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using bbolt persistent storage", "path", cfg.BoltPath)
		return s, nil
	default:
		slog.Info("Using in-memory storage")
		return memory.New(), nil
	}
}
