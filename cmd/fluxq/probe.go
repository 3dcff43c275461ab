// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxq/broker"
	"github.com/absmach/fluxq/config"
	"github.com/absmach/fluxq/metrics"
	"github.com/absmach/fluxq/ratelimit"
	"github.com/absmach/fluxq/session"
	"github.com/absmach/fluxq/transport"
	"github.com/absmach/fluxq/transport/invm"
	"github.com/absmach/fluxq/types"
	"go.opentelemetry.io/otel/trace"
)

const (
	probeQueue   = "fluxq.probe"
	probeTimeout = 5 * time.Second
)

var errProbeLost = errors.New("probe message was not delivered")

// newConnection builds an in-process client connection to b.
func newConnection(cfg *config.Config, b *broker.Broker, m *metrics.Metrics, tracer trace.Tracer, logger *slog.Logger) *session.Connection {
	var t transport.Transport = invm.New(b, logger)
	if cb := cfg.Transport.CircuitBreaker; cb.Enabled {
		t = transport.NewBreaker(t, transport.BreakerConfig{
			Name:             "fluxq-invm",
			FailureThreshold: cb.FailureThreshold,
			ResetTimeout:     cb.ResetTimeout,
		}, logger)
	}

	return session.NewConnection(session.Config{
		Broker:           b,
		Transport:        t,
		RateLimits:       ratelimit.NewManager(cfg.Producer.RateLimit),
		WindowSize:       cfg.Producer.WindowSize,
		BlockOnCredit:    cfg.Producer.BlockOnCredit,
		SendWhileStopped: cfg.Session.SendWhileStopped,
		Logger:           logger,
		Metrics:          m,
		Tracer:           tracer,
	})
}

// runProbe sends one non-durable message through a client session and
// receives it back. The probe queue is removed afterwards.
func runProbe(ctx context.Context, cfg *config.Config, b *broker.Broker, m *metrics.Metrics, tracer trace.Tracer, logger *slog.Logger) error {
	if _, err := b.CreateQueue(broker.QueueConfig{Name: probeQueue}); err != nil {
		return err
	}
	defer func() {
		if err := b.DeleteQueue(probeQueue); err != nil {
			logger.Warn("failed to remove probe queue", slog.Any("error", err))
		}
	}()

	conn := newConnection(cfg, b, m, tracer, logger)
	defer conn.Close(context.Background())

	if err := conn.SetClientID("fluxq-probe"); err != nil {
		return err
	}
	s, err := conn.CreateSession(session.ClientAck)
	if err != nil {
		return err
	}
	c, err := s.CreateConsumer(probeQueue, "probe = TRUE")
	if err != nil {
		return err
	}
	p, err := s.CreateProducer(probeQueue, session.ProducerOptions{TimeToLive: probeTimeout})
	if err != nil {
		return err
	}

	start := time.Now()
	msg := types.NewTextMessage("ping")
	msg.Durable = false
	if err := msg.SetProperty("probe", types.Bool(true)); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := p.Send(ctx, msg); err != nil {
		return fmt.Errorf("probe send: %w", err)
	}
	got, err := c.ReceiveContext(ctx)
	if err != nil {
		return fmt.Errorf("probe receive: %w", err)
	}
	if got == nil {
		return errProbeLost
	}
	if err := got.Acknowledge(); err != nil {
		return err
	}

	logger.Info("Startup probe succeeded",
		slog.Uint64("message_id", got.ID),
		slog.Duration("round_trip", time.Since(start)))
	return nil
}
