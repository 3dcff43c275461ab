// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"time"

	"github.com/absmach/fluxq/metrics"
	"github.com/absmach/fluxq/storage"
	"go.opentelemetry.io/otel/trace"
)

// Option configures optional broker collaborators.
type Option func(*Broker)

// WithStore persists durable messages.
func WithStore(st storage.Store) Option {
	return func(b *Broker) {
		b.store = st
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics records queue and delivery metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// WithTracer traces handled sends.
func WithTracer(t trace.Tracer) Option {
	return func(b *Broker) {
		if t != nil {
			b.tracer = t
		}
	}
}

// WithClock overrides the time source used for eligibility and expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.clock = now
		}
	}
}
