// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/absmach/fluxq/config"
	"github.com/absmach/fluxq/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProvidersAreNoop(t *testing.T) {
	cfg := config.Default().Telemetry
	p, err := New(context.Background(), cfg, "node-1")
	require.NoError(t, err)

	m, err := metrics.New(p.Meter())
	require.NoError(t, err)
	m.MessageAdded(context.Background(), "q")

	_, span := p.Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestEnabledProviders(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.MetricsEnabled = true
	cfg.TracesEnabled = true
	cfg.TraceSampleRate = 1

	// gRPC exporters connect lazily, so no collector is needed here.
	p, err := New(context.Background(), cfg, "node-1")
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "sampled")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Shutdown(ctx)
}
