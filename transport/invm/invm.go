// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package invm connects a client to a broker in the same process.
package invm

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/absmach/fluxq/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Transport calls the broker handler directly on the caller's goroutine,
// so requests from one goroutine are processed in the order they are sent.
type Transport struct {
	handler transport.Handler
	logger  *slog.Logger
	closed  atomic.Bool

	blocking atomic.Uint64
	oneWay   atomic.Uint64
}

func New(h transport.Handler, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{handler: h, logger: logger}
}

func (t *Transport) SendBlocking(ctx context.Context, target string, payload any) (any, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}
	t.blocking.Add(1)
	return t.handler.Handle(ctx, target, payload)
}

// SendOneWay processes payload and logs a failure instead of returning it.
func (t *Transport) SendOneWay(ctx context.Context, target string, payload any) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	t.oneWay.Add(1)
	if _, err := t.handler.Handle(ctx, target, payload); err != nil {
		t.logger.Warn("one-way send failed",
			slog.String("target", target),
			slog.Any("error", err))
	}
	return nil
}

// Stats returns how many blocking and one-way sends were made.
func (t *Transport) Stats() (blocking, oneWay uint64) {
	return t.blocking.Load(), t.oneWay.Load()
}

// Close is idempotent.
func (t *Transport) Close() error {
	t.closed.Store(true)
	return nil
}
