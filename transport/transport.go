// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport carries client requests to the broker. Framing and the
// choice of network are left to implementations.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/absmach/fluxq/types"
)

var (
	// ErrUndelivered marks failures raised before the request reached the
	// handler. The handler never saw such a request.
	ErrUndelivered = errors.New("request not delivered")

	ErrClosed = fmt.Errorf("transport: %w: %w", ErrUndelivered, types.ErrResourceClosed)
)

// Handler serves requests on the broker side.
type Handler interface {
	Handle(ctx context.Context, target string, payload any) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, target string, payload any) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, target string, payload any) (any, error) {
	return f(ctx, target, payload)
}

// Transport sends requests to a target on the broker.
type Transport interface {
	// SendBlocking waits for the broker to process payload and returns its
	// acknowledgement.
	SendBlocking(ctx context.Context, target string, payload any) (any, error)

	// SendOneWay hands payload off without waiting for the outcome. Only
	// local failures, such as a closed transport, are returned.
	SendOneWay(ctx context.Context, target string, payload any) error

	Close() error
}
