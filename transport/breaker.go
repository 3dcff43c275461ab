// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxq/types"
	"github.com/sony/gobreaker"
)

var _ Transport = (*Breaker)(nil)

// BreakerConfig controls when the breaker opens.
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	ResetTimeout     time.Duration // time spent open before probing again
}

// Breaker wraps a Transport with a circuit breaker. Lifecycle and
// validation errors from the broker do not count as failures.
type Breaker struct {
	next Transport
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Transport, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, types.ErrInvalidDestination) ||
				errors.Is(err, types.ErrInvalidMessageFormat) ||
				errors.Is(err, types.ErrIllegalState)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("transport circuit breaker state changed",
				slog.String("transport", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) SendBlocking(ctx context.Context, target string, payload any) (any, error) {
	resp, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.SendBlocking(ctx, target, payload)
	})
	return resp, rejected(err)
}

// SendOneWay is rejected while the breaker is open. Local failures of the
// wrapped transport count towards opening it.
func (b *Breaker) SendOneWay(ctx context.Context, target string, payload any) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.SendOneWay(ctx, target, payload)
	})
	return rejected(err)
}

// rejected marks requests the breaker refused as undelivered.
func rejected(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrUndelivered, err)
	}
	return err
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) Close() error {
	return b.next.Close()
}
