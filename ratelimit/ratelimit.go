// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket bounding one producer's send rate.
// A nil Limiter never throttles.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing maxRate messages per second with the given
// burst. A non-positive rate disables limiting and returns nil.
func New(maxRate float64, burst int) *Limiter {
	if maxRate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(maxRate), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// Allow takes a token if one is available without blocking.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}

// Rate returns the configured messages per second, 0 when unlimited.
func (l *Limiter) Rate() float64 {
	if l == nil {
		return 0
	}
	return float64(l.limiter.Limit())
}

func (l *Limiter) Burst() int {
	if l == nil {
		return 0
	}
	return l.limiter.Burst()
}

// Config holds producer rate limiting settings.
type Config struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // messages per second per producer
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Rate:    1000,
		Burst:   100,
	}
}

// Manager hands out per-producer limiters.
type Manager struct {
	mu       sync.Mutex
	config   Config
	limiters map[string]*Limiter
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		config:   cfg,
		limiters: make(map[string]*Limiter),
	}
}

// ForProducer returns the limiter for a producer. maxRate > 0 sets an explicit
// rate, maxRate < 0 disables limiting, and 0 falls back to the manager default.
// The result is nil when the producer is unlimited.
func (m *Manager) ForProducer(producerID string, maxRate float64) *Limiter {
	var l *Limiter
	switch {
	case maxRate > 0:
		burst := m.config.Burst
		if burst <= 0 {
			burst = 1
		}
		l = New(maxRate, burst)
	case maxRate == 0 && m.config.Enabled:
		l = New(m.config.Rate, m.config.Burst)
	}
	if l == nil {
		return nil
	}

	m.mu.Lock()
	m.limiters[producerID] = l
	m.mu.Unlock()
	return l
}

// RemoveProducer drops the limiter of a closed producer.
func (m *Manager) RemoveProducer(producerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limiters, producerID)
}

// Len returns the number of tracked producers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}
