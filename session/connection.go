// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session is the client-facing surface of the broker: connections,
// sessions, producers and consumers.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/absmach/fluxq/metrics"
	"github.com/absmach/fluxq/queue"
	"github.com/absmach/fluxq/ratelimit"
	"github.com/absmach/fluxq/transport"
	"github.com/absmach/fluxq/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Broker resolves destination names to queues.
type Broker interface {
	Queue(name string) (*queue.Queue, error)
}

// Config holds a connection's collaborators and producer defaults.
type Config struct {
	Broker    Broker
	Transport transport.Transport

	// RateLimits hands out producer rate limiters. Nil disables limiting
	// unless a producer asks for an explicit rate.
	RateLimits *ratelimit.Manager

	// WindowSize is the default credit window of producers bound to a
	// destination. Zero or less disables credit flow control.
	WindowSize int

	// BlockOnCredit makes sends wait for credit. When false a send without
	// credit fails with flow.ErrNoCredit.
	BlockOnCredit bool

	// SendWhileStopped permits sends on stopped sessions.
	SendWhileStopped bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// ErrorHandler receives failures that have no caller to return to, such as
// errors raised by message listeners.
type ErrorHandler func(err error)

// Connection groups sessions that share a client identifier.
type Connection struct {
	id     string
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	clientID string
	used     bool
	stopped  bool
	closed   bool
	sessions map[*Session]struct{}
	onError  ErrorHandler
}

// NewConnection creates a started connection.
func NewConnection(cfg Config) *Connection {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer("fluxq")
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = ratelimit.NewManager(ratelimit.Config{})
	}

	id := uuid.NewString()
	return &Connection{
		id:       id,
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("connection", id)),
		sessions: make(map[*Session]struct{}),
	}
}

func (c *Connection) ID() string { return c.id }

// ClientID returns the client identifier, empty until set.
func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// SetClientID sets the identifier shared by every session of the
// connection. It can be set once, before the connection is first used.
func (c *Connection) SetClientID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return types.ErrConnectionClosed
	case id == "":
		return types.ErrIllegalState
	case c.clientID != "", c.used:
		return types.ErrIllegalState
	}
	c.clientID = id
	return nil
}

// SetErrorHandler installs the handler for listener failures.
func (c *Connection) SetErrorHandler(h ErrorHandler) {
	c.mu.Lock()
	c.onError = h
	c.mu.Unlock()
}

// CreateSession opens a session with the given acknowledgement mode.
func (c *Connection) CreateSession(mode AckMode) (*Session, error) {
	if !mode.valid() {
		return nil, types.ErrIllegalState
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, types.ErrConnectionClosed
	}
	s := newSession(c, mode, c.stopped)
	c.sessions[s] = struct{}{}
	return s, nil
}

// Start resumes delivery on every session.
func (c *Connection) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.ErrConnectionClosed
	}
	c.stopped = false
	sessions := c.sessionsLocked()
	c.mu.Unlock()

	for _, s := range sessions {
		s.start()
	}
	return nil
}

// Stop pauses delivery on every session and waits, until ctx is done, for
// running listener callbacks to return. Consumers keep their queued
// messages; blocked receives wait until Start. Stop fails when called from
// a listener of the connection.
func (c *Connection) Stop(ctx context.Context) error {
	if c.ownsCallback(ctx) {
		return types.ErrIllegalState
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.ErrConnectionClosed
	}
	c.stopped = true
	sessions := c.sessionsLocked()
	c.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	for _, s := range sessions {
		if err := s.waitIdle(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every session, waiting until ctx is done for running
// listener callbacks. It is idempotent and fails when called from a
// listener of the connection.
func (c *Connection) Close(ctx context.Context) error {
	if c.ownsCallback(ctx) {
		return types.ErrIllegalState
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.sessionsLocked()
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			c.logger.Warn("failed to close session",
				slog.String("session", s.ID()),
				slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// markUsed freezes the client identifier.
func (c *Connection) markUsed() {
	c.mu.Lock()
	c.used = true
	c.mu.Unlock()
}

func (c *Connection) removeSession(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

func (c *Connection) report(err error) {
	c.mu.Lock()
	h := c.onError
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (c *Connection) sessionsLocked() []*Session {
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// ownsCallback reports whether ctx belongs to a running listener callback
// of one of the connection's sessions.
func (c *Connection) ownsCallback(ctx context.Context) bool {
	cons := callbackConsumer(ctx)
	return cons != nil && cons.s.conn == c
}
