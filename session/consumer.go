// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxq/queue"
	"github.com/absmach/fluxq/types"
	"github.com/google/uuid"
)

// MessageListener handles messages delivered asynchronously. A returned
// error, or a panic, is reported to the connection's error handler; in the
// auto acknowledgement modes the message is then redelivered.
//
// ctx identifies the callback: closing or stopping the consumer, its
// session or its connection with ctx fails with types.ErrIllegalState.
type MessageListener func(ctx context.Context, msg *Message) error

// Consumer receives messages from one destination.
type Consumer struct {
	id          string
	s           *Session
	destination string
	cursor      *queue.Cursor

	done      chan struct{}
	released  chan struct{} // closed once the cursor is closed
	closeOnce sync.Once

	mu       sync.Mutex
	closed   bool
	listener MessageListener
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

func newConsumer(s *Session, destination string, cur *queue.Cursor) *Consumer {
	return &Consumer{
		id:          uuid.NewString(),
		s:           s,
		destination: destination,
		cursor:      cur,
		done:        make(chan struct{}),
		released:    make(chan struct{}),
	}
}

func (c *Consumer) ID() string          { return c.id }
func (c *Consumer) Destination() string { return c.destination }
func (c *Consumer) Selector() string    { return c.cursor.Selector() }

// Receive waits up to timeout for a message. A timeout of zero waits until
// a message arrives or the consumer is closed. An expired timeout returns a
// nil message and no error.
func (c *Consumer) Receive(timeout time.Duration) (*Message, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	m, err := c.ReceiveContext(ctx)
	if errors.Is(err, types.ErrTimeout) {
		return nil, nil
	}
	return m, err
}

// ReceiveContext waits for a message until ctx is done. A passed deadline
// fails with an error matching types.ErrTimeout.
func (c *Consumer) ReceiveContext(ctx context.Context) (*Message, error) {
	if err := c.syncAllowed(); err != nil {
		return nil, err
	}
	raw, err := c.receive(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", types.ErrTimeout, err)
		}
		return nil, err
	}
	return c.accept(ctx, raw, false)
}

// ReceiveNoWait makes a single delivery attempt. It returns nil when no
// message is available or the session is stopped.
func (c *Consumer) ReceiveNoWait() (*Message, error) {
	if err := c.syncAllowed(); err != nil {
		return nil, err
	}
	switch c.s.State() {
	case StateClosed:
		return nil, types.ErrSessionClosed
	case StateStopped:
		return nil, nil
	}
	raw, err := c.cursor.TryReceive()
	if err != nil {
		return nil, c.closedErr(err)
	}
	if raw == nil {
		return nil, nil
	}
	return c.accept(context.Background(), raw, false)
}

// SetMessageListener delivers messages to fn on a dedicated goroutine,
// replacing any previous listener. A nil fn stops asynchronous delivery.
// A running callback of the previous listener is waited for until ctx is
// done.
func (c *Consumer) SetMessageListener(ctx context.Context, fn MessageListener) error {
	if callbackConsumer(ctx) == c {
		return types.ErrIllegalState
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.ErrConsumerClosed
	}
	stop, loopDone := c.stopLoop, c.loopDone
	c.listener, c.stopLoop = nil, nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if loopDone != nil && !isDone(loopDone) {
		select {
		case <-loopDone:
		case <-ctx.Done():
			return fmt.Errorf("failed to wait for message listener: %w", ctx.Err())
		}
	}
	if fn == nil {
		return nil
	}

	lctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return types.ErrConsumerClosed
	}
	c.listener, c.stopLoop, c.loopDone = fn, cancel, done
	c.mu.Unlock()

	go c.listen(lctx, fn, done)
	return nil
}

// MessageListener returns the current listener, if any.
func (c *Consumer) MessageListener() MessageListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// Close returns unacknowledged messages for redelivery and unblocks a
// pending receive, which fails with ErrConsumerClosed. A running listener
// callback is waited for until ctx is done. Close is idempotent but fails
// when called from the consumer's own listener.
func (c *Consumer) Close(ctx context.Context) error {
	if callbackConsumer(ctx) == c {
		return types.ErrIllegalState
	}
	c.shutdown()
	return c.awaitReleased(ctx)
}

// shutdown stops delivery. The cursor is closed, returning unacknowledged
// messages to the queue, once a running listener callback has returned.
func (c *Consumer) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		stop, loopDone := c.stopLoop, c.loopDone
		c.mu.Unlock()

		close(c.done)
		if stop != nil {
			stop()
		}
		release := func() {
			_ = c.cursor.Close()
			c.s.forget(c)
			close(c.released)
		}
		if loopDone == nil {
			release()
			return
		}
		go func() {
			<-loopDone
			release()
		}()
	})
}

func (c *Consumer) awaitReleased(ctx context.Context) error {
	if isDone(c.released) {
		return nil
	}
	select {
	case <-c.released:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for message listener: %w", ctx.Err())
	}
}

func (c *Consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) syncAllowed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return types.ErrConsumerClosed
	case c.listener != nil:
		return types.ErrIllegalState
	}
	return nil
}

// receive waits on the cursor while the session is running, going back to
// waiting whenever the session is stopped.
func (c *Consumer) receive(ctx context.Context) (*types.Message, error) {
	for {
		run, err := c.s.awaitRunning(ctx, c.done)
		if err != nil {
			return nil, err
		}

		rctx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(run, cancel)
		m, err := c.cursor.Receive(rctx)
		stop()
		cancel()

		switch {
		case err == nil:
			return m, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, types.ErrResourceClosed):
			return nil, c.closedErr(err)
		case run.Err() != nil:
			continue
		default:
			return nil, err
		}
	}
}

// closedErr maps a cursor failure to the consumer or session that closed.
func (c *Consumer) closedErr(err error) error {
	if !errors.Is(err, types.ErrResourceClosed) {
		return err
	}
	if c.s.State() == StateClosed {
		return types.ErrSessionClosed
	}
	return types.ErrConsumerClosed
}

func (c *Consumer) accept(ctx context.Context, raw *types.Message, listener bool) (*Message, error) {
	if err := c.s.received(ctx, c, raw, listener); err != nil {
		return nil, c.closedErr(err)
	}
	return &Message{Message: raw, consumer: c}, nil
}

func (c *Consumer) listen(ctx context.Context, fn MessageListener, done chan struct{}) {
	defer close(done)
	logger := c.s.logger.With(slog.String("consumer", c.id), slog.String("queue", c.destination))

	for {
		raw, err := c.receive(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, types.ErrResourceClosed) {
				logger.Error("listener stopped", slog.Any("error", err))
				c.s.conn.report(err)
			}
			return
		}
		if !c.s.enter(ctx, c) {
			c.cursor.Redeliver(raw.ID)
			return
		}
		msg, err := c.accept(ctx, raw, true)
		if err != nil {
			c.s.exit()
			return
		}
		c.deliver(ctx, logger, fn, msg)
	}
}

func (c *Consumer) deliver(ctx context.Context, logger *slog.Logger, fn MessageListener, msg *Message) {
	s := c.s
	defer s.exit()

	msg.running.Store(true)
	err := invoke(withCallback(ctx, msg), fn, msg)
	msg.running.Store(false)

	auto := s.mode == AutoAck || s.mode == DupsOKAck
	if err == nil {
		if auto {
			if aerr := c.cursor.Ack(ctx, msg.ID); aerr != nil && !errors.Is(aerr, types.ErrResourceClosed) {
				logger.Warn("failed to acknowledge message", slog.Uint64("id", msg.ID), slog.Any("error", aerr))
			}
		}
		return
	}

	s.conn.cfg.Metrics.CallbackError(ctx, c.destination)
	logger.Warn("message listener failed",
		slog.Uint64("id", msg.ID),
		slog.Int("redelivery_count", msg.RedeliveryCount),
		slog.Any("error", err))
	if auto {
		c.cursor.Redeliver(msg.ID)
	}
	s.conn.report(err)
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// invoke runs fn, turning a panic into an error.
func invoke(ctx context.Context, fn MessageListener, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("message listener panic: %v", r)
		}
	}()
	return fn(ctx, msg)
}

// Browser reads a destination without consuming it.
type Browser struct {
	s           *Session
	destination string
	cursor      *queue.Cursor
}

func (b *Browser) Destination() string { return b.destination }
func (b *Browser) Selector() string    { return b.cursor.Selector() }

// Next returns the next matching message in queue order, or nil when the
// browser has passed every message currently in the queue.
func (b *Browser) Next() (*types.Message, error) {
	m, err := b.cursor.TryReceive()
	if err != nil && errors.Is(err, types.ErrResourceClosed) && b.s.State() == StateClosed {
		return nil, types.ErrSessionClosed
	}
	return m, err
}

// Close is idempotent.
func (b *Browser) Close() error {
	err := b.cursor.Close()
	b.s.removeBrowser(b)
	return err
}
