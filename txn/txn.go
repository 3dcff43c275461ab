// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package txn buffers a session's sends and acknowledgements until commit.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/fluxq/types"
	"github.com/oklog/ulid/v2"
)

// Send is one buffered send. Prepare runs for every send of a commit
// before any of them is applied.
type Send interface {
	Prepare(ctx context.Context) error
}

// ApplyFunc makes the prepared sends visible as one unit. It either applies
// all of them or none.
type ApplyFunc func(ctx context.Context, sends []Send) error

// Acker finalizes or returns delivered messages. Queue cursors satisfy it.
type Acker interface {
	Ack(ctx context.Context, ids ...uint64) error
	Redeliver(ids ...uint64)
}

type pendingAck struct {
	target Acker
	id     uint64
}

// Context holds the pending work of one transaction. After Commit or
// Rollback a new transaction starts with a fresh id.
type Context struct {
	mu     sync.Mutex
	id     ulid.ULID
	sends  []Send
	acks   []pendingAck
	closed bool
}

func New() *Context {
	return &Context{id: ulid.Make()}
}

// ID identifies the current transaction.
func (c *Context) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id.String()
}

// AddSend buffers a send. Nothing is visible until Commit.
func (c *Context) AddSend(send Send) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.ErrIllegalState
	}
	c.sends = append(c.sends, send)
	return nil
}

// AddAck records a delivered message to be acknowledged on commit.
func (c *Context) AddAck(target Acker, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.ErrIllegalState
	}
	c.acks = append(c.acks, pendingAck{target: target, id: id})
	return nil
}

// Pending returns the number of buffered sends and acknowledgements.
func (c *Context) Pending() (sends, acks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends), len(c.acks)
}

// Commit prepares every buffered send, applies them together, then
// finalizes the buffered acknowledgements. A commit with nothing pending is
// a no-op. If a send cannot be prepared or applied, no send is applied and
// the acknowledgements are rolled back.
func (c *Context) Commit(ctx context.Context, apply ApplyFunc) error {
	sends, acks, err := c.take()
	if err != nil {
		return err
	}

	if len(sends) > 0 {
		for i, send := range sends {
			if err := send.Prepare(ctx); err != nil {
				redeliver(acks)
				return fmt.Errorf("commit aborted at send %d of %d: %w", i+1, len(sends), err)
			}
		}
		if err := apply(ctx, sends); err != nil {
			redeliver(acks)
			return fmt.Errorf("commit aborted: %w", err)
		}
	}

	var errs []error
	for _, g := range group(acks) {
		// A closed consumer already returned its messages to the queue.
		if err := g.target.Ack(ctx, g.ids...); err != nil && !errors.Is(err, types.ErrResourceClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Rollback discards buffered sends and returns every buffered
// acknowledgement's message for redelivery, keeping their relative order.
func (c *Context) Rollback() error {
	_, acks, err := c.take()
	if err != nil {
		return err
	}
	redeliver(acks)
	return nil
}

// Close rolls back pending work and rejects further use. Close is
// idempotent.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	acks := c.acks
	c.sends, c.acks = nil, nil
	c.mu.Unlock()

	redeliver(acks)
}

func (c *Context) take() ([]Send, []pendingAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, types.ErrIllegalState
	}
	sends, acks := c.sends, c.acks
	c.sends, c.acks = nil, nil
	c.id = ulid.Make()
	return sends, acks, nil
}

type ackGroup struct {
	target Acker
	ids    []uint64
}

// group batches acknowledgements per target, in order of first appearance.
func group(acks []pendingAck) []ackGroup {
	var groups []ackGroup
	pos := make(map[Acker]int)
	for _, a := range acks {
		i, ok := pos[a.target]
		if !ok {
			i = len(groups)
			pos[a.target] = i
			groups = append(groups, ackGroup{target: a.target})
		}
		groups[i].ids = append(groups[i].ids, a.id)
	}
	return groups
}

func redeliver(acks []pendingAck) {
	for _, g := range group(acks) {
		g.target.Redeliver(g.ids...)
	}
}
