// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxq/selector"
	"github.com/absmach/fluxq/types"
)

// Mode selects how a cursor reads its queue.
type Mode uint8

const (
	// Consume takes exclusive ownership of each delivered message until it is
	// acknowledged or redelivered.
	Consume Mode = iota
	// Browse reads without taking ownership and never removes messages.
	Browse
)

func (m Mode) String() string {
	if m == Browse {
		return "browse"
	}
	return "consume"
}

// Cursor is one consumer's view of a queue. Fields are guarded by the
// queue's mutex.
type Cursor struct {
	q    *Queue
	mode Mode
	sel  *selector.Selector

	// consume mode: delivered and unacknowledged messages by id.
	owned map[uint64]*list.Element

	// browse mode: last message returned.
	last   *list.Element
	lastID uint64

	closed bool
	done   chan struct{}
}

func (c *Cursor) Mode() Mode            { return c.mode }
func (c *Cursor) Queue() *Queue         { return c.q }
func (c *Cursor) Selector() string      { return c.sel.String() }
func (c *Cursor) Done() <-chan struct{} { return c.done }

// TryReceive makes a single dispatch attempt. It returns nil when nothing is
// available.
func (c *Cursor) TryReceive() (*types.Message, error) {
	q := c.q
	q.mu.Lock()
	if c.closed {
		q.mu.Unlock()
		return nil, ErrCursorClosed
	}
	m := q.takeLocked(c, q.cfg.Clock())
	q.unlock()
	return m, nil
}

// Receive waits for the next message. It fails with ErrCursorClosed when the
// cursor is closed while waiting, and with ctx.Err() when ctx is done first.
func (c *Cursor) Receive(ctx context.Context) (*types.Message, error) {
	q := c.q
	q.mu.Lock()
	if c.closed {
		q.mu.Unlock()
		return nil, ErrCursorClosed
	}
	if m := q.takeLocked(c, q.cfg.Clock()); m != nil {
		q.unlock()
		return m, nil
	}
	w := &waiter{c: c, ch: make(chan *types.Message, 1)}
	q.waiters = append(q.waiters, w)
	q.unlock()

	select {
	case m := <-w.ch:
		return c.handed(m)
	case <-c.done:
		return nil, ErrCursorClosed
	case <-ctx.Done():
		q.mu.Lock()
		removed := q.removeWaiterLocked(w)
		q.mu.Unlock()
		if !removed {
			// Dispatch handed us a message before we could leave.
			select {
			case m := <-w.ch:
				return c.handed(m)
			default:
				return nil, ErrCursorClosed
			}
		}
		return nil, ctx.Err()
	}
}

// handed filters a message dispatched to a waiter that raced with Close;
// Close already returned it to the queue.
func (c *Cursor) handed(m *types.Message) (*types.Message, error) {
	c.q.mu.Lock()
	defer c.q.mu.Unlock()
	if c.closed {
		return nil, ErrCursorClosed
	}
	return m, nil
}

// Ack finalizes delivered messages, removing them from the queue. Acking on
// a browsing cursor is a no-op.
func (c *Cursor) Ack(ctx context.Context, ids ...uint64) error {
	if c.mode == Browse {
		return nil
	}

	q := c.q
	q.mu.Lock()
	if c.closed {
		q.mu.Unlock()
		return ErrCursorClosed
	}
	now := q.cfg.Clock()
	var missing []uint64
	n := 0
	for _, id := range ids {
		e, ok := c.owned[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		delete(c.owned, id)
		q.removeLocked(e, now)
		q.delivering--
		q.acked++
		n++
	}
	q.unlock()

	q.cfg.Metrics.MessagesAcked(ctx, q.name, n)
	q.cfg.Metrics.Delivering(ctx, q.name, -n)
	if len(missing) > 0 {
		return fmt.Errorf("ids %v: %w", missing, ErrNotDelivered)
	}
	return nil
}

// Redeliver returns delivered messages to the queue with their redelivery
// count incremented. They keep their original queue positions. Ids the
// cursor does not own are ignored.
func (c *Cursor) Redeliver(ids ...uint64) {
	if c.mode == Browse {
		return
	}

	q := c.q
	q.mu.Lock()
	if c.closed {
		q.mu.Unlock()
		return
	}
	now := q.cfg.Clock()
	n := 0
	for _, id := range ids {
		if q.releaseLocked(c, id, now) {
			n++
		}
	}
	q.dispatchLocked(now)
	q.unlock()

	q.cfg.Metrics.MessagesRedelivered(context.Background(), q.name, n)
	q.cfg.Metrics.Delivering(context.Background(), q.name, -n)
}

// Delivering returns the ids this cursor owns, in queue order.
func (c *Cursor) Delivering() []uint64 {
	q := c.q
	q.mu.Lock()
	defer q.mu.Unlock()
	return c.deliveringLocked()
}

func (c *Cursor) deliveringLocked() []uint64 {
	ids := make([]uint64, 0, len(c.owned))
	if len(c.owned) == 0 {
		return ids
	}
	for e := c.q.entries.Front(); e != nil; e = e.Next() {
		en := e.Value.(*entry)
		if en.owner == c {
			ids = append(ids, en.msg.ID)
		}
	}
	return ids
}

// Close detaches the cursor, returns its unacknowledged messages for
// redelivery and unblocks a pending Receive. Close is idempotent.
func (c *Cursor) Close() error {
	q := c.q
	q.mu.Lock()
	if c.closed {
		q.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	q.removeCursorLocked(c)

	now := q.cfg.Clock()
	ids := c.deliveringLocked()
	for _, id := range ids {
		q.releaseLocked(c, id, now)
	}
	q.dispatchLocked(now)
	q.unlock()

	ctx := context.Background()
	q.cfg.Metrics.MessagesRedelivered(ctx, q.name, len(ids))
	q.cfg.Metrics.Delivering(ctx, q.name, -len(ids))
	q.cfg.Metrics.ConsumerDetached(ctx, q.name)
	return nil
}

// releaseLocked clears ownership of id and moves the message to the dead
// letter path once it ran out of delivery attempts.
func (q *Queue) releaseLocked(c *Cursor, id uint64, now time.Time) bool {
	e, ok := c.owned[id]
	if !ok {
		return false
	}
	delete(c.owned, id)
	q.delivering--
	q.lastUpdate = now

	en := e.Value.(*entry)
	en.owner = nil
	en.msg.RedeliveryCount++

	if max := q.cfg.MaxDeliveryAttempts; max > 0 && en.msg.RedeliveryCount >= max {
		q.removeLocked(e, now)
		q.killed++
		q.deadLetters = append(q.deadLetters, en.msg.Clone())
		q.cfg.Metrics.MessageKilled(context.Background(), q.name)
		q.cfg.Logger.Warn("message exceeded delivery attempts",
			slog.String("queue", q.name),
			slog.Uint64("id", en.msg.ID),
			slog.Int("attempts", en.msg.RedeliveryCount))
	}
	return true
}
