// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue implements destination queues and the cursors consumers use
// to browse or consume them.
//
// Messages stay in insertion order for their whole life. A consuming cursor
// takes ownership of a message in place; acknowledgement removes it and
// redelivery clears the owner, so redelivered messages keep their original
// position ahead of anything appended after them.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxq/metrics"
	"github.com/absmach/fluxq/scheduler"
	"github.com/absmach/fluxq/selector"
	"github.com/absmach/fluxq/storage"
	"github.com/absmach/fluxq/types"
)

// queueSeq orders queues for AppendAll's locking.
var queueSeq atomic.Uint64

var (
	ErrQueueClosed  = fmt.Errorf("queue: %w", types.ErrResourceClosed)
	ErrCursorClosed = fmt.Errorf("cursor: %w", types.ErrResourceClosed)
	ErrNotDelivered = errors.New("message not delivered to cursor")
)

// Config holds a queue's collaborators. Only Name is required.
type Config struct {
	Name string

	// Store persists durable messages. Nil keeps everything in memory.
	Store storage.Store

	// NextID assigns message ids. Ids must increase across calls.
	NextID func() uint64

	// OnDelayed is called when a message is appended that is not yet
	// eligible, so the caller can wake the queue at its notBefore time.
	OnDelayed func(id uint64, at time.Time)

	// MaxDeliveryAttempts moves a message to DeadLetter once it has been
	// delivered this many times. Zero disables the limit.
	MaxDeliveryAttempts int
	DeadLetter          func(msg *types.Message)

	Clock   func() time.Time
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type entry struct {
	msg     *types.Message
	offset  uint64
	owner   *Cursor
	removed bool
}

type waiter struct {
	c  *Cursor
	ch chan *types.Message
}

// Queue is an ordered store of messages for one destination.
type Queue struct {
	name string
	seq  uint64
	cfg  Config

	mu         sync.Mutex
	entries    *list.List
	cursors    []*Cursor
	waiters    []*waiter
	delivering int
	closed     bool

	// Work queued under mu and performed by unlock.
	consumed    []uint64
	deadLetters []*types.Message

	added      uint64
	acked      uint64
	expired    uint64
	killed     uint64
	lastAdd    time.Time
	lastUpdate time.Time
}

// New creates an empty queue.
func New(cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NextID == nil {
		var ids atomic.Uint64
		cfg.NextID = func() uint64 { return ids.Add(1) }
	}
	return &Queue{
		name:    cfg.Name,
		seq:     queueSeq.Add(1),
		cfg:     cfg,
		entries: list.New(),
	}
}

func (q *Queue) Name() string { return q.name }

// Append adds a copy of msg at the tail and returns the id assigned to it.
// Durable messages are persisted before they become visible.
func (q *Queue) Append(ctx context.Context, msg *types.Message) (uint64, error) {
	ids, err := AppendAll(ctx, []Item{{Queue: q, Message: msg}})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// Item is one message of a batch passed to AppendAll.
type Item struct {
	Queue   *Queue
	Message *types.Message
}

// AppendAll adds a copy of every item's message to its queue as one unit:
// either all of them become visible or none does. Items bound for the same
// queue keep their order. The assigned ids are returned in item order.
func AppendAll(ctx context.Context, items []Item) ([]uint64, error) {
	msgs := make([]*types.Message, len(items))
	for i, it := range items {
		if it.Queue == nil || it.Message == nil {
			return nil, types.ErrInvalidMessageFormat
		}
		m := it.Message.Clone()
		m.Destination = it.Queue.name
		msgs[i] = m
	}

	queues := lockAll(items)
	for _, q := range queues {
		if q.closed {
			unlockAll(queues)
			return nil, ErrQueueClosed
		}
	}

	offsets := make([]uint64, len(items))
	for i, it := range items {
		q, m := it.Queue, msgs[i]
		if m.CreatedAt.IsZero() {
			m.CreatedAt = q.cfg.Clock()
		}
		m.ID = q.cfg.NextID()
		if !m.Durable || q.cfg.Store == nil {
			continue
		}
		off, err := q.cfg.Store.Append(ctx, m)
		if err != nil {
			for j := 0; j < i; j++ {
				if offsets[j] > 0 {
					items[j].Queue.consumed = append(items[j].Queue.consumed, offsets[j])
				}
			}
			unlockAll(queues)
			return nil, fmt.Errorf("failed to persist message: %w", err)
		}
		offsets[i] = off
	}

	ids := make([]uint64, len(items))
	delayed := make([]bool, len(items))
	for i, it := range items {
		q, m := it.Queue, msgs[i]
		now := q.cfg.Clock()
		q.entries.PushBack(&entry{msg: m, offset: offsets[i]})
		q.added++
		q.lastAdd = now
		q.lastUpdate = now
		ids[i] = m.ID
		delayed[i] = !scheduler.IsEligible(m, now)
	}
	for _, q := range queues {
		q.dispatchLocked(q.cfg.Clock())
	}
	unlockAll(queues)

	for i, it := range items {
		q := it.Queue
		if delayed[i] && q.cfg.OnDelayed != nil {
			q.cfg.OnDelayed(msgs[i].ID, msgs[i].NotBefore())
		}
		q.cfg.Metrics.MessageAdded(ctx, q.name)
	}
	return ids, nil
}

// lockAll locks each distinct queue of items in creation order.
func lockAll(items []Item) []*Queue {
	seen := make(map[*Queue]bool, len(items))
	queues := make([]*Queue, 0, len(items))
	for _, it := range items {
		if !seen[it.Queue] {
			seen[it.Queue] = true
			queues = append(queues, it.Queue)
		}
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].seq < queues[j].seq })
	for _, q := range queues {
		q.mu.Lock()
	}
	return queues
}

// unlockAll releases every lock before running the work queued under them.
func unlockAll(queues []*Queue) {
	flush := make([]func(), 0, len(queues))
	for _, q := range queues {
		flush = append(flush, q.release())
	}
	for _, f := range flush {
		f()
	}
}

// Restore inserts a recovered message with its original id and store offset.
// It is used while replaying the durable store, before the queue serves
// consumers.
func (q *Queue) Restore(msg *types.Message, offset uint64) {
	now := q.cfg.Clock()

	q.mu.Lock()
	q.entries.PushBack(&entry{msg: msg, offset: offset})
	q.added++
	q.lastUpdate = now
	q.mu.Unlock()

	if !scheduler.IsEligible(msg, now) && q.cfg.OnDelayed != nil {
		q.cfg.OnDelayed(msg.ID, msg.NotBefore())
	}
}

// Attach registers a cursor. The selector expression may be empty.
func (q *Queue) Attach(mode Mode, expr string) (*Cursor, error) {
	sel, err := selector.Parse(expr)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	c := &Cursor{
		q:     q,
		mode:  mode,
		sel:   sel,
		owned: make(map[uint64]*list.Element),
		done:  make(chan struct{}),
	}
	q.cursors = append(q.cursors, c)
	q.cfg.Metrics.ConsumerAttached(context.Background(), q.name)
	return c, nil
}

// Wake re-runs dispatch, typically after a delayed message came due.
func (q *Queue) Wake() {
	q.mu.Lock()
	q.dispatchLocked(q.cfg.Clock())
	q.unlock()
}

// ExpireScan removes every unowned message whose time to live has passed.
func (q *Queue) ExpireScan(now time.Time) int {
	q.mu.Lock()
	n := 0
	for e := q.entries.Front(); e != nil; {
		next := e.Next()
		en := e.Value.(*entry)
		if en.owner == nil && scheduler.IsExpired(en.msg, now) {
			q.expireLocked(e, now)
			n++
		}
		e = next
	}
	q.unlock()
	return n
}

// MessageCount is the number of messages still in the queue, owned or not.
func (q *Queue) MessageCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// DeliveringCount is the number of messages owned by consuming cursors and
// not yet acknowledged.
func (q *Queue) DeliveringCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delivering
}

// Close detaches every cursor and rejects further appends.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	cursors := append([]*Cursor(nil), q.cursors...)
	q.mu.Unlock()

	for _, c := range cursors {
		_ = c.Close()
	}
}

// dispatchLocked hands eligible messages to waiting cursors in the order
// they started waiting. Must be called with mu held.
func (q *Queue) dispatchLocked(now time.Time) {
	if len(q.waiters) == 0 {
		return
	}
	remaining := q.waiters[:0]
	for _, w := range q.waiters {
		if m := q.takeLocked(w.c, now); m != nil {
			w.ch <- m
			continue
		}
		remaining = append(remaining, w)
	}
	for i := len(remaining); i < len(q.waiters); i++ {
		q.waiters[i] = nil
	}
	q.waiters = remaining
}

// takeLocked finds the next message for c and records the delivery.
func (q *Queue) takeLocked(c *Cursor, now time.Time) *types.Message {
	e := q.nextLocked(c, now)
	if e == nil {
		return nil
	}
	en := e.Value.(*entry)
	if c.mode == Browse {
		c.last = e
		c.lastID = en.msg.ID
		return en.msg.Clone()
	}
	en.owner = c
	c.owned[en.msg.ID] = e
	q.delivering++
	q.lastUpdate = now
	q.cfg.Metrics.Delivering(context.Background(), q.name, 1)
	return en.msg.Clone()
}

// nextLocked scans forward for the first message c may receive. Expired
// messages met on the way are removed.
func (q *Queue) nextLocked(c *Cursor, now time.Time) *list.Element {
	start := q.entries.Front()
	if c.mode == Browse && c.last != nil && !c.last.Value.(*entry).removed {
		start = c.last.Next()
	}

	for e := start; e != nil; {
		next := e.Next()
		en := e.Value.(*entry)

		switch {
		case c.mode == Browse && en.msg.ID <= c.lastID:
		case en.owner != nil:
		default:
			switch scheduler.StateAt(en.msg, now) {
			case scheduler.Expired:
				q.expireLocked(e, now)
			case scheduler.Ready:
				if c.sel.Matches(en.msg) {
					return e
				}
			}
		}
		e = next
	}
	return nil
}

// expireLocked unlinks an expired entry.
func (q *Queue) expireLocked(e *list.Element, now time.Time) {
	en := q.removeLocked(e, now)
	q.expired++
	q.cfg.Metrics.MessagesExpired(context.Background(), q.name, 1)
	q.cfg.Logger.Debug("message expired",
		slog.String("queue", q.name),
		slog.Uint64("id", en.msg.ID))
}

// removeLocked unlinks an entry and schedules its store record for removal.
func (q *Queue) removeLocked(e *list.Element, now time.Time) *entry {
	en := e.Value.(*entry)
	q.entries.Remove(e)
	en.removed = true
	q.lastUpdate = now
	if en.offset > 0 {
		q.consumed = append(q.consumed, en.offset)
	}
	return en
}

// unlock releases mu, then performs the store and dead letter work queued
// while it was held.
func (q *Queue) unlock() {
	q.release()()
}

// release unlocks mu and returns the queued work.
func (q *Queue) release() func() {
	consumed, dead := q.consumed, q.deadLetters
	q.consumed, q.deadLetters = nil, nil
	q.mu.Unlock()

	return func() {
		q.markConsumed(consumed)
		if q.cfg.DeadLetter != nil {
			for _, m := range dead {
				q.cfg.DeadLetter(m)
			}
		}
	}
}

func (q *Queue) markConsumed(offsets []uint64) {
	if q.cfg.Store == nil {
		return
	}
	for _, off := range offsets {
		if err := q.cfg.Store.MarkConsumed(context.Background(), off); err != nil {
			q.cfg.Logger.Error("failed to mark message consumed",
				slog.String("queue", q.name),
				slog.Uint64("offset", off),
				slog.Any("error", err))
		}
	}
}

func (q *Queue) removeWaiterLocked(w *waiter) bool {
	for i, x := range q.waiters {
		if x == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) removeCursorLocked(c *Cursor) {
	for i, x := range q.cursors {
		if x == c {
			q.cursors = append(q.cursors[:i], q.cursors[i+1:]...)
			break
		}
	}
	kept := q.waiters[:0]
	for _, w := range q.waiters {
		if w.c != c {
			kept = append(kept, w)
		}
	}
	q.waiters = kept
}
