// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package flow implements producer credit windows.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/fluxq/types"
)

// ErrNoCredit is returned by a non-blocking window when the balance cannot
// cover a send. The caller may retry once credit is returned.
var ErrNoCredit = errors.New("no credit available")

type waiter struct {
	need  int
	ready chan struct{}
}

// Window is a credit balance owned by one producer. The balance is never
// negative. Waiters are served in arrival order, so a large request is not
// starved by smaller ones arriving after it.
type Window struct {
	mu       sync.Mutex
	balance  int
	block    bool
	waiters  []*waiter
	closed   bool
	closedCh chan struct{}
}

// NewWindow creates a window holding size credits. When block is false,
// Acquire fails with ErrNoCredit instead of waiting.
func NewWindow(size int, block bool) *Window {
	if size < 0 {
		size = 0
	}
	return &Window{
		balance:  size,
		block:    block,
		closedCh: make(chan struct{}),
	}
}

// Acquire takes n credits, waiting until they are available, the window is
// closed or ctx is done.
func (w *Window) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return types.ErrResourceClosed
	}
	if len(w.waiters) == 0 && w.balance >= n {
		w.balance -= n
		w.mu.Unlock()
		return nil
	}
	if !w.block {
		w.mu.Unlock()
		return fmt.Errorf("need %d credits: %w", n, ErrNoCredit)
	}
	wt := &waiter{need: n, ready: make(chan struct{})}
	w.waiters = append(w.waiters, wt)
	w.mu.Unlock()

	select {
	case <-wt.ready:
		return nil
	case <-w.closedCh:
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.granted(wt) {
			return nil
		}
		return types.ErrResourceClosed
	case <-ctx.Done():
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.granted(wt) {
			return nil
		}
		w.remove(wt)
		// A cancelled head may have been blocking smaller requests behind it.
		w.grant()
		return ctx.Err()
	}
}

// TryAcquire takes n credits only if they are available right now.
func (w *Window) TryAcquire(n int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || len(w.waiters) > 0 || w.balance < n {
		return false
	}
	w.balance -= n
	return true
}

// Release returns n credits and wakes the waiters they satisfy.
func (w *Window) Release(n int) {
	if n <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.balance += n
	w.grant()
}

// Balance returns the credits currently available.
func (w *Window) Balance() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

// Waiting returns the number of blocked Acquire calls.
func (w *Window) Waiting() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}

// Close fails all pending and future Acquire calls. Close is idempotent.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.closedCh)
}

// grant must be called with mu held.
func (w *Window) grant() {
	for len(w.waiters) > 0 {
		head := w.waiters[0]
		if head.need > w.balance {
			return
		}
		w.balance -= head.need
		w.waiters[0] = nil
		w.waiters = w.waiters[1:]
		close(head.ready)
	}
}

func (w *Window) granted(wt *waiter) bool {
	select {
	case <-wt.ready:
		return true
	default:
		return false
	}
}

func (w *Window) remove(wt *waiter) {
	for i, x := range w.waiters {
		if x == wt {
			w.waiters = append(w.waiters[:i], w.waiters[i+1:]...)
			return
		}
	}
}
