// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"
)

// ReadyFunc is called from the scheduler goroutine when a delayed message
// comes due. It must not block for long.
type ReadyFunc func(id uint64, queue string)

// Scheduler fires ReadyFunc at each scheduled wake time.
// All methods are safe for concurrent use.
type Scheduler struct {
	clock  func() time.Time
	mu     sync.Mutex
	h      wakeHeap
	byKey  map[string]*item
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a scheduler that measures due times against clock. A nil clock
// uses time.Now.
func New(clock func() time.Time) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		clock:  clock,
		byKey:  make(map[string]*item),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func key(id uint64, queue string) string {
	return fmt.Sprintf("%s/%d", queue, id)
}

// Schedule arranges for ready to be called for (queue, id) at or after at.
// Rescheduling the same message replaces the previous entry.
func (s *Scheduler) Schedule(id uint64, queue string, at time.Time) {
	k := key(id, queue)

	s.mu.Lock()
	if prev, ok := s.byKey[k]; ok {
		heap.Remove(&s.h, prev.index)
	}
	it := &item{id: id, queue: queue, at: at}
	heap.Push(&s.h, it)
	s.byKey[k] = it
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Cancel drops a scheduled wakeup. It is a no-op for unknown messages.
func (s *Scheduler) Cancel(id uint64, queue string) {
	k := key(id, queue)

	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.byKey[k]; ok {
		heap.Remove(&s.h, it.index)
		delete(s.byKey, k)
	}
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// Start launches the wakeup goroutine. Start must be called once.
func (s *Scheduler) Start(ctx context.Context, ready ReadyFunc) {
	s.wg.Add(1)
	go s.run(ctx, ready)
}

// Stop shuts the wakeup goroutine down and waits for it. Pending wakeups are
// abandoned.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, ready ReadyFunc) {
	defer s.wg.Done()

	t := time.NewTimer(time.Hour)
	t.Stop()
	defer t.Stop()

	for {
		s.mu.Lock()
		var next *item
		if len(s.h) > 0 {
			next = s.h[0]
		}
		s.mu.Unlock()

		var timerC <-chan time.Time
		if next != nil {
			delay := next.at.Sub(s.clock())
			if delay <= 0 {
				s.fire(ready)
				continue
			}
			t.Reset(delay)
			timerC = t.C
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.notify:
			if !t.Stop() && timerC != nil {
				select {
				case <-t.C:
				default:
				}
			}
		case <-timerC:
			s.fire(ready)
		}
	}
}

// fire pops every due item and calls ready for each outside the lock.
func (s *Scheduler) fire(ready ReadyFunc) {
	now := s.clock()
	var due []*item

	s.mu.Lock()
	for len(s.h) > 0 && !s.h[0].at.After(now) {
		it := heap.Pop(&s.h).(*item)
		delete(s.byKey, key(it.id, it.queue))
		due = append(due, it)
	}
	s.mu.Unlock()

	for _, it := range due {
		ready(it.id, it.queue)
	}
}
