// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxq/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateAt(t *testing.T) {
	now := time.Now()
	msg := types.NewTextMessage("x")
	msg.CreatedAt = now

	assert.Equal(t, Ready, StateAt(msg, now))

	msg.DeliveryDelay = time.Second
	assert.Equal(t, Pending, StateAt(msg, now))
	assert.False(t, IsEligible(msg, now))
	assert.True(t, IsEligible(msg, now.Add(time.Second)))

	msg.TimeToLive = 500 * time.Millisecond
	assert.Equal(t, Expired, StateAt(msg, now.Add(500*time.Millisecond)))
	assert.True(t, IsExpired(msg, now.Add(time.Second)))
	assert.False(t, IsExpired(msg, now.Add(499*time.Millisecond)))
}

func TestNoTTLNeverExpires(t *testing.T) {
	msg := types.NewTextMessage("x")
	msg.CreatedAt = time.Now()
	assert.False(t, IsExpired(msg, msg.CreatedAt.Add(24*365*time.Hour)))
}

type fired struct {
	mu    sync.Mutex
	order []uint64
}

func (f *fired) add(id uint64, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, id)
}

func (f *fired) ids() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.order...)
}

func TestSchedulerFiresInOrder(t *testing.T) {
	s := New(nil)
	f := &fired{}
	s.Start(context.Background(), f.add)
	defer s.Stop()

	now := time.Now()
	s.Schedule(3, "q", now.Add(90*time.Millisecond))
	s.Schedule(1, "q", now.Add(30*time.Millisecond))
	s.Schedule(2, "q", now.Add(60*time.Millisecond))

	require.Eventually(t, func() bool { return len(f.ids()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3}, f.ids())
	assert.Equal(t, 0, s.Len())
}

func TestSchedulerEarlierItemInterruptsSleep(t *testing.T) {
	s := New(nil)
	f := &fired{}
	s.Start(context.Background(), f.add)
	defer s.Stop()

	s.Schedule(1, "q", time.Now().Add(time.Hour))
	time.Sleep(10 * time.Millisecond)
	s.Schedule(2, "q", time.Now().Add(20*time.Millisecond))

	require.Eventually(t, func() bool { return len(f.ids()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{2}, f.ids())
	assert.Equal(t, 1, s.Len())
}

func TestSchedulerCancel(t *testing.T) {
	s := New(nil)
	f := &fired{}
	s.Start(context.Background(), f.add)
	defer s.Stop()

	s.Schedule(1, "q", time.Now().Add(30*time.Millisecond))
	s.Schedule(2, "q", time.Now().Add(40*time.Millisecond))
	s.Cancel(1, "q")
	s.Cancel(9, "q")

	require.Eventually(t, func() bool { return len(f.ids()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []uint64{2}, f.ids())
}

func TestSchedulerPastDueFiresImmediately(t *testing.T) {
	s := New(nil)
	f := &fired{}
	s.Schedule(7, "q", time.Now().Add(-time.Second))
	s.Start(context.Background(), f.add)
	defer s.Stop()

	require.Eventually(t, func() bool { return len(f.ids()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerUsesInjectedClock(t *testing.T) {
	base := time.Now()
	s := New(func() time.Time { return time.Now().Add(time.Hour) })
	f := &fired{}
	s.Start(context.Background(), f.add)
	defer s.Stop()

	s.Schedule(1, "q", base.Add(30*time.Minute))
	s.Schedule(2, "q", base.Add(2*time.Hour))

	require.Eventually(t, func() bool { return len(f.ids()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1}, f.ids())
	assert.Equal(t, 1, s.Len())
}

func TestSchedulerStopIdempotent(t *testing.T) {
	s := New(nil)
	s.Start(context.Background(), func(uint64, string) {})
	s.Stop()
	s.Stop()
}

func TestSweeperRunsPeriodically(t *testing.T) {
	var calls atomic.Int32
	sw := NewSweeper(10*time.Millisecond, func(time.Time) int {
		calls.Add(1)
		return 1
	}, nil)
	sw.Start(context.Background())

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	sw.Stop()
	sw.Stop()

	n := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
}
