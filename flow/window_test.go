// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxq/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowBlocksWhenExhausted(t *testing.T) {
	w := NewWindow(2, true)
	ctx := context.Background()

	require.NoError(t, w.Acquire(ctx, 1))
	require.NoError(t, w.Acquire(ctx, 1))
	assert.Equal(t, 0, w.Balance())

	done := make(chan error, 1)
	go func() { done <- w.Acquire(ctx, 1) }()

	select {
	case <-done:
		t.Fatal("third acquire should block")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Eventually(t, func() bool { return w.Waiting() == 1 }, time.Second, 5*time.Millisecond)

	w.Release(1)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire not woken by release")
	}
	assert.Equal(t, 0, w.Balance())
}

func TestWindowCloseUnblocks(t *testing.T) {
	w := NewWindow(0, true)

	done := make(chan error, 1)
	go func() { done <- w.Acquire(context.Background(), 1) }()
	require.Eventually(t, func() bool { return w.Waiting() == 1 }, time.Second, 5*time.Millisecond)

	w.Close()
	w.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, types.ErrResourceClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock acquire")
	}
	assert.ErrorIs(t, w.Acquire(context.Background(), 1), types.ErrResourceClosed)
}

func TestWindowNonBlocking(t *testing.T) {
	w := NewWindow(1, false)
	require.NoError(t, w.Acquire(context.Background(), 1))
	assert.ErrorIs(t, w.Acquire(context.Background(), 1), ErrNoCredit)

	w.Release(1)
	assert.NoError(t, w.Acquire(context.Background(), 1))
}

func TestWindowContextCancel(t *testing.T) {
	w := NewWindow(0, true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := w.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, w.Waiting())

	w.Release(1)
	assert.Equal(t, 1, w.Balance())
}

func TestWindowWakesOnlySatisfiedWaiters(t *testing.T) {
	w := NewWindow(0, true)
	ctx := context.Background()

	big := make(chan error, 1)
	go func() { big <- w.Acquire(ctx, 3) }()
	require.Eventually(t, func() bool { return w.Waiting() == 1 }, time.Second, 5*time.Millisecond)

	small := make(chan error, 1)
	go func() { small <- w.Acquire(ctx, 1) }()
	require.Eventually(t, func() bool { return w.Waiting() == 2 }, time.Second, 5*time.Millisecond)

	// Two credits satisfy nobody in order: the head needs three.
	w.Release(2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, w.Waiting())
	assert.Equal(t, 2, w.Balance())

	w.Release(2)
	require.NoError(t, <-big)
	require.NoError(t, <-small)
	assert.Equal(t, 0, w.Balance())
}

func TestWindowCancelledHeadUnblocksOthers(t *testing.T) {
	w := NewWindow(1, true)
	ctx, cancel := context.WithCancel(context.Background())

	head := make(chan error, 1)
	go func() { head <- w.Acquire(ctx, 5) }()
	require.Eventually(t, func() bool { return w.Waiting() == 1 }, time.Second, 5*time.Millisecond)

	next := make(chan error, 1)
	go func() { next <- w.Acquire(context.Background(), 1) }()
	require.Eventually(t, func() bool { return w.Waiting() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-head, context.Canceled)
	assert.NoError(t, <-next)
}

func TestWindowConcurrentNeverNegative(t *testing.T) {
	w := NewWindow(5, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Acquire(ctx, 1); err != nil {
				t.Error(err)
				return
			}
			assert.GreaterOrEqual(t, w.Balance(), 0)
			w.Release(1)
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, w.Balance())
}
