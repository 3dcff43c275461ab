// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_WaitBoundsRate(t *testing.T) {
	// 20 per second, burst of 1: five sends need at least four refill intervals.
	l := New(20, 1)

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("Expected throttling, 5 sends took %v", elapsed)
	}
}

func TestLimiter_BurstAllowed(t *testing.T) {
	l := New(1, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Errorf("Request %d within burst should be allowed", i+1)
		}
	}
	if l.Allow() {
		t.Error("Request after burst should be rate limited")
	}
}

func TestLimiter_WaitCancelled(t *testing.T) {
	l := New(1, 1)
	l.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx); err == nil {
		t.Error("Wait on cancelled context should fail")
	}
}

func TestLimiter_NilNeverThrottles(t *testing.T) {
	l := New(-1, 10)
	if l != nil {
		t.Fatal("Negative rate should disable limiting")
	}
	for i := 0; i < 1000; i++ {
		if !l.Allow() {
			t.Fatal("Nil limiter should always allow")
		}
	}
	if err := l.Wait(context.Background()); err != nil {
		t.Errorf("Nil limiter Wait failed: %v", err)
	}
	if l.Rate() != 0 {
		t.Errorf("Expected rate 0, got %v", l.Rate())
	}
}

func TestManager_ForProducer(t *testing.T) {
	m := NewManager(Config{Enabled: false, Rate: 10, Burst: 2})

	if l := m.ForProducer("p1", 0); l != nil {
		t.Error("Disabled manager should not limit by default")
	}
	if l := m.ForProducer("p2", 5); l == nil || l.Rate() != 5 {
		t.Error("Explicit rate should create a limiter")
	}
	if l := m.ForProducer("p3", -1); l != nil {
		t.Error("Negative rate should disable limiting")
	}
	if m.Len() != 1 {
		t.Errorf("Expected 1 tracked producer, got %d", m.Len())
	}

	m.RemoveProducer("p2")
	if m.Len() != 0 {
		t.Errorf("Expected 0 tracked producers, got %d", m.Len())
	}
}

func TestManager_DefaultRate(t *testing.T) {
	m := NewManager(Config{Enabled: true, Rate: 10, Burst: 2})

	l := m.ForProducer("p1", 0)
	if l == nil {
		t.Fatal("Enabled manager should limit by default")
	}
	if l.Rate() != 10 || l.Burst() != 2 {
		t.Errorf("Unexpected limiter settings: rate=%v burst=%d", l.Rate(), l.Burst())
	}
}
