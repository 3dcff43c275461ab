// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker wide counters.
type Stats struct {
	startTime time.Time

	sendsHandled    atomic.Uint64
	sendsFailed     atomic.Uint64
	creditsReturned atomic.Uint64
	recovered       atomic.Uint64
	deadLettered    atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

func (s *Stats) GetSendsHandled() uint64    { return s.sendsHandled.Load() }
func (s *Stats) GetSendsFailed() uint64     { return s.sendsFailed.Load() }
func (s *Stats) GetCreditsReturned() uint64 { return s.creditsReturned.Load() }
func (s *Stats) GetRecovered() uint64       { return s.recovered.Load() }
func (s *Stats) GetDeadLettered() uint64    { return s.deadLettered.Load() }

// GetUptime returns the broker uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
