// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SweepFunc removes messages expired at now and returns how many it removed.
type SweepFunc func(now time.Time) int

// Sweeper runs a SweepFunc periodically.
type Sweeper struct {
	interval time.Duration
	sweep    SweepFunc
	logger   *slog.Logger

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewSweeper(interval time.Duration, sweep SweepFunc, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{
		interval: interval,
		sweep:    sweep,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			start := time.Now()
			if n := s.sweep(now); n > 0 {
				s.logger.Debug("expired messages removed",
					slog.Int("count", n),
					slog.Duration("duration", time.Since(start)))
			}
		}
	}
}
