// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package management

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry keeps a Counter per queue and samples them periodically.
type Registry struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	counters map[string]*Counter

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewRegistry(source Source, interval time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Registry{
		source:   source,
		interval: interval,
		logger:   logger,
		counters: make(map[string]*Counter),
		stopCh:   make(chan struct{}),
	}
}

// SampleAll samples every queue the source knows about, in name order.
// Counters of deleted queues are dropped.
func (r *Registry) SampleAll(now time.Time) []Info {
	names := r.source.Queues()
	live := make(map[string]struct{}, len(names))

	r.mu.Lock()
	counters := make([]*Counter, 0, len(names))
	for _, name := range names {
		live[name] = struct{}{}
		c, ok := r.counters[name]
		if !ok {
			c = NewCounter(name, r.source)
			r.counters[name] = c
		}
		counters = append(counters, c)
	}
	for name := range r.counters {
		if _, ok := live[name]; !ok {
			delete(r.counters, name)
		}
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(counters))
	for _, c := range counters {
		info, err := c.Sample(now)
		if err != nil {
			// Deleted between listing and sampling.
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Latest returns the most recent sample of every queue, in name order.
func (r *Registry) Latest() []Info {
	r.mu.Lock()
	infos := make([]Info, 0, len(r.counters))
	for _, c := range r.counters {
		if info, ok := c.Latest(); ok {
			infos = append(infos, info)
		}
	}
	r.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Counter returns the counter of the named queue, if it was sampled.
func (r *Registry) Counter(name string) (*Counter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	return c, ok
}

func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop is idempotent.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			infos := r.SampleAll(now)
			r.logger.Debug("message counters sampled", slog.Int("queues", len(infos)))
		}
	}
}
