// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package management samples queue counters for reporting.
package management

import (
	"sync"
	"time"

	"github.com/absmach/fluxq/queue"
)

// Source exposes queue counters. The broker satisfies it.
type Source interface {
	Queues() []string
	Counters(name string) (queue.Counters, error)
}

// Info is one sample of a queue's counters, with the change since the
// previous sample.
type Info struct {
	Name       string    `json:"name"`
	Count      uint64    `json:"count"`
	CountDelta uint64    `json:"count_delta"`
	Depth      int       `json:"depth"`
	DepthDelta int       `json:"depth_delta"`
	Delivering int       `json:"delivering"`
	Consumers  int       `json:"consumers"`
	LastAdd    time.Time `json:"last_add"`
	LastUpdate time.Time `json:"last_update"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Counter tracks one queue between samples.
type Counter struct {
	name   string
	source Source

	mu      sync.Mutex
	prev    queue.Counters
	sampled bool
	latest  Info
}

func NewCounter(name string, source Source) *Counter {
	return &Counter{name: name, source: source}
}

func (c *Counter) Name() string { return c.name }

// Sample reads the queue's counters. The first sample reports deltas
// against zero.
func (c *Counter) Sample(now time.Time) (Info, error) {
	cur, err := c.source.Counters(c.name)
	if err != nil {
		return Info{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{
		Name:       c.name,
		Count:      cur.MessagesAdded,
		CountDelta: cur.MessagesAdded - c.prev.MessagesAdded,
		Depth:      cur.MessageCount,
		DepthDelta: cur.MessageCount - c.prev.MessageCount,
		Delivering: cur.DeliveringCount,
		Consumers:  cur.ConsumerCount,
		LastAdd:    cur.LastAdd,
		LastUpdate: cur.LastUpdate,
		SampledAt:  now,
	}
	c.prev = cur
	c.sampled = true
	c.latest = info
	return info, nil
}

// Latest returns the most recent sample.
func (c *Counter) Latest() (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.sampled
}

// Reset forgets previous samples so the next deltas start from zero.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prev = queue.Counters{}
	c.sampled = false
	c.latest = Info{}
}
