// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "time"

// Counters is a point-in-time snapshot of a queue.
type Counters struct {
	Name            string
	MessageCount    int
	DeliveringCount int
	ConsumerCount   int
	MessagesAdded   uint64
	MessagesAcked   uint64
	MessagesExpired uint64
	MessagesKilled  uint64
	LastAdd         time.Time
	LastUpdate      time.Time
}

func (q *Queue) Counters() Counters {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Counters{
		Name:            q.name,
		MessageCount:    q.entries.Len(),
		DeliveringCount: q.delivering,
		ConsumerCount:   len(q.cursors),
		MessagesAdded:   q.added,
		MessagesAcked:   q.acked,
		MessagesExpired: q.expired,
		MessagesKilled:  q.killed,
		LastAdd:         q.lastAdd,
		LastUpdate:      q.lastUpdate,
	}
}
