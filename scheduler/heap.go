// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package scheduler

import "time"

type item struct {
	id    uint64
	queue string
	at    time.Time
	index int
}

// wakeHeap orders items by wake time, earliest first.
type wakeHeap []*item

func (h wakeHeap) Len() int { return len(h) }

func (h wakeHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h wakeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *wakeHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *wakeHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
