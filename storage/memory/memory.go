// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory storage.Store for tests and
// non-durable deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/fluxq/storage"
	"github.com/absmach/fluxq/types"
)

var _ storage.Store = (*Store)(nil)

type Store struct {
	mu      sync.RWMutex
	next    uint64
	records map[uint64]*types.Message
	closed  bool
}

func New() *Store {
	return &Store{records: make(map[uint64]*types.Message)}
}

func (s *Store) Append(_ context.Context, msg *types.Message) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storage.ErrClosed
	}
	s.next++
	s.records[s.next] = msg.Clone()
	return s.next, nil
}

func (s *Store) MarkConsumed(_ context.Context, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if _, ok := s.records[offset]; !ok {
		return storage.ErrNotFound
	}
	delete(s.records, offset)
	return nil
}

func (s *Store) ReplayFrom(_ context.Context, from uint64) ([]storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	recs := make([]storage.Record, 0, len(s.records))
	for off, msg := range s.records {
		if off >= from {
			recs = append(recs, storage.Record{Offset: off, Message: msg.Clone()})
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Offset < recs[j].Offset })
	return recs, nil
}

// Len returns the number of unconsumed records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
