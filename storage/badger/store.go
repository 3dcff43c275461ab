// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB-backed storage.Store.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxq/storage"
	"github.com/absmach/fluxq/types"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

var (
	recordPrefix = []byte("msg/")
	sequenceKey  = []byte("seq/offset")
)

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string        // Directory for BadgerDB data
	Compress   bool          // s2 compress stored records
	GCInterval time.Duration // value log GC period, 5 minutes if zero
}

type Store struct {
	db    *badger.DB
	seq   *badger.Sequence
	codec storage.Codec

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens or creates a store in cfg.Dir.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	seq, err := db.GetSequence(sequenceKey, 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create offset sequence: %w", err)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s := &Store{
		db:       db,
		seq:      seq,
		codec:    storage.Codec{Compress: cfg.Compress},
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC(interval)

	return s, nil
}

func (s *Store) Append(_ context.Context, msg *types.Message) (uint64, error) {
	if s.isClosed() {
		return 0, storage.ErrClosed
	}

	data, err := s.codec.Encode(msg)
	if err != nil {
		return 0, err
	}

	n, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate offset: %w", err)
	}
	// Badger sequences start at zero, offsets start at one.
	offset := n + 1

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storage.OffsetKey(recordPrefix, offset), data)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append record: %w", err)
	}
	return offset, nil
}

func (s *Store) MarkConsumed(_ context.Context, offset uint64) error {
	if s.isClosed() {
		return storage.ErrClosed
	}

	key := storage.OffsetKey(recordPrefix, offset)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

func (s *Store) ReplayFrom(ctx context.Context, from uint64) ([]storage.Record, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}

	var recs []storage.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(storage.OffsetKey(recordPrefix, from)); it.ValidForPrefix(recordPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			offset, ok := storage.KeyOffset(recordPrefix, item.Key())
			if !ok {
				continue
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			msg, err := s.codec.Decode(data)
			if err != nil {
				return fmt.Errorf("offset %d: %w", offset, err)
			}
			recs = append(recs, storage.Record{Offset: offset, Message: msg})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replay records: %w", err)
	}
	return recs, nil
}

// Close gracefully closes the database. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("failed to release offset sequence: %w", err)
	}
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// runGC runs value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when nothing was collected.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
