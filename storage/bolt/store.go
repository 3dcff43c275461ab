// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bolt provides a bbolt-backed storage.Store kept in a single file.
package bolt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxq/storage"
	"github.com/absmach/fluxq/types"
	"go.etcd.io/bbolt"
)

var _ storage.Store = (*Store)(nil)

var bucketRecords = []byte("records")

type Config struct {
	Path     string // database file
	Compress bool   // s2 compress stored records
}

type Store struct {
	db    *bbolt.DB
	codec storage.Codec

	mu     sync.Mutex
	closed bool
}

// New opens or creates the database file at cfg.Path.
func New(cfg Config) (*Store, error) {
	db, err := bbolt.Open(cfg.Path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init bucket: %w", err)
	}

	return &Store{db: db, codec: storage.Codec{Compress: cfg.Compress}}, nil
}

func (s *Store) Append(_ context.Context, msg *types.Message) (uint64, error) {
	if s.isClosed() {
		return 0, storage.ErrClosed
	}

	data, err := s.codec.Encode(msg)
	if err != nil {
		return 0, err
	}

	var offset uint64
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		// NextSequence starts at 1.
		n, err := b.NextSequence()
		if err != nil {
			return err
		}
		offset = n
		return b.Put(storage.OffsetKey(nil, offset), data)
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

	key := storage.OffsetKey(nil, offset)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b.Get(key) == nil {
			return storage.ErrNotFound
		}
		return b.Delete(key)
	})
}

func (s *Store) ReplayFrom(ctx context.Context, from uint64) ([]storage.Record, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}

	var recs []storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Seek(storage.OffsetKey(nil, from)); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			offset, ok := storage.KeyOffset(nil, k)
			if !ok {
				continue
			}
			// Values are only valid inside the transaction; Decode copies.
			msg, err := s.codec.Decode(v)
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

// Close closes the database file. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
