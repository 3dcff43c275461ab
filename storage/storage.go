// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the durable message store used to make queue state
// recoverable after a restart.
package storage

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/absmach/fluxq/types"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrClosed   = errors.New("store closed")
)

// Record is a stored message with its offset.
type Record struct {
	Offset  uint64
	Message *types.Message
}

// Store is an append-only log of durable messages. Offsets are assigned by
// the store, start at 1 and increase with every append.
type Store interface {
	// Append persists msg and returns its offset.
	Append(ctx context.Context, msg *types.Message) (uint64, error)

	// MarkConsumed removes the record at offset from future replays.
	MarkConsumed(ctx context.Context, offset uint64) error

	// ReplayFrom returns every unconsumed record with offset >= from,
	// in offset order.
	ReplayFrom(ctx context.Context, from uint64) ([]Record, error)

	Close() error
}

// OffsetKey encodes an offset so that byte order matches numeric order.
func OffsetKey(prefix []byte, offset uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], offset)
	return k
}

// KeyOffset decodes a key produced by OffsetKey.
func KeyOffset(prefix, key []byte) (uint64, bool) {
	if len(key) != len(prefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(prefix):]), true
}
