// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storetest holds behaviour tests shared by every storage.Store.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/absmach/fluxq/storage"
	"github.com/absmach/fluxq/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a store created by newStore. Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("AppendAssignsIncreasingOffsets", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var last uint64
		for i := 0; i < 5; i++ {
			off, err := s.Append(ctx, message(i))
			require.NoError(t, err)
			assert.Greater(t, off, last)
			last = off
		}
	})

	t.Run("ReplayReturnsUnconsumedInOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var offsets []uint64
		for i := 0; i < 5; i++ {
			off, err := s.Append(ctx, message(i))
			require.NoError(t, err)
			offsets = append(offsets, off)
		}
		require.NoError(t, s.MarkConsumed(ctx, offsets[1]))
		require.NoError(t, s.MarkConsumed(ctx, offsets[3]))

		recs, err := s.ReplayFrom(ctx, 0)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		for i, want := range []int{0, 2, 4} {
			assert.Equal(t, offsets[want], recs[i].Offset)
			assert.Equal(t, uint64(want+1), recs[i].Message.ID)
			assert.Equal(t, "orders", recs[i].Message.Destination)
		}

		recs, err = s.ReplayFrom(ctx, offsets[3])
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, offsets[4], recs[0].Offset)
	})

	t.Run("MarkConsumedUnknownOffset", func(t *testing.T) {
		s := newStore(t)
		err := s.MarkConsumed(context.Background(), 999)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("PropertiesSurvive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		msg := message(0)
		require.NoError(t, msg.SetProperty("even", types.Bool(true)))
		require.NoError(t, msg.SetProperty("n", types.Int(42)))
		_, err := s.Append(ctx, msg)
		require.NoError(t, err)

		recs, err := s.ReplayFrom(ctx, 0)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		v, ok := recs[0].Message.Property("n")
		require.True(t, ok)
		assert.Equal(t, int64(42), v.Int64())
		text, err := recs[0].Message.Body.Text()
		require.NoError(t, err)
		assert.Equal(t, "message-0", text)
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, err := s.Append(context.Background(), message(0))
		assert.ErrorIs(t, err, storage.ErrClosed)
	})
}

func message(i int) *types.Message {
	msg := types.NewTextMessage(fmt.Sprintf("message-%d", i))
	msg.ID = uint64(i + 1)
	msg.Destination = "orders"
	return msg
}
