// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"testing"

	"github.com/absmach/fluxq/storage"
	"github.com/absmach/fluxq/storage/storetest"
	"github.com/absmach/fluxq/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T, compress bool) *Store {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir(), Compress: compress})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return setupStore(t, false)
	})
}

func TestStoreCompressed(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return setupStore(t, true)
	})
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(Config{Dir: dir})
	require.NoError(t, err)

	msg := types.NewTextMessage("persisted")
	msg.ID = 7
	msg.Destination = "orders"
	first, err := s.Append(ctx, msg)
	require.NoError(t, err)
	second, err := s.Append(ctx, msg)
	require.NoError(t, err)
	require.NoError(t, s.MarkConsumed(ctx, first))
	require.NoError(t, s.Close())

	s, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	recs, err := s.ReplayFrom(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, second, recs[0].Offset)
	assert.Equal(t, uint64(7), recs[0].Message.ID)

	third, err := s.Append(ctx, msg)
	require.NoError(t, err)
	assert.Greater(t, third, second)
}
