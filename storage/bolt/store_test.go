// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/absmach/fluxq/storage"
	"github.com/absmach/fluxq/storage/storetest"
	"github.com/absmach/fluxq/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T, compress bool) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "fluxq.db"), Compress: compress})
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
	path := filepath.Join(t.TempDir(), "fluxq.db")
	ctx := context.Background()

	s, err := New(Config{Path: path})
	require.NoError(t, err)

	msg := types.NewTextMessage("persisted")
	msg.Destination = "orders"
	first, err := s.Append(ctx, msg)
	require.NoError(t, err)
	second, err := s.Append(ctx, msg)
	require.NoError(t, err)
	require.NoError(t, s.MarkConsumed(ctx, second))
	require.NoError(t, s.Close())

	s, err = New(Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	recs, err := s.ReplayFrom(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, first, recs[0].Offset)

	third, err := s.Append(ctx, msg)
	require.NoError(t, err)
	assert.Greater(t, third, second)
}
