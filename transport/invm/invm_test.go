// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package invm

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/fluxq/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendOrder(t *testing.T) {
	var got []int
	h := transport.HandlerFunc(func(ctx context.Context, target string, payload any) (any, error) {
		got = append(got, payload.(int))
		return len(got), nil
	})
	tr := New(h, nil)

	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			require.NoError(t, tr.SendOneWay(context.Background(), "q", i))
			continue
		}
		resp, err := tr.SendBlocking(context.Background(), "q", i)
		require.NoError(t, err)
		assert.Equal(t, i+1, resp)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	blocking, oneWay := tr.Stats()
	assert.Equal(t, uint64(5), blocking)
	assert.Equal(t, uint64(5), oneWay)
}

func TestOneWaySwallowsHandlerError(t *testing.T) {
	h := transport.HandlerFunc(func(ctx context.Context, target string, payload any) (any, error) {
		return nil, errors.New("rejected")
	})
	tr := New(h, nil)

	assert.NoError(t, tr.SendOneWay(context.Background(), "q", nil))
	_, err := tr.SendBlocking(context.Background(), "q", nil)
	assert.EqualError(t, err, "rejected")
}

func TestClosed(t *testing.T) {
	tr := New(transport.HandlerFunc(func(ctx context.Context, target string, payload any) (any, error) {
		return nil, nil
	}), nil)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.SendBlocking(context.Background(), "q", nil)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, err, transport.ErrUndelivered)
	assert.ErrorIs(t, tr.SendOneWay(context.Background(), "q", nil), transport.ErrClosed)
}
