// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "context"

type callbackKey struct{}

// withCallback marks ctx as the context of the listener callback handling m.
func withCallback(ctx context.Context, m *Message) context.Context {
	return context.WithValue(ctx, callbackKey{}, m)
}

// callbackConsumer returns the consumer whose listener callback ctx belongs
// to, or nil when ctx is not the context of a running callback.
func callbackConsumer(ctx context.Context) *Consumer {
	if m, ok := ctx.Value(callbackKey{}).(*Message); ok && m.running.Load() {
		return m.consumer
	}
	return nil
}
