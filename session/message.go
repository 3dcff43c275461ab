// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync/atomic"

	"github.com/absmach/fluxq/types"
)

// Message is a received message bound to the consumer that received it.
type Message struct {
	*types.Message

	consumer *Consumer
	running  atomic.Bool // listener callback handling the message
}

// Acknowledge acknowledges the message. In client acknowledgement mode it
// also acknowledges every earlier message received on the same session.
// It fails with types.ErrIllegalState once the session is closed, and when
// called from a listener of a session that acknowledges automatically.
func (m *Message) Acknowledge() error {
	c := m.consumer
	s := c.s
	if s.State() == StateClosed {
		return s.illegalClosed()
	}

	switch s.mode {
	case ClientAck:
		return s.acknowledge(context.Background(), c, m.ID)
	case AutoAck, DupsOKAck:
		if m.running.Load() {
			return types.ErrIllegalState
		}
	}
	return nil
}
