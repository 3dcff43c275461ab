// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "github.com/absmach/fluxq/types"

// CreditReceiver is given credits back once the broker processed a send.
type CreditReceiver interface {
	ReceiveTokens(n int)
}

// SendRequest asks the broker to add Message to the target queue.
type SendRequest struct {
	Message *types.Message

	// Credits, when set, receives the configured credit batch after the
	// request was handled.
	Credits CreditReceiver
}

// SendResponse acknowledges a handled SendRequest.
type SendResponse struct {
	ID    uint64
	Queue string
}

// CommitRequest applies a transaction's sends as one unit. Each message is
// routed to its own Destination; the request target is ignored.
type CommitRequest struct {
	Sends []*SendRequest
}

// CommitResponse lists the ids assigned to the committed messages, in
// request order.
type CommitResponse struct {
	IDs []uint64
}
