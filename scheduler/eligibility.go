// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package scheduler decides when messages become dispatchable and when they
// expire, and wakes queues when delayed messages come due.
package scheduler

import (
	"time"

	"github.com/absmach/fluxq/types"
)

// State is the dispatch state of a message at a point in time.
type State uint8

const (
	// Pending messages wait for their delivery delay to pass.
	Pending State = iota
	Ready
	Expired
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	default:
		return "expired"
	}
}

// StateAt classifies msg at now. Expiry wins over eligibility.
func StateAt(msg *types.Message, now time.Time) State {
	if IsExpired(msg, now) {
		return Expired
	}
	if now.Before(msg.NotBefore()) {
		return Pending
	}
	return Ready
}

// IsEligible reports whether now >= notBefore.
func IsEligible(msg *types.Message, now time.Time) bool {
	return !now.Before(msg.NotBefore())
}

// IsExpired reports whether now >= notAfter.
func IsExpired(msg *types.Message, now time.Time) bool {
	deadline, ok := msg.NotAfter()
	return ok && !now.Before(deadline)
}
