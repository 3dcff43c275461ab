// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDestination   = errors.New("invalid destination")
	ErrInvalidMessageFormat = errors.New("invalid message format")
	ErrResourceClosed       = errors.New("resource closed")
	ErrIllegalState         = errors.New("illegal state")
	ErrTimeout              = errors.New("timeout")
)

// Closed errors for specific resources. All of them match ErrResourceClosed.
var (
	ErrProducerClosed   = fmt.Errorf("producer: %w", ErrResourceClosed)
	ErrConsumerClosed   = fmt.Errorf("consumer: %w", ErrResourceClosed)
	ErrSessionClosed    = fmt.Errorf("session: %w", ErrResourceClosed)
	ErrConnectionClosed = fmt.Errorf("connection: %w", ErrResourceClosed)
)
