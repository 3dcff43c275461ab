// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/fluxq/types"
	"github.com/klauspost/compress/s2"
)

const (
	formatJSON   byte = 0
	formatJSONS2 byte = 1
)

var ErrCorrupt = errors.New("corrupt record")

// Codec serializes messages for the durable stores. With Compress set,
// payloads are s2 compressed.
type Codec struct {
	Compress bool
}

func (c Codec) Encode(msg *types.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if !c.Compress {
		return append([]byte{formatJSON}, data...), nil
	}
	out := make([]byte, 1, 1+s2.MaxEncodedLen(len(data)))
	out[0] = formatJSONS2
	return append(out, s2.Encode(nil, data)...), nil
}

// Decode accepts records written with or without compression.
func (c Codec) Decode(data []byte) (*types.Message, error) {
	if len(data) == 0 {
		return nil, ErrCorrupt
	}
	payload := data[1:]
	switch data[0] {
	case formatJSON:
	case formatJSONS2:
		var err error
		payload, err = s2.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress record: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown format %d: %w", data[0], ErrCorrupt)
	}

	var msg types.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}
