// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/json"
	"fmt"
)

// BodyKind is the declared variant of a message body.
type BodyKind uint8

const (
	BodyEmpty BodyKind = iota
	BodyBytes
	BodyText
	BodyStream
	BodyMap
)

func (k BodyKind) String() string {
	switch k {
	case BodyBytes:
		return "bytes"
	case BodyText:
		return "text"
	case BodyStream:
		return "stream"
	case BodyMap:
		return "map"
	default:
		return "empty"
	}
}

// Body is a tagged message payload. Accessors fail with ErrInvalidMessageFormat
// when asked for a variant other than the declared one.
type Body struct {
	kind   BodyKind
	bytes  []byte
	text   string
	stream []Value
	fields map[string]Value
}

func BytesBody(b []byte) Body {
	return Body{kind: BodyBytes, bytes: append([]byte(nil), b...)}
}

func TextBody(s string) Body {
	return Body{kind: BodyText, text: s}
}

func StreamBody(values ...Value) Body {
	return Body{kind: BodyStream, stream: append([]Value(nil), values...)}
}

// MapBody builds a map body. Entry names follow property naming rules.
func MapBody(fields map[string]Value) (Body, error) {
	m := make(map[string]Value, len(fields))
	for k, v := range fields {
		if k == "" {
			return Body{}, fmt.Errorf("empty map entry name: %w", ErrInvalidMessageFormat)
		}
		m[k] = v
	}
	return Body{kind: BodyMap, fields: m}, nil
}

func (b Body) Kind() BodyKind { return b.kind }

func (b Body) Bytes() ([]byte, error) {
	if err := b.expect(BodyBytes); err != nil {
		return nil, err
	}
	return append([]byte(nil), b.bytes...), nil
}

func (b Body) Text() (string, error) {
	if err := b.expect(BodyText); err != nil {
		return "", err
	}
	return b.text, nil
}

func (b Body) Stream() ([]Value, error) {
	if err := b.expect(BodyStream); err != nil {
		return nil, err
	}
	return append([]Value(nil), b.stream...), nil
}

func (b Body) Map() (map[string]Value, error) {
	if err := b.expect(BodyMap); err != nil {
		return nil, err
	}
	m := make(map[string]Value, len(b.fields))
	for k, v := range b.fields {
		m[k] = v
	}
	return m, nil
}

// Size approximates the payload size in bytes.
func (b Body) Size() int {
	switch b.kind {
	case BodyBytes:
		return len(b.bytes)
	case BodyText:
		return len(b.text)
	case BodyStream:
		n := 0
		for _, v := range b.stream {
			n += valueSize(v)
		}
		return n
	case BodyMap:
		n := 0
		for k, v := range b.fields {
			n += len(k) + valueSize(v)
		}
		return n
	default:
		return 0
	}
}

func valueSize(v Value) int {
	if v.kind == KindString {
		return len(v.s)
	}
	return 8
}

func (b Body) expect(kind BodyKind) error {
	if b.kind != kind {
		return fmt.Errorf("body is %s, not %s: %w", b.kind, kind, ErrInvalidMessageFormat)
	}
	return nil
}

type bodyJSON struct {
	Kind   BodyKind         `json:"kind"`
	Bytes  []byte           `json:"bytes,omitempty"`
	Text   string           `json:"text,omitempty"`
	Stream []Value          `json:"stream,omitempty"`
	Map    map[string]Value `json:"map,omitempty"`
}

func (b Body) MarshalJSON() ([]byte, error) {
	return json.Marshal(bodyJSON{Kind: b.kind, Bytes: b.bytes, Text: b.text, Stream: b.stream, Map: b.fields})
}

func (b *Body) UnmarshalJSON(data []byte) error {
	var raw bodyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Kind > BodyMap {
		return fmt.Errorf("unknown body kind %d: %w", raw.Kind, ErrInvalidMessageFormat)
	}
	*b = Body{kind: raw.Kind, bytes: raw.Bytes, text: raw.Text, stream: raw.Stream, fields: raw.Map}
	return nil
}
