// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"time"
)

const (
	DefaultPriority uint8 = 4
	MaxPriority     uint8 = 9
)

// Message is a payload plus delivery metadata. ID is assigned by the broker
// when the message is appended to its destination queue.
type Message struct {
	ID              uint64        `json:"id"`
	Destination     string        `json:"destination"`
	Durable         bool          `json:"durable"`
	Priority        uint8         `json:"priority"`
	Properties      Properties    `json:"properties,omitempty"`
	Body            Body          `json:"body"`
	CreatedAt       time.Time     `json:"created_at"`
	DeliveryDelay   time.Duration `json:"delivery_delay,omitempty"`
	TimeToLive      time.Duration `json:"ttl,omitempty"`
	RedeliveryCount int           `json:"redelivery_count,omitempty"`
}

// NewMessage returns a durable message with default priority.
func NewMessage(body Body) *Message {
	return &Message{
		Durable:  true,
		Priority: DefaultPriority,
		Body:     body,
	}
}

func NewTextMessage(text string) *Message {
	return NewMessage(TextBody(text))
}

// SetProperty sets a typed property.
func (m *Message) SetProperty(name string, v Value) error {
	if !ValidPropertyName(name) {
		return fmt.Errorf("property name %q: %w", name, ErrInvalidMessageFormat)
	}
	if m.Properties == nil {
		m.Properties = make(Properties)
	}
	m.Properties[name] = v
	return nil
}

// Property returns the named property.
func (m *Message) Property(name string) (Value, bool) {
	return m.Properties.Get(name)
}

// NotBefore is the earliest time the message may be dispatched.
func (m *Message) NotBefore() time.Time {
	return m.CreatedAt.Add(m.DeliveryDelay)
}

// NotAfter is the expiry deadline. ok is false for messages that never expire.
func (m *Message) NotAfter() (deadline time.Time, ok bool) {
	if m.TimeToLive <= 0 {
		return time.Time{}, false
	}
	return m.CreatedAt.Add(m.TimeToLive), true
}

func (m *Message) Redelivered() bool {
	return m.RedeliveryCount > 0
}

// Validate checks the fields a producer controls.
func (m *Message) Validate() error {
	if m.Priority > MaxPriority {
		return fmt.Errorf("priority %d out of range: %w", m.Priority, ErrInvalidMessageFormat)
	}
	if m.DeliveryDelay < 0 || m.TimeToLive < 0 {
		return fmt.Errorf("negative delivery delay or ttl: %w", ErrInvalidMessageFormat)
	}
	for name := range m.Properties {
		if !ValidPropertyName(name) {
			return fmt.Errorf("property name %q: %w", name, ErrInvalidMessageFormat)
		}
	}
	return nil
}

// Clone returns a copy whose delivery metadata and properties can be changed
// without affecting m. The body is shared since bodies are never mutated.
func (m *Message) Clone() *Message {
	c := *m
	c.Properties = m.Properties.Clone()
	return &c
}
