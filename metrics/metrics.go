// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the OpenTelemetry instruments recorded by the broker.
// A nil *Metrics records nothing.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const queueKey = attribute.Key("queue")

// Metrics holds OpenTelemetry metric instruments for the broker.
type Metrics struct {
	// Counters
	messagesAdded       metric.Int64Counter
	messagesAcked       metric.Int64Counter
	messagesExpired     metric.Int64Counter
	messagesRedelivered metric.Int64Counter
	messagesKilled      metric.Int64Counter
	creditStalls        metric.Int64Counter
	callbackErrors      metric.Int64Counter

	// UpDownCounters (Gauges)
	messagesDelivering metric.Int64UpDownCounter
	consumersActive    metric.Int64UpDownCounter

	// Histograms
	sendWait     metric.Float64Histogram
	transactions metric.Float64Histogram
}

// New creates all instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.messagesAdded, err = meter.Int64Counter(
		"fluxq.messages.added",
		metric.WithDescription("Messages appended to queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesAdded counter: %w", err)
	}

	m.messagesAcked, err = meter.Int64Counter(
		"fluxq.messages.acknowledged",
		metric.WithDescription("Messages acknowledged and removed from queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesAcked counter: %w", err)
	}

	m.messagesExpired, err = meter.Int64Counter(
		"fluxq.messages.expired",
		metric.WithDescription("Messages removed after their time to live"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesExpired counter: %w", err)
	}

	m.messagesRedelivered, err = meter.Int64Counter(
		"fluxq.messages.redelivered",
		metric.WithDescription("Messages returned to queues for redelivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesRedelivered counter: %w", err)
	}

	m.messagesKilled, err = meter.Int64Counter(
		"fluxq.messages.dead_lettered",
		metric.WithDescription("Messages moved to a dead letter address"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesKilled counter: %w", err)
	}

	m.creditStalls, err = meter.Int64Counter(
		"fluxq.producer.credit_stalls",
		metric.WithDescription("Sends that waited for producer credit"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create creditStalls counter: %w", err)
	}

	m.callbackErrors, err = meter.Int64Counter(
		"fluxq.consumer.callback_errors",
		metric.WithDescription("Listener callbacks that failed or panicked"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callbackErrors counter: %w", err)
	}

	m.messagesDelivering, err = meter.Int64UpDownCounter(
		"fluxq.messages.delivering",
		metric.WithDescription("Messages delivered and not yet acknowledged"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDelivering gauge: %w", err)
	}

	m.consumersActive, err = meter.Int64UpDownCounter(
		"fluxq.consumers.active",
		metric.WithDescription("Attached consumer cursors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumersActive gauge: %w", err)
	}

	m.sendWait, err = meter.Float64Histogram(
		"fluxq.producer.send_wait",
		metric.WithDescription("Time a send spent in flow control"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sendWait histogram: %w", err)
	}

	m.transactions, err = meter.Float64Histogram(
		"fluxq.transaction.duration",
		metric.WithDescription("Duration of commit and rollback"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactions histogram: %w", err)
	}

	return m, nil
}

func queueAttr(queue string) metric.MeasurementOption {
	return metric.WithAttributes(queueKey.String(queue))
}

func (m *Metrics) MessageAdded(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.messagesAdded.Add(ctx, 1, queueAttr(queue))
}

func (m *Metrics) MessagesAcked(ctx context.Context, queue string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.messagesAcked.Add(ctx, int64(n), queueAttr(queue))
}

func (m *Metrics) MessagesExpired(ctx context.Context, queue string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.messagesExpired.Add(ctx, int64(n), queueAttr(queue))
}

func (m *Metrics) MessagesRedelivered(ctx context.Context, queue string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.messagesRedelivered.Add(ctx, int64(n), queueAttr(queue))
}

func (m *Metrics) MessageKilled(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.messagesKilled.Add(ctx, 1, queueAttr(queue))
}

// Delivering adjusts the in-flight gauge by delta.
func (m *Metrics) Delivering(ctx context.Context, queue string, delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.messagesDelivering.Add(ctx, int64(delta), queueAttr(queue))
}

func (m *Metrics) ConsumerAttached(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.consumersActive.Add(ctx, 1, queueAttr(queue))
}

func (m *Metrics) ConsumerDetached(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.consumersActive.Add(ctx, -1, queueAttr(queue))
}

func (m *Metrics) CreditStall(ctx context.Context) {
	if m == nil {
		return
	}
	m.creditStalls.Add(ctx, 1)
}

func (m *Metrics) CallbackError(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.callbackErrors.Add(ctx, 1, queueAttr(queue))
}

// SendWait records time spent waiting for credit and rate tokens.
func (m *Metrics) SendWait(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.sendWait.Record(ctx, float64(d.Microseconds())/1000)
}

// Transaction records how long a commit or rollback took.
func (m *Metrics) Transaction(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.transactions.Record(ctx, float64(d.Microseconds())/1000,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
