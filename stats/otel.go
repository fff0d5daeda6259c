// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments mirroring the atomic
// counters. All methods are nil-safe so callers can wire a nil
// *Metrics when metrics are disabled.
type Metrics struct {
	meter metric.Meter

	messagesSent      metric.Int64Counter
	messagesDelivered metric.Int64Counter
	messagesFailed    metric.Int64Counter
	messagesRetried   metric.Int64Counter
	messagesFiltered  metric.Int64Counter
	messagesQueued    metric.Int64Counter

	subscribersActive metric.Int64UpDownCounter
	pendingMessages   metric.Int64UpDownCounter

	deliveryDuration metric.Float64Histogram
	payloadSize      metric.Int64Histogram
}

// NewMetrics creates a Metrics instance with all instruments
// initialized on the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{meter: otel.Meter("windroute")}

	var err error

	m.messagesSent, err = m.meter.Int64Counter(
		"router.messages.sent.total",
		metric.WithDescription("Total envelopes accepted for routing"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messagesSent counter: %w", err)
	}

	m.messagesDelivered, err = m.meter.Int64Counter(
		"router.messages.delivered.total",
		metric.WithDescription("Total per-recipient deliveries"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messagesDelivered counter: %w", err)
	}

	m.messagesFailed, err = m.meter.Int64Counter(
		"router.messages.failed.total",
		metric.WithDescription("Total failed per-recipient deliveries"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messagesFailed counter: %w", err)
	}

	m.messagesRetried, err = m.meter.Int64Counter(
		"router.messages.retried.total",
		metric.WithDescription("Total scheduled delivery retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messagesRetried counter: %w", err)
	}

	m.messagesFiltered, err = m.meter.Int64Counter(
		"router.messages.filtered.total",
		metric.WithDescription("Total filter drops"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messagesFiltered counter: %w", err)
	}

	m.messagesQueued, err = m.meter.Int64Counter(
		"router.messages.queued.total",
		metric.WithDescription("Total envelopes parked in pending queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messagesQueued counter: %w", err)
	}

	m.subscribersActive, err = m.meter.Int64UpDownCounter(
		"router.subscribers.active",
		metric.WithDescription("Active subscriber registrations"),
	)
	if err != nil {
		return nil, fmt.Errorf("create subscribersActive gauge: %w", err)
	}

	m.pendingMessages, err = m.meter.Int64UpDownCounter(
		"router.messages.pending",
		metric.WithDescription("Messages parked in pending queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pendingMessages gauge: %w", err)
	}

	m.deliveryDuration, err = m.meter.Float64Histogram(
		"router.delivery.duration",
		metric.WithDescription("Per-recipient delivery duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create deliveryDuration histogram: %w", err)
	}

	m.payloadSize, err = m.meter.Int64Histogram(
		"router.payload.size",
		metric.WithDescription("Outgoing payload size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("create payloadSize histogram: %w", err)
	}

	return m, nil
}

// RecordSent records an accepted envelope.
func (m *Metrics) RecordSent(ctx context.Context, msgType string, size int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", msgType))
	m.messagesSent.Add(ctx, 1, attrs)
	m.payloadSize.Record(ctx, int64(size), attrs)
}

// RecordDelivered records a successful delivery with its duration.
func (m *Metrics) RecordDelivered(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.messagesDelivered.Add(ctx, 1)
	m.deliveryDuration.Record(ctx, float64(d.Microseconds())/1000.0)
}

// RecordFailed records a failed delivery.
func (m *Metrics) RecordFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesFailed.Add(ctx, 1)
}

// RecordRetried records a scheduled retry.
func (m *Metrics) RecordRetried(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesRetried.Add(ctx, 1)
}

// RecordFiltered records a filter drop.
func (m *Metrics) RecordFiltered(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesFiltered.Add(ctx, 1)
}

// RecordQueued records a message parked in a pending queue.
func (m *Metrics) RecordQueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesQueued.Add(ctx, 1)
	m.pendingMessages.Add(ctx, 1)
}

// RecordDequeued records a message leaving a pending queue.
func (m *Metrics) RecordDequeued(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.pendingMessages.Add(ctx, -int64(n))
}

// SubscriberChange adjusts the active-subscriber gauge.
func (m *Metrics) SubscriberChange(ctx context.Context, delta int) {
	if m == nil {
		return
	}
	m.subscribersActive.Add(ctx, int64(delta))
}
