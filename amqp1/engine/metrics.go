// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/absmach/fluxlink/amqp1/engine"

// Metrics holds OpenTelemetry metric instruments for the link engine.
type Metrics struct {
	meter metric.Meter

	transfersSent     metric.Int64Counter
	transfersReceived metric.Int64Counter
	bytesSent         metric.Int64Counter
	bytesReceived     metric.Int64Counter
	outcomes          metric.Int64Counter
	keepalives        metric.Int64Counter
	errorsTotal       metric.Int64Counter

	linksCurrent metric.Int64UpDownCounter

	settleLatency metric.Float64Histogram
}

// NewMetrics creates the engine instruments on provider. A nil provider
// uses the global one.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: provider.Meter(instrumentationName),
	}

	var err error

	m.transfersSent, err = m.meter.Int64Counter(
		"amqp.link.transfers.sent.total",
		metric.WithDescription("Total transfers sent on sender links"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfersSent counter: %w", err)
	}

	m.transfersReceived, err = m.meter.Int64Counter(
		"amqp.link.transfers.received.total",
		metric.WithDescription("Total transfers received on receiver links"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfersReceived counter: %w", err)
	}

	m.bytesSent, err = m.meter.Int64Counter(
		"amqp.link.bytes.sent.total",
		metric.WithDescription("Total message body bytes sent"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesSent counter: %w", err)
	}

	m.bytesReceived, err = m.meter.Int64Counter(
		"amqp.link.bytes.received.total",
		metric.WithDescription("Total message body bytes received"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesReceived counter: %w", err)
	}

	m.outcomes, err = m.meter.Int64Counter(
		"amqp.link.deliveries.total",
		metric.WithDescription("Finished deliveries by terminal status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outcomes counter: %w", err)
	}

	m.keepalives, err = m.meter.Int64Counter(
		"amqp.connection.keepalives.total",
		metric.WithDescription("Total keepalive frames sent"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create keepalives counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"amqp.link.errors.total",
		metric.WithDescription("Total engine errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.linksCurrent, err = m.meter.Int64UpDownCounter(
		"amqp.links.current",
		metric.WithDescription("Current number of active links"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create linksCurrent gauge: %w", err)
	}

	m.settleLatency, err = m.meter.Float64Histogram(
		"amqp.link.delivery.latency",
		metric.WithDescription("Logical time from send to terminal status"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create settleLatency histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordLinkAttached() {
	m.linksCurrent.Add(context.Background(), 1)
}

func (m *Metrics) RecordLinkDetached() {
	m.linksCurrent.Add(context.Background(), -1)
}

func (m *Metrics) RecordTransferSent(sizeBytes int64) {
	ctx := context.Background()
	m.transfersSent.Add(ctx, 1)
	m.bytesSent.Add(ctx, sizeBytes)
}

func (m *Metrics) RecordTransferReceived(sizeBytes int64) {
	ctx := context.Background()
	m.transfersReceived.Add(ctx, 1)
	m.bytesReceived.Add(ctx, sizeBytes)
}

// RecordOutcome counts a finished delivery and how long it was outstanding
// in logical time.
func (m *Metrics) RecordOutcome(status DeliveryStatus, latency time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("status", status.String()))
	m.outcomes.Add(ctx, 1, attrs)
	m.settleLatency.Record(ctx, latency.Seconds(), attrs)
}

func (m *Metrics) RecordKeepalive() {
	m.keepalives.Add(context.Background(), 1)
}

func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
