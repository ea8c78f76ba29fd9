// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/relay/consumer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var _ consumer.Recorder = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for the consumer.
type Metrics struct {
	meter metric.Meter

	// Counters
	cyclesTotal        metric.Int64Counter
	cyclesSkipped      metric.Int64Counter
	messagesReceived   metric.Int64Counter
	receiveErrorsTotal metric.Int64Counter
	outcomesTotal      metric.Int64Counter

	// Histograms
	handleDuration metric.Float64Histogram

	registrations []metric.Registration
}

// NewMetrics creates a new Metrics instance from the global MeterProvider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

// NewMetricsWithProvider creates a new Metrics instance with all instruments
// initialized from mp.
func NewMetricsWithProvider(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{
		meter: mp.Meter("relay-consumer"),
	}

	var err error

	m.cyclesTotal, err = m.meter.Int64Counter(
		"relay.poll.cycles.total",
		metric.WithDescription("Total poll cycles started"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cyclesTotal counter: %w", err)
	}

	m.cyclesSkipped, err = m.meter.Int64Counter(
		"relay.poll.cycles.skipped",
		metric.WithDescription("Poll cycles skipped because the poll budget was exhausted"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cyclesSkipped counter: %w", err)
	}

	m.messagesReceived, err = m.meter.Int64Counter(
		"relay.messages.received.total",
		metric.WithDescription("Total messages received from the source queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	m.receiveErrorsTotal, err = m.meter.Int64Counter(
		"relay.receive.errors.total",
		metric.WithDescription("Total failed receive calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create receiveErrorsTotal counter: %w", err)
	}

	m.outcomesTotal, err = m.meter.Int64Counter(
		"relay.messages.outcomes.total",
		metric.WithDescription("Handled messages by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outcomesTotal counter: %w", err)
	}

	m.handleDuration, err = m.meter.Float64Histogram(
		"relay.handle.duration.ms",
		metric.WithDescription("Message handling duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handleDuration histogram: %w", err)
	}

	return m, nil
}

// ObserveTracked exports fn as the number of messages with retry state.
func (m *Metrics) ObserveTracked(fn func() int) error {
	gauge, err := m.meter.Int64ObservableGauge(
		"relay.retry.tracked",
		metric.WithDescription("Messages currently holding retry state"),
	)
	if err != nil {
		return fmt.Errorf("failed to create tracked gauge: %w", err)
	}

	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(fn()))
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("failed to register tracked callback: %w", err)
	}
	m.registrations = append(m.registrations, reg)
	return nil
}

// Close unregisters observable callbacks.
func (m *Metrics) Close() error {
	for _, reg := range m.registrations {
		if err := reg.Unregister(); err != nil {
			return err
		}
	}
	m.registrations = nil
	return nil
}

// RecordCycle records a poll cycle.
func (m *Metrics) RecordCycle(skipped bool) {
	ctx := context.Background()
	m.cyclesTotal.Add(ctx, 1)
	if skipped {
		m.cyclesSkipped.Add(ctx, 1)
	}
}

// RecordReceived records messages returned by a receive call.
func (m *Metrics) RecordReceived(n int) {
	m.messagesReceived.Add(context.Background(), int64(n))
}

// RecordReceiveError records a failed receive call.
func (m *Metrics) RecordReceiveError() {
	m.receiveErrorsTotal.Add(context.Background(), 1)
}

// RecordOutcome records the outcome of one handled message.
func (m *Metrics) RecordOutcome(outcome consumer.Outcome, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	m.outcomesTotal.Add(ctx, 1, attrs)
	m.handleDuration.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
}
