package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricInstruments holds the cached metric instruments the node actually
// records through: counters for the "*_total"/"*_count" conventions and
// histograms for "*_duration_ms"/"*_latency_ms".
type MetricInstruments struct {
	meter      metric.Meter
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	mu         sync.RWMutex
}

// NewMetricInstruments creates a new metrics instrument cache.
func NewMetricInstruments(meterName string) *MetricInstruments {
	return &MetricInstruments{
		meter:      otel.Meter(meterName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// RecordCounter increments a counter metric.
func (m *MetricInstruments) RecordCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		// Double-check after acquiring write lock
		if counter, exists = m.counters[name]; !exists {
			var err error
			counter, err = m.meter.Int64Counter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create counter %s: %w", name, err)
			}
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordHistogram records a value distribution (like latencies).
func (m *MetricInstruments) RecordHistogram(ctx context.Context, name string, value float64, opts ...metric.RecordOption) error {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if histogram, exists = m.histograms[name]; !exists {
			var err error
			histogram, err = m.meter.Float64Histogram(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create histogram %s: %w", name, err)
			}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.Record(ctx, value, opts...)
	return nil
}

// RecordError increments an error counter with error type.
func (m *MetricInstruments) RecordError(ctx context.Context, name string, errorType string) error {
	return m.RecordCounter(ctx, name, 1,
		metric.WithAttributes(attribute.String("error.type", errorType)))
}

// RecordSuccess increments a success counter.
func (m *MetricInstruments) RecordSuccess(ctx context.Context, name string) error {
	return m.RecordCounter(ctx, name, 1,
		metric.WithAttributes(attribute.String("status", "success")))
}

// Node metric name constants, following the node.<area>.<measure> convention.
const (
	// Intent lifecycle metrics
	MetricIntentsReceivedTotal  = "node.intent.received_total"
	MetricIntentsCompletedTotal = "node.intent.completed_total"
	MetricIntentsFailedTotal    = "node.intent.failed_total"
	MetricIntentsCancelledTotal = "node.intent.cancelled_total"

	// Planning metrics
	MetricPlanningDurationMs  = "node.planning.duration_ms"
	MetricPlanningStatesCount = "node.planning.states_explored_count"
	MetricPlanStepsTotal      = "node.plan.steps_total"

	// Execution metrics
	MetricStepDurationMs  = "node.execution.step.duration_ms"
	MetricStepFailedTotal = "node.execution.step.failed_total"

	// Artifact/trace metrics
	MetricMerkleVerifyFailedTotal = "node.artifact.merkle_verify_failed_total"

	// Negotiation metrics
	MetricNegotiationRoundsTotal   = "node.negotiation.rounds_total"
	MetricNegotiationRejectedTotal = "node.negotiation.rejected_total"
)
