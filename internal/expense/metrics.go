package expense

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records flow metrics.
// Use NewMetricsRecorder for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordTransition records a step change, including terminations to idle
	RecordTransition(ctx context.Context, from, to Step)

	// RecordExtraction records an extraction call and its outcome
	RecordExtraction(ctx context.Context, outcome string, duration time.Duration)

	// RecordCommit records the per-item results of a commit
	RecordCommit(ctx context.Context, succeeded, failed int)

	// RecordHandlerError records an error converted into an apology
	RecordHandlerError(ctx context.Context, step Step)
}

// Extraction outcomes
const (
	ExtractionOK         = "ok"
	ExtractionNotReceipt = "not_a_receipt"
	ExtractionNoItems    = "no_items"
	ExtractionError      = "error"
)

type otelMetrics struct {
	transitions       metric.Int64Counter
	extractions       metric.Int64Counter
	extractionLatency metric.Float64Histogram
	commitItems       metric.Int64Counter
	handlerErrors     metric.Int64Counter
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	transitions, err := meter.Int64Counter("expense.flow.transitions",
		metric.WithDescription("Number of flow step transitions"),
	)
	if err != nil {
		return nil, err
	}

	extractions, err := meter.Int64Counter("expense.extraction.calls",
		metric.WithDescription("Number of receipt extractions"),
	)
	if err != nil {
		return nil, err
	}

	extractionLatency, err := meter.Float64Histogram("expense.extraction.latency_ms",
		metric.WithDescription("Receipt extraction latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	commitItems, err := meter.Int64Counter("expense.commit.items",
		metric.WithDescription("Number of items written to the ledger"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("expense.handler.errors",
		metric.WithDescription("Number of step handler errors"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		transitions:       transitions,
		extractions:       extractions,
		extractionLatency: extractionLatency,
		commitItems:       commitItems,
		handlerErrors:     handlerErrors,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder on the given meter.
// If instrument creation fails, returns a no-op recorder.
func NewMetricsRecorder(meter metric.Meter) MetricsRecorder {
	m, err := newOtelMetrics(meter)
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder", "error", err)
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordTransition(ctx context.Context, from, to Step) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (m *otelMetrics) RecordExtraction(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.extractions.Add(ctx, 1, attrs)
	m.extractionLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordCommit(ctx context.Context, succeeded, failed int) {
	if succeeded > 0 {
		m.commitItems.Add(ctx, int64(succeeded), metric.WithAttributes(attribute.Bool("success", true)))
	}
	if failed > 0 {
		m.commitItems.Add(ctx, int64(failed), metric.WithAttributes(attribute.Bool("success", false)))
	}
}

func (m *otelMetrics) RecordHandlerError(ctx context.Context, step Step) {
	m.handlerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("step", string(step))))
}

// NoopMetrics discards everything
type NoopMetrics struct{}

func (NoopMetrics) RecordTransition(context.Context, Step, Step) {}
func (NoopMetrics) RecordExtraction(context.Context, string, time.Duration) {}
func (NoopMetrics) RecordCommit(context.Context, int, int) {}
func (NoopMetrics) RecordHandlerError(context.Context, Step) {}
