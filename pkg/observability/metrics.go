package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names recorded by the compiler.
const (
	MetricCompilations    = "capc.compilations"
	MetricDiagnostics     = "capc.diagnostics"
	MetricCompileDuration = "capc.compile.duration"
)

// CompilerMetrics holds the compiler's instruments.
type CompilerMetrics struct {
	compilations metric.Int64Counter
	diagnostics  metric.Int64Counter
	duration     metric.Float64Histogram
}

// NewCompilerMetrics creates the compiler instruments on meter.
func NewCompilerMetrics(meter metric.Meter) (*CompilerMetrics, error) {
	var (
		m   CompilerMetrics
		err error
	)
	m.compilations, err = meter.Int64Counter(MetricCompilations,
		metric.WithDescription("Compilations by outcome"),
		metric.WithUnit("{compilation}"),
	)
	if err != nil {
		return nil, err
	}
	m.diagnostics, err = meter.Int64Counter(MetricDiagnostics,
		metric.WithDescription("Diagnostics emitted by code and level"),
		metric.WithUnit("{diagnostic}"),
	)
	if err != nil {
		return nil, err
	}
	m.duration, err = meter.Float64Histogram(MetricCompileDuration,
		metric.WithDescription("Compilation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordCompilation records one finished compilation.
func (m *CompilerMetrics) RecordCompilation(ctx context.Context, mode string, accepted bool, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.Bool("accepted", accepted),
	)
	m.compilations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

// RecordDiagnostic records one emitted diagnostic.
func (m *CompilerMetrics) RecordDiagnostic(ctx context.Context, code, level string) {
	m.diagnostics.Add(ctx, 1, metric.WithAttributes(
		attribute.String("code", code),
		attribute.String("level", level),
	))
}
