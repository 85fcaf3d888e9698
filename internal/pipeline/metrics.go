package pipeline

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/Zolokon/business-planner-sub000/internal/pipeline"

// Metrics holds pipeline instruments.
type Metrics struct {
	runs          metric.Int64Counter
	stageDuration metric.Float64Histogram
	completions   metric.Int64Counter
	accuracy      metric.Float64Histogram
}

var (
	sharedMetrics     *Metrics
	sharedMetricsOnce sync.Once
)

func defaultMetrics() *Metrics {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = NewMetrics(otel.Meter(instrumentationName), zap.NewNop())
	})
	return sharedMetrics
}

// NewMetrics creates pipeline instruments on meter.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}

	var err error
	m.runs, err = meter.Int64Counter(
		"planner.pipeline.runs",
		metric.WithDescription("Pipeline runs by result"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		logger.Warn("failed to create runs counter", zap.Error(err))
	}

	m.stageDuration, err = meter.Float64Histogram(
		"planner.pipeline.stage.duration",
		metric.WithDescription("Duration of pipeline stages"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		logger.Warn("failed to create stage duration histogram", zap.Error(err))
	}

	m.completions, err = meter.Int64Counter(
		"planner.pipeline.completions",
		metric.WithDescription("Completion recordings by result"),
		metric.WithUnit("{completion}"),
	)
	if err != nil {
		logger.Warn("failed to create completions counter", zap.Error(err))
	}

	m.accuracy, err = meter.Float64Histogram(
		"planner.pipeline.estimation_accuracy",
		metric.WithDescription("Estimation accuracy of completed tasks"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1),
	)
	if err != nil {
		logger.Warn("failed to create accuracy histogram", zap.Error(err))
	}
	return m
}

func (m *Metrics) recordStage(ctx context.Context, stage Stage, d time.Duration, err error) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.Bool("error", err != nil),
	))
}

func (m *Metrics) recordRun(ctx context.Context, result string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) recordCompletion(ctx context.Context, result string, businessID int, accuracy *float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result), attribute.Int("business.id", businessID))
	if m.completions != nil {
		m.completions.Add(ctx, 1, attrs)
	}
	if accuracy != nil && m.accuracy != nil {
		m.accuracy.Record(ctx, *accuracy, metric.WithAttributes(attribute.Int("business.id", businessID)))
	}
}
