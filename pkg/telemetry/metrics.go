package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce            sync.Once
	metricsInitErr         error
	decisionCounter        metric.Int64Counter
	headerRewriteCounter   metric.Int64Counter
	evaluationErrorCounter metric.Int64Counter
	evaluationHistogram    metric.Float64Histogram
)

// DecisionMetrics captures the fields needed to record one policy evaluation.
type DecisionMetrics struct {
	Action   string // "allow", "deny", "noop" or "error"
	Type     string // resource type
	Rewrites int
	Duration time.Duration
}

// RecordDecision emits counters and histograms that describe one evaluation.
func RecordDecision(ctx context.Context, m DecisionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("decision.action", m.Action),
		attribute.String("request.type", m.Type),
	)

	decisionCounter.Add(ctx, 1, attrs)

	if m.Action == "error" {
		evaluationErrorCounter.Add(ctx, 1, attrs)
	}

	if m.Rewrites > 0 {
		headerRewriteCounter.Add(ctx, int64(m.Rewrites), attrs)
	}

	if m.Duration > 0 {
		evaluationHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis-anon.policy")

		decisionCounter, metricsInitErr = meter.Int64Counter(
			"anon.decisions_total",
			metric.WithDescription("Policy decisions partitioned by action and resource type"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		headerRewriteCounter, metricsInitErr = meter.Int64Counter(
			"anon.header_rewrites_total",
			metric.WithDescription("User-Agent header values replaced by the policy"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		evaluationErrorCounter, metricsInitErr = meter.Int64Counter(
			"anon.evaluation_errors_total",
			metric.WithDescription("Policy evaluations that failed"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		evaluationHistogram, metricsInitErr = meter.Float64Histogram(
			"anon.evaluation.duration_ms",
			metric.WithDescription("Observed policy evaluation latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
