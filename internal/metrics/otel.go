package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelCollector mirrors every recorded call into OpenTelemetry instruments
// while delegating queries to the wrapped Collector.
type OTelCollector struct {
	Collector

	calls     metric.Int64Counter
	failures  metric.Int64Counter
	cacheHits metric.Int64Counter
	retries   metric.Int64Counter
	latency   metric.Float64Histogram
}

func NewOTelCollector(inner Collector, meter metric.Meter) (*OTelCollector, error) {
	calls, err := meter.Int64Counter(
		"llm.calls",
		metric.WithDescription("Number of LLM calls, including cache hits"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter(
		"llm.calls.failed",
		metric.WithDescription("Number of LLM calls that ended in error"),
	)
	if err != nil {
		return nil, err
	}

	cacheHits, err := meter.Int64Counter(
		"llm.cache.hits",
		metric.WithDescription("Number of LLM calls served from cache"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"llm.retries",
		metric.WithDescription("Number of retried LLM attempts"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram(
		"llm.call.duration",
		metric.WithDescription("LLM call duration including retries"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1000, 5000, 30000, 120000),
	)
	if err != nil {
		return nil, err
	}

	return &OTelCollector{
		Collector: inner,
		calls:     calls,
		failures:  failures,
		cacheHits: cacheHits,
		retries:   retries,
		latency:   latency,
	}, nil
}

func (c *OTelCollector) RecordCall(rec CallRecord) {
	c.Collector.RecordCall(rec)

	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.Bool("success", rec.Success))

	c.calls.Add(ctx, 1, attrs)
	if rec.CacheHit {
		c.cacheHits.Add(ctx, 1)
		return
	}
	if !rec.Success {
		c.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("category", rec.ErrorCategory)))
	}
	if rec.RetryCount > 0 {
		c.retries.Add(ctx, int64(rec.RetryCount))
	}
	c.latency.Record(ctx, float64(rec.Latency.Milliseconds()), attrs)
}
