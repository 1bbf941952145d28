package loader

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type loaderMetrics struct {
	activeFlushes metric.Int64UpDownCounter
	flushes       metric.Int64Counter
	rows          metric.Int64Counter
	stageLatency  metric.Float64Histogram

	attrs metric.MeasurementOption
	table attribute.KeyValue
}

func (m *loaderMetrics) init(meter metric.Meter, table string) error {
	var err error
	m.activeFlushes, err = meter.Int64UpDownCounter("bulkload.loader.active_flushes",
		metric.WithDescription("number of flush operations in flight"),
		metric.WithUnit("{flush}"))
	if err != nil {
		return fmt.Errorf("creating active_flushes counter: %w", err)
	}
	m.flushes, err = meter.Int64Counter("bulkload.loader.flushes",
		metric.WithDescription("number of flush operations finished"),
		metric.WithUnit("{flush}"))
	if err != nil {
		return fmt.Errorf("creating flushes counter: %w", err)
	}
	m.rows, err = meter.Int64Counter("bulkload.loader.rows",
		metric.WithDescription("number of rows inserted"),
		metric.WithUnit("{row}"))
	if err != nil {
		return fmt.Errorf("creating rows counter: %w", err)
	}
	m.stageLatency, err = meter.Float64Histogram("bulkload.loader.stage_latency",
		metric.WithDescription("time taken by each flush stage"),
		metric.WithUnit("s"))
	if err != nil {
		return fmt.Errorf("creating stage_latency histogram: %w", err)
	}

	m.table = attribute.String("table", table)
	m.attrs = metric.WithAttributes(m.table)
	return nil
}

func (m *loaderMetrics) recordResult(ctx context.Context, res Result) {
	outcome := "done"
	if res.Err != nil {
		outcome = "failed"
	}
	m.flushes.Add(ctx, 1, metric.WithAttributes(
		m.table,
		attribute.String("outcome", outcome),
		attribute.String("stage", string(res.Stage)),
	))
	for stage, d := range res.Latencies {
		m.stageLatency.Record(ctx, d.Seconds(), metric.WithAttributes(m.table, attribute.String("stage", string(stage))))
	}
}
