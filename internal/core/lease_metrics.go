package core

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type leaseMetrics struct {
	opCount    metric.Int64Counter
	opDuration metric.Int64Histogram
	reaped     metric.Int64Counter
}

func newLeaseMetrics(logger pslog.Logger) *leaseMetrics {
	meter := otel.Meter("pkt.systems/doclock/lease")
	m := &leaseMetrics{}
	var err error

	m.opCount, err = meter.Int64Counter(
		"doclock.lease.ops",
		metric.WithDescription("Lease operations by kind and result"),
	)
	logMetricInitError(logger, "doclock.lease.ops", err)

	m.opDuration, err = meter.Int64Histogram(
		"doclock.lease.duration_ms",
		metric.WithDescription("Lease operation duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "doclock.lease.duration_ms", err)

	m.reaped, err = meter.Int64Counter(
		"doclock.lease.reaped",
		metric.WithDescription("Expired lock records deleted"),
	)
	logMetricInitError(logger, "doclock.lease.reaped", err)

	return m
}

func (m *leaseMetrics) recordOp(ctx context.Context, op string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("doclock.lease.op", op),
		attribute.String("doclock.lease.result", metricResultLabel(err)),
	)
	if m.opCount != nil {
		m.opCount.Add(ctx, 1, attrs)
	}
	if m.opDuration != nil {
		m.opDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *leaseMetrics) recordReap(ctx context.Context, source string, count int) {
	if m == nil || m.reaped == nil || count <= 0 {
		return
	}
	m.reaped.Add(metricContext(ctx), int64(count), metric.WithAttributes(attribute.String("doclock.lease.reap_source", source)))
}

// metricResultLabel folds domain failures into a small label set.
func metricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	var failure Failure
	if errors.As(err, &failure) {
		return failure.Code
	}
	return "error"
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
