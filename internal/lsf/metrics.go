package lsf

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/doclock/internal/qrf"
	"pkt.systems/pslog"
)

type lsfMetrics struct {
	sample        metric.Int64Counter
	inflight      metric.Int64ObservableGauge
	memoryPercent metric.Float64ObservableGauge
	swapPercent   metric.Float64ObservableGauge
	cpuPercent    metric.Float64ObservableGauge
	load          metric.Float64ObservableGauge
	goroutines    metric.Int64ObservableGauge

	snapshot atomic.Value
}

func newLSFMetrics(logger pslog.Logger) *lsfMetrics {
	meter := otel.Meter("pkt.systems/doclock/lsf")
	m := &lsfMetrics{}
	var err error

	m.sample, err = meter.Int64Counter(
		"doclock.lsf.sample",
		metric.WithDescription("LSF samples collected"),
	)
	logMetricInitError(logger, "doclock.lsf.sample", err)

	m.inflight, err = meter.Int64ObservableGauge(
		"doclock.lsf.inflight",
		metric.WithDescription("In-flight lock operations by kind"),
	)
	logMetricInitError(logger, "doclock.lsf.inflight", err)

	m.memoryPercent, err = meter.Float64ObservableGauge(
		"doclock.lsf.memory.percent",
		metric.WithDescription("System memory used percent"),
	)
	logMetricInitError(logger, "doclock.lsf.memory.percent", err)

	m.swapPercent, err = meter.Float64ObservableGauge(
		"doclock.lsf.swap.percent",
		metric.WithDescription("System swap used percent"),
	)
	logMetricInitError(logger, "doclock.lsf.swap.percent", err)

	m.cpuPercent, err = meter.Float64ObservableGauge(
		"doclock.lsf.cpu.percent",
		metric.WithDescription("System CPU percent"),
	)
	logMetricInitError(logger, "doclock.lsf.cpu.percent", err)

	m.load, err = meter.Float64ObservableGauge(
		"doclock.lsf.load",
		metric.WithDescription("System load average"),
	)
	logMetricInitError(logger, "doclock.lsf.load", err)

	m.goroutines, err = meter.Int64ObservableGauge(
		"doclock.lsf.goroutines",
		metric.WithDescription("Goroutine count"),
	)
	logMetricInitError(logger, "doclock.lsf.goroutines", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		m.observe(o)
		return nil
	}, m.inflight, m.memoryPercent, m.swapPercent, m.cpuPercent, m.load, m.goroutines); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "doclock.lsf.metrics", "error", err)
	}

	return m
}

func (m *lsfMetrics) recordSample(ctx context.Context, snapshot qrf.Snapshot) {
	if m == nil {
		return
	}
	m.snapshot.Store(snapshot)
	if m.sample != nil {
		m.sample.Add(metricContext(ctx), 1)
	}
}

func (m *lsfMetrics) observe(o metric.Observer) {
	if m == nil {
		return
	}
	snapshot, ok := m.snapshot.Load().(qrf.Snapshot)
	if !ok {
		return
	}
	if m.inflight != nil {
		o.ObserveInt64(m.inflight, snapshot.AcquireInflight, metric.WithAttributes(attribute.String("doclock.lsf.kind", "acquire")))
		o.ObserveInt64(m.inflight, snapshot.RenewInflight, metric.WithAttributes(attribute.String("doclock.lsf.kind", "renew")))
	}
	if m.memoryPercent != nil {
		o.ObserveFloat64(m.memoryPercent, snapshot.SystemMemoryUsedPercent)
	}
	if m.swapPercent != nil {
		o.ObserveFloat64(m.swapPercent, snapshot.SystemSwapUsedPercent)
	}
	if m.cpuPercent != nil {
		o.ObserveFloat64(m.cpuPercent, snapshot.SystemCPUPercent)
	}
	if m.load != nil {
		o.ObserveFloat64(m.load, snapshot.SystemLoad1, metric.WithAttributes(attribute.String("doclock.lsf.window", "1m")))
		o.ObserveFloat64(m.load, snapshot.SystemLoad5, metric.WithAttributes(attribute.String("doclock.lsf.window", "5m")))
		o.ObserveFloat64(m.load, snapshot.SystemLoad15, metric.WithAttributes(attribute.String("doclock.lsf.window", "15m")))
	}
	if m.goroutines != nil {
		o.ObserveInt64(m.goroutines, int64(snapshot.Goroutines))
	}
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
