package qrf

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const (
	metricState       = "doclock.guard.state"
	metricRefusals    = "doclock.guard.acquire_refused"
	metricTransitions = "doclock.guard.transitions"
	metricEvaluated   = "doclock.guard.evaluated"
)

// guardMetrics exports the guard's state machine. Only refused acquisitions
// carry a reason label; admitted operations are folded into a per-kind count
// so high request rates do not blow up attribute cardinality.
type guardMetrics struct {
	refusals    metric.Int64Counter
	transitions metric.Int64Counter
	evaluated   [kindCount]atomic.Int64
}

const kindCount = int(KindRead) + 1

func newGuardMetrics(logger pslog.Logger, controller *Controller) *guardMetrics {
	meter := otel.Meter("pkt.systems/doclock/qrf")
	m := &guardMetrics{}

	refusals, err := meter.Int64Counter(metricRefusals,
		metric.WithDescription("Lease acquisitions refused while the guard was soft-armed or engaged"))
	if warnMetric(logger, metricRefusals, err) {
		m.refusals = refusals
	}
	transitions, err := meter.Int64Counter(metricTransitions,
		metric.WithDescription("Guard state changes"))
	if warnMetric(logger, metricTransitions, err) {
		m.transitions = transitions
	}

	state, err := meter.Int64ObservableGauge(metricState,
		metric.WithDescription("Guard state: 0 disengaged, 1 soft-armed, 2 engaged, 3 recovering"))
	if !warnMetric(logger, metricState, err) {
		state = nil
	}
	evaluated, err := meter.Int64ObservableCounter(metricEvaluated,
		metric.WithDescription("Operations evaluated by the guard, per operation kind"))
	if !warnMetric(logger, metricEvaluated, err) {
		evaluated = nil
	}

	var instruments []metric.Observable
	if state != nil {
		instruments = append(instruments, state)
	}
	if evaluated != nil {
		instruments = append(instruments, evaluated)
	}
	if len(instruments) == 0 {
		return m
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if state != nil && controller != nil {
			o.ObserveInt64(state, int64(controller.State()))
		}
		if evaluated != nil {
			for k := range m.evaluated {
				o.ObserveInt64(evaluated, m.evaluated[k].Load(),
					metric.WithAttributes(attribute.String("kind", Kind(k).String())))
			}
		}
		return nil
	}, instruments...)
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", metricState, "error", err)
	}
	return m
}

func (m *guardMetrics) recordDecision(ctx context.Context, kind Kind, decision Decision) {
	if m == nil {
		return
	}
	if k := int(kind); k >= 0 && k < kindCount {
		m.evaluated[k].Add(1)
	}
	if !decision.Throttle || m.refusals == nil {
		return
	}
	reason := decision.Reason
	if reason == "" {
		reason = "unknown"
	}
	m.refusals.Add(orBackground(ctx), 1, metric.WithAttributes(
		attribute.String("state", decision.State.String()),
		attribute.String("reason", reason),
	))
}

func (m *guardMetrics) recordTransition(ctx context.Context, from, to State, reason string) {
	if m == nil || m.transitions == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.transitions.Add(orBackground(ctx), 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
		attribute.String("reason", reason),
	))
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// warnMetric logs instrument creation failures and reports whether the
// instrument is usable.
func warnMetric(logger pslog.Logger, name string, err error) bool {
	if err == nil {
		return true
	}
	if logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
	return false
}
