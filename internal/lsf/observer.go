package lsf

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/doclock/internal/qrf"
	"pkt.systems/pslog"
)

// Config controls the LSF sampling cadence.
type Config struct {
	Enabled        bool
	SampleInterval time.Duration
	LogInterval    time.Duration
}

// Observer samples host pressure and in-flight lock operations and forwards
// each snapshot to the QRF.
type Observer struct {
	cfg     Config
	qrf     *qrf.Controller
	logger  pslog.Logger
	metrics *lsfMetrics
	usage   func(context.Context) (hostUsage, error)
	running atomic.Bool

	acquireInflight atomic.Int64
	renewInflight   atomic.Int64

	lastLogTime time.Time

	wg sync.WaitGroup

	loadBaseline    float64
	loadBaselineSet bool
}

type hostUsage struct {
	memoryPercent float64
	swapPercent   float64
	cpuPercent    float64
	load1         float64
	load5         float64
	load15        float64
}

// NewObserver constructs an LSF observer.
func NewObserver(cfg Config, controller *qrf.Controller, logger pslog.Logger) *Observer {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.LogInterval < 0 {
		cfg.LogInterval = 0
	}
	logger = loggingutil.EnsureLogger(logger)
	return &Observer{
		cfg:     cfg,
		qrf:     controller,
		logger:  loggingutil.WithSubsystem(logger, "control.lsf"),
		metrics: newLSFMetrics(logger),
		usage:   gatherHostUsage,
	}
}

// Start launches the sampling loop. Only the first call starts the loop.
func (o *Observer) Start(ctx context.Context) {
	if o == nil || !o.cfg.Enabled || o.qrf == nil {
		return
	}
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx)
	}()
}

// Wait blocks until the sampling loop has exited.
func (o *Observer) Wait() {
	if o == nil {
		return
	}
	o.wg.Wait()
}

// BeginAcquire records the start of an acquisition and returns the
// completion closure.
func (o *Observer) BeginAcquire() func() {
	if o == nil {
		return func() {}
	}
	return o.begin(&o.acquireInflight)
}

// BeginRenew records the start of a renewal and returns the completion closure.
func (o *Observer) BeginRenew() func() {
	if o == nil {
		return func() {}
	}
	return o.begin(&o.renewInflight)
}

func (o *Observer) begin(counter *atomic.Int64) func() {
	if !o.cfg.Enabled {
		return func() {}
	}
	counter.Add(1)
	return func() {
		counter.Add(-1)
	}
}

func (o *Observer) run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.sample(ctx, now)
		}
	}
}

func (o *Observer) sample(ctx context.Context, ts time.Time) {
	if o.qrf == nil {
		return
	}
	usage, err := o.usage(ctx)
	if err != nil {
		o.logger.Debug("doclock.lsf.sample_failed", "error", err)
	}
	baseline, multiplier := o.updateLoadBaseline(usage.load1)

	snapshot := qrf.Snapshot{
		AcquireInflight:         o.acquireInflight.Load(),
		RenewInflight:           o.renewInflight.Load(),
		SystemMemoryUsedPercent: usage.memoryPercent,
		SystemSwapUsedPercent:   usage.swapPercent,
		SystemCPUPercent:        usage.cpuPercent,
		SystemLoad1:             usage.load1,
		SystemLoad5:             usage.load5,
		SystemLoad15:            usage.load15,
		Load1Baseline:           baseline,
		Load1Multiplier:         multiplier,
		Goroutines:              runtime.NumGoroutine(),
		CollectedAt:             ts,
	}
	if o.cfg.LogInterval > 0 && (o.lastLogTime.IsZero() || ts.Sub(o.lastLogTime) >= o.cfg.LogInterval) {
		o.logger.Debug("doclock.lsf.sample",
			"acquire_inflight", snapshot.AcquireInflight,
			"renew_inflight", snapshot.RenewInflight,
			"system_memory_percent", snapshot.SystemMemoryUsedPercent,
			"system_swap_percent", snapshot.SystemSwapUsedPercent,
			"system_cpu_percent", snapshot.SystemCPUPercent,
			"system_load1", snapshot.SystemLoad1,
			"load1_baseline", snapshot.Load1Baseline,
			"load1_multiplier", snapshot.Load1Multiplier,
			"goroutines", snapshot.Goroutines,
		)
		o.lastLogTime = ts
	}
	o.metrics.recordSample(ctx, snapshot)
	o.qrf.Observe(snapshot)
}

func (o *Observer) updateLoadBaseline(load1 float64) (float64, float64) {
	const alpha = 0.05
	if !o.loadBaselineSet {
		o.loadBaseline = initialBaseline(load1)
		o.loadBaselineSet = true
	}
	o.loadBaseline = ewma(o.loadBaseline, load1, alpha)
	if o.loadBaseline <= 0 {
		return o.loadBaseline, 0
	}
	return o.loadBaseline, load1 / o.loadBaseline
}

func initialBaseline(load float64) float64 {
	if load <= 0 {
		return 0.1
	}
	return load
}

func ewma(current, value, alpha float64) float64 {
	if current <= 0 {
		return value
	}
	return current + (value-current)*alpha
}

// gatherHostUsage returns whatever it could read; partial failures leave
// the affected fields at zero.
func gatherHostUsage(ctx context.Context) (hostUsage, error) {
	var usage hostUsage
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		usage.memoryPercent = vm.UsedPercent
	} else {
		keep(err)
	}
	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
		usage.swapPercent = swap.UsedPercent
	} else {
		keep(err)
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		usage.cpuPercent = percents[0]
	} else {
		keep(err)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		usage.load1, usage.load5, usage.load15 = avg.Load1, avg.Load5, avg.Load15
	} else {
		keep(err)
	}
	return usage, firstErr
}
