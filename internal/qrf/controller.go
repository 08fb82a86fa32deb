package qrf

import (
	"context"
	"math"
	"sync"
	"time"

	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/pslog"
)

// Kind identifies the type of lock operation under evaluation.
type Kind int

const (
	// KindAcquire marks new lease acquisitions. Only this kind is ever throttled.
	KindAcquire Kind = iota
	// KindRenew marks heartbeat renewals.
	KindRenew
	// KindRelease marks owner releases.
	KindRelease
	// KindRead marks inspect and directory reads.
	KindRead
)

func (k Kind) String() string {
	switch k {
	case KindAcquire:
		return "acquire"
	case KindRenew:
		return "renew"
	case KindRelease:
		return "release"
	case KindRead:
		return "read"
	default:
		return "unknown"
	}
}

// State represents the current posture of the quick reaction force.
type State int

const (
	// StateDisengaged indicates the QRF is idle.
	StateDisengaged State = iota
	// StateSoftArm denotes that the LSF raised an alert. Nothing is throttled yet.
	StateSoftArm
	// StateEngaged signals that new acquisitions are refused.
	StateEngaged
	// StateRecovery denotes the host is recovering and throttling is easing.
	StateRecovery
)

func (s State) String() string {
	switch s {
	case StateDisengaged:
		return "disengaged"
	case StateSoftArm:
		return "soft_arm"
	case StateEngaged:
		return "engaged"
	case StateRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Config configures controller thresholds and throttle timings.
type Config struct {
	Enabled bool

	AcquireSoftLimit int64
	AcquireHardLimit int64

	MemorySoftLimitPercent float64
	MemoryHardLimitPercent float64
	SwapSoftLimitPercent   float64
	SwapHardLimitPercent   float64

	CPUPercentSoftLimit float64
	CPUPercentHardLimit float64

	LoadSoftLimitMultiplier float64
	LoadHardLimitMultiplier float64

	RecoverySamples int

	EngagedRetryAfter  time.Duration
	RecoveryRetryAfter time.Duration

	Logger pslog.Logger
}

// Snapshot captures the instantaneous metrics observed by the LSF.
type Snapshot struct {
	AcquireInflight         int64
	RenewInflight           int64
	SystemMemoryUsedPercent float64
	SystemSwapUsedPercent   float64
	SystemCPUPercent        float64
	SystemLoad1             float64
	SystemLoad5             float64
	SystemLoad15            float64
	Load1Baseline           float64
	Load1Multiplier         float64
	Goroutines              int
	CollectedAt             time.Time
}

// Status reports the current controller state and snapshot.
type Status struct {
	State    State
	Reason   string
	Snapshot Snapshot
}

// Decision reports whether an operation should be refused and for how long
// the caller should back off.
type Decision struct {
	Throttle   bool
	RetryAfter time.Duration
	State      State
	Reason     string
}

// Controller manages the QRF state machine.
type Controller struct {
	cfg     Config
	logger  pslog.Logger
	metrics *guardMetrics

	mu                 sync.RWMutex
	state              State
	lastReason         string
	lastSnapshot       Snapshot
	consecutiveHealthy int
}

// NewController constructs a QRF controller using the supplied configuration.
func NewController(cfg Config) *Controller {
	logger := loggingutil.EnsureLogger(cfg.Logger)
	if cfg.RecoverySamples <= 0 {
		cfg.RecoverySamples = 1
	}
	controller := &Controller{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(logger, "control.qrf"),
		state:  StateDisengaged,
	}
	controller.metrics = newGuardMetrics(logger, controller)
	return controller
}

// Enabled reports whether the controller evaluates snapshots at all.
func (c *Controller) Enabled() bool {
	return c != nil && c.cfg.Enabled
}

// Observe ingests a new snapshot from the LSF and updates the QRF posture.
func (c *Controller) Observe(snapshot Snapshot) {
	if !c.Enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSnapshot = snapshot

	prev := c.state
	next := prev

	hard, hardReason := c.hardBreach(snapshot)
	soft, softReason := c.softBreach(snapshot)
	healthy := c.isHealthy(snapshot)

	switch {
	case hard:
		next = StateEngaged
		c.consecutiveHealthy = 0
		c.lastReason = hardReason
	case soft:
		if prev != StateEngaged {
			next = StateSoftArm
			c.lastReason = softReason
		}
		c.consecutiveHealthy = 0
	default:
		if healthy {
			c.consecutiveHealthy++
		} else {
			c.consecutiveHealthy = 0
		}
		if c.consecutiveHealthy >= c.cfg.RecoverySamples {
			switch prev {
			case StateEngaged:
				next = StateRecovery
				c.consecutiveHealthy = 0
				c.lastReason = "metrics recovering"
			case StateRecovery, StateSoftArm:
				next = StateDisengaged
				c.consecutiveHealthy = 0
				c.lastReason = "metrics stabilised"
			}
		}
	}

	if next != prev {
		c.state = next
		c.logTransition(prev, next, c.lastReason, snapshot)
		c.metrics.recordTransition(context.Background(), prev, next, c.lastReason)
	}
}

// Decide reports whether an operation of the given kind should be refused.
// Renewals, releases and reads always pass so existing holders never lose a
// lease to host pressure.
func (c *Controller) Decide(kind Kind) Decision {
	if !c.Enabled() {
		return Decision{State: StateDisengaged}
	}

	c.mu.RLock()
	state := c.state
	reason := c.lastReason
	snapshot := c.lastSnapshot
	c.mu.RUnlock()

	if kind != KindAcquire {
		return c.recordDecision(kind, Decision{State: state})
	}
	switch state {
	case StateEngaged:
		return c.recordDecision(kind, Decision{
			Throttle:   true,
			State:      state,
			RetryAfter: c.retryAfter(state, reason),
			Reason:     reason,
		})
	case StateRecovery:
		if c.acquireSoftExceeded(snapshot) {
			return c.recordDecision(kind, Decision{
				Throttle:   true,
				State:      state,
				RetryAfter: c.retryAfter(state, "acquire_inflight_soft"),
				Reason:     "acquire_inflight_soft",
			})
		}
	}
	return c.recordDecision(kind, Decision{State: state})
}

// State returns the current QRF posture.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status returns the current state, reason, and snapshot.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{State: c.state, Reason: c.lastReason, Snapshot: c.lastSnapshot}
}

func (c *Controller) recordDecision(kind Kind, decision Decision) Decision {
	c.metrics.recordDecision(context.Background(), kind, decision)
	return decision
}

func (c *Controller) hardBreach(s Snapshot) (bool, string) {
	if c.cfg.AcquireHardLimit > 0 && s.AcquireInflight >= c.cfg.AcquireHardLimit {
		return true, "acquire_inflight_hard"
	}
	if c.cfg.MemoryHardLimitPercent > 0 && s.SystemMemoryUsedPercent >= c.cfg.MemoryHardLimitPercent {
		return true, "memory_hard"
	}
	if c.cfg.SwapHardLimitPercent > 0 && s.SystemSwapUsedPercent >= c.cfg.SwapHardLimitPercent {
		return true, "swap_hard"
	}
	if c.cfg.CPUPercentHardLimit > 0 && s.SystemCPUPercent >= c.cfg.CPUPercentHardLimit {
		return true, "cpu_hard"
	}
	if c.cfg.LoadHardLimitMultiplier > 0 && s.Load1Multiplier >= c.cfg.LoadHardLimitMultiplier {
		return true, "load_hard"
	}
	return false, ""
}

func (c *Controller) softBreach(s Snapshot) (bool, string) {
	if c.acquireSoftExceeded(s) {
		return true, "acquire_inflight_soft"
	}
	if c.cfg.MemorySoftLimitPercent > 0 && s.SystemMemoryUsedPercent >= c.cfg.MemorySoftLimitPercent {
		return true, "memory_soft"
	}
	if c.cfg.SwapSoftLimitPercent > 0 && s.SystemSwapUsedPercent >= c.cfg.SwapSoftLimitPercent {
		return true, "swap_soft"
	}
	if c.cfg.CPUPercentSoftLimit > 0 && s.SystemCPUPercent >= c.cfg.CPUPercentSoftLimit {
		return true, "cpu_soft"
	}
	if c.cfg.LoadSoftLimitMultiplier > 0 && s.Load1Multiplier >= c.cfg.LoadSoftLimitMultiplier {
		return true, "load_soft"
	}
	return false, ""
}

func (c *Controller) acquireSoftExceeded(s Snapshot) bool {
	return c.cfg.AcquireSoftLimit > 0 && s.AcquireInflight >= c.cfg.AcquireSoftLimit
}

func (c *Controller) isHealthy(s Snapshot) bool {
	acquireHealthy := c.cfg.AcquireSoftLimit == 0 || s.AcquireInflight <= maxInt64(1, c.cfg.AcquireSoftLimit/2)
	memHealthy := c.cfg.MemorySoftLimitPercent == 0 || s.SystemMemoryUsedPercent <= percentRecoveryTarget(c.cfg.MemorySoftLimitPercent)
	swapHealthy := c.cfg.SwapSoftLimitPercent == 0 || s.SystemSwapUsedPercent <= percentRecoveryTarget(c.cfg.SwapSoftLimitPercent)
	cpuHealthy := c.cfg.CPUPercentSoftLimit == 0 || s.SystemCPUPercent <= percentRecoveryTarget(c.cfg.CPUPercentSoftLimit)
	loadHealthy := c.cfg.LoadSoftLimitMultiplier == 0 || s.Load1Multiplier <= multiplierRecoveryTarget(c.cfg.LoadSoftLimitMultiplier)
	return acquireHealthy && memHealthy && swapHealthy && cpuHealthy && loadHealthy
}

// retryAfter scales the base back-off for the state by how far past the
// soft threshold the triggering metric sits.
func (c *Controller) retryAfter(state State, reason string) time.Duration {
	var base time.Duration
	switch state {
	case StateEngaged:
		base = nonZero(c.cfg.EngagedRetryAfter, 5*time.Second)
	case StateRecovery:
		base = nonZero(c.cfg.RecoveryRetryAfter, 2*time.Second)
	default:
		return 0
	}
	pressure := c.pressureForReason(reason)
	scaled := time.Duration(float64(base) * math.Max(0.2, pressure))
	if scaled < time.Second {
		scaled = time.Second
	}
	return scaled
}

func (c *Controller) pressureForReason(reason string) float64 {
	c.mu.RLock()
	s := c.lastSnapshot
	c.mu.RUnlock()
	switch reason {
	case "acquire_inflight_soft", "acquire_inflight_hard":
		return ratio(float64(s.AcquireInflight), float64(c.cfg.AcquireSoftLimit), float64(c.cfg.AcquireHardLimit))
	case "memory_soft", "memory_hard":
		return ratio(s.SystemMemoryUsedPercent, c.cfg.MemorySoftLimitPercent, c.cfg.MemoryHardLimitPercent)
	case "swap_soft", "swap_hard":
		return ratio(s.SystemSwapUsedPercent, c.cfg.SwapSoftLimitPercent, c.cfg.SwapHardLimitPercent)
	case "cpu_soft", "cpu_hard":
		return ratio(s.SystemCPUPercent, c.cfg.CPUPercentSoftLimit, c.cfg.CPUPercentHardLimit)
	case "load_soft", "load_hard":
		return ratio(s.Load1Multiplier, c.cfg.LoadSoftLimitMultiplier, c.cfg.LoadHardLimitMultiplier)
	default:
		return 1
	}
}

func (c *Controller) logTransition(prev, next State, reason string, snapshot Snapshot) {
	fields := []any{
		"previous_state", prev.String(),
		"reason", reason,
		"acquire_inflight", snapshot.AcquireInflight,
		"renew_inflight", snapshot.RenewInflight,
		"system_memory_percent", snapshot.SystemMemoryUsedPercent,
		"system_swap_percent", snapshot.SystemSwapUsedPercent,
		"system_cpu_percent", snapshot.SystemCPUPercent,
		"system_load1", snapshot.SystemLoad1,
		"load1_multiplier", snapshot.Load1Multiplier,
		"goroutines", snapshot.Goroutines,
	}
	switch next {
	case StateEngaged:
		c.logger.Warn("doclock.qrf.engaged", fields...)
	case StateSoftArm:
		c.logger.Info("doclock.qrf.soft_arm", fields...)
	case StateRecovery:
		c.logger.Info("doclock.qrf.recovery", fields...)
	case StateDisengaged:
		c.logger.Info("doclock.qrf.disengaged", fields...)
	}
}

func nonZero(d time.Duration, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func percentRecoveryTarget(limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Max(0, limit-10)
}

func multiplierRecoveryTarget(limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	if limit <= 1 {
		return 1
	}
	return math.Max(1, limit*0.5)
}

func ratio(value, soft, hard float64) float64 {
	if soft <= 0 && hard <= 0 {
		return 1
	}
	if soft <= 0 {
		soft = hard / 2
	}
	if hard <= soft {
		hard = soft * 2
	}
	if value <= soft {
		return 0
	}
	return math.Max(0, math.Min(1, (value-soft)/(hard-soft)))
}
