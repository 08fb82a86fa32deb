package core

import (
	"time"

	"pkt.systems/doclock/internal/clock"
	"pkt.systems/doclock/internal/lsf"
	"pkt.systems/doclock/internal/qrf"
	"pkt.systems/doclock/internal/storage"
	"pkt.systems/pslog"
)

// Config captures the dependencies and behavioural knobs required by the
// lock service. It is transport agnostic.
type Config struct {
	Store  storage.Backend
	Logger pslog.Logger
	Clock  clock.Clock

	LeaseTTL       time.Duration
	MaxCASAttempts int
	// DisableConditionalWrites forces the read-then-write protocol even when
	// the backend supports conditional writes.
	DisableConditionalWrites bool

	LSFObserver   *lsf.Observer
	QRFController *qrf.Controller
	ShutdownState func() ShutdownState
}

// ShutdownState exposes the server's current shutdown posture.
type ShutdownState struct {
	Draining  bool
	Remaining time.Duration
}
