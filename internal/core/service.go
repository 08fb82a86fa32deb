package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"pkt.systems/doclock/internal/clock"
	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/doclock/internal/lsf"
	"pkt.systems/doclock/internal/qrf"
	"pkt.systems/doclock/internal/storage"
	"pkt.systems/pslog"
)

// Service implements the lease protocol on top of a storage backend. It
// keeps no lock state of its own; the store is the only source of truth.
type Service struct {
	store         storage.Backend
	logger        pslog.Logger
	clock         clock.Clock
	ttl           time.Duration
	maxCAS        int
	conditional   bool
	qrf           *qrf.Controller
	lsf           *lsf.Observer
	shutdownState func() ShutdownState
	metrics       *leaseMetrics
}

// New constructs the core Service with sane defaults.
func New(cfg Config) *Service {
	logger := loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "lock.service")
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	maxCAS := cfg.MaxCASAttempts
	if maxCAS <= 0 {
		maxCAS = DefaultMaxCASAttempts
	}
	conditional := false
	if cfg.Store != nil && !cfg.DisableConditionalWrites {
		conditional = cfg.Store.Capabilities().ConditionalWrites
	}
	return &Service{
		store:         cfg.Store,
		logger:        logger,
		clock:         clock.OrReal(cfg.Clock),
		ttl:           ttl,
		maxCAS:        maxCAS,
		conditional:   conditional,
		qrf:           cfg.QRFController,
		lsf:           cfg.LSFObserver,
		shutdownState: cfg.ShutdownState,
		metrics:       newLeaseMetrics(logger),
	}
}

// LeaseTTL returns the configured lease timeout.
func (s *Service) LeaseTTL() time.Duration {
	return s.ttl
}

// ConditionalWrites reports whether lease mutations use compare-and-swap.
func (s *Service) ConditionalWrites() bool {
	return s.conditional
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

func (s *Service) loggerFor(ctx context.Context) pslog.Logger {
	return loggingutil.FromContext(ctx, s.logger)
}

// storedLock is a lock record as read from the store. corrupt records carry
// the zero Lock and are treated as expired and unowned.
type storedLock struct {
	lock    Lock
	etag    string
	corrupt bool
}

func (s *Service) load(ctx context.Context, documentID string) (*storedLock, error) {
	res, err := s.store.Get(ctx, LockKey(documentID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load lock %q: %w", documentID, err)
	}
	lock, err := decodeLock(documentID, res.Value)
	if err != nil {
		s.loggerFor(ctx).Warn("lock.record.corrupt", "document_id", documentID, "error", err)
		return &storedLock{lock: Lock{DocumentID: documentID}, etag: res.ETag, corrupt: true}, nil
	}
	return &storedLock{lock: lock, etag: res.ETag}, nil
}

func (s *Service) live(now time.Time, current *storedLock) bool {
	return current != nil && !current.corrupt && IsLive(now, current.lock.LastHeartbeat, s.ttl)
}

// reap deletes a stale record. With conditional writes the delete only
// succeeds while the record is unchanged since it was read.
func (s *Service) reap(ctx context.Context, current *storedLock) error {
	opts := storage.DeleteOptions{}
	if s.conditional {
		opts.IfMatch = current.etag
	}
	_, err := s.store.Delete(ctx, LockKey(current.lock.DocumentID), opts)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// lostRace reports whether err means another writer touched the record
// between our read and our conditional write.
func lostRace(err error) bool {
	return errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound)
}

func (s *Service) maybeThrottleAcquire() error {
	if s.qrf == nil {
		return nil
	}
	decision := s.qrf.Decide(qrf.KindAcquire)
	if !decision.Throttle {
		return nil
	}
	retry := durationToSeconds(decision.RetryAfter)
	if retry <= 0 {
		retry = 1
	}
	return Failure{
		Code:       CodeThrottled,
		Detail:     "host under pressure; new leases are paused",
		RetryAfter: retry,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

func (s *Service) beginAcquire() func() {
	return s.lsf.BeginAcquire()
}

func (s *Service) beginRenew() func() {
	return s.lsf.BeginRenew()
}

func durationToSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
