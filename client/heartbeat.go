package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/doclock/api"
	"pkt.systems/doclock/internal/clock"
	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/pslog"
)

// DefaultHeartbeatPeriod is the renewal cadence used when none is configured.
const DefaultHeartbeatPeriod = 60 * time.Second

// ErrLeaseLost wraps the renewal failure that ended a heartbeat.
var ErrLeaseLost = errors.New("doclock: lease lost")

// HeartbeatOptions tunes StartHeartbeat and Hold.
type HeartbeatOptions struct {
	// Period between renewals. Defaults to DefaultHeartbeatPeriod.
	Period time.Duration
	// Clock drives the renewal timer. Defaults to the wall clock.
	Clock clock.Clock
	// OnLost is invoked once, from the heartbeat goroutine, when a renewal fails.
	OnLost func(error)
	// Logger receives heartbeat diagnostics. Defaults to the client's logger.
	Logger pslog.Logger
}

// Heartbeat renews one lease on a fixed period until stopped or lost.
type Heartbeat struct {
	client     *Client
	documentID string
	session    SessionIdentity
	period     time.Duration
	clock      clock.Clock
	onLost     func(error)
	logger     pslog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	lost     chan error
	lostOnce sync.Once

	closeOnce sync.Once
	released  chan struct{}

	mu   sync.Mutex
	last api.Lock
}

// StartHeartbeat renews the lease held by session on documentID every
// period. The first failed renewal ends the heartbeat and is reported
// through OnLost and Lost. It never re-acquires.
func StartHeartbeat(ctx context.Context, c *Client, documentID string, session SessionIdentity, opts HeartbeatOptions) (*Heartbeat, error) {
	if c == nil {
		return nil, errors.New("doclock: heartbeat requires a client")
	}
	if documentID == "" {
		return nil, errors.New("doclock: heartbeat requires a document id")
	}
	if session.IsZero() {
		return nil, errors.New("doclock: heartbeat requires a session identity")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	period := opts.Period
	if period <= 0 {
		period = DefaultHeartbeatPeriod
	}
	logger := c.logger
	if opts.Logger != nil {
		logger = loggingutil.WithSubsystem(opts.Logger, "client.heartbeat")
	}
	h := &Heartbeat{
		client:     c,
		documentID: documentID,
		session:    session,
		period:     period,
		clock:      clock.OrReal(opts.Clock),
		onLost:     opts.OnLost,
		logger:     logger.With("document_id", documentID),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		lost:       make(chan error, 1),
		released:   make(chan struct{}),
	}
	go h.run(ctx)
	return h, nil
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-h.clock.After(h.period):
		}
		select {
		case <-h.stop:
			return
		default:
		}
		resp, err := h.client.Renew(ctx, h.documentID, h.session)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.reportLost(err)
			return
		}
		h.mu.Lock()
		h.last = resp.Lock
		h.mu.Unlock()
		h.logger.Trace("client.heartbeat.renewed", "last_heartbeat", resp.Lock.LastHeartbeat)
	}
}

func (h *Heartbeat) reportLost(cause error) {
	h.lostOnce.Do(func() {
		err := fmt.Errorf("%w: %w", ErrLeaseLost, cause)
		h.logger.Warn("client.heartbeat.lost", "error", cause)
		h.lost <- err
		if h.onLost != nil {
			h.onLost(err)
		}
	})
}

// Lost delivers the loss error once when a renewal fails.
func (h *Heartbeat) Lost() <-chan error {
	return h.lost
}

// Done is closed when the heartbeat goroutine exits.
func (h *Heartbeat) Done() <-chan struct{} {
	return h.done
}

// DocumentID returns the document the heartbeat renews.
func (h *Heartbeat) DocumentID() string {
	return h.documentID
}

// LastLock returns the lock echoed by the most recent successful renewal.
func (h *Heartbeat) LastLock() api.Lock {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Stop halts renewals without releasing the lease.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Close stops renewals and releases the lease on a detached goroutine. It
// never blocks the caller; release failures are logged and dropped.
func (h *Heartbeat) Close() {
	h.Stop()
	h.closeOnce.Do(func() {
		go func() {
			defer close(h.released)
			ctx, cancel := context.WithTimeout(context.Background(), h.client.closeTimeout)
			defer cancel()
			if _, err := h.client.Release(ctx, h.documentID, h.session); err != nil {
				h.logger.Debug("client.heartbeat.release_failed", "error", err)
				return
			}
			h.logger.Debug("client.heartbeat.released")
		}()
	})
}
