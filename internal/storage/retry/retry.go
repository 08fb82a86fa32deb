// Package retry decorates a storage backend with bounded exponential
// backoff for errors marked transient.
package retry

import (
	"context"
	"time"

	"pkt.systems/doclock/internal/clock"
	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/doclock/internal/storage"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
// Conditional failures (ErrCASMismatch, ErrNotFound) are never retried;
// they are answers, not faults.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return &backend{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		clock:  clock.OrReal(clk),
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) Get(ctx context.Context, key string) (storage.GetResult, error) {
	var result storage.GetResult
	err := b.withRetry(ctx, "get", key, func(ctx context.Context) error {
		var err error
		result, err = b.inner.Get(ctx, key)
		return err
	})
	return result, err
}

func (b *backend) Set(ctx context.Context, key string, value []byte, opts storage.SetOptions) (string, error) {
	var etag string
	err := b.withRetry(ctx, "set", key, func(ctx context.Context) error {
		var err error
		etag, err = b.inner.Set(ctx, key, value, opts)
		return err
	})
	return etag, err
}

func (b *backend) Delete(ctx context.Context, key string, opts storage.DeleteOptions) (int, error) {
	var n int
	err := b.withRetry(ctx, "delete", key, func(ctx context.Context) error {
		var err error
		n, err = b.inner.Delete(ctx, key, opts)
		return err
	})
	return n, err
}

func (b *backend) ScanPrefix(ctx context.Context, opts storage.ScanOptions) (*storage.ScanResult, error) {
	var res *storage.ScanResult
	err := b.withRetry(ctx, "scan_prefix", opts.Prefix, func(ctx context.Context) error {
		var err error
		res, err = b.inner.ScanPrefix(ctx, opts)
		return err
	})
	return res, err
}

func (b *backend) Capabilities() storage.Capabilities {
	return b.inner.Capabilities()
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.clock.Sleep(delay)
			next := time.Duration(float64(delay) * b.cfg.Multiplier)
			if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
				next = b.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
