// Package logging decorates a storage backend with trace spans and
// begin/success/error log entries.
package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/doclock/internal/correlation"
	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/doclock/internal/storage"
	"pkt.systems/pslog"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	return &backend{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		tracer: otel.Tracer("pkt.systems/doclock/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "doclock.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("doclock.storage.operation", op),
		attribute.String("doclock.sys", b.sys),
		attribute.String("doclock.storage.key", key),
	)

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("doclock.correlation_id", corr))
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	logger.Trace("storage."+op+".begin", "key", key)

	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		result := "ok"
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrCASMismatch):
			// Expected outcomes of conditional operations, not faults.
			result = "conflict"
			span.SetStatus(codes.Ok, "")
		default:
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		}
		span.AddEvent("doclock.storage.end", trace.WithAttributes(
			attribute.String("doclock.storage.result", result),
			attribute.Int64("doclock.storage.duration_ms", elapsed.Milliseconds()),
		))
		if err != nil {
			logger.Debug("storage."+op+".error", "key", key, "result", result, "error", err, "elapsed", elapsed)
			return
		}
		logger.Debug("storage."+op+".success", "key", key, "elapsed", elapsed)
	}
}

func (b *backend) Get(ctx context.Context, key string) (storage.GetResult, error) {
	ctx, span, _, finish := b.start(ctx, "get", key)
	defer span.End()
	res, err := b.inner.Get(ctx, key)
	finish(err)
	return res, err
}

func (b *backend) Set(ctx context.Context, key string, value []byte, opts storage.SetOptions) (string, error) {
	ctx, span, _, finish := b.start(ctx, "set", key)
	defer span.End()
	span.SetAttributes(
		attribute.Bool("doclock.storage.if_not_exists", opts.IfNotExists),
		attribute.Bool("doclock.storage.if_match", opts.IfMatch != ""),
		attribute.Int("doclock.storage.bytes", len(value)),
	)
	etag, err := b.inner.Set(ctx, key, value, opts)
	finish(err)
	return etag, err
}

func (b *backend) Delete(ctx context.Context, key string, opts storage.DeleteOptions) (int, error) {
	ctx, span, _, finish := b.start(ctx, "delete", key)
	defer span.End()
	span.SetAttributes(attribute.Bool("doclock.storage.if_match", opts.IfMatch != ""))
	n, err := b.inner.Delete(ctx, key, opts)
	span.SetAttributes(attribute.Int("doclock.storage.deleted", n))
	finish(err)
	return n, err
}

func (b *backend) ScanPrefix(ctx context.Context, opts storage.ScanOptions) (*storage.ScanResult, error) {
	ctx, span, logger, finish := b.start(ctx, "scan_prefix", opts.Prefix)
	defer span.End()
	res, err := b.inner.ScanPrefix(ctx, opts)
	if err == nil && res != nil {
		span.SetAttributes(
			attribute.Int("doclock.storage.keys", len(res.Keys)),
			attribute.Bool("doclock.storage.done", res.Done),
		)
		logger.Trace("storage.scan_prefix.page", "prefix", opts.Prefix, "keys", len(res.Keys), "done", res.Done)
	}
	finish(err)
	return res, err
}

func (b *backend) Capabilities() storage.Capabilities {
	return b.inner.Capabilities()
}

func (b *backend) Close() error {
	return b.inner.Close()
}
