package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/doclock/api"
	"pkt.systems/doclock/internal/core"
	"pkt.systems/doclock/internal/core/transport"
	"pkt.systems/doclock/internal/correlation"
	"pkt.systems/doclock/internal/storage"
	"pkt.systems/pslog"
)

type correlationAppliedKey struct{}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func applyCorrelation(ctx context.Context, logger pslog.Logger, span trace.Span) (context.Context, pslog.Logger) {
	if id := correlation.ID(ctx); id != "" {
		if ctx.Value(correlationAppliedKey{}) == nil {
			logger = logger.With("cid", id)
			ctx = context.WithValue(ctx, correlationAppliedKey{}, struct{}{})
		} else if existing := pslog.LoggerFromContext(ctx); existing != nil {
			logger = existing
		}
		ctx = pslog.ContextWithLogger(ctx, logger)
		if span != nil {
			span.SetAttributes(attribute.String("doclock.correlation_id", id))
		}
	}
	return ctx, logger
}

// convertCoreError maps transport-neutral core failures onto HTTP-aware errors.
func convertCoreError(err error) error {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	if mapped, ok := transport.ToHTTP(err); ok {
		return httpError{
			Status:     mapped.Status,
			Code:       mapped.Code,
			Detail:     mapped.Detail,
			RetryAfter: mapped.RetryAfter,
			Holder:     mapped.Holder,
		}
	}
	if errors.Is(err, storage.ErrCASMismatch) {
		return httpError{Status: http.StatusConflict, Code: core.CodeCASMismatch, Detail: "storage cas mismatch"}
	}
	return err
}

// lockView renders a lock for its holder, session id included.
func lockView(lock core.Lock) api.Lock {
	return api.Lock{
		DocumentID:    lock.DocumentID,
		UserName:      lock.UserName,
		SessionID:     lock.SessionID,
		Timestamp:     core.FormatTimestamp(lock.AcquiredAt),
		LastHeartbeat: core.FormatTimestamp(lock.LastHeartbeat),
	}
}

func inspectView(res *core.InspectResult) api.InspectResponse {
	resp := api.InspectResponse{Locked: res.Locked, WasExpired: res.WasExpired}
	if res.Locked && res.Lock != nil {
		resp.UserName = res.Lock.UserName
		resp.Timestamp = core.FormatTimestamp(res.Lock.AcquiredAt)
		resp.LastHeartbeat = core.FormatTimestamp(res.Lock.LastHeartbeat)
	}
	return resp
}

func listView(res *core.ListResult) api.ListLocksResponse {
	entries := make([]api.LockEntry, 0, len(res.Locks))
	for _, entry := range res.Locks {
		entries = append(entries, api.LockEntry{
			DocumentID:    entry.DocumentID,
			UserName:      entry.UserName,
			Timestamp:     core.FormatTimestamp(entry.AcquiredAt),
			LastHeartbeat: core.FormatTimestamp(entry.LastHeartbeat),
			Live:          entry.Live,
		})
	}
	return api.ListLocksResponse{Count: len(entries), Locks: entries}
}
