package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/doclock/api"
	"pkt.systems/doclock/internal/clock"
	"pkt.systems/doclock/internal/core"
	"pkt.systems/doclock/internal/correlation"
	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/doclock/internal/lsf"
	"pkt.systems/doclock/internal/qrf"
	"pkt.systems/doclock/internal/storage"
	"pkt.systems/doclock/internal/uuidv7"
	"pkt.systems/pslog"
)

const (
	headerCorrelationID    = correlation.Header
	headerShutdownImminent = "Shutdown-Imminent"
	headerQRFState         = "X-Doclock-QRF-State"
	defaultJSONMaxBytes    = 64 << 10
)

// Handler wires HTTP endpoints to the lock service.
type Handler struct {
	core               *core.Service
	logger             pslog.Logger
	clock              clock.Clock
	qrf                *qrf.Controller
	jsonMaxBytes       int64
	adminToken         string
	tracer             trace.Tracer
	shutdownState      func() ShutdownState
	activityHook       func()
	httpTracingEnabled bool
}

// ShutdownState exposes the server's current shutdown posture.
type ShutdownState struct {
	Draining  bool
	Remaining time.Duration
	Notify    bool
}

// Config groups the dependencies required by Handler. When Service is nil a
// lock service is built from Store and the lease knobs.
type Config struct {
	Service *core.Service

	Store                    storage.Backend
	Logger                   pslog.Logger
	Clock                    clock.Clock
	LeaseTTL                 time.Duration
	MaxCASAttempts           int
	DisableConditionalWrites bool
	LSFObserver              *lsf.Observer
	QRFController            *qrf.Controller

	JSONMaxBytes int64
	// AdminToken gates POST /v1/admin/clear-locks. Empty disables the endpoint.
	AdminToken         string
	ShutdownState      func() ShutdownState
	ActivityHook       func()
	DisableHTTPTracing bool
}

// New constructs a Handler using the supplied configuration.
func New(cfg Config) *Handler {
	logger := loggingutil.EnsureLogger(cfg.Logger)
	clk := clock.OrReal(cfg.Clock)
	h := &Handler{
		logger:             logger,
		clock:              clk,
		qrf:                cfg.QRFController,
		jsonMaxBytes:       cfg.JSONMaxBytes,
		adminToken:         cfg.AdminToken,
		tracer:             otel.Tracer("pkt.systems/doclock/httpapi"),
		shutdownState:      cfg.ShutdownState,
		activityHook:       cfg.ActivityHook,
		httpTracingEnabled: !cfg.DisableHTTPTracing,
	}
	if h.jsonMaxBytes <= 0 {
		h.jsonMaxBytes = defaultJSONMaxBytes
	}
	h.core = cfg.Service
	if h.core == nil {
		h.core = core.New(core.Config{
			Store:                    cfg.Store,
			Logger:                   logger,
			Clock:                    clk,
			LeaseTTL:                 cfg.LeaseTTL,
			MaxCASAttempts:           cfg.MaxCASAttempts,
			DisableConditionalWrites: cfg.DisableConditionalWrites,
			LSFObserver:              cfg.LSFObserver,
			QRFController:            cfg.QRFController,
			ShutdownState:            h.coreShutdownState,
		})
	}
	return h
}

// Service returns the lock service backing the handler.
func (h *Handler) Service() *core.Service {
	return h.core
}

func (h *Handler) currentShutdownState() ShutdownState {
	if h == nil || h.shutdownState == nil {
		return ShutdownState{}
	}
	state := h.shutdownState()
	if state.Remaining < 0 {
		state.Remaining = 0
	}
	return state
}

func (h *Handler) coreShutdownState() core.ShutdownState {
	state := h.currentShutdownState()
	return core.ShutdownState{Draining: state.Draining, Remaining: state.Remaining}
}

// Register wires the routes into mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/lock", h.wrap("inspect", h.handleInspect))
	mux.Handle("/v1/acquire", h.wrap("acquire", h.handleAcquire))
	mux.Handle("/v1/renew", h.wrap("renew", h.handleRenew))
	mux.Handle("/v1/release", h.wrap("release", h.handleRelease))
	mux.Handle("/v1/locks", h.wrap("locks.list", h.handleListLocks))
	mux.Handle("/v1/admin/clear-locks", h.wrap("admin.clear_locks", h.handleClearLocks))
	mux.Handle("/swagger.json", h.wrap("swagger", h.handleSwagger))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "doclock.http." + operation
	txSpanName := "doclock.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		if h.activityHook != nil {
			h.activityHook()
		}
		reqID := uuidv7.NewString()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("doclock.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("doclock.operation", operation),
				attribute.String("doclock.route", r.URL.Path),
			)
			span.AddEvent("doclock.tx.begin")
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		ctx = correlation.FromRequest(ctx, r)
		ctx, logger = applyCorrelation(ctx, logger, span)
		if corr := correlation.ID(ctx); corr != "" {
			w.Header().Set(headerCorrelationID, corr)
		}
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		state := h.currentShutdownState()
		if state.Draining && state.Notify {
			w.Header().Set(headerShutdownImminent, "true")
		}

		result := "ok"
		status := codes.Ok
		statusMsg := ""
		defer func() {
			if instrument {
				duration := time.Since(start).Milliseconds()
				span.SetStatus(status, statusMsg)
				span.AddEvent("doclock.tx.end", trace.WithAttributes(
					attribute.String("doclock.result", result),
					attribute.Int64("doclock.duration_ms", duration),
				))
			}
		}()

		if err := fn(w, r); err != nil {
			result = "error"
			status = codes.Error
			statusMsg = "handler_error"
			if instrument {
				span.RecordError(err)
			}
			var httpErr httpError
			if errors.As(err, &httpErr) {
				if instrument {
					span.SetAttributes(
						attribute.String("doclock.error_code", httpErr.Code),
						attribute.Int("doclock.error_status", httpErr.Status),
					)
				}
			} else if instrument {
				span.SetAttributes(attribute.String("doclock.error_code", "internal"))
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := loggingutil.FromContext(ctx, h.logger)
	err = convertCoreError(err)
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"retry_after", httpErr.RetryAfter,
		)
		resp := api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Detail:            httpErr.Detail,
			RetryAfterSeconds: httpErr.RetryAfter,
		}
		if holder := httpErr.Holder; holder != nil {
			resp.Locked = true
			resp.UserName = holder.UserName
			resp.Timestamp = core.FormatTimestamp(holder.AcquiredAt)
			resp.LastHeartbeat = core.FormatTimestamp(holder.LastHeartbeat)
			resp.SameSession = holder.SameSession
		}
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		if httpErr.Code == core.CodeThrottled && h.qrf != nil {
			headers[headerQRFState] = h.qrf.State().String()
		}
		h.writeJSON(w, httpErr.Status, resp, headers)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	resp := api.ErrorResponse{
		ErrorCode: core.CodeInternal,
		Detail:    "internal server error",
	}
	h.writeJSON(w, http.StatusInternalServerError, resp, nil)
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
	Holder     *core.Holder
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}
