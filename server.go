package doclock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pkt.systems/doclock/internal/clock"
	"pkt.systems/doclock/internal/core"
	"pkt.systems/doclock/internal/httpapi"
	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/doclock/internal/lsf"
	"pkt.systems/doclock/internal/qrf"
	"pkt.systems/doclock/internal/storage"
	loggingbackend "pkt.systems/doclock/internal/storage/logging"
	"pkt.systems/doclock/internal/storage/retry"
	"pkt.systems/pslog"
)

// Server wraps the HTTP server, storage backend, and supporting components.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	clock        clock.Clock
	telemetry    *telemetryBundle
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}

	draining      atomic.Bool
	drainDeadline atomic.Int64

	reaper     *cron.Cron
	reaperOnce sync.Once

	qrfController *qrf.Controller
	lsfObserver   *lsf.Observer
	lsfCancel     context.CancelFunc
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Backend      storage.Backend
	Clock        clock.Clock
	OTLPEndpoint string
	Version      string
	configHooks  []func(*Config)
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests). The server
// still closes it on shutdown.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithVersion tags telemetry resources with the build version.
func WithVersion(version string) Option {
	return func(o *options) {
		o.Version = version
	}
}

// WithLSFLogInterval overrides the cadence for lsf.sample logs; use 0 to disable logging.
func WithLSFLogInterval(interval time.Duration) Option {
	return func(o *options) {
		o.configHooks = append(o.configHooks, func(cfg *Config) {
			cfg.LSFLogInterval = interval
		})
	}
}

// NewServer constructs a doclock server according to cfg.
// Example:
//
//	cfg := doclock.Config{Store: "mem://", Listen: ":9341", ListenProto: "tcp"}
//	srv, err := doclock.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	for _, hook := range o.configHooks {
		hook(&cfg)
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	serverClock := clock.OrReal(o.Clock)

	telemetry, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
		ServiceVersion:         o.Version,
	}, loggingutil.WithSubsystem(logger, "server.telemetry"))
	if err != nil {
		return nil, err
	}
	abort := func() {
		if telemetry != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = telemetry.Shutdown(shutdownCtx)
			cancel()
		}
	}

	storageLogger := loggingutil.WithSubsystem(logger, "storage.backend")
	backend := o.Backend
	if backend == nil {
		openCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		backend, err = openBackend(openCtx, cfg, storageLogger)
		cancel()
		if err != nil {
			abort()
			return nil, err
		}
	}
	logger.Info("storage.backend.ready",
		"store", redactStore(cfg.Store),
		"conditional_writes", backend.Capabilities().ConditionalWrites && !cfg.DisableConditionalWrites,
	)
	backend = loggingbackend.Wrap(backend, storageLogger, "storage.backend.core")
	backend = retry.Wrap(backend, loggingutil.WithSubsystem(logger, "storage.retry"), serverClock, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})

	qrfCtrl := qrf.NewController(qrf.Config{
		Enabled:                 cfg.QRFEnabled(),
		AcquireSoftLimit:        cfg.QRFAcquireSoftLimit,
		AcquireHardLimit:        cfg.QRFAcquireHardLimit,
		MemorySoftLimitPercent:  cfg.QRFMemorySoftLimitPercent,
		MemoryHardLimitPercent:  cfg.QRFMemoryHardLimitPercent,
		SwapSoftLimitPercent:    cfg.QRFSwapSoftLimitPercent,
		SwapHardLimitPercent:    cfg.QRFSwapHardLimitPercent,
		CPUPercentSoftLimit:     cfg.QRFCPUPercentSoftLimit,
		CPUPercentHardLimit:     cfg.QRFCPUPercentHardLimit,
		LoadSoftLimitMultiplier: cfg.QRFLoadSoftLimitMultiplier,
		LoadHardLimitMultiplier: cfg.QRFLoadHardLimitMultiplier,
		RecoverySamples:         cfg.QRFRecoverySamples,
		EngagedRetryAfter:       cfg.QRFEngagedRetryAfter,
		RecoveryRetryAfter:      cfg.QRFRecoveryRetryAfter,
		Logger:                  logger,
	})
	var lsfObserver *lsf.Observer
	if cfg.QRFEnabled() {
		lsfObserver = lsf.NewObserver(lsf.Config{
			Enabled:        true,
			SampleInterval: cfg.LSFSampleInterval,
			LogInterval:    cfg.LSFLogInterval,
		}, qrfCtrl, logger)
	}

	s := &Server{
		cfg:           cfg,
		logger:        loggingutil.WithSubsystem(logger, "server.lifecycle"),
		backend:       backend,
		clock:         serverClock,
		telemetry:     telemetry,
		readyCh:       make(chan struct{}),
		qrfController: qrfCtrl,
		lsfObserver:   lsfObserver,
	}
	s.handler = httpapi.New(httpapi.Config{
		Store:                    backend,
		Logger:                   logger,
		Clock:                    serverClock,
		LeaseTTL:                 cfg.LeaseTTL,
		MaxCASAttempts:           cfg.MaxCASAttempts,
		DisableConditionalWrites: cfg.DisableConditionalWrites,
		LSFObserver:              lsfObserver,
		QRFController:            qrfCtrl,
		JSONMaxBytes:             cfg.JSONMaxBytes,
		AdminToken:               cfg.AdminToken,
		ShutdownState:            s.shutdownState,
		DisableHTTPTracing:       cfg.DisableHTTPTracing,
	})
	if cfg.AdminToken == "" {
		logger.Info("admin.clear_locks.disabled", "reason", "no admin token configured")
	}
	mux := http.NewServeMux()
	s.handler.Register(mux)

	h2 := &http2.Server{MaxConcurrentStreams: uint32(cfg.HTTP2MaxConcurrentStreams)}
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           h2c.NewHandler(mux, h2),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
		ErrorLog: log.New(httpErrorLogWriter{logger: loggingutil.WithSubsystem(logger, "server.http")}, "", 0),
	}
	if err := http2.ConfigureServer(s.httpSrv, h2); err != nil {
		_ = backend.Close()
		abort()
		return nil, fmt.Errorf("configure http2: %w", err)
	}

	switch {
	case cfg.ReapSchedule == "":
	case !s.Service().ConditionalWrites():
		// An unconditional sweep could delete a lease acquired between its
		// read and its delete. Expired records are still reclaimed lazily.
		loggingutil.WithSubsystem(logger, "server.reaper").Warn("server.reaper.disabled",
			"reason", "conditional writes unavailable",
			"schedule", cfg.ReapSchedule,
		)
	default:
		reaper, err := s.newReaper(cfg.ReapSchedule)
		if err != nil {
			_ = backend.Close()
			abort()
			return nil, err
		}
		s.reaper = reaper
	}
	if lsfObserver != nil {
		lsfCtx, cancel := context.WithCancel(context.Background())
		s.lsfCancel = cancel
		lsfObserver.Start(lsfCtx)
	}
	return s, nil
}

// httpErrorLogWriter routes net/http's internal error log into pslog.
type httpErrorLogWriter struct {
	logger pslog.Logger
}

func (w httpErrorLogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "message", strings.TrimSpace(string(p)))
	return len(p), nil
}

// Handler returns the underlying HTTP handler so doclock can be mounted
// inside an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Service exposes the lock service, mainly for embedding programs and tests.
func (s *Server) Service() *core.Service {
	return s.handler.Service()
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.logger.Info("server.listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"lease_ttl", s.cfg.LeaseTTL,
		"reap_schedule", s.cfg.ReapSchedule,
		"qrf", s.cfg.QRFEnabled(),
	)
	s.signalReady()
	s.startReaper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown drains and stops the server. New acquisitions are refused with
// shutdown_draining for up to DrainGrace (bounded by ctx) while renewals and
// releases keep working; then the HTTP server, reaper, sampler, backend and
// telemetry are stopped in that order.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.beginDrain(s.cfg.DrainGrace)
	if s.cfg.DrainGrace > 0 {
		s.logger.Info("server.shutdown.draining", "grace", s.cfg.DrainGrace)
		select {
		case <-s.clock.After(s.cfg.DrainGrace):
		case <-ctx.Done():
			s.logger.Warn("server.shutdown.drain_cut_short", "error", ctx.Err())
		}
	}

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.stopReaper()
	if s.lsfCancel != nil {
		s.lsfCancel()
		s.lsfObserver.Wait()
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	socketPath := s.socketPath
	s.mu.Unlock()
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if socketPath != "" {
		if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) beginDrain(grace time.Duration) {
	s.drainDeadline.Store(s.clock.Now().Add(grace).UnixNano())
	s.draining.Store(true)
}

// Draining reports whether shutdown has started.
func (s *Server) Draining() bool {
	return s.draining.Load()
}

func (s *Server) shutdownState() httpapi.ShutdownState {
	if !s.draining.Load() {
		return httpapi.ShutdownState{}
	}
	remaining := time.Unix(0, s.drainDeadline.Load()).Sub(s.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return httpapi.ShutdownState{Draining: true, Remaining: remaining, Notify: true}
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// MetricsAddr returns the bound Prometheus listener address, or "" when
// metrics are disabled.
func (s *Server) MetricsAddr() string {
	return s.telemetry.server("metrics").Addr()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server. Shutdown already reports fatal serve errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// QRFState returns the current state of the host pressure guard.
func (s *Server) QRFState() qrf.State {
	if s == nil || s.qrfController == nil {
		return qrf.StateDisengaged
	}
	return s.qrfController.State()
}

// QRFStatus returns the current guard state, reason, and last snapshot.
func (s *Server) QRFStatus() qrf.Status {
	if s == nil || s.qrfController == nil {
		return qrf.Status{State: qrf.StateDisengaged}
	}
	return s.qrfController.Status()
}

// ForceQRFObserve injects a host snapshot into the guard so tests can drive
// the state machine deterministically.
func (s *Server) ForceQRFObserve(snapshot qrf.Snapshot) {
	if s == nil || s.qrfController == nil {
		return
	}
	s.qrfController.Observe(snapshot)
}

// StartServer starts a doclock server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
// Example:
//
//	cfg := doclock.Config{Store: "mem://", ListenProto: "unix", Listen: "/tmp/doclock.sock"}
//	srv, stop, err := doclock.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		// Start failed before the listener came up.
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("doclock: server exited before becoming ready")
		}
		return nil, nil, err
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}

// redactStore strips credentials from a store URL before logging it.
func redactStore(raw string) string {
	u, err := parseStoreURL(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		u.User = nil
	}
	q := u.Query()
	for _, key := range []string{"sas", "password"} {
		if q.Has(key) {
			q.Set(key, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
