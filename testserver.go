package doclock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/doclock/client"
	"pkt.systems/doclock/internal/clock"
	"pkt.systems/doclock/internal/storage"
	"pkt.systems/pslog"
)

// TestAdminToken is the admin bearer token configured on test servers unless
// the caller supplies a Config with its own.
const TestAdminToken = "doclock-test-admin"

// TestServer wraps a running doclock.Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	BaseURL  string
	Listener net.Addr
	Client   *client.Client
	Config   Config
	// Proxy is set when WithTestFaultProxy was used. BaseURL and Client go
	// through it.
	Proxy *FaultProxy

	stop    func(context.Context) error
	backend storage.Backend
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.log(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) log(entry string) {
	defer func() {
		if r := recover(); r != nil {
			// Background goroutines may outlive the test by a few milliseconds.
			if strings.Contains(fmt.Sprint(r), "Log in goroutine after") {
				return
			}
			panic(r)
		}
	}()
	w.t.Log(entry)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger returns a structured logger that writes through t.Log.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(writer).LogLevel(level)
	return logger.With("app", "doclock-testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	if ts.Client != nil {
		_ = ts.Client.Close()
	}
	if ts.Proxy != nil {
		_ = ts.Proxy.Close()
	}
	return ts.stop(ctx)
}

// URL returns the base URL clients should use to reach the server.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// Addr returns the address clients connect to. With a fault proxy this is
// the proxy, not the server.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil {
		return nil
	}
	if ts.Listener != nil {
		return ts.Listener
	}
	if ts.Server != nil {
		return ts.Server.ListenerAddr()
	}
	return nil
}

// Backend exposes an injected storage backend, or nil when the server opened
// its own from Config.Store.
func (ts *TestServer) Backend() storage.Backend {
	if ts == nil {
		return nil
	}
	return ts.backend
}

// NewClient returns a new client configured against the test server,
// carrying the admin token.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	options := make([]client.Option, 0, len(opts)+1)
	if ts.Config.AdminToken != "" {
		options = append(options, client.WithAdminToken(ts.Config.AdminToken))
	}
	options = append(options, opts...)
	return client.New(ts.BaseURL, options...)
}

type testServerOptions struct {
	cfg           Config
	mutators      []func(*Config)
	backend       storage.Backend
	clock         clock.Clock
	logger        pslog.Logger
	clientOpts    []client.Option
	disableClient bool
	startTimeout  time.Duration
	faultProxy    bool
	testTB        testing.TB
	testLogLevel  pslog.Level
}

// TestServerOption customises NewTestServer/StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig replaces the base Config. Missing fields are defaulted
// during validation.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc applies a mutation to the server configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestUnixSocket configures the server to listen on the provided unix socket path.
func WithTestUnixSocket(path string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.ListenProto = "unix"
		cfg.Listen = path
	})
}

// WithTestStore sets the storage URL.
func WithTestStore(store string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.Store = store
	})
}

// WithTestLeaseTTL shortens or lengthens the lease timeout.
func WithTestLeaseTTL(ttl time.Duration) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.LeaseTTL = ttl
	})
}

// WithTestBackend injects a pre-built backend, for example one shared by
// several servers.
func WithTestBackend(backend storage.Backend) TestServerOption {
	return func(o *testServerOptions) {
		o.backend = backend
	}
}

// WithTestClock drives lease expiry and drain timing from c.
func WithTestClock(c clock.Clock) TestServerOption {
	return func(o *testServerOptions) {
		o.clock = c
	}
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerTB routes server logs through t at debug level.
func WithTestLoggerTB(t testing.TB) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = pslog.DebugLevel
	}
}

// WithTestClientOptions appends client options used when auto-constructing the helper client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient disables automatic client creation.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.disableClient = true
	}
}

// WithTestStartTimeout overrides the wait timeout when starting the server.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// WithTestFaultProxy places a FaultProxy between the helper client and the
// server so tests can cut the network under a live heartbeat. TCP only.
func WithTestFaultProxy() TestServerOption {
	return func(o *testServerOptions) {
		o.faultProxy = true
	}
}

// NewTestServer starts a doclock server suitable for tests: in-memory
// storage on a loopback port, no reaper, no drain grace and no pressure
// guard. Call Stop to clean up resources.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg: Config{
			Store:              "mem://",
			ListenProto:        "tcp",
			Listen:             "127.0.0.1:0",
			AdminToken:         TestAdminToken,
			ReapScheduleSet:    true,
			DrainGraceSet:      true,
			QRFDisabled:        true,
			DisableHTTPTracing: true,
		},
		startTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := options.cfg
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	if cfg.Store == "" {
		cfg.Store = "mem://"
	}
	if cfg.ListenProto == "" {
		cfg.ListenProto = "tcp"
	}
	if cfg.ListenProto != "unix" && cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if options.faultProxy && !strings.HasPrefix(strings.ToLower(cfg.ListenProto), "tcp") {
		return nil, fmt.Errorf("fault proxy only supported for tcp listeners")
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}

	startOpts := []Option{WithLogger(logger)}
	if options.backend != nil {
		startOpts = append(startOpts, WithBackend(options.backend))
	}
	if options.clock != nil {
		startOpts = append(startOpts, WithClock(options.clock))
	}

	ctxServer, cancel := context.WithCancel(context.Background())
	type startResult struct {
		srv  *Server
		stop func(context.Context) error
		err  error
	}
	resultCh := make(chan startResult, 1)
	go func() {
		srv, stop, err := StartServer(ctxServer, cfg, startOpts...)
		resultCh <- startResult{srv: srv, stop: stop, err: err}
	}()

	var (
		res     startResult
		timeout <-chan time.Time
		ctxDone <-chan struct{}
	)
	if options.startTimeout > 0 {
		timeout = time.After(options.startTimeout)
	}
	if ctx != nil {
		ctxDone = ctx.Done()
	}
	select {
	case res = <-resultCh:
	case <-timeout:
		cancel()
		res = <-resultCh
		if res.err == nil {
			res.err = fmt.Errorf("test server start timeout after %s", options.startTimeout)
		}
	case <-ctxDone:
		cancel()
		res = <-resultCh
		if res.err == nil {
			res.err = ctx.Err()
		}
	}
	if res.err != nil {
		cancel()
		return nil, res.err
	}
	srv := res.srv
	stop := func(stopCtx context.Context) error {
		defer cancel()
		return res.stop(stopCtx)
	}

	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("test server: listener not initialised")
	}
	baseURL, err := computeBaseURL(cfg, addr)
	if err != nil {
		_ = stop(context.Background())
		return nil, err
	}

	ts := &TestServer{
		Server:   srv,
		BaseURL:  baseURL,
		Listener: addr,
		Config:   cfg,
		stop:     stop,
		backend:  options.backend,
	}

	if options.faultProxy {
		proxy, err := NewFaultProxy(addr.String())
		if err != nil {
			_ = stop(context.Background())
			return nil, err
		}
		ts.Proxy = proxy
		proxied, err := url.Parse(baseURL)
		if err != nil {
			_ = proxy.Close()
			_ = stop(context.Background())
			return nil, err
		}
		proxied.Host = proxy.Addr().String()
		ts.BaseURL = proxied.String()
		ts.Listener = proxy.Addr()
	}

	if !options.disableClient {
		cli, err := ts.NewClient(options.clientOpts...)
		if err != nil {
			_ = ts.Stop(context.Background())
			return nil, err
		}
		ts.Client = cli
	}
	return ts, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

func computeBaseURL(cfg Config, addr net.Addr) (string, error) {
	switch strings.ToLower(cfg.ListenProto) {
	case "unix":
		if cfg.Listen == "" {
			return "", fmt.Errorf("unix listener requires a socket path")
		}
		return "unix://" + cfg.Listen, nil
	default:
		return "http://" + addr.String(), nil
	}
}

// FaultProxy is a loopback TCP relay that tests can partition and heal to
// simulate an editor losing its network while holding a lock.
type FaultProxy struct {
	listener net.Listener
	remote   string

	partitioned atomic.Bool
	latency     atomic.Int64
	accepted    atomic.Int64

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewFaultProxy listens on a loopback port and relays to remote.
func NewFaultProxy(remote string) (*FaultProxy, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	p := &FaultProxy{
		listener: ln,
		remote:   remote,
		conns:    make(map[net.Conn]struct{}),
	}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

// Addr is the proxy's listen address.
func (p *FaultProxy) Addr() net.Addr {
	return p.listener.Addr()
}

// Partition severs every open connection and refuses new ones until Heal.
func (p *FaultProxy) Partition() {
	p.partitioned.Store(true)
	p.mu.Lock()
	for c := range p.conns {
		_ = c.Close()
	}
	p.mu.Unlock()
}

// Heal lets connections through again.
func (p *FaultProxy) Heal() {
	p.partitioned.Store(false)
}

// Partitioned reports whether the proxy is currently refusing traffic.
func (p *FaultProxy) Partitioned() bool {
	return p.partitioned.Load()
}

// SetLatency delays every relayed chunk by d.
func (p *FaultProxy) SetLatency(d time.Duration) {
	if d < 0 {
		d = 0
	}
	p.latency.Store(int64(d))
}

// Accepted counts the downstream connections the proxy has accepted.
func (p *FaultProxy) Accepted() int64 {
	return p.accepted.Load()
}

// Close stops the proxy and drops every connection.
func (p *FaultProxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for c := range p.conns {
		_ = c.Close()
	}
	p.mu.Unlock()
	err := p.listener.Close()
	p.wg.Wait()
	return err
}

func (p *FaultProxy) track(c net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.conns[c] = struct{}{}
	return true
}

func (p *FaultProxy) untrack(c net.Conn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
}

func (p *FaultProxy) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		p.accepted.Add(1)
		if p.partitioned.Load() {
			_ = conn.Close()
			continue
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.relay(conn)
		}()
	}
}

func (p *FaultProxy) relay(downstream net.Conn) {
	if !p.track(downstream) {
		_ = downstream.Close()
		return
	}
	defer p.untrack(downstream)
	defer downstream.Close()

	upstream, err := net.DialTimeout("tcp", p.remote, time.Second)
	if err != nil {
		return
	}
	if !p.track(upstream) {
		_ = upstream.Close()
		return
	}
	defer p.untrack(upstream)
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, p.delayed(downstream))
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(downstream, p.delayed(upstream))
		done <- struct{}{}
	}()
	<-done
}

func (p *FaultProxy) delayed(r io.Reader) io.Reader {
	return readerFunc(func(buf []byte) (int, error) {
		n, err := r.Read(buf)
		if n > 0 {
			if d := time.Duration(p.latency.Load()); d > 0 {
				time.Sleep(d)
			}
			if p.partitioned.Load() {
				return 0, io.ErrClosedPipe
			}
		}
		return n, err
	})
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) {
	return f(p)
}
