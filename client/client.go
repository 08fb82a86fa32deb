package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/doclock/api"
	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/pslog"
)

// Default client tuning knobs exposed for callers that want to mirror doclock's defaults.
const (
	DefaultHTTPTimeout         = 15 * time.Second
	DefaultCloseTimeout        = 5 * time.Second
	DefaultMaxIdleConns        = 64
	DefaultMaxIdleConnsPerHost = 32
)

const (
	defaultEndpointPort = "9341"
	headerCorrelationID = "X-Correlation-Id"
	headerQRFState      = "X-Doclock-QRF-State"
)

// Client talks to a single doclock server.
type Client struct {
	baseURL          string
	httpClient       *http.Client
	httpTraceEnabled bool
	httpTimeout      time.Duration
	closeTimeout     time.Duration
	adminToken       string
	logger           pslog.Logger

	closeOnce sync.Once
}

// Option customises client behaviour.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to a disabled logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = loggingutil.WithSubsystem(logger, "client.sdk")
	}
}

// WithHTTPTimeout bounds each request. Zero or negative keeps the default.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithCloseTimeout bounds the fire-and-forget release issued by
// Heartbeat.Close.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.closeTimeout = d
		}
	}
}

// WithAdminToken sets the operator bearer token used by ClearLocks.
func WithAdminToken(token string) Option {
	return func(c *Client) {
		c.adminToken = strings.TrimSpace(token)
	}
}

// WithHTTPTrace wraps the transport with OpenTelemetry instrumentation.
func WithHTTPTrace() Option {
	return func(c *Client) {
		c.httpTraceEnabled = true
	}
}

// New constructs a client for baseURL. Bare host:port values default to
// https; unix:///path/to.sock dials a local socket.
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		httpTimeout:  DefaultHTTPTimeout,
		closeTimeout: DefaultCloseTimeout,
		logger:       loggingutil.WithSubsystem(loggingutil.NoopLogger(), "client.sdk"),
	}
	for _, opt := range opts {
		opt(c)
	}
	endpoint, err := normalizeEndpoint(baseURL)
	if err != nil {
		return nil, err
	}
	cli, base, err := buildHTTPClient(endpoint)
	if err != nil {
		return nil, err
	}
	if c.httpClient == nil {
		c.httpClient = cli
	}
	if c.httpClient.Transport == nil {
		if tr, ok := http.DefaultTransport.(*http.Transport); ok {
			cloned := tr.Clone()
			cloned.MaxIdleConns = DefaultMaxIdleConns
			cloned.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
			c.httpClient.Transport = cloned
		}
	}
	if c.httpTraceEnabled {
		c.httpClient.Transport = otelhttp.NewTransport(c.httpClient.Transport)
	}
	c.baseURL = base
	c.logger.Debug("client.init", "endpoint", base)
	return c, nil
}

// BaseURL returns the normalised server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close releases idle connections held by the client.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.httpClient != nil {
			c.httpClient.CloseIdleConnections()
		}
	})
	return nil
}

// Inspect reports whether documentID is locked.
func (c *Client) Inspect(ctx context.Context, documentID string) (*api.InspectResponse, error) {
	var out api.InspectResponse
	path := "/v1/lock?documentId=" + url.QueryEscape(documentID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Acquire requests the lease on documentID for session. A live lease held
// by anyone, this session included, fails with *LockedError.
func (c *Client) Acquire(ctx context.Context, documentID, userName string, session SessionIdentity) (*api.AcquireResponse, error) {
	req := api.AcquireRequest{DocumentID: documentID, UserName: userName, SessionID: session.String()}
	var out api.AcquireResponse
	if err := c.do(ctx, http.MethodPost, "/v1/acquire", req, &out, nil); err != nil {
		return nil, err
	}
	c.logger.Debug("client.acquire.success", "document_id", documentID, "user_name", userName)
	return &out, nil
}

// Renew sends one heartbeat for the lease held by session.
func (c *Client) Renew(ctx context.Context, documentID string, session SessionIdentity) (*api.RenewResponse, error) {
	req := api.RenewRequest{DocumentID: documentID, SessionID: session.String(), Action: "heartbeat"}
	var out api.RenewResponse
	if err := c.do(ctx, http.MethodPost, "/v1/renew", req, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Release relinquishes the lease held by session. Released is false when the
// document was not locked.
func (c *Client) Release(ctx context.Context, documentID string, session SessionIdentity) (*api.ReleaseResponse, error) {
	req := api.ReleaseRequest{DocumentID: documentID, SessionID: session.String()}
	var out api.ReleaseResponse
	if err := c.do(ctx, http.MethodPost, "/v1/release", req, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListLocks returns every lock record known to the server.
func (c *Client) ListLocks(ctx context.Context) (*api.ListLocksResponse, error) {
	var out api.ListLocksResponse
	if err := c.do(ctx, http.MethodGet, "/v1/locks", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClearLocks deletes every lock record. It requires WithAdminToken.
func (c *Client) ClearLocks(ctx context.Context) (*api.ClearLocksResponse, error) {
	headers := http.Header{}
	if c.adminToken != "" {
		headers.Set("Authorization", "Bearer "+c.adminToken)
	}
	var out api.ClearLocksResponse
	if err := c.do(ctx, http.MethodPost, "/v1/admin/clear-locks", nil, &out, headers); err != nil {
		return nil, err
	}
	c.logger.Warn("client.admin.clear_locks", "removed", out.LocksRemoved, "failed", len(out.FailedKeys))
	return &out, nil
}

// Ready reports whether the server accepts new leases.
func (c *Client) Ready(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/readyz", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any, headers http.Header) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var body io.Reader
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf
	}
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	applyCorrelationHeader(ctx, req)

	c.logger.Trace("client.http.start", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("client.http.transport_error", "method", method, "path", path, "error", err)
		return fmt.Errorf("doclock: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := decodeError(resp)
		c.logger.Debug("client.http.error", "method", method, "path", path, "status", resp.StatusCode, "error", apiErr)
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("doclock: decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if c.httpTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, c.httpTimeout)
}

func normalizeEndpoint(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("doclock: baseURL required")
	}
	if strings.HasPrefix(trimmed, "unix://") {
		return trimmed, nil
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("doclock: parse endpoint %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("doclock: endpoint %q has no host", raw)
	}
	return ensurePort(u, defaultEndpointPort), nil
}

func ensurePort(u *url.URL, defaultPort string) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	u.Host = net.JoinHostPort(host, port)
	return strings.TrimRight(u.String(), "/")
}

func buildHTTPClient(endpoint string) (*http.Client, string, error) {
	if strings.HasPrefix(endpoint, "unix://") {
		return newUnixHTTPClient(endpoint)
	}
	return &http.Client{}, endpoint, nil
}

func newUnixHTTPClient(raw string) (*http.Client, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse unix baseURL: %w", err)
	}
	socketPath := u.Path
	if u.Host != "" {
		socketPath = "/" + u.Host + socketPath
	}
	if socketPath == "" || socketPath == "/" {
		return nil, "", fmt.Errorf("unix baseURL missing socket path")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: DefaultHTTPTimeout, KeepAlive: 15 * time.Second}
	transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", socketPath)
	}
	transport.DialTLSContext = nil
	transport.TLSClientConfig = nil
	return &http.Client{Transport: transport}, "http://unix", nil
}
