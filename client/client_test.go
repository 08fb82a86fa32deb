package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/doclock/internal/clock"
	"pkt.systems/doclock/internal/httpapi"
	"pkt.systems/doclock/internal/storage/memory"
	"pkt.systems/pslog"
)

var testStart = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

const testAdminToken = "ops-secret"

type testEnv struct {
	server *httptest.Server
	clock  *clock.Manual
	store  *memory.Store
	client *Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	clk := clock.NewManual(testStart)
	handler := httpapi.New(httpapi.Config{
		Store:              store,
		Logger:             pslog.NoopLogger(),
		Clock:              clk,
		AdminToken:         testAdminToken,
		DisableHTTPTracing: true,
	})
	mux := http.NewServeMux()
	handler.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	cli, err := New(server.URL, WithAdminToken(testAdminToken), WithCloseTimeout(time.Second))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return &testEnv{server: server, clock: clk, store: store, client: cli}
}

func TestClientAcquireConflictReportsHolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ana, beto := NewSessionIdentity(), NewSessionIdentity()

	acquired, err := env.client.Acquire(ctx, "doc1", "Ana", ana)
	if err != nil {
		t.Fatalf("acquire Ana: %v", err)
	}
	if !acquired.OK || acquired.Lock.SessionID != ana.String() {
		t.Fatalf("unexpected acquire response %+v", acquired)
	}

	_, err = env.client.Acquire(ctx, "doc1", "Beto", beto)
	if !IsLocked(err) {
		t.Fatalf("expected locked conflict, got %v", err)
	}
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected *LockedError, got %T", err)
	}
	if locked.UserName != "Ana" || locked.SameSession || !locked.AcquiredAt.Equal(testStart) {
		t.Fatalf("unexpected holder %+v", locked)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("expected wrapped 409 APIError, got %v", err)
	}
}

func TestClientReclaimsExpiredLease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.client.Acquire(ctx, "doc1", "Ana", NewSessionIdentity()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	env.clock.Set(testStart.Add(6 * time.Minute))

	state, err := env.client.Inspect(ctx, "doc1")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if state.Locked || !state.WasExpired {
		t.Fatalf("expected expired lock, got %+v", state)
	}
	if _, err := env.client.Acquire(ctx, "doc1", "Beto", NewSessionIdentity()); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}

func TestClientRenewRequiresOwnerSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ana := NewSessionIdentity()

	if _, err := env.client.Acquire(ctx, "doc1", "Ana", ana); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	env.clock.Advance(30 * time.Second)

	if _, err := env.client.Renew(ctx, "doc1", NewSessionIdentity()); !IsForbidden(err) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	renewed, err := env.client.Renew(ctx, "doc1", ana)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed.Lock.LastHeartbeat != "2025-03-14T09:00:30.000Z" {
		t.Fatalf("unexpected heartbeat %q", renewed.Lock.LastHeartbeat)
	}
	if _, err := env.client.Release(ctx, "doc1", NewSessionIdentity()); !IsForbidden(err) {
		t.Fatalf("expected forbidden release, got %v", err)
	}
	if _, err := env.client.Renew(ctx, "missing", ana); !IsNoLock(err) {
		t.Fatalf("expected no_lock, got %v", err)
	}
}

func TestClientAdminClearsAllLocks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, doc := range []string{"doc1", "doc2"} {
		if _, err := env.client.Acquire(ctx, doc, "Ana", NewSessionIdentity()); err != nil {
			t.Fatalf("acquire %s: %v", doc, err)
		}
	}
	list, err := env.client.ListLocks(ctx)
	if err != nil || list.Count != 2 {
		t.Fatalf("list: %+v err=%v", list, err)
	}
	cleared, err := env.client.ClearLocks(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared.LocksRemoved != 2 {
		t.Fatalf("expected 2 removed, got %+v", cleared)
	}
	for _, doc := range []string{"doc1", "doc2"} {
		state, err := env.client.Inspect(ctx, doc)
		if err != nil || state.Locked {
			t.Fatalf("%s should be unlocked: %+v err=%v", doc, state, err)
		}
	}

	anon, err := New(env.server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = anon.ClearLocks(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Code() != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %v", err)
	}
}

func TestClientReleaseIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ana := NewSessionIdentity()

	if _, err := env.client.Acquire(ctx, "doc1", "Ana", ana); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	first, err := env.client.Release(ctx, "doc1", ana)
	if err != nil || !first.Released {
		t.Fatalf("first release: %+v err=%v", first, err)
	}
	second, err := env.client.Release(ctx, "doc1", ana)
	if err != nil || second.Released {
		t.Fatalf("second release: %+v err=%v", second, err)
	}
}

func TestDecodeErrorRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Retry-After", "4")
	rec.Header().Set(headerQRFState, "ENGAGED")
	rec.WriteHeader(http.StatusServiceUnavailable)
	resp := rec.Result()
	err := decodeErrorWithBody(resp, []byte(`{"error":"throttled","detail":"host under pressure","retryAfterSeconds":4}`))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.RetryAfterDuration() != 4*time.Second || apiErr.QRFState != "engaged" {
		t.Fatalf("unexpected retry metadata %+v", apiErr)
	}
	if !IsRetryable(err) || IsLocked(err) {
		t.Fatalf("unexpected predicates for %v", err)
	}
	if !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("unexpected message %q", err.Error())
	}

	garbled := decodeErrorWithBody(resp, []byte("<html>bad gateway</html>"))
	if !errors.As(garbled, &apiErr) || apiErr.Status != http.StatusServiceUnavailable || len(apiErr.Body) == 0 {
		t.Fatalf("expected raw body to be preserved, got %+v", garbled)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	cases := map[string]string{
		"localhost":                "https://localhost:9341",
		"http://127.0.0.1:8080/":   "http://127.0.0.1:8080",
		"https://doclock.example":  "https://doclock.example:9341",
		"unix:///run/doclock.sock": "unix:///run/doclock.sock",
		" http://[::1]:9000 ":      "http://[::1]:9000",
	}
	for in, want := range cases {
		got, err := normalizeEndpoint(in)
		if err != nil {
			t.Fatalf("normalizeEndpoint(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("normalizeEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := normalizeEndpoint(""); err == nil {
		t.Fatalf("expected empty endpoint to fail")
	}
}

func TestClientOverUnixSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "doclock.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	handler := httpapi.New(httpapi.Config{Store: memory.New(), Logger: pslog.NoopLogger(), DisableHTTPTracing: true})
	mux := http.NewServeMux()
	handler.Register(mux)
	server := httptest.NewUnstartedServer(mux)
	server.Listener = ln
	server.Start()
	t.Cleanup(server.Close)

	cli, err := New("unix://" + socket)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ready, err := cli.Ready(context.Background())
	if err != nil || !ready.OK {
		t.Fatalf("ready over unix socket: %+v err=%v", ready, err)
	}
}

func TestCorrelationHeaderPropagates(t *testing.T) {
	seen := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get(headerCorrelationID)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"locked":false}`))
	}))
	defer server.Close()

	cli, err := New(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := WithCorrelationID(context.Background(), "trace-me")
	if _, err := cli.Inspect(ctx, "doc"); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if got := <-seen; got != "trace-me" {
		t.Fatalf("expected correlation header, got %q", got)
	}
}
