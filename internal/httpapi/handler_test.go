package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/doclock/api"
	"pkt.systems/doclock/internal/clock"
	"pkt.systems/doclock/internal/qrf"
	"pkt.systems/doclock/internal/storage/memory"
	"pkt.systems/pslog"
)

var testStart = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type testServer struct {
	*httptest.Server
	clock *clock.Manual
	store *memory.Store
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	store := memory.New()
	clk := clock.NewManual(testStart)
	cfg := Config{
		Store:              store,
		Logger:             pslog.NoopLogger(),
		Clock:              clk,
		JSONMaxBytes:       1 << 20,
		DisableHTTPTracing: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	handler := New(cfg)
	mux := http.NewServeMux()
	handler.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &testServer{Server: server, clock: clk, store: store}
}

func doJSON(t *testing.T, server *httptest.Server, method, path string, headers map[string]string, body any, out any) int {
	t.Helper()
	resp := doRequest(t, server, method, path, headers, body)
	defer resp.Body.Close()
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				t.Fatalf("decode response %q: %v", data, err)
			}
		}
	}
	return resp.StatusCode
}

func doRequest(t *testing.T, server *httptest.Server, method, path string, headers map[string]string, body any) *http.Response {
	t.Helper()
	var payload io.Reader = http.NoBody
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		payload = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, server.URL+path, payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func acquire(t *testing.T, server *httptest.Server, doc, user, session string) (int, api.AcquireResponse, api.ErrorResponse) {
	t.Helper()
	resp := doRequest(t, server, http.MethodPost, "/v1/acquire", nil, api.AcquireRequest{DocumentID: doc, UserName: user, SessionID: session})
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var ok api.AcquireResponse
	var failure api.ErrorResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(data, &ok); err != nil {
			t.Fatalf("decode acquire: %v", err)
		}
	} else if err := json.Unmarshal(data, &failure); err != nil {
		t.Fatalf("decode acquire error %q: %v", data, err)
	}
	return resp.StatusCode, ok, failure
}

func inspect(t *testing.T, server *httptest.Server, doc string) api.InspectResponse {
	t.Helper()
	var out api.InspectResponse
	if status := doJSON(t, server, http.MethodGet, "/v1/lock?documentId="+doc, nil, nil, &out); status != http.StatusOK {
		t.Fatalf("expected inspect 200, got %d", status)
	}
	return out
}

func TestAcquireConflictReturnsHolder(t *testing.T) {
	server := newTestServer(t, nil)

	status, ok, _ := acquire(t, server.Server, "doc1", "Ana", "s1")
	if status != http.StatusOK || !ok.OK {
		t.Fatalf("expected Ana to acquire, got %d", status)
	}
	if ok.Lock.SessionID != "s1" || ok.Lock.UserName != "Ana" || ok.Lock.Timestamp != "2025-03-14T09:00:00.000Z" {
		t.Fatalf("unexpected lock %+v", ok.Lock)
	}

	status, _, failure := acquire(t, server.Server, "doc1", "Beto", "s2")
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
	if failure.ErrorCode != "locked" || !failure.Locked || failure.UserName != "Ana" || failure.SameSession {
		t.Fatalf("unexpected conflict body %+v", failure)
	}
	if failure.Timestamp != ok.Lock.Timestamp {
		t.Fatalf("conflict timestamp %q, want %q", failure.Timestamp, ok.Lock.Timestamp)
	}

	status, _, failure = acquire(t, server.Server, "doc1", "Ana", "s1")
	if status != http.StatusConflict || !failure.SameSession {
		t.Fatalf("expected same-session conflict, got %d %+v", status, failure)
	}
}

func TestInspectReapsExpiredLock(t *testing.T) {
	server := newTestServer(t, nil)

	if status, _, _ := acquire(t, server.Server, "doc1", "Ana", "s1"); status != http.StatusOK {
		t.Fatalf("acquire: %d", status)
	}
	server.clock.Set(testStart.Add(6 * time.Minute))

	got := inspect(t, server.Server, "doc1")
	if got.Locked || !got.WasExpired {
		t.Fatalf("expected expired report, got %+v", got)
	}
	if server.store.Len() != 0 {
		t.Fatalf("expected stale record deleted")
	}
	status, ok, _ := acquire(t, server.Server, "doc1", "Beto", "s2")
	if status != http.StatusOK || ok.Lock.UserName != "Beto" {
		t.Fatalf("expected Beto to acquire, got %d %+v", status, ok)
	}
}

func TestRenewOwnershipIsEnforced(t *testing.T) {
	server := newTestServer(t, nil)

	_, acquired, _ := acquire(t, server.Server, "doc1", "Ana", "s1")
	server.clock.Advance(time.Minute)

	var failure api.ErrorResponse
	status := doJSON(t, server.Server, http.MethodPost, "/v1/renew", nil, api.RenewRequest{DocumentID: "doc1", SessionID: "s2"}, &failure)
	if status != http.StatusForbidden || failure.ErrorCode != "forbidden" {
		t.Fatalf("expected 403 forbidden, got %d %+v", status, failure)
	}

	var renewed api.RenewResponse
	status = doJSON(t, server.Server, http.MethodPost, "/v1/renew", nil, api.RenewRequest{DocumentID: "doc1", SessionID: "s1", Action: "heartbeat"}, &renewed)
	if status != http.StatusOK || !renewed.OK {
		t.Fatalf("expected renew 200, got %d", status)
	}
	if renewed.Lock.LastHeartbeat != "2025-03-14T09:01:00.000Z" || renewed.Lock.LastHeartbeat == acquired.Lock.LastHeartbeat {
		t.Fatalf("expected heartbeat to advance, got %+v", renewed.Lock)
	}
	if renewed.Lock.Timestamp != acquired.Lock.Timestamp {
		t.Fatalf("renew must keep the acquisition timestamp")
	}
}

func TestAdminClearLocksRemovesAll(t *testing.T) {
	server := newTestServer(t, func(cfg *Config) { cfg.AdminToken = "ops-secret" })

	acquire(t, server.Server, "doc1", "Ana", "s1")
	acquire(t, server.Server, "doc2", "Beto", "s2")

	var cleared api.ClearLocksResponse
	status := doJSON(t, server.Server, http.MethodPost, "/v1/admin/clear-locks",
		map[string]string{"Authorization": "Bearer ops-secret"}, nil, &cleared)
	if status != http.StatusOK {
		t.Fatalf("expected clear 200, got %d", status)
	}
	if !cleared.OK || cleared.LocksRemoved != 2 || len(cleared.RemovedKeys) != 2 || len(cleared.FailedKeys) != 0 {
		t.Fatalf("unexpected clear response %+v", cleared)
	}
	for _, doc := range []string{"doc1", "doc2"} {
		if got := inspect(t, server.Server, doc); got.Locked || got.WasExpired {
			t.Fatalf("%s should be unlocked, got %+v", doc, got)
		}
	}
}

func TestInspectLiveLock(t *testing.T) {
	server := newTestServer(t, nil)
	acquire(t, server.Server, "doc1", "Ana", "s1")
	server.clock.Advance(4 * time.Minute)

	got := inspect(t, server.Server, "doc1")
	if !got.Locked || got.UserName != "Ana" || got.WasExpired {
		t.Fatalf("unexpected inspect %+v", got)
	}
	if got.Timestamp == "" || got.LastHeartbeat == "" {
		t.Fatalf("expected holder timestamps, got %+v", got)
	}

	var failure api.ErrorResponse
	status := doJSON(t, server.Server, http.MethodGet, "/v1/lock", nil, nil, &failure)
	if status != http.StatusBadRequest || failure.ErrorCode != "missing_document_id" {
		t.Fatalf("expected missing_document_id, got %d %+v", status, failure)
	}
}

func TestRenewAndReleaseFailures(t *testing.T) {
	server := newTestServer(t, nil)

	var failure api.ErrorResponse
	status := doJSON(t, server.Server, http.MethodPost, "/v1/renew", nil, api.RenewRequest{DocumentID: "doc1", SessionID: "s1"}, &failure)
	if status != http.StatusNotFound || failure.ErrorCode != "no_lock" {
		t.Fatalf("expected 404 no_lock, got %d %+v", status, failure)
	}

	acquire(t, server.Server, "doc1", "Ana", "s1")
	failure = api.ErrorResponse{}
	status = doJSON(t, server.Server, http.MethodPost, "/v1/renew", nil, api.RenewRequest{DocumentID: "doc1", SessionID: "s1", Action: "poke"}, &failure)
	if status != http.StatusBadRequest || failure.ErrorCode != "invalid_action" {
		t.Fatalf("expected invalid_action, got %d %+v", status, failure)
	}

	failure = api.ErrorResponse{}
	status = doJSON(t, server.Server, http.MethodPost, "/v1/release", nil, api.ReleaseRequest{DocumentID: "doc1", SessionID: "s2"}, &failure)
	if status != http.StatusForbidden || failure.ErrorCode != "forbidden" {
		t.Fatalf("expected 403, got %d %+v", status, failure)
	}

	var released api.ReleaseResponse
	status = doJSON(t, server.Server, http.MethodPost, "/v1/release", nil, api.ReleaseRequest{DocumentID: "doc1", SessionID: "s1"}, &released)
	if status != http.StatusOK || !released.OK || !released.Released {
		t.Fatalf("expected release, got %d %+v", status, released)
	}
	released = api.ReleaseResponse{}
	status = doJSON(t, server.Server, http.MethodPost, "/v1/release", nil, api.ReleaseRequest{DocumentID: "doc1", SessionID: "s1"}, &released)
	if status != http.StatusOK || !released.OK || released.Released {
		t.Fatalf("expected idempotent release, got %d %+v", status, released)
	}
}

func TestListLocksEndpoint(t *testing.T) {
	server := newTestServer(t, nil)
	acquire(t, server.Server, "b-doc", "Beto", "s2")
	server.clock.Advance(6 * time.Minute)
	acquire(t, server.Server, "a-doc", "Ana", "s1")

	var list api.ListLocksResponse
	if status := doJSON(t, server.Server, http.MethodGet, "/v1/locks", nil, nil, &list); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if list.Count != 2 || list.Locks[0].DocumentID != "a-doc" || list.Locks[1].DocumentID != "b-doc" {
		t.Fatalf("unexpected listing %+v", list)
	}
	if !list.Locks[0].Live || list.Locks[1].Live {
		t.Fatalf("unexpected live flags %+v", list.Locks)
	}
}

func TestRequestBodyValidation(t *testing.T) {
	server := newTestServer(t, func(cfg *Config) { cfg.JSONMaxBytes = 128 })

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"empty", "", http.StatusBadRequest, "invalid_body"},
		{"malformed", "{", http.StatusBadRequest, "invalid_body"},
		{"unknown field", `{"documentId":"d","userName":"u","sessionId":"s","ttl":5}`, http.StatusBadRequest, "invalid_body"},
		{"trailing", `{"documentId":"d","userName":"u","sessionId":"s"}{}`, http.StatusBadRequest, "invalid_body"},
		{"oversized", `{"documentId":"` + strings.Repeat("x", 256) + `"}`, http.StatusRequestEntityTooLarge, "invalid_body"},
		{"missing user", `{"documentId":"d","sessionId":"s"}`, http.StatusBadRequest, "missing_user_name"},
		{"missing session", `{"documentId":"d","userName":"u"}`, http.StatusBadRequest, "missing_session_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/acquire", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			defer resp.Body.Close()
			var failure api.ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&failure); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.StatusCode != tc.status || failure.ErrorCode != tc.code {
				t.Fatalf("expected %d %s, got %d %+v", tc.status, tc.code, resp.StatusCode, failure)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server := newTestServer(t, nil)
	resp := doRequest(t, server.Server, http.MethodGet, "/v1/acquire", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodPost {
		t.Fatalf("expected Allow POST, got %q", allow)
	}
}

func TestCorrelationIDEcho(t *testing.T) {
	server := newTestServer(t, nil)

	resp := doRequest(t, server.Server, http.MethodGet, "/v1/lock?documentId=doc1",
		map[string]string{headerCorrelationID: "corr-123"}, nil)
	resp.Body.Close()
	if got := resp.Header.Get(headerCorrelationID); got != "corr-123" {
		t.Fatalf("expected echoed correlation id, got %q", got)
	}

	resp = doRequest(t, server.Server, http.MethodPost, "/v1/renew", nil, api.RenewRequest{DocumentID: "doc1", SessionID: "s1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(headerCorrelationID); got == "" {
		t.Fatalf("expected generated correlation id on error responses")
	}

	resp = doRequest(t, server.Server, http.MethodGet, "/healthz",
		map[string]string{headerCorrelationID: strings.Repeat("c", 200)}, nil)
	resp.Body.Close()
	if got := resp.Header.Get(headerCorrelationID); got == "" || len(got) > 128 {
		t.Fatalf("expected invalid correlation id to be replaced, got %q", got)
	}
}

func TestReadyzReportsDraining(t *testing.T) {
	var draining atomic.Bool
	server := newTestServer(t, func(cfg *Config) {
		cfg.ShutdownState = func() ShutdownState {
			return ShutdownState{Draining: draining.Load(), Remaining: 3 * time.Second, Notify: true}
		}
	})

	var health api.HealthResponse
	if status := doJSON(t, server.Server, http.MethodGet, "/readyz", nil, nil, &health); status != http.StatusOK || !health.OK {
		t.Fatalf("expected ready, got %d %+v", status, health)
	}
	draining.Store(true)

	resp := doRequest(t, server.Server, http.MethodGet, "/readyz", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", resp.StatusCode)
	}
	if resp.Header.Get(headerShutdownImminent) != "true" {
		t.Fatalf("expected shutdown imminent header")
	}
	health = api.HealthResponse{}
	if status := doJSON(t, server.Server, http.MethodGet, "/healthz", nil, nil, &health); status != http.StatusOK || !health.OK {
		t.Fatalf("healthz should stay up while draining, got %d", status)
	}

	resp = doRequest(t, server.Server, http.MethodPost, "/v1/acquire", nil, api.AcquireRequest{DocumentID: "d", UserName: "u", SessionID: "s"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || resp.Header.Get("Retry-After") != "3" {
		t.Fatalf("expected 503 with Retry-After 3, got %d %q", resp.StatusCode, resp.Header.Get("Retry-After"))
	}
}

func TestThrottledAcquireCarriesRetryAfter(t *testing.T) {
	ctrl := qrf.NewController(qrf.Config{
		Enabled:                true,
		MemorySoftLimitPercent: 70,
		MemoryHardLimitPercent: 80,
		EngagedRetryAfter:      2 * time.Second,
		Logger:                 pslog.NoopLogger(),
	})
	server := newTestServer(t, func(cfg *Config) { cfg.QRFController = ctrl })
	ctrl.Observe(qrf.Snapshot{SystemMemoryUsedPercent: 99})

	resp := doRequest(t, server.Server, http.MethodPost, "/v1/acquire", nil, api.AcquireRequest{DocumentID: "d", UserName: "u", SessionID: "s"})
	defer resp.Body.Close()
	var failure api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&failure); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable || failure.ErrorCode != "throttled" {
		t.Fatalf("expected throttled 503, got %d %+v", resp.StatusCode, failure)
	}
	if resp.Header.Get("Retry-After") == "" || failure.RetryAfterSeconds < 1 {
		t.Fatalf("expected retry hint, got header %q body %d", resp.Header.Get("Retry-After"), failure.RetryAfterSeconds)
	}
	if resp.Header.Get(headerQRFState) != qrf.StateEngaged.String() {
		t.Fatalf("expected qrf state header, got %q", resp.Header.Get(headerQRFState))
	}
}

func TestSwaggerDocumentServed(t *testing.T) {
	server := newTestServer(t, nil)
	resp := doRequest(t, server.Server, http.MethodGet, "/swagger.json", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var doc struct {
		Swagger string                     `json:"swagger"`
		Paths   map[string]json.RawMessage `json:"paths"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode swagger: %v", err)
	}
	for _, path := range []string{"/acquire", "/renew", "/release", "/lock", "/locks", "/admin/clear-locks"} {
		if _, ok := doc.Paths[path]; !ok {
			t.Fatalf("swagger document missing %s", path)
		}
	}
}
