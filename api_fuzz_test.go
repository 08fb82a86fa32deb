package doclock

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/doclock/client"
	"pkt.systems/pslog"
)

func FuzzAPISurfaceNoServerError(f *testing.F) {
	ts := StartTestServer(
		f,
		WithoutTestClient(),
		WithTestLogger(pslog.NoopLogger()),
		WithTestConfigFunc(func(cfg *Config) {
			cfg.JSONMaxBytes = 2048
		}),
	)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	f.Add(uint8(0), uint8(0), "report.docx", []byte(`{}`), uint8(0), uint8(0), false)
	f.Add(uint8(1), uint8(1), "../../etc/passwd", []byte(`{"documentId":"a","userName":"b","sessionId":"c"}`), uint8(1), uint8(1), false)
	f.Add(uint8(2), uint8(1), "%2e%2e/%2e%2e", []byte(`{"documentId":"","sessionId":"x","action":"bogus"}`), uint8(2), uint8(2), true)
	f.Add(uint8(5), uint8(1), "x", []byte(`{"bogus":true}`), uint8(3), uint8(3), true)

	f.Fuzz(func(t *testing.T, routeSel, methodSel uint8, documentID string, body []byte, bodySizeSel, bodyChunkSel uint8, withAdmin bool) {
		if len(documentID) > 256 {
			documentID = documentID[:256]
		}
		body = fuzzResizedBytes(body, fuzzBoundaryInt(bodySizeSel, []int{
			0, 1, 2, 15, 63, 127, 255, 256, 511, 512, 1023, 1024, 2047, 2048, 2049, 4096,
		}))
		chunkSize := fuzzBoundaryInt(bodyChunkSel, []int{1, 2, 3, 7, 16, 31, 32, 64, 255, 256})

		routes := []string{
			"/v1/lock",
			"/v1/acquire",
			"/v1/renew",
			"/v1/release",
			"/v1/locks",
			"/v1/admin/clear-locks",
		}
		methods := []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
			http.MethodPut,
		}
		route := routes[int(routeSel)%len(routes)]
		method := methods[int(methodSel)%len(methods)]
		values := url.Values{}
		values.Set("documentId", documentID)
		target := ts.URL() + route + "?" + values.Encode()

		ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
		defer cancel()
		bodyReader := io.Reader(bytes.NewReader(body))
		if len(body) > 0 {
			bodyReader = &fuzzChunkedReader{data: body, chunk: chunkSize}
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if withAdmin {
			req.Header.Set("Authorization", "Bearer "+TestAdminToken)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			t.Fatalf("api request failed %s %s: %v", method, route, err)
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 32*1024))
		_ = resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			t.Fatalf("unexpected server error status=%d route=%s method=%s", resp.StatusCode, route, method)
		}

		healthReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL()+"/healthz", http.NoBody)
		if err != nil {
			t.Fatalf("health request: %v", err)
		}
		healthResp, err := httpClient.Do(healthReq)
		if err != nil {
			t.Fatalf("health check failed after fuzzed request: %v", err)
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(healthResp.Body, 16*1024))
		_ = healthResp.Body.Close()
		if healthResp.StatusCode != http.StatusOK {
			t.Fatalf("health check status=%d after route=%s method=%s", healthResp.StatusCode, route, method)
		}
	})
}

func FuzzDiskDocumentIDContainment(f *testing.F) {
	parent := f.TempDir()
	storeRoot := filepath.Join(parent, "store")
	canaryPath := filepath.Join(parent, "outside-canary.txt")
	canaryContent := []byte("doclock-fuzz-canary")
	if err := os.WriteFile(canaryPath, canaryContent, 0o600); err != nil {
		f.Fatalf("write canary: %v", err)
	}

	ts := StartTestServer(
		f,
		WithTestLogger(pslog.NoopLogger()),
		WithTestStore("disk://"+storeRoot),
	)
	cli := ts.Client

	allowedSiblings, err := dirEntryNames(parent)
	if err != nil {
		f.Fatalf("read parent dir: %v", err)
	}

	f.Add("reports/q3.docx", "ana")
	f.Add("../outside-canary.txt", "mallory")
	f.Add("..", "mallory")
	f.Add("%2e%2e/%2e%2e/locks", "mallory")
	f.Add("lock:/../../x", "mallory")

	f.Fuzz(func(t *testing.T, documentID, userName string) {
		if len(documentID) > 128 {
			documentID = documentID[:128]
		}
		if len(userName) > 64 {
			userName = userName[:64]
		}

		ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
		defer cancel()
		session := client.NewSessionIdentity()
		acquired, err := cli.Acquire(ctx, documentID, userName, session)
		if err == nil {
			inspected, err := cli.Inspect(ctx, documentID)
			if err != nil {
				t.Fatalf("inspect acquired document %q: %v", documentID, err)
			}
			if !inspected.Locked || inspected.UserName != acquired.Lock.UserName {
				encoded, _ := json.Marshal(inspected)
				t.Fatalf("inspect disagrees with acquire for %q: %s", documentID, encoded)
			}
			if _, err := cli.Release(ctx, documentID, session); err != nil {
				t.Fatalf("release acquired document %q: %v", documentID, err)
			}
		}

		currentSiblings, err := dirEntryNames(parent)
		if err != nil {
			t.Fatalf("read parent dir: %v", err)
		}
		for name := range currentSiblings {
			if _, ok := allowedSiblings[name]; !ok {
				t.Fatalf("unexpected sibling path created outside store root: %q", name)
			}
		}
		data, err := os.ReadFile(canaryPath)
		if err != nil {
			t.Fatalf("read canary: %v", err)
		}
		if !bytes.Equal(data, canaryContent) {
			t.Fatalf("outside canary changed: %q", string(data))
		}
	})
}

func fuzzBoundaryInt(sel uint8, values []int) int {
	if len(values) == 0 {
		return 0
	}
	return values[int(sel)%len(values)]
}

func fuzzResizedBytes(in []byte, target int) []byte {
	if target <= 0 {
		return []byte{}
	}
	if len(in) == 0 {
		in = []byte("x")
	}
	out := make([]byte, target)
	for i := range out {
		out[i] = in[i%len(in)]
	}
	return out
}

type fuzzChunkedReader struct {
	data  []byte
	chunk int
	off   int
}

func (r *fuzzChunkedReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := min(len(p), len(r.data)-r.off)
	if r.chunk > 0 && n > r.chunk {
		n = r.chunk
	}
	copy(p[:n], r.data[r.off:r.off+n])
	r.off += n
	return n, nil
}

func dirEntryNames(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		out[entry.Name()] = struct{}{}
	}
	return out, nil
}
