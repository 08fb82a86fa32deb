package doclock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/doclock/client"
	"pkt.systems/doclock/internal/clock"
)

func TestNewTestServerDefault(t *testing.T) {
	ts := StartTestServer(t)
	if ts.Client == nil {
		t.Fatal("expected auto client")
	}
	if !strings.HasPrefix(ts.URL(), "http://127.0.0.1:") {
		t.Fatalf("unexpected base URL %s", ts.URL())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	session := client.NewSessionIdentity()
	if _, err := ts.Client.Acquire(ctx, "default.docx", "tester", session); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	cleared, err := ts.Client.ClearLocks(ctx)
	if err != nil {
		t.Fatalf("clear locks with the test admin token: %v", err)
	}
	if cleared.LocksRemoved != 1 {
		t.Fatalf("expected one lock cleared, got %d", cleared.LocksRemoved)
	}
}

func TestNewTestServerUnixSocket(t *testing.T) {
	socket := t.TempDir() + "/doclock.sock"
	ts := StartTestServer(t, WithTestUnixSocket(socket))
	if !strings.HasPrefix(ts.URL(), "unix://") {
		t.Fatalf("expected unix URL, got %s", ts.URL())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session := client.NewSessionIdentity()
	if _, err := ts.Client.Acquire(ctx, "unix.docx", "tester", session); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := ts.Client.Release(ctx, "unix.docx", session); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestNewTestServerWithoutClient(t *testing.T) {
	ts := StartTestServer(t, WithoutTestClient())
	if ts.Client != nil {
		t.Fatalf("expected client to be nil")
	}
	cli, err := ts.NewClient()
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Acquire(ctx, "manual.docx", "tester", client.NewSessionIdentity()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
}

func TestNewTestServerManualClockExpiresLease(t *testing.T) {
	manual := clock.NewManual(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	ts := StartTestServer(t, WithTestClock(manual), WithTestLeaseTTL(time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := ts.Client.Acquire(ctx, "plan.xlsx", "ana", client.NewSessionIdentity()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := ts.Client.Acquire(ctx, "plan.xlsx", "ben", client.NewSessionIdentity())
	if !client.IsLocked(err) {
		t.Fatalf("expected locked conflict, got %v", err)
	}

	manual.Advance(time.Minute + time.Second)
	acquired, err := ts.Client.Acquire(ctx, "plan.xlsx", "ben", client.NewSessionIdentity())
	if err != nil {
		t.Fatalf("expected takeover after expiry: %v", err)
	}
	if acquired.Lock.UserName != "ben" {
		t.Fatalf("unexpected holder %q", acquired.Lock.UserName)
	}
}

func TestFaultProxyPartitionLosesHeartbeat(t *testing.T) {
	ts := StartTestServer(t, WithTestFaultProxy())
	if ts.Proxy == nil {
		t.Fatal("expected a fault proxy")
	}
	if ts.Addr().String() == ts.Server.ListenerAddr().String() {
		t.Fatalf("expected proxy address to differ from %s", ts.Server.ListenerAddr())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lost := make(chan error, 1)
	hb, err := client.Hold(ctx, ts.Client, "memo.docx", "ana", client.NewSessionIdentity(), client.HeartbeatOptions{
		Period: 20 * time.Millisecond,
		OnLost: func(err error) { lost <- err },
	})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	defer hb.Stop()
	if ts.Proxy.Accepted() == 0 {
		t.Fatal("expected traffic through the proxy")
	}

	ts.Proxy.Partition()
	select {
	case err := <-lost:
		if !errors.Is(err, client.ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("heartbeat did not report the partition")
	}
	<-hb.Done()

	ts.Proxy.Heal()
	inspected, err := ts.Client.Inspect(ctx, "memo.docx")
	if err != nil {
		t.Fatalf("inspect after heal: %v", err)
	}
	if !inspected.Locked {
		t.Fatal("lease should stay until it expires; the heartbeat never releases on loss")
	}
}

func TestFaultProxyRejectsUnixListener(t *testing.T) {
	_, err := NewTestServer(context.Background(), WithTestUnixSocket(t.TempDir()+"/x.sock"), WithTestFaultProxy())
	if err == nil {
		t.Fatal("expected error combining unix socket with the fault proxy")
	}
}
