package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

const waitTimeout = 5 * time.Second

func holdForTest(t *testing.T, env *testEnv, ctx context.Context, session SessionIdentity, opts HeartbeatOptions) *Heartbeat {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = env.clock
	}
	hb, err := Hold(ctx, env.client, "doc1", "Ana", session, opts)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if !env.clock.WaitForTimers(1, waitTimeout) {
		t.Fatalf("heartbeat never scheduled a renewal")
	}
	return hb
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestHeartbeatRenewsOnPeriod(t *testing.T) {
	env := newTestEnv(t)
	hb := holdForTest(t, env, context.Background(), NewSessionIdentity(), HeartbeatOptions{Period: time.Minute})
	defer hb.Stop()

	if got := hb.LastLock().LastHeartbeat; got != "2025-03-14T09:00:00.000Z" {
		t.Fatalf("unexpected initial heartbeat %q", got)
	}
	for i := 1; i <= 3; i++ {
		env.clock.Advance(time.Minute)
		if !env.clock.WaitForTimers(1, waitTimeout) {
			t.Fatalf("renewal %d did not reschedule", i)
		}
	}
	if got := hb.LastLock().LastHeartbeat; got != "2025-03-14T09:03:00.000Z" {
		t.Fatalf("expected three renewals, last heartbeat %q", got)
	}
	state, err := env.client.Inspect(context.Background(), "doc1")
	if err != nil || !state.Locked || state.LastHeartbeat != "2025-03-14T09:03:00.000Z" {
		t.Fatalf("server view out of sync: %+v err=%v", state, err)
	}
}

func TestHeartbeatReportsLossOnceAndNeverReacquires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var lostCalls atomic.Int32
	hb := holdForTest(t, env, ctx, NewSessionIdentity(), HeartbeatOptions{
		Period: time.Minute,
		OnLost: func(error) { lostCalls.Add(1) },
	})

	if _, err := env.client.ClearLocks(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := env.client.Acquire(ctx, "doc1", "Beto", NewSessionIdentity()); err != nil {
		t.Fatalf("beto acquire: %v", err)
	}
	env.clock.Advance(time.Minute)

	var lostErr error
	select {
	case lostErr = <-hb.Lost():
	case <-time.After(waitTimeout):
		t.Fatalf("loss was never reported")
	}
	if !errors.Is(lostErr, ErrLeaseLost) || !IsForbidden(lostErr) {
		t.Fatalf("expected forbidden lease loss, got %v", lostErr)
	}
	waitClosed(t, hb.Done(), "heartbeat exit")
	if n := lostCalls.Load(); n != 1 {
		t.Fatalf("expected OnLost once, got %d", n)
	}
	if env.clock.Pending() != 0 {
		t.Fatalf("heartbeat kept scheduling after loss")
	}

	state, err := env.client.Inspect(ctx, "doc1")
	if err != nil || state.UserName != "Beto" {
		t.Fatalf("expected Beto to keep the lease, got %+v err=%v", state, err)
	}
}

func TestHeartbeatStopKeepsLease(t *testing.T) {
	env := newTestEnv(t)
	hb := holdForTest(t, env, context.Background(), NewSessionIdentity(), HeartbeatOptions{})
	hb.Stop()
	hb.Stop()
	waitClosed(t, hb.Done(), "heartbeat exit")

	state, err := env.client.Inspect(context.Background(), "doc1")
	if err != nil || !state.Locked {
		t.Fatalf("stop must not release: %+v err=%v", state, err)
	}
	select {
	case err := <-hb.Lost():
		t.Fatalf("unexpected loss after stop: %v", err)
	default:
	}
}

func TestHeartbeatCloseReleasesInBackground(t *testing.T) {
	env := newTestEnv(t)
	hb := holdForTest(t, env, context.Background(), NewSessionIdentity(), HeartbeatOptions{})

	hb.Close()
	hb.Close()
	waitClosed(t, hb.Done(), "heartbeat exit")
	waitClosed(t, hb.released, "background release")

	state, err := env.client.Inspect(context.Background(), "doc1")
	if err != nil || state.Locked {
		t.Fatalf("close should release the lease: %+v err=%v", state, err)
	}
}

func TestHeartbeatCloseToleratesUnreachableServer(t *testing.T) {
	env := newTestEnv(t)
	hb := holdForTest(t, env, context.Background(), NewSessionIdentity(), HeartbeatOptions{})
	env.server.Close()

	start := time.Now()
	hb.Close()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("close blocked for %s", elapsed)
	}
	waitClosed(t, hb.released, "background release attempt")
}

func TestHeartbeatContextCancelIsNotLoss(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	hb := holdForTest(t, env, ctx, NewSessionIdentity(), HeartbeatOptions{})
	cancel()
	waitClosed(t, hb.Done(), "heartbeat exit")
	select {
	case err := <-hb.Lost():
		t.Fatalf("cancellation reported as loss: %v", err)
	default:
	}
}

func TestHoldResumesOwnSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ana := NewSessionIdentity()

	if _, err := env.client.Acquire(ctx, "doc1", "Ana", ana); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	env.clock.Advance(10 * time.Second)

	hb := holdForTest(t, env, ctx, ana, HeartbeatOptions{})
	defer hb.Stop()
	last := hb.LastLock()
	if last.SessionID != ana.String() || last.LastHeartbeat != "2025-03-14T09:00:10.000Z" {
		t.Fatalf("expected resumed lease renewed at +10s, got %+v", last)
	}

	_, err := Hold(ctx, env.client, "doc1", "Beto", NewSessionIdentity(), HeartbeatOptions{Clock: env.clock})
	var locked *LockedError
	if !errors.As(err, &locked) || locked.UserName != "Ana" || locked.SameSession {
		t.Fatalf("expected conflict with Ana, got %v", err)
	}
}

func TestStartHeartbeatValidatesInputs(t *testing.T) {
	env := newTestEnv(t)
	if _, err := StartHeartbeat(context.Background(), nil, "doc1", NewSessionIdentity(), HeartbeatOptions{}); err == nil {
		t.Fatalf("expected nil client to fail")
	}
	if _, err := StartHeartbeat(context.Background(), env.client, "", NewSessionIdentity(), HeartbeatOptions{}); err == nil {
		t.Fatalf("expected empty document to fail")
	}
	if _, err := StartHeartbeat(context.Background(), env.client, "doc1", SessionIdentity{}, HeartbeatOptions{}); err == nil {
		t.Fatalf("expected zero session to fail")
	}
}
