package core

import (
	"context"
	"net/http"
	"testing"
	"time"

	"pkt.systems/doclock/internal/clock"
	"pkt.systems/doclock/internal/storage"
	"pkt.systems/doclock/internal/storage/memory"
	"pkt.systems/pslog"
)

// interleavingBackend runs afterGet once, right after the first Get has read
// the store, to simulate a competing request landing between read and write.
type interleavingBackend struct {
	*memory.Store
	afterGet func()
	setCalls int
	failSets error
}

func (b *interleavingBackend) Get(ctx context.Context, key string) (storage.GetResult, error) {
	res, err := b.Store.Get(ctx, key)
	if hook := b.afterGet; hook != nil {
		b.afterGet = nil
		hook()
	}
	return res, err
}

func (b *interleavingBackend) Set(ctx context.Context, key string, value []byte, opts storage.SetOptions) (string, error) {
	b.setCalls++
	if b.failSets != nil {
		return "", b.failSets
	}
	return b.Store.Set(ctx, key, value, opts)
}

func newRaceService(backend storage.Backend, disableCAS bool) *Service {
	return New(Config{
		Store:                    backend,
		Logger:                   pslog.NoopLogger(),
		Clock:                    clock.NewManual(testStart),
		DisableConditionalWrites: disableCAS,
	})
}

func TestAcquireRaceWithoutConditionalWrites(t *testing.T) {
	ctx := context.Background()
	backend := &interleavingBackend{Store: memory.NewWithConfig(memory.Config{DisableConditional: true})}
	svc := newRaceService(backend, false)
	if svc.ConditionalWrites() {
		t.Fatalf("backend without conditional writes reported CAS support")
	}

	backend.afterGet = func() {
		if _, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "doc1", UserName: "Beto", SessionID: "s2"}); err != nil {
			t.Errorf("interleaved acquire: %v", err)
		}
	}
	if _, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "doc1", UserName: "Ana", SessionID: "s1"}); err != nil {
		t.Fatalf("acquire Ana: %v", err)
	}

	// Both acquisitions succeeded; the last writer holds the record and the
	// other session discovers the loss on its next heartbeat.
	_, err := svc.Renew(ctx, RenewCommand{DocumentID: "doc1", SessionID: "s2"})
	requireFailure(t, err, CodeForbidden, http.StatusForbidden)
	if _, err := svc.Renew(ctx, RenewCommand{DocumentID: "doc1", SessionID: "s1"}); err != nil {
		t.Fatalf("winner renew: %v", err)
	}
}

func TestAcquireRaceDisabledConditionalWritesOnCapableStore(t *testing.T) {
	ctx := context.Background()
	backend := &interleavingBackend{Store: memory.New()}
	svc := newRaceService(backend, true)
	if svc.ConditionalWrites() {
		t.Fatalf("conditional writes should be disabled")
	}

	backend.afterGet = func() {
		if _, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "doc1", UserName: "Beto", SessionID: "s2"}); err != nil {
			t.Errorf("interleaved acquire: %v", err)
		}
	}
	if _, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "doc1", UserName: "Ana", SessionID: "s1"}); err != nil {
		t.Fatalf("acquire Ana: %v", err)
	}
	_, err := svc.Renew(ctx, RenewCommand{DocumentID: "doc1", SessionID: "s2"})
	requireFailure(t, err, CodeForbidden, http.StatusForbidden)
}

func TestAcquireRaceClosedByConditionalCreate(t *testing.T) {
	ctx := context.Background()
	backend := &interleavingBackend{Store: memory.New()}
	svc := newRaceService(backend, false)
	if !svc.ConditionalWrites() {
		t.Fatalf("expected conditional writes")
	}

	backend.afterGet = func() {
		if _, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "doc1", UserName: "Beto", SessionID: "s2"}); err != nil {
			t.Errorf("interleaved acquire: %v", err)
		}
	}
	_, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "doc1", UserName: "Ana", SessionID: "s1"})
	failure := requireFailure(t, err, CodeLocked, http.StatusConflict)
	if failure.Holder.UserName != "Beto" {
		t.Fatalf("expected Beto to win, got %+v", failure.Holder)
	}
	if _, err := svc.Renew(ctx, RenewCommand{DocumentID: "doc1", SessionID: "s2"}); err != nil {
		t.Fatalf("winner renew: %v", err)
	}
}

func TestExpiredReplaceRaceClosedByConditionalReplace(t *testing.T) {
	ctx := context.Background()
	backend := &interleavingBackend{Store: memory.New()}
	clk := clock.NewManual(testStart)
	svc := New(Config{Store: backend, Logger: pslog.NoopLogger(), Clock: clk})

	if _, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "doc1", UserName: "Old", SessionID: "s0"}); err != nil {
		t.Fatalf("seed acquire: %v", err)
	}
	clk.Set(testStart.Add(10 * time.Minute))

	backend.afterGet = func() {
		if _, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "doc1", UserName: "Beto", SessionID: "s2"}); err != nil {
			t.Errorf("interleaved acquire: %v", err)
		}
	}
	_, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "doc1", UserName: "Ana", SessionID: "s1"})
	failure := requireFailure(t, err, CodeLocked, http.StatusConflict)
	if failure.Holder.UserName != "Beto" {
		t.Fatalf("expected Beto to win the expired record, got %+v", failure.Holder)
	}
}

func TestAcquireCASExhaustion(t *testing.T) {
	ctx := context.Background()
	backend := &interleavingBackend{Store: memory.New(), failSets: storage.ErrCASMismatch}
	svc := New(Config{Store: backend, Logger: pslog.NoopLogger(), Clock: clock.NewManual(testStart), MaxCASAttempts: 2})

	_, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "doc1", UserName: "Ana", SessionID: "s1"})
	requireFailure(t, err, CodeCASMismatch, http.StatusConflict)
	if backend.setCalls != 2 {
		t.Fatalf("expected 2 conditional attempts, got %d", backend.setCalls)
	}
}
