package core

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"pkt.systems/doclock/internal/clock"
	"pkt.systems/doclock/internal/qrf"
	"pkt.systems/doclock/internal/storage"
	"pkt.systems/doclock/internal/storage/memory"
	"pkt.systems/pslog"
)

func TestListLocksSortedWithLiveFlag(t *testing.T) {
	ctx := context.Background()
	svc, store, clk := newTestService(t)

	if _, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "zeta", UserName: "Ana", SessionID: "s1"}); err != nil {
		t.Fatalf("acquire zeta: %v", err)
	}
	clk.Set(testStart.Add(4 * time.Minute))
	if _, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "alpha", UserName: "Beto", SessionID: "s2"}); err != nil {
		t.Fatalf("acquire alpha: %v", err)
	}
	if _, err := store.Set(ctx, LockKey("broken"), []byte("not json"), storage.SetOptions{}); err != nil {
		t.Fatalf("seed corrupt: %v", err)
	}
	if _, err := store.Set(ctx, "other:key", []byte(`{"userName":"x"}`), storage.SetOptions{}); err != nil {
		t.Fatalf("seed foreign key: %v", err)
	}
	clk.Set(testStart.Add(6 * time.Minute))

	list, err := svc.ListLocks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Locks) != 2 || list.Skipped != 1 {
		t.Fatalf("expected 2 locks and 1 skipped, got %+v", list)
	}
	if list.Locks[0].DocumentID != "alpha" || list.Locks[1].DocumentID != "zeta" {
		t.Fatalf("expected sorted document ids, got %s, %s", list.Locks[0].DocumentID, list.Locks[1].DocumentID)
	}
	if !list.Locks[0].Live || list.Locks[1].Live {
		t.Fatalf("unexpected live flags: alpha=%v zeta=%v", list.Locks[0].Live, list.Locks[1].Live)
	}
	if store.Len() != 4 {
		t.Fatalf("listing must not mutate the store")
	}
}

func TestClearAllCollectsFailures(t *testing.T) {
	ctx := context.Background()
	backend := &failingDeleteBackend{Store: memory.New(), failKey: LockKey("stuck")}
	svc := New(Config{Store: backend, Logger: pslog.NoopLogger()})

	for _, doc := range []string{"a", "stuck", "b"} {
		if _, err := svc.Acquire(ctx, AcquireCommand{DocumentID: doc, UserName: "u", SessionID: "s-" + doc}); err != nil {
			t.Fatalf("acquire %s: %v", doc, err)
		}
	}
	res, err := svc.ClearAll(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if res.LocksRemoved != 2 {
		t.Fatalf("expected 2 removed, got %+v", res)
	}
	if len(res.FailedKeys) != 1 || res.FailedKeys[0] != LockKey("stuck") {
		t.Fatalf("expected stuck key reported, got %+v", res.FailedKeys)
	}
}

type failingDeleteBackend struct {
	*memory.Store
	failKey string
	// vanishKey is removed by someone else just before our delete lands.
	vanishKey string
}

func (b *failingDeleteBackend) Delete(ctx context.Context, key string, opts storage.DeleteOptions) (int, error) {
	if key == b.failKey {
		return 0, errors.New("disk on fire")
	}
	if key == b.vanishKey {
		if _, err := b.Store.Delete(ctx, key, storage.DeleteOptions{}); err != nil {
			return 0, err
		}
	}
	return b.Store.Delete(ctx, key, opts)
}

func TestClearAllSkipsKeysRemovedConcurrently(t *testing.T) {
	ctx := context.Background()
	backend := &failingDeleteBackend{Store: memory.New(), vanishKey: LockKey("released")}
	svc := New(Config{Store: backend, Logger: pslog.NoopLogger()})

	for _, doc := range []string{"a", "released"} {
		if _, err := svc.Acquire(ctx, AcquireCommand{DocumentID: doc, UserName: "u", SessionID: "s-" + doc}); err != nil {
			t.Fatalf("acquire %s: %v", doc, err)
		}
	}
	res, err := svc.ClearAll(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if res.LocksRemoved != 1 || len(res.RemovedKeys) != 1 || res.RemovedKeys[0] != LockKey("a") {
		t.Fatalf("expected only doc a counted, got %+v", res)
	}
	if len(res.FailedKeys) != 0 {
		t.Fatalf("a vanished key is not a failure: %+v", res.FailedKeys)
	}
}

func TestReapExpiredSkipsWithoutConditionalWrites(t *testing.T) {
	ctx := context.Background()
	store := memory.NewWithConfig(memory.Config{DisableConditional: true})
	clk := clock.NewManual(testStart)
	svc := New(Config{Store: store, Logger: pslog.NoopLogger(), Clock: clk})

	if _, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "old", UserName: "Ana", SessionID: "s1"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Set(testStart.Add(10 * time.Minute))
	res, err := svc.ReapExpired(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if !res.Skipped || res.Reaped != 0 {
		t.Fatalf("expected a skipped sweep, got %+v", res)
	}
	if store.Len() != 1 {
		t.Fatalf("sweep must not delete without conditional writes, store has %d", store.Len())
	}
}

func TestReapExpired(t *testing.T) {
	ctx := context.Background()
	svc, store, clk := newTestService(t)

	if _, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "old", UserName: "Ana", SessionID: "s1"}); err != nil {
		t.Fatalf("acquire old: %v", err)
	}
	clk.Set(testStart.Add(3 * time.Minute))
	if _, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "fresh", UserName: "Beto", SessionID: "s2"}); err != nil {
		t.Fatalf("acquire fresh: %v", err)
	}
	if _, err := store.Set(ctx, LockKey("corrupt"), []byte("{}"), storage.SetOptions{}); err != nil {
		t.Fatalf("seed corrupt: %v", err)
	}
	clk.Set(testStart.Add(7 * time.Minute))

	res, err := svc.ReapExpired(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if res.Scanned != 3 || res.Reaped != 2 || res.Failed != 0 {
		t.Fatalf("unexpected reap result %+v", res)
	}
	inspected, err := svc.Inspect(ctx, InspectCommand{DocumentID: "fresh"})
	if err != nil || !inspected.Locked {
		t.Fatalf("fresh lock should survive: %+v err=%v", inspected, err)
	}
}

func TestShutdownGuardBlocksAcquireOnly(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	draining := false
	svc := New(Config{
		Store:  store,
		Logger: pslog.NoopLogger(),
		ShutdownState: func() ShutdownState {
			return ShutdownState{Draining: draining, Remaining: 1500 * time.Millisecond}
		},
	})

	if _, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "doc", UserName: "Ana", SessionID: "s1"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	draining = true

	_, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "other", UserName: "Beto", SessionID: "s2"})
	failure := requireFailure(t, err, CodeShutdownDraining, http.StatusServiceUnavailable)
	if failure.RetryAfter != 2 {
		t.Fatalf("expected retry after 2s, got %d", failure.RetryAfter)
	}
	if _, err := svc.Renew(ctx, RenewCommand{DocumentID: "doc", SessionID: "s1"}); err != nil {
		t.Fatalf("renew while draining: %v", err)
	}
	if res, err := svc.Release(ctx, ReleaseCommand{DocumentID: "doc", SessionID: "s1"}); err != nil || !res.Released {
		t.Fatalf("release while draining: res=%+v err=%v", res, err)
	}
}

func TestThrottleBlocksAcquireOnly(t *testing.T) {
	ctx := context.Background()
	ctrl := qrf.NewController(qrf.Config{
		Enabled:                true,
		MemorySoftLimitPercent: 70,
		MemoryHardLimitPercent: 80,
		EngagedRetryAfter:      3 * time.Second,
		Logger:                 pslog.NoopLogger(),
	})
	svc := New(Config{Store: memory.New(), Logger: pslog.NoopLogger(), QRFController: ctrl})

	if _, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "doc", UserName: "Ana", SessionID: "s1"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctrl.Observe(qrf.Snapshot{SystemMemoryUsedPercent: 99})

	_, err := svc.Acquire(ctx, AcquireCommand{DocumentID: "other", UserName: "Beto", SessionID: "s2"})
	failure := requireFailure(t, err, CodeThrottled, http.StatusServiceUnavailable)
	if failure.RetryAfter < 1 {
		t.Fatalf("expected positive retry after, got %d", failure.RetryAfter)
	}
	if _, err := svc.Renew(ctx, RenewCommand{DocumentID: "doc", SessionID: "s1"}); err != nil {
		t.Fatalf("renew under pressure: %v", err)
	}
	if _, err := svc.Inspect(ctx, InspectCommand{DocumentID: "doc"}); err != nil {
		t.Fatalf("inspect under pressure: %v", err)
	}
}
