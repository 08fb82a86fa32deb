package disk

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"pkt.systems/doclock/internal/storage"
	"pkt.systems/doclock/internal/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDiskContract(t *testing.T) {
	storagetest.RunContract(t, func(t *testing.T) storage.Backend {
		return newTestStore(t)
	})
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	first, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	etag, err := first.Set(ctx, "lock:doc/1", []byte(`{"userName":"alice"}`), storage.SetOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	second, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := second.Get(ctx, "lock:doc/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ETag != etag || string(got.Value) != `{"userName":"alice"}` {
		t.Fatalf("unexpected record %+v", got)
	}
	if _, err := os.Stat(filepath.Join(root, "records", "lock:doc%2F1.json")); err != nil {
		t.Fatalf("expected escaped record file: %v", err)
	}
}

func TestConcurrentCreateHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	const writers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Set(ctx, "lock:race", []byte(`{}`), storage.SetOptions{IfNotExists: true}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Set(context.Background(), "..", []byte(`{}`), storage.SetOptions{}); err == nil {
		t.Fatal("expected invalid key error")
	}
}
