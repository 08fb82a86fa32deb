// Package storagetest holds the behavioural contract every storage backend
// must satisfy. Backend packages run it from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"pkt.systems/doclock/internal/storage"
)

// Factory returns a fresh, empty backend. Cleanup is the caller's concern.
type Factory func(t *testing.T) storage.Backend

// RunContract exercises get/set/delete/scan semantics and, when the backend
// advertises them, conditional writes.
func RunContract(t *testing.T, newBackend Factory) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		store := newBackend(t)
		if _, err := store.Get(context.Background(), "lock:missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SetOverwriteGet", func(t *testing.T) {
		ctx := context.Background()
		store := newBackend(t)
		first, err := store.Set(ctx, "lock:doc1", []byte(`{"v":1}`), storage.SetOptions{})
		if err != nil {
			t.Fatalf("set: %v", err)
		}
		second, err := store.Set(ctx, "lock:doc1", []byte(`{"v":2}`), storage.SetOptions{})
		if err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		if first != "" && second != "" && first == second {
			t.Fatalf("expected etag to change on overwrite, both %q", first)
		}
		got, err := store.Get(ctx, "lock:doc1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(got.Value) != `{"v":2}` {
			t.Fatalf("unexpected value %q", got.Value)
		}
		if second != "" && got.ETag != second {
			t.Fatalf("expected etag %q, got %q", second, got.ETag)
		}
	})

	t.Run("DeleteCounts", func(t *testing.T) {
		ctx := context.Background()
		store := newBackend(t)
		if _, err := store.Set(ctx, "lock:doc1", []byte(`{}`), storage.SetOptions{}); err != nil {
			t.Fatalf("set: %v", err)
		}
		n, err := store.Delete(ctx, "lock:doc1", storage.DeleteOptions{})
		if err != nil || n != 1 {
			t.Fatalf("expected 1 deleted, got %d (%v)", n, err)
		}
		n, err = store.Delete(ctx, "lock:doc1", storage.DeleteOptions{})
		if err != nil || n != 0 {
			t.Fatalf("expected 0 deleted for absent key, got %d (%v)", n, err)
		}
		if _, err := store.Get(ctx, "lock:doc1"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("ScanPrefixPaginates", func(t *testing.T) {
		ctx := context.Background()
		store := newBackend(t)
		want := []string{"lock:a", "lock:b/nested", "lock:c", "lock:d", "lock:e"}
		for _, key := range want {
			if _, err := store.Set(ctx, key, []byte(`{}`), storage.SetOptions{}); err != nil {
				t.Fatalf("set %s: %v", key, err)
			}
		}
		if _, err := store.Set(ctx, "session:x", []byte(`{}`), storage.SetOptions{}); err != nil {
			t.Fatalf("set unrelated: %v", err)
		}
		got, err := storage.ScanAll(ctx, store, "lock:", 2)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		sort.Strings(got)
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
	})

	t.Run("ScanEmpty", func(t *testing.T) {
		store := newBackend(t)
		keys, err := storage.ScanAll(context.Background(), store, "lock:", 10)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if len(keys) != 0 {
			t.Fatalf("expected no keys, got %v", keys)
		}
	})

	t.Run("Conditional", func(t *testing.T) {
		ctx := context.Background()
		store := newBackend(t)
		if !store.Capabilities().ConditionalWrites {
			if _, err := store.Set(ctx, "lock:doc1", []byte(`{}`), storage.SetOptions{IfNotExists: true}); !errors.Is(err, storage.ErrNotImplemented) {
				t.Fatalf("expected ErrNotImplemented without conditional support, got %v", err)
			}
			return
		}
		etag, err := store.Set(ctx, "lock:doc1", []byte(`{"v":1}`), storage.SetOptions{IfNotExists: true})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := store.Set(ctx, "lock:doc1", []byte(`{"v":9}`), storage.SetOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected ErrCASMismatch on second create, got %v", err)
		}
		if _, err := store.Set(ctx, "lock:doc1", []byte(`{"v":9}`), storage.SetOptions{IfMatch: "bogus"}); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected ErrCASMismatch on stale etag, got %v", err)
		}
		next, err := store.Set(ctx, "lock:doc1", []byte(`{"v":2}`), storage.SetOptions{IfMatch: etag})
		if err != nil {
			t.Fatalf("conditional update: %v", err)
		}
		if _, err := store.Delete(ctx, "lock:doc1", storage.DeleteOptions{IfMatch: etag}); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected ErrCASMismatch deleting with stale etag, got %v", err)
		}
		n, err := store.Delete(ctx, "lock:doc1", storage.DeleteOptions{IfMatch: next})
		if err != nil || n != 1 {
			t.Fatalf("conditional delete: n=%d err=%v", n, err)
		}
		if _, err := store.Delete(ctx, "lock:doc1", storage.DeleteOptions{IfMatch: next}); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound on conditional delete of absent key, got %v", err)
		}
		if _, err := store.Set(ctx, "lock:doc2", []byte(`{}`), storage.SetOptions{IfMatch: "bogus"}); !errors.Is(err, storage.ErrCASMismatch) && !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected mismatch or not found updating absent key, got %v", err)
		}
	})
}
