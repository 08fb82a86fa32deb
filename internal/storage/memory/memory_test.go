package memory

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/doclock/internal/storage"
	"pkt.systems/doclock/internal/storage/storagetest"
)

func TestMemoryContract(t *testing.T) {
	storagetest.RunContract(t, func(t *testing.T) storage.Backend {
		store := New()
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestMemoryWithoutConditionalContract(t *testing.T) {
	storagetest.RunContract(t, func(t *testing.T) storage.Backend {
		return NewWithConfig(Config{DisableConditional: true})
	})
}

func TestDisabledConditionalRejectsDeleteIfMatch(t *testing.T) {
	store := NewWithConfig(Config{DisableConditional: true})
	if store.Capabilities().ConditionalWrites {
		t.Fatal("expected conditional writes to be disabled")
	}
	if _, err := store.Delete(context.Background(), "lock:a", storage.DeleteOptions{IfMatch: "x"}); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := New()
	if _, err := store.Set(ctx, "lock:a", []byte("abc"), storage.SetOptions{}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := store.Get(ctx, "lock:a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Value[0] = 'z'
	again, _ := store.Get(ctx, "lock:a")
	if string(again.Value) != "abc" {
		t.Fatalf("stored value mutated through returned slice: %q", again.Value)
	}
}

func TestScanCursorSurvivesDeletes(t *testing.T) {
	ctx := context.Background()
	store := New()
	for _, key := range []string{"lock:a", "lock:b", "lock:c"} {
		if _, err := store.Set(ctx, key, []byte("{}"), storage.SetOptions{}); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	page, err := store.ScanPrefix(ctx, storage.ScanOptions{Prefix: "lock:", Limit: 1})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if page.Done || page.Cursor != "lock:a" {
		t.Fatalf("unexpected first page %+v", page)
	}
	if _, err := store.Delete(ctx, "lock:a", storage.DeleteOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	next, err := store.ScanPrefix(ctx, storage.ScanOptions{Prefix: "lock:", Cursor: page.Cursor, Limit: 10})
	if err != nil {
		t.Fatalf("scan next: %v", err)
	}
	if !next.Done || len(next.Keys) != 2 || next.Keys[0] != "lock:b" {
		t.Fatalf("unexpected second page %+v", next)
	}
}
