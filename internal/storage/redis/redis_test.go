package redis

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkt.systems/doclock/internal/storage"
	"pkt.systems/doclock/internal/storage/storagetest"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})
	return NewWithClient(client, "", nil), mr
}

func TestRedisContract(t *testing.T) {
	storagetest.RunContract(t, func(t *testing.T) storage.Backend {
		store, _ := setupTestStore(t)
		return store
	})
}

func TestRedisKeysArePrefixed(t *testing.T) {
	store, mr := setupTestStore(t)
	_, err := store.Set(context.Background(), "lock:doc", []byte(`{"userName":"alice"}`), storage.SetOptions{})
	require.NoError(t, err)

	assert.True(t, mr.Exists("doclock:lock:doc"))
	assert.Equal(t, `{"userName":"alice"}`, mr.HGet("doclock:lock:doc", "value"))
}

func TestNewFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := New(context.Background(), Config{URL: "redis://" + mr.Addr() + "/0", Prefix: "test:"})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Set(context.Background(), "lock:a", []byte(`{}`), storage.SetOptions{IfNotExists: true})
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:a"))
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestScanEscapesGlob(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"lock:a*b", "lock:axb"} {
		_, err := store.Set(ctx, key, []byte(`{}`), storage.SetOptions{})
		require.NoError(t, err)
	}
	keys, err := storage.ScanAll(ctx, store, "lock:a*", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"lock:a*b"}, keys)
}

func TestInvalidCursor(t *testing.T) {
	store, _ := setupTestStore(t)
	_, err := store.ScanPrefix(context.Background(), storage.ScanOptions{Prefix: "lock:", Cursor: "not-a-number"})
	assert.Error(t, err)
}

func TestTransientClassification(t *testing.T) {
	assert.True(t, isTransient(io.EOF))
	assert.True(t, isTransient(errors.New("LOADING Redis is loading the dataset in memory")))
	assert.False(t, isTransient(errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")))
	assert.False(t, isTransient(goredis.ErrClosed))
}
