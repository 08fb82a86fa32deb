//go:build loadtest

// Package contention hammers a single document from many editor sessions and
// checks that the lease stays exclusive. Run with:
//
//	go test -tags loadtest ./loadtest/contention -run TestContention -v
package contention

import (
	"context"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/doclock"
	"pkt.systems/doclock/client"
)

func envInt(t *testing.T, key string, fallback int) int {
	t.Helper()
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		t.Fatalf("%s must be a positive integer, got %q", key, raw)
	}
	return n
}

func TestContentionSingleDocument(t *testing.T) {
	store := os.Getenv("DOCLOCK_LOADTEST_STORE")
	if store == "" {
		store = "disk://" + t.TempDir()
	}
	editors := envInt(t, "DOCLOCK_LOADTEST_EDITORS", 64)
	rounds := envInt(t, "DOCLOCK_LOADTEST_ROUNDS", 50)

	ts := doclock.StartTestServer(t, doclock.WithTestStore(store), doclock.WithTestLoggerTB(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var (
		holders   atomic.Int32
		maxSeen   atomic.Int32
		acquired  atomic.Int64
		conflicts atomic.Int64
		failures  atomic.Int64
		wg        sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < editors; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			cli, err := ts.NewClient()
			if err != nil {
				failures.Add(1)
				return
			}
			defer cli.Close()
			session := client.NewSessionIdentity()
			user := "editor-" + strconv.Itoa(id)
			for r := 0; r < rounds; r++ {
				_, err := cli.Acquire(ctx, "shared.docx", user, session)
				switch {
				case err == nil:
					acquired.Add(1)
					n := holders.Add(1)
					for {
						prev := maxSeen.Load()
						if n <= prev || maxSeen.CompareAndSwap(prev, n) {
							break
						}
					}
					if _, err := cli.Renew(ctx, "shared.docx", session); err != nil {
						failures.Add(1)
					}
					holders.Add(-1)
					if _, err := cli.Release(ctx, "shared.docx", session); err != nil {
						failures.Add(1)
					}
				case client.IsLocked(err):
					conflicts.Add(1)
				default:
					failures.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := int64(editors * rounds)
	t.Logf("store=%s editors=%d rounds=%d acquired=%d conflicts=%d failures=%d elapsed=%s rate=%.0f/s",
		store, editors, rounds, acquired.Load(), conflicts.Load(), failures.Load(), elapsed, float64(total)/elapsed.Seconds())
	if maxSeen.Load() > 1 {
		t.Fatalf("observed %d concurrent holders", maxSeen.Load())
	}
	if failures.Load() > 0 {
		t.Fatalf("%d unexpected failures", failures.Load())
	}
	if acquired.Load() == 0 {
		t.Fatal("no editor ever acquired the document")
	}
}
