package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"pkt.systems/doclock/internal/storage"
)

// ListLocks returns every readable lock record, live or not, sorted by
// document id. Corrupt records are logged and skipped.
func (s *Service) ListLocks(ctx context.Context) (*ListResult, error) {
	keys, err := storage.ScanAll(ctx, s.store, LockKeyPrefix, 0)
	if err != nil {
		return nil, fmt.Errorf("scan locks: %w", err)
	}
	logger := s.loggerFor(ctx)
	now := s.clock.Now()
	result := &ListResult{Locks: make([]LockEntry, 0, len(keys))}
	for _, key := range keys {
		documentID, ok := DocumentIDFromKey(key)
		if !ok {
			continue
		}
		res, err := s.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load lock %q: %w", documentID, err)
		}
		lock, err := decodeLock(documentID, res.Value)
		if err != nil {
			logger.Warn("lock.directory.skip_corrupt", "key", key, "error", err)
			result.Skipped++
			continue
		}
		result.Locks = append(result.Locks, LockEntry{
			Lock: lock,
			Live: IsLive(now, lock.LastHeartbeat, s.ttl),
		})
	}
	sort.Slice(result.Locks, func(i, j int) bool {
		return result.Locks[i].DocumentID < result.Locks[j].DocumentID
	})
	return result, nil
}
