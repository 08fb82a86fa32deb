package core

import (
	"context"
	"fmt"

	"pkt.systems/doclock/internal/storage"
)

// ClearAll deletes every lock record regardless of owner or liveness.
// Per-key failures are collected and never abort the sweep.
func (s *Service) ClearAll(ctx context.Context) (*ClearResult, error) {
	keys, err := storage.ScanAll(ctx, s.store, LockKeyPrefix, 0)
	if err != nil {
		return nil, fmt.Errorf("scan locks: %w", err)
	}
	logger := s.loggerFor(ctx)
	result := &ClearResult{RemovedKeys: []string{}, FailedKeys: []string{}}
	for _, key := range keys {
		n, err := s.store.Delete(ctx, key, storage.DeleteOptions{})
		if err != nil {
			logger.Warn("lock.admin.clear.failed", "key", key, "error", err)
			result.FailedKeys = append(result.FailedKeys, key)
			continue
		}
		if n == 0 {
			// Gone since the scan, released or reaped concurrently.
			continue
		}
		result.RemovedKeys = append(result.RemovedKeys, key)
	}
	result.LocksRemoved = len(result.RemovedKeys)
	logger.Warn("lock.admin.clear",
		"removed", result.LocksRemoved,
		"failed", len(result.FailedKeys),
	)
	return result, nil
}
