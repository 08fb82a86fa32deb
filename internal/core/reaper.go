package core

import (
	"context"
	"fmt"

	"pkt.systems/doclock/internal/storage"
)

// ReapExpired deletes expired and corrupt lock records. Lease correctness
// never depends on it; it only keeps the directory tidy. Without conditional
// writes the sweep is skipped: Inspect and Acquire still reclaim expired
// records on demand.
func (s *Service) ReapExpired(ctx context.Context) (*ReapResult, error) {
	if !s.conditional {
		s.loggerFor(ctx).Debug("lock.reaper.skipped", "reason", "conditional writes unavailable")
		return &ReapResult{Skipped: true}, nil
	}
	keys, err := storage.ScanAll(ctx, s.store, LockKeyPrefix, 0)
	if err != nil {
		return nil, fmt.Errorf("scan locks: %w", err)
	}
	logger := s.loggerFor(ctx)
	result := &ReapResult{}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		documentID, ok := DocumentIDFromKey(key)
		if !ok {
			continue
		}
		result.Scanned++
		current, err := s.load(ctx, documentID)
		if err != nil {
			logger.Warn("lock.reaper.load_failed", "document_id", documentID, "error", err)
			result.Failed++
			continue
		}
		if current == nil || s.live(s.clock.Now(), current) {
			continue
		}
		if err := s.reap(ctx, current); err != nil {
			if lostRace(err) {
				// Renewed or replaced since the read.
				continue
			}
			logger.Warn("lock.reaper.delete_failed", "document_id", documentID, "error", err)
			result.Failed++
			continue
		}
		result.Reaped++
		logger.Debug("lock.reaper.reaped",
			"document_id", documentID,
			"user_name", current.lock.UserName,
			"corrupt", current.corrupt,
		)
	}
	s.metrics.recordReap(ctx, "reaper", result.Reaped)
	return result, nil
}
