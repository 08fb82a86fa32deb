package core

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/doclock/internal/storage"
)

// Inspect reports the lock state of a document. A stale record found on the
// way is reaped and reported as wasExpired.
func (s *Service) Inspect(ctx context.Context, cmd InspectCommand) (res *InspectResult, err error) {
	start := s.clock.Now()
	defer func() { s.metrics.recordOp(ctx, "inspect", s.clock.Now().Sub(start), err) }()

	documentID := strings.TrimSpace(cmd.DocumentID)
	if documentID == "" {
		return nil, validationFailure(CodeMissingDocumentID, "documentId is required")
	}
	logger := s.loggerFor(ctx)

	for attempt := 1; ; attempt++ {
		now := s.clock.Now()
		current, err := s.load(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return &InspectResult{}, nil
		}
		if s.live(now, current) {
			lock := current.lock
			return &InspectResult{Locked: true, Lock: &lock}, nil
		}
		err = s.reap(ctx, current)
		if err == nil {
			logger.Info("lock.inspect.reaped",
				"document_id", documentID,
				"user_name", current.lock.UserName,
				"last_heartbeat", FormatTimestamp(current.lock.LastHeartbeat),
				"corrupt", current.corrupt,
			)
			s.metrics.recordReap(ctx, "inspect", 1)
			return &InspectResult{WasExpired: true}, nil
		}
		if !lostRace(err) {
			return nil, fmt.Errorf("reap lock %q: %w", documentID, err)
		}
		if attempt >= s.maxCAS {
			return nil, casFailure(attempt)
		}
		logger.Debug("lock.cas.retry", "op", "inspect", "document_id", documentID, "attempt", attempt)
	}
}

// Acquire grants the lease on a document to the caller's session when the
// document is unlocked or its previous lease has expired.
func (s *Service) Acquire(ctx context.Context, cmd AcquireCommand) (res *AcquireResult, err error) {
	start := s.clock.Now()
	defer func() { s.metrics.recordOp(ctx, "acquire", s.clock.Now().Sub(start), err) }()

	documentID := strings.TrimSpace(cmd.DocumentID)
	switch {
	case documentID == "":
		return nil, validationFailure(CodeMissingDocumentID, "documentId is required")
	case strings.TrimSpace(cmd.UserName) == "":
		return nil, validationFailure(CodeMissingUserName, "userName is required")
	case strings.TrimSpace(cmd.SessionID) == "":
		return nil, validationFailure(CodeMissingSessionID, "sessionId is required")
	}
	if err := s.applyShutdownGuard(); err != nil {
		return nil, err
	}
	if err := s.maybeThrottleAcquire(); err != nil {
		return nil, err
	}
	finish := s.beginAcquire()
	defer finish()

	logger := s.loggerFor(ctx).With("document_id", documentID, "user_name", cmd.UserName)
	logger.Debug("lock.acquire.begin", "conditional", s.conditional)

	key := LockKey(documentID)
	for attempt := 1; ; attempt++ {
		now := s.clock.Now()
		current, err := s.load(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if s.live(now, current) {
			holder := current.lock.Holder(cmd.SessionID)
			logger.Info("lock.acquire.conflict",
				"holder", current.lock.UserName,
				"same_session", holder.SameSession,
			)
			return nil, lockedFailure(holder)
		}

		stamp := recordTime(now)
		lock := Lock{
			DocumentID:    documentID,
			UserName:      cmd.UserName,
			SessionID:     cmd.SessionID,
			AcquiredAt:    stamp,
			LastHeartbeat: stamp,
		}
		payload, err := encodeLock(lock)
		if err != nil {
			return nil, fmt.Errorf("encode lock: %w", err)
		}

		opts := storage.SetOptions{}
		switch {
		case s.conditional && current == nil:
			opts.IfNotExists = true
		case s.conditional:
			opts.IfMatch = current.etag
		case current != nil:
			// Without conditional writes the stale record is removed first;
			// a concurrent acquirer may slip in between.
			if _, err := s.store.Delete(ctx, key, storage.DeleteOptions{}); err != nil {
				return nil, fmt.Errorf("delete expired lock %q: %w", documentID, err)
			}
		}

		_, err = s.store.Set(ctx, key, payload, opts)
		if err == nil {
			replaced := current != nil
			if replaced {
				logger.Info("lock.acquire.replace_expired",
					"previous_holder", current.lock.UserName,
					"previous_heartbeat", FormatTimestamp(current.lock.LastHeartbeat),
				)
			}
			logger.Info("lock.acquire.success", "replaced", replaced, "attempt", attempt)
			return &AcquireResult{Lock: lock, Replaced: replaced}, nil
		}
		if !lostRace(err) {
			return nil, fmt.Errorf("store lock %q: %w", documentID, err)
		}
		if attempt >= s.maxCAS {
			return nil, s.finalAcquireConflict(ctx, documentID, cmd.SessionID, attempt)
		}
		logger.Debug("lock.cas.retry", "op", "acquire", "attempt", attempt)
	}
}

// finalAcquireConflict re-reads once more after the CAS budget is spent so
// the caller sees the holder that beat it when there is one.
func (s *Service) finalAcquireConflict(ctx context.Context, documentID, sessionID string, attempts int) error {
	current, err := s.load(ctx, documentID)
	if err != nil {
		return err
	}
	if s.live(s.clock.Now(), current) {
		return lockedFailure(current.lock.Holder(sessionID))
	}
	return casFailure(attempts)
}

// Renew refreshes lastHeartbeat on a lease held by the caller's session.
func (s *Service) Renew(ctx context.Context, cmd RenewCommand) (res *RenewResult, err error) {
	start := s.clock.Now()
	defer func() { s.metrics.recordOp(ctx, "renew", s.clock.Now().Sub(start), err) }()

	documentID := strings.TrimSpace(cmd.DocumentID)
	action := strings.TrimSpace(cmd.Action)
	if action == "" {
		action = ActionHeartbeat
	}
	switch {
	case documentID == "":
		return nil, validationFailure(CodeMissingDocumentID, "documentId is required")
	case strings.TrimSpace(cmd.SessionID) == "":
		return nil, validationFailure(CodeMissingSessionID, "sessionId is required")
	case action != ActionHeartbeat:
		return nil, validationFailure(CodeInvalidAction, fmt.Sprintf("unsupported action %q", cmd.Action))
	}
	finish := s.beginRenew()
	defer finish()

	logger := s.loggerFor(ctx).With("document_id", documentID)
	key := LockKey(documentID)
	for attempt := 1; ; attempt++ {
		now := s.clock.Now()
		current, err := s.load(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			logger.Info("lock.renew.no_lock")
			return nil, noLockFailure("no lock to renew")
		}
		if current.corrupt {
			if err := s.reap(ctx, current); err != nil && !lostRace(err) {
				return nil, fmt.Errorf("reap lock %q: %w", documentID, err)
			}
			return nil, noLockFailure("lock record unreadable")
		}
		if current.lock.SessionID != cmd.SessionID {
			logger.Warn("lock.renew.forbidden", "holder", current.lock.UserName)
			return nil, forbiddenFailure("lock is held by another session")
		}
		if !IsLive(now, current.lock.LastHeartbeat, s.ttl) {
			err := s.reap(ctx, current)
			if err != nil && !lostRace(err) {
				return nil, fmt.Errorf("reap lock %q: %w", documentID, err)
			}
			if err == nil {
				s.metrics.recordReap(ctx, "renew", 1)
			}
			logger.Info("lock.renew.expired", "last_heartbeat", FormatTimestamp(current.lock.LastHeartbeat))
			return nil, noLockFailure("lease expired")
		}

		updated := current.lock
		updated.LastHeartbeat = nextHeartbeat(now, current.lock.LastHeartbeat)
		payload, err := encodeLock(updated)
		if err != nil {
			return nil, fmt.Errorf("encode lock: %w", err)
		}
		opts := storage.SetOptions{}
		if s.conditional {
			opts.IfMatch = current.etag
		}
		_, err = s.store.Set(ctx, key, payload, opts)
		if err == nil {
			logger.Debug("lock.renew.success", "last_heartbeat", FormatTimestamp(updated.LastHeartbeat))
			return &RenewResult{Lock: updated}, nil
		}
		if !lostRace(err) {
			return nil, fmt.Errorf("store lock %q: %w", documentID, err)
		}
		if attempt >= s.maxCAS {
			return nil, casFailure(attempt)
		}
		logger.Debug("lock.cas.retry", "op", "renew", "attempt", attempt)
	}
}

// Release deletes a lease held by the caller's session. Releasing an absent
// lock succeeds with Released=false.
func (s *Service) Release(ctx context.Context, cmd ReleaseCommand) (res *ReleaseResult, err error) {
	start := s.clock.Now()
	defer func() { s.metrics.recordOp(ctx, "release", s.clock.Now().Sub(start), err) }()

	documentID := strings.TrimSpace(cmd.DocumentID)
	switch {
	case documentID == "":
		return nil, validationFailure(CodeMissingDocumentID, "documentId is required")
	case strings.TrimSpace(cmd.SessionID) == "":
		return nil, validationFailure(CodeMissingSessionID, "sessionId is required")
	}

	logger := s.loggerFor(ctx).With("document_id", documentID)
	for attempt := 1; ; attempt++ {
		current, err := s.load(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if current == nil || current.corrupt {
			logger.Debug("lock.release.noop")
			return &ReleaseResult{Released: false}, nil
		}
		if current.lock.SessionID != cmd.SessionID {
			logger.Warn("lock.release.forbidden", "holder", current.lock.UserName)
			return nil, forbiddenFailure("lock is held by another session")
		}
		opts := storage.DeleteOptions{}
		if s.conditional {
			opts.IfMatch = current.etag
		}
		_, err = s.store.Delete(ctx, LockKey(documentID), opts)
		if err == nil {
			logger.Info("lock.release.success", "user_name", current.lock.UserName)
			return &ReleaseResult{Released: true}, nil
		}
		if !lostRace(err) {
			return nil, fmt.Errorf("delete lock %q: %w", documentID, err)
		}
		if attempt >= s.maxCAS {
			return nil, casFailure(attempt)
		}
		logger.Debug("lock.cas.retry", "op", "release", "attempt", attempt)
	}
}
