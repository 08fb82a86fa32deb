package core

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	// LockKeyPrefix prefixes every lock record key in the store.
	LockKeyPrefix = "lock:"
	// DefaultLeaseTTL is how long a lease survives without a heartbeat.
	DefaultLeaseTTL = 5 * time.Minute
	// DefaultMaxCASAttempts bounds the re-read loop after a lost conditional write.
	DefaultMaxCASAttempts = 3
	// ActionHeartbeat is the only renew action understood by the service.
	ActionHeartbeat = "heartbeat"
)

// timestampLayout renders millisecond ISO-8601 timestamps in UTC.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Lock is the persisted lease record for one document.
type Lock struct {
	DocumentID    string
	UserName      string
	SessionID     string
	AcquiredAt    time.Time
	LastHeartbeat time.Time
}

// Holder is the public view of a lock carried by conflicts. It never
// includes the holder's session id.
type Holder struct {
	UserName      string
	AcquiredAt    time.Time
	LastHeartbeat time.Time
	SameSession   bool
}

// LockKey returns the store key for documentID.
func LockKey(documentID string) string {
	return LockKeyPrefix + documentID
}

// DocumentIDFromKey strips the lock prefix from a store key.
func DocumentIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, LockKeyPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, LockKeyPrefix)
	return id, id != ""
}

// IsLive reports whether a lease last renewed at lastHeartbeat is still
// held at now.
func IsLive(now, lastHeartbeat time.Time, ttl time.Duration) bool {
	if lastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(lastHeartbeat) < ttl
}

// ExpiresAt returns the instant the lease lapses absent further renewals.
func (l Lock) ExpiresAt(ttl time.Duration) time.Time {
	return l.LastHeartbeat.Add(ttl)
}

// Holder returns the conflict view of l as seen by sessionID.
func (l Lock) Holder(sessionID string) *Holder {
	return &Holder{
		UserName:      l.UserName,
		AcquiredAt:    l.AcquiredAt,
		LastHeartbeat: l.LastHeartbeat,
		SameSession:   sessionID != "" && sessionID == l.SessionID,
	}
}

// FormatTimestamp renders t the way lock records store it.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timestampLayout)
}

// recordTime truncates t to the precision lock records persist.
func recordTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// nextHeartbeat stamps a renewal. The result is always at least one record
// tick after prev, even when the clock has not moved or has stepped back.
func nextHeartbeat(now, prev time.Time) time.Time {
	stamp := recordTime(now)
	if floor := recordTime(prev).Add(time.Millisecond); stamp.Before(floor) {
		return floor
	}
	return stamp
}

type lockRecord struct {
	UserName      string `json:"userName"`
	SessionID     string `json:"sessionId"`
	Timestamp     string `json:"timestamp"`
	LastHeartbeat string `json:"lastHeartbeat"`
}

var errCorruptRecord = errors.New("corrupt lock record")

func encodeLock(l Lock) ([]byte, error) {
	return json.Marshal(lockRecord{
		UserName:      l.UserName,
		SessionID:     l.SessionID,
		Timestamp:     FormatTimestamp(l.AcquiredAt),
		LastHeartbeat: FormatTimestamp(l.LastHeartbeat),
	})
}

// decodeLock parses a stored record. Records without a user name or with
// unparseable JSON are reported as errCorruptRecord.
func decodeLock(documentID string, payload []byte) (Lock, error) {
	var rec lockRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Lock{}, errors.Join(errCorruptRecord, err)
	}
	if strings.TrimSpace(rec.UserName) == "" {
		return Lock{}, errors.Join(errCorruptRecord, errors.New("missing userName"))
	}
	lock := Lock{
		DocumentID: documentID,
		UserName:   rec.UserName,
		SessionID:  rec.SessionID,
	}
	lock.AcquiredAt = parseTimestamp(rec.Timestamp)
	lock.LastHeartbeat = parseTimestamp(rec.LastHeartbeat)
	return lock, nil
}

// parseTimestamp accepts any RFC 3339 form. Unparseable values yield the zero
// time, which IsLive treats as expired.
func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// InspectCommand reads the lock state of a document.
type InspectCommand struct {
	DocumentID string
}

// InspectResult reports whether a document is locked. WasExpired is set when
// the call found and reaped a stale record.
type InspectResult struct {
	Locked     bool
	WasExpired bool
	Lock       *Lock
}

// AcquireCommand requests the lease on a document.
type AcquireCommand struct {
	DocumentID string
	UserName   string
	SessionID  string
}

// AcquireResult carries the newly created lease.
type AcquireResult struct {
	Lock     Lock
	Replaced bool
}

// RenewCommand extends a held lease.
type RenewCommand struct {
	DocumentID string
	SessionID  string
	Action     string
}

// RenewResult carries the renewed lease.
type RenewResult struct {
	Lock Lock
}

// ReleaseCommand relinquishes a held lease.
type ReleaseCommand struct {
	DocumentID string
	SessionID  string
}

// ReleaseResult reports whether a record was deleted.
type ReleaseResult struct {
	Released bool
}

// LockEntry is one row of the lock directory.
type LockEntry struct {
	Lock
	Live bool
}

// ListResult is the lock directory.
type ListResult struct {
	Locks   []LockEntry
	Skipped int
}

// ClearResult summarises an admin bulk clear.
type ClearResult struct {
	LocksRemoved int
	RemovedKeys  []string
	FailedKeys   []string
}

// ReapResult summarises one reaper sweep.
type ReapResult struct {
	Scanned int
	Reaped  int
	Failed  int
	// Skipped is set when the sweep did not run because deletes cannot be
	// made conditional on the backend.
	Skipped bool
}
