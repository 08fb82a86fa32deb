package api

// Lock mirrors a stored lock record.
type Lock struct {
	// DocumentID identifies the locked document.
	DocumentID string `json:"documentId"`
	// UserName is the holder's display name.
	UserName string `json:"userName"`
	// SessionID is the holder's opaque session identity. Only echoed to the holder.
	SessionID string `json:"sessionId,omitempty"`
	// Timestamp is when the lease was acquired.
	Timestamp string `json:"timestamp"`
	// LastHeartbeat is when the lease was last renewed.
	LastHeartbeat string `json:"lastHeartbeat"`
}

// InspectResponse answers GET /v1/lock.
type InspectResponse struct {
	// Locked is true while a live lease exists.
	Locked bool `json:"locked"`
	// WasExpired reports that a stale record was found and removed by this call.
	WasExpired bool `json:"wasExpired,omitempty"`
	// UserName is the holder's display name when locked.
	UserName string `json:"userName,omitempty"`
	// Timestamp is the holder's acquisition time when locked.
	Timestamp string `json:"timestamp,omitempty"`
	// LastHeartbeat is the holder's last renewal when locked.
	LastHeartbeat string `json:"lastHeartbeat,omitempty"`
}

// AcquireRequest models the JSON payload for POST /v1/acquire.
type AcquireRequest struct {
	DocumentID string `json:"documentId"`
	UserName   string `json:"userName"`
	SessionID  string `json:"sessionId"`
}

// AcquireResponse carries the new lease.
type AcquireResponse struct {
	OK   bool `json:"ok"`
	Lock Lock `json:"lock"`
}

// RenewRequest models the JSON payload for POST /v1/renew.
type RenewRequest struct {
	DocumentID string `json:"documentId"`
	SessionID  string `json:"sessionId"`
	// Action defaults to "heartbeat", the only supported action.
	Action string `json:"action,omitempty"`
}

// RenewResponse carries the renewed lease.
type RenewResponse struct {
	OK   bool `json:"ok"`
	Lock Lock `json:"lock"`
}

// ReleaseRequest models the JSON payload for POST /v1/release.
type ReleaseRequest struct {
	DocumentID string `json:"documentId"`
	SessionID  string `json:"sessionId"`
}

// ReleaseResponse acknowledges a release. Released is false when nothing was held.
type ReleaseResponse struct {
	OK       bool `json:"ok"`
	Released bool `json:"released"`
}

// LockEntry is one row of GET /v1/locks.
type LockEntry struct {
	DocumentID    string `json:"documentId"`
	UserName      string `json:"userName"`
	Timestamp     string `json:"timestamp"`
	LastHeartbeat string `json:"lastHeartbeat"`
	// Live is derived at read time and informative only.
	Live bool `json:"live"`
}

// ListLocksResponse answers GET /v1/locks.
type ListLocksResponse struct {
	Count int         `json:"count"`
	Locks []LockEntry `json:"locks"`
}

// ClearLocksResponse answers POST /v1/admin/clear-locks.
type ClearLocksResponse struct {
	OK           bool     `json:"ok"`
	LocksRemoved int      `json:"locksRemoved"`
	RemovedKeys  []string `json:"removedKeys"`
	FailedKeys   []string `json:"failedKeys"`
}

// HealthResponse answers /healthz and /readyz.
type HealthResponse struct {
	OK       bool `json:"ok"`
	Draining bool `json:"draining,omitempty"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable doclock error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retryAfterSeconds,omitempty"`
	// Locked is set on "locked" conflicts, with the holder fields below.
	Locked bool `json:"locked,omitempty"`
	// UserName is the current holder's display name on "locked" conflicts.
	UserName string `json:"userName,omitempty"`
	// Timestamp is the current holder's acquisition time on "locked" conflicts.
	Timestamp string `json:"timestamp,omitempty"`
	// LastHeartbeat is the current holder's last renewal on "locked" conflicts.
	LastHeartbeat string `json:"lastHeartbeat,omitempty"`
	// SameSession reports that the caller's own session holds the lease.
	SameSession bool `json:"sameSession,omitempty"`
}
