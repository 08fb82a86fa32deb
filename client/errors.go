package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/doclock/api"
)

// Error codes returned by the server.
const (
	CodeLocked           = "locked"
	CodeForbidden        = "forbidden"
	CodeNoLock           = "no_lock"
	CodeThrottled        = "throttled"
	CodeShutdownDraining = "shutdown_draining"
	CodeCASMismatch      = "cas_mismatch"
)

// APIError describes an error response returned by doclock.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded doclock error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint from headers, when provided.
	RetryAfter time.Duration
	// QRFState carries the throttle controller state surfaced by the server.
	QRFState string
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		if e.Response.Detail != "" {
			return fmt.Sprintf("doclock: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
		}
		return "doclock: " + e.Response.ErrorCode
	}
	return fmt.Sprintf("doclock: status %d", e.Status)
}

// Code returns the server error code, if any.
func (e *APIError) Code() string {
	if e == nil {
		return ""
	}
	return e.Response.ErrorCode
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

// LockedError reports that another lease, possibly the caller's own session,
// holds the document.
type LockedError struct {
	UserName      string
	AcquiredAt    time.Time
	LastHeartbeat time.Time
	SameSession   bool

	apiErr *APIError
}

func (e *LockedError) Error() string {
	if e.SameSession {
		return fmt.Sprintf("doclock: document already locked by this session (%s)", e.UserName)
	}
	return fmt.Sprintf("doclock: document locked by %s since %s", e.UserName, e.AcquiredAt.Format(time.RFC3339))
}

// Unwrap exposes the underlying *APIError.
func (e *LockedError) Unwrap() error {
	return e.apiErr
}

// IsLocked reports whether err is a locked conflict.
func IsLocked(err error) bool {
	return hasCode(err, CodeLocked)
}

// IsForbidden reports whether err signals that another session owns the lease.
func IsForbidden(err error) bool {
	return hasCode(err, CodeForbidden)
}

// IsNoLock reports whether err signals that there was no lease to renew.
func IsNoLock(err error) bool {
	return hasCode(err, CodeNoLock)
}

// IsRetryable reports whether the server asked the caller to back off and
// retry later.
func IsRetryable(err error) bool {
	return hasCode(err, CodeThrottled) || hasCode(err, CodeShutdownDraining)
}

func hasCode(err error, code string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Response.ErrorCode == code
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return decodeErrorWithBody(resp, data)
}

func decodeErrorWithBody(resp *http.Response, data []byte) error {
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			// leave errResp empty, but keep body for diagnostics
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
	if retryAfter == 0 && errResp.RetryAfterSeconds > 0 {
		retryAfter = time.Duration(errResp.RetryAfterSeconds) * time.Second
	}
	apiErr := &APIError{
		Status:     resp.StatusCode,
		Response:   errResp,
		Body:       data,
		RetryAfter: retryAfter,
		QRFState:   strings.ToLower(resp.Header.Get(headerQRFState)),
	}
	if errResp.ErrorCode == CodeLocked {
		return &LockedError{
			UserName:      errResp.UserName,
			AcquiredAt:    parseTimestamp(errResp.Timestamp),
			LastHeartbeat: parseTimestamp(errResp.LastHeartbeat),
			SameSession:   errResp.SameSession,
			apiErr:        apiErr,
		}
	}
	return apiErr
}

func parseRetryAfterHeader(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if when, err := http.ParseTime(raw); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
