// Package storage defines the key-value contract the lock service runs on
// and the sentinel errors shared by every backend.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ContentTypeJSON is the content type backends attach to stored lock records.
const ContentTypeJSON = "application/json"

var (
	// ErrNotFound indicates the requested key is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write or delete lost a race.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented indicates the backend does not support the request,
	// typically conditional options on a backend without conditional writes.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Backend is the key-value store used by the lock service. Implementations
// must be safe for concurrent use.
type Backend interface {
	// Get returns the value and etag stored at key or ErrNotFound.
	Get(ctx context.Context, key string) (GetResult, error)
	// Set writes value at key and returns the new etag. With zero options it
	// overwrites unconditionally.
	Set(ctx context.Context, key string, value []byte, opts SetOptions) (string, error)
	// Delete removes key and reports how many records were removed. Absent
	// keys return 0 without error unless IfMatch is set.
	Delete(ctx context.Context, key string, opts DeleteOptions) (int, error)
	// ScanPrefix returns one page of keys beginning with opts.Prefix.
	ScanPrefix(ctx context.Context, opts ScanOptions) (*ScanResult, error)
	// Capabilities reports optional features of the backend.
	Capabilities() Capabilities
	Close() error
}

// GetResult carries a stored value and its opaque etag.
type GetResult struct {
	Value []byte
	ETag  string
}

// SetOptions controls conditional writes.
type SetOptions struct {
	// IfNotExists makes the write succeed only when key is absent.
	IfNotExists bool
	// IfMatch makes the write succeed only when the current etag matches.
	IfMatch string
}

// Conditional reports whether any condition is requested.
func (o SetOptions) Conditional() bool {
	return o.IfNotExists || o.IfMatch != ""
}

// Validate rejects contradictory conditions.
func (o SetOptions) Validate() error {
	if o.IfNotExists && o.IfMatch != "" {
		return fmt.Errorf("storage: IfNotExists and IfMatch are mutually exclusive")
	}
	return nil
}

// DeleteOptions controls conditional deletes.
type DeleteOptions struct {
	// IfMatch makes the delete succeed only when the current etag matches.
	// A missing key then yields ErrNotFound.
	IfMatch string
}

// ScanOptions selects one page of keys.
type ScanOptions struct {
	Prefix string
	// Cursor is the opaque value returned by a previous page. Empty starts
	// from the beginning.
	Cursor string
	// Limit caps the number of keys per page. Backends may return fewer, or
	// apply their own default when Limit <= 0.
	Limit int
}

// ScanResult is one page of a prefix scan.
type ScanResult struct {
	Keys []string
	// Cursor resumes the scan. It is meaningless once Done is true.
	Cursor string
	Done   bool
}

// Capabilities advertises optional backend features.
type Capabilities struct {
	// ConditionalWrites is true when SetOptions and DeleteOptions conditions
	// are honoured atomically.
	ConditionalWrites bool
}

// DefaultScanLimit is the page size used when callers do not specify one.
const DefaultScanLimit = 100

// ScanAll follows cursors until the scan completes and returns every key
// once. Backends with unordered cursors may repeat keys across pages.
func ScanAll(ctx context.Context, backend Backend, prefix string, pageSize int) ([]string, error) {
	if pageSize <= 0 {
		pageSize = DefaultScanLimit
	}
	var (
		keys   []string
		cursor string
		seen   = make(map[string]struct{})
	)
	for {
		page, err := backend.ScanPrefix(ctx, ScanOptions{Prefix: prefix, Cursor: cursor, Limit: pageSize})
		if err != nil {
			return nil, err
		}
		for _, key := range page.Keys {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		if page.Done {
			return keys, nil
		}
		if page.Cursor == "" || page.Cursor == cursor {
			return nil, fmt.Errorf("storage: scan cursor did not advance")
		}
		cursor = page.Cursor
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
