// Package memory provides an in-process storage backend for tests, local
// development and single-node deployments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"pkt.systems/doclock/internal/storage"
	"pkt.systems/doclock/internal/uuidv7"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// DisableConditional makes the store behave like a plain eventually
	// consistent key-value store: conditional options are rejected with
	// storage.ErrNotImplemented and Capabilities reports no support.
	DisableConditional bool
}

// Store implements storage.Backend in memory.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry

	sortedKeys []string
	keysDirty  bool

	conditional bool
}

type entry struct {
	value []byte
	etag  string
}

// New returns an empty store with conditional writes enabled.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an empty store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	return &Store{
		entries:     make(map[string]entry),
		keysDirty:   true,
		conditional: !cfg.DisableConditional,
	}
}

// Capabilities reports conditional write support.
func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{ConditionalWrites: s.conditional}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Get returns a copy of the value stored at key.
func (s *Store) Get(ctx context.Context, key string) (storage.GetResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.GetResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return storage.GetResult{}, storage.ErrNotFound
	}
	return storage.GetResult{Value: append([]byte(nil), e.value...), ETag: e.etag}, nil
}

// Set stores value at key, honouring conditions when enabled.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts storage.SetOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := opts.Validate(); err != nil {
		return "", err
	}
	if opts.Conditional() && !s.conditional {
		return "", storage.ErrNotImplemented
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.entries[key]
	switch {
	case opts.IfNotExists && exists:
		return "", storage.ErrCASMismatch
	case opts.IfMatch != "" && !exists:
		return "", storage.ErrNotFound
	case opts.IfMatch != "" && current.etag != opts.IfMatch:
		return "", storage.ErrCASMismatch
	}
	etag := uuidv7.Compact()
	s.entries[key] = entry{value: append([]byte(nil), value...), etag: etag}
	if !exists {
		s.keysDirty = true
	}
	return etag, nil
}

// Delete removes key and reports the number of removed records.
func (s *Store) Delete(ctx context.Context, key string, opts storage.DeleteOptions) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if opts.IfMatch != "" && !s.conditional {
		return 0, storage.ErrNotImplemented
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.entries[key]
	if !exists {
		if opts.IfMatch != "" {
			return 0, storage.ErrNotFound
		}
		return 0, nil
	}
	if opts.IfMatch != "" && current.etag != opts.IfMatch {
		return 0, storage.ErrCASMismatch
	}
	delete(s.entries, key)
	s.keysDirty = true
	return 1, nil
}

// ScanPrefix returns keys in lexical order. The cursor is the last key of
// the previous page.
func (s *Store) ScanPrefix(ctx context.Context, opts storage.ScanOptions) (*storage.ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultScanLimit
	}
	keys := s.snapshotKeys()
	start := sort.SearchStrings(keys, opts.Prefix)
	if opts.Cursor != "" {
		if idx := sort.SearchStrings(keys, opts.Cursor); idx > start {
			start = idx
		}
		if start < len(keys) && keys[start] == opts.Cursor {
			start++
		}
	}
	result := &storage.ScanResult{}
	for i := start; i < len(keys); i++ {
		key := keys[i]
		if !strings.HasPrefix(key, opts.Prefix) {
			result.Done = true
			return result, nil
		}
		if len(result.Keys) == limit {
			result.Cursor = result.Keys[len(result.Keys)-1]
			return result, nil
		}
		result.Keys = append(result.Keys, key)
	}
	result.Done = true
	return result, nil
}

// Len reports the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) snapshotKeys() []string {
	s.mu.RLock()
	if !s.keysDirty {
		keys := s.sortedKeys
		s.mu.RUnlock()
		return keys
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keysDirty {
		keys := make([]string, 0, len(s.entries))
		for key := range s.entries {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		s.sortedKeys = keys
		s.keysDirty = false
	}
	return s.sortedKeys
}
