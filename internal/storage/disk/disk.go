// Package disk stores lock records as individual files under a root
// directory. Writers are serialised per key with an in-process mutex and a
// fcntl advisory lock so several servers may share one root on a local
// filesystem.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/doclock/internal/storage"
	"pkt.systems/doclock/internal/uuidv7"
	"pkt.systems/pslog"
)

const recordSuffix = ".json"

// Config captures the tunables for the disk backend.
type Config struct {
	Root   string
	Logger pslog.Logger
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root      string
	recordDir string
	lockDir   string
	tmpDir    string
	logger    pslog.Logger

	locks sync.Map
}

type record struct {
	ETag      string    `json:"etag"`
	Value     []byte    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		recordDir: filepath.Join(root, "records"),
		lockDir:   filepath.Join(root, "locks"),
		tmpDir:    filepath.Join(root, "tmp"),
		logger:    loggingutil.WithSubsystem(cfg.Logger, "storage.disk"),
	}
	for _, dir := range []string{s.recordDir, s.lockDir, s.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	if isNFS(root) {
		s.logger.Warn("disk.root.nfs", "root", root, "detail", "advisory locks on NFS depend on the lock daemon")
	}
	return s, nil
}

// Root returns the directory the store writes to.
func (s *Store) Root() string { return s.root }

// Capabilities reports conditional write support.
func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{ConditionalWrites: true}
}

// Close is a no-op; file handles are scoped to individual operations.
func (s *Store) Close() error { return nil }

func (s *Store) log(ctx context.Context) pslog.Logger {
	return loggingutil.FromContext(ctx, s.logger).With("storage_backend", "disk")
}

func (s *Store) keyLock(encoded string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(encoded, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Store) acquireFileLock(encoded string) (*fileLock, error) {
	f, err := os.OpenFile(filepath.Join(s.lockDir, encoded+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	return &fileLock{file: f}, nil
}

// lockKey serialises writers of one key inside this process and across
// processes sharing the root.
func (s *Store) lockKey(encoded string) (func() error, error) {
	mu := s.keyLock(encoded)
	mu.Lock()
	fl, err := s.acquireFileLock(encoded)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	return func() error {
		defer mu.Unlock()
		return fl.Unlock()
	}, nil
}

func encodeKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: key required")
	}
	encoded := url.PathEscape(key)
	if strings.Contains(encoded, "..") || strings.HasPrefix(encoded, ".") {
		return "", fmt.Errorf("disk: invalid key %q", key)
	}
	return encoded, nil
}

func (s *Store) recordPath(encoded string) string {
	return filepath.Join(s.recordDir, encoded+recordSuffix)
}

// Get reads the record stored at key.
func (s *Store) Get(ctx context.Context, key string) (storage.GetResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.GetResult{}, err
	}
	encoded, err := encodeKey(key)
	if err != nil {
		return storage.GetResult{}, err
	}
	rec, err := s.readRecord(encoded)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log(ctx).Debug("disk.get.error", "key", key, "error", err)
		}
		return storage.GetResult{}, err
	}
	return storage.GetResult{Value: rec.Value, ETag: rec.ETag}, nil
}

// Set writes value at key. Conditions are evaluated while the key lock is
// held.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts storage.SetOptions) (etag string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := opts.Validate(); err != nil {
		return "", err
	}
	encoded, err := encodeKey(key)
	if err != nil {
		return "", err
	}
	logger := s.log(ctx)
	unlock, err := s.lockKey(encoded)
	if err != nil {
		logger.Debug("disk.set.filelock_error", "key", key, "error", err)
		return "", err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()

	if opts.Conditional() {
		current, readErr := s.readRecord(encoded)
		exists := readErr == nil
		if readErr != nil && !errors.Is(readErr, storage.ErrNotFound) {
			return "", readErr
		}
		switch {
		case opts.IfNotExists && exists:
			logger.Debug("disk.set.cas_exists", "key", key, "current_etag", current.ETag)
			return "", storage.ErrCASMismatch
		case opts.IfMatch != "" && !exists:
			return "", storage.ErrNotFound
		case opts.IfMatch != "" && current.ETag != opts.IfMatch:
			logger.Debug("disk.set.cas_mismatch", "key", key, "expected_etag", opts.IfMatch, "current_etag", current.ETag)
			return "", storage.ErrCASMismatch
		}
	}

	rec := record{ETag: uuidv7.Compact(), Value: value, UpdatedAt: time.Now().UTC()}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := s.writeAtomic(s.recordPath(encoded), payload); err != nil {
		logger.Debug("disk.set.write_error", "key", key, "error", err)
		return "", err
	}
	return rec.ETag, nil
}

// Delete removes the record file for key.
func (s *Store) Delete(ctx context.Context, key string, opts storage.DeleteOptions) (n int, err error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	encoded, err := encodeKey(key)
	if err != nil {
		return 0, err
	}
	logger := s.log(ctx)
	unlock, err := s.lockKey(encoded)
	if err != nil {
		logger.Debug("disk.delete.filelock_error", "key", key, "error", err)
		return 0, err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()

	if opts.IfMatch != "" {
		current, err := s.readRecord(encoded)
		if err != nil {
			return 0, err
		}
		if current.ETag != opts.IfMatch {
			logger.Debug("disk.delete.cas_mismatch", "key", key, "expected_etag", opts.IfMatch, "current_etag", current.ETag)
			return 0, storage.ErrCASMismatch
		}
	}
	if err := os.Remove(s.recordPath(encoded)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if opts.IfMatch != "" {
				return 0, storage.ErrNotFound
			}
			return 0, nil
		}
		logger.Debug("disk.delete.remove_error", "key", key, "error", err)
		return 0, err
	}
	_ = syncDir(s.recordDir)
	return 1, nil
}

// ScanPrefix lists the record directory. The cursor is the last key of the
// previous page.
func (s *Store) ScanPrefix(ctx context.Context, opts storage.ScanOptions) (*storage.ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultScanLimit
	}
	entries, err := os.ReadDir(s.recordDir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, recordSuffix))
		if err != nil {
			s.log(ctx).Debug("disk.scan.decode_error", "file", name, "error", err)
			continue
		}
		if !strings.HasPrefix(key, opts.Prefix) || (opts.Cursor != "" && key <= opts.Cursor) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	result := &storage.ScanResult{}
	if len(keys) > limit {
		result.Keys = keys[:limit]
		result.Cursor = keys[limit-1]
		return result, nil
	}
	result.Keys = keys
	result.Done = true
	return result, nil
}

func (s *Store) readRecord(encoded string) (*record, error) {
	data, err := os.ReadFile(s.recordPath(encoded))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode record %q: %w", encoded, err)
	}
	return &rec, nil
}

func (s *Store) writeAtomic(dest string, payload []byte) error {
	tmp, err := os.CreateTemp(s.tmpDir, "doclock-record-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	_ = syncDir(filepath.Dir(dest))
	return nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
