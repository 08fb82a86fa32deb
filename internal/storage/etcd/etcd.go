// Package etcd stores lock records as etcd keys. A record's etag is its
// mod revision, so compare-and-swap maps directly onto etcd transactions.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/doclock/internal/storage"
	"pkt.systems/pslog"
)

// DefaultPrefix namespaces every key the backend writes.
const DefaultPrefix = "/doclock/"

// Config controls the etcd backend.
type Config struct {
	Endpoints   []string
	Username    string
	Password    string
	Prefix      string
	DialTimeout time.Duration
	Logger      pslog.Logger
}

// Store implements storage.Backend on an etcd v3 KV.
type Store struct {
	kv     clientv3.KV
	client *clientv3.Client
	prefix string
	logger pslog.Logger
}

// New dials the cluster.
func New(cfg Config) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd: at least one endpoint required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd: connect: %w", err)
	}
	store := NewWithKV(client, cfg.Prefix, cfg.Logger)
	store.client = client
	return store, nil
}

// NewWithKV wraps any clientv3.KV, such as a namespaced view.
func NewWithKV(kv clientv3.KV, prefix string, logger pslog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		kv:     kv,
		prefix: prefix,
		logger: loggingutil.WithSubsystem(logger, "storage.etcd"),
	}
}

// Close closes the client when the store dialled it.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Capabilities reports conditional write support.
func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{ConditionalWrites: true}
}

func (s *Store) log(ctx context.Context) pslog.Logger {
	return loggingutil.FromContext(ctx, s.logger)
}

func (s *Store) etcdKey(key string) string { return s.prefix + key }

// Get reads key.
func (s *Store) Get(ctx context.Context, key string) (storage.GetResult, error) {
	resp, err := s.kv.Get(ctx, s.etcdKey(key))
	if err != nil {
		s.log(ctx).Debug("etcd.get.error", "key", key, "error", err)
		return storage.GetResult{}, wrapError(err, "etcd: get")
	}
	if len(resp.Kvs) == 0 {
		return storage.GetResult{}, storage.ErrNotFound
	}
	kv := resp.Kvs[0]
	return storage.GetResult{Value: kv.Value, ETag: formatETag(kv.ModRevision)}, nil
}

// Set puts key inside a transaction when a condition is requested.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts storage.SetOptions) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	ekey := s.etcdKey(key)
	put := clientv3.OpPut(ekey, string(value))
	switch {
	case opts.IfNotExists:
		resp, err := s.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(ekey), "=", 0)).
			Then(put).
			Commit()
		if err != nil {
			return "", wrapError(err, "etcd: create")
		}
		if !resp.Succeeded {
			return "", storage.ErrCASMismatch
		}
		return formatETag(resp.Header.Revision), nil
	case opts.IfMatch != "":
		rev, ok := parseETag(opts.IfMatch)
		if !ok {
			return "", storage.ErrCASMismatch
		}
		resp, err := s.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(ekey), "=", rev)).
			Then(put).
			Else(clientv3.OpGet(ekey, clientv3.WithKeysOnly())).
			Commit()
		if err != nil {
			return "", wrapError(err, "etcd: update")
		}
		if !resp.Succeeded {
			s.log(ctx).Debug("etcd.set.cas_mismatch", "key", key, "expected_etag", opts.IfMatch)
			return "", elseFailure(resp)
		}
		return formatETag(resp.Header.Revision), nil
	}
	resp, err := s.kv.Do(ctx, put)
	if err != nil {
		return "", wrapError(err, "etcd: put")
	}
	return formatETag(resp.Put().Header.Revision), nil
}

// Delete removes key, comparing the mod revision when IfMatch is set.
func (s *Store) Delete(ctx context.Context, key string, opts storage.DeleteOptions) (int, error) {
	ekey := s.etcdKey(key)
	if opts.IfMatch == "" {
		resp, err := s.kv.Delete(ctx, ekey)
		if err != nil {
			return 0, wrapError(err, "etcd: delete")
		}
		return int(resp.Deleted), nil
	}
	rev, ok := parseETag(opts.IfMatch)
	if !ok {
		rev = -1
	}
	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(ekey), "=", rev)).
		Then(clientv3.OpDelete(ekey)).
		Else(clientv3.OpGet(ekey, clientv3.WithKeysOnly())).
		Commit()
	if err != nil {
		return 0, wrapError(err, "etcd: delete")
	}
	if !resp.Succeeded {
		return 0, elseFailure(resp)
	}
	if len(resp.Responses) == 0 || resp.Responses[0].GetResponseDeleteRange() == nil {
		return 0, nil
	}
	return int(resp.Responses[0].GetResponseDeleteRange().Deleted), nil
}

// elseFailure inspects the Else branch read to tell a missing key from a
// stale revision.
func elseFailure(resp *clientv3.TxnResponse) error {
	if len(resp.Responses) > 0 {
		if rng := resp.Responses[0].GetResponseRange(); rng != nil && len(rng.Kvs) > 0 {
			return storage.ErrCASMismatch
		}
	}
	return storage.ErrNotFound
}

// ScanPrefix reads one sorted page of keys. The cursor is the last key of
// the previous page.
func (s *Store) ScanPrefix(ctx context.Context, opts storage.ScanOptions) (*storage.ScanResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultScanLimit
	}
	full := s.etcdKey(opts.Prefix)
	start := scanStart(full, s.etcdKey(opts.Cursor), opts.Cursor != "")
	resp, err := s.kv.Get(ctx, start,
		clientv3.WithRange(clientv3.GetPrefixRangeEnd(full)),
		clientv3.WithLimit(int64(limit+1)),
		clientv3.WithKeysOnly(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, wrapError(err, "etcd: scan")
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, strings.TrimPrefix(string(kv.Key), s.prefix))
	}
	if len(keys) > limit {
		return &storage.ScanResult{Keys: keys[:limit], Cursor: keys[limit-1]}, nil
	}
	return &storage.ScanResult{Keys: keys, Done: true}, nil
}

// scanStart returns the first key strictly after the cursor, or the prefix
// itself on the first page.
func scanStart(prefix, cursorKey string, hasCursor bool) string {
	if !hasCursor {
		return prefix
	}
	return cursorKey + "\x00"
}

func formatETag(rev int64) string { return strconv.FormatInt(rev, 10) }

func parseETag(etag string) (int64, bool) {
	rev, err := strconv.ParseInt(etag, 10, 64)
	if err != nil || rev <= 0 {
		return 0, false
	}
	return rev, true
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isTransient(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch rpctypes.ErrorDesc(err) {
	case rpctypes.ErrNoLeader.Error(), rpctypes.ErrLeaderChanged.Error(), rpctypes.ErrTimeout.Error(),
		rpctypes.ErrTimeoutDueToLeaderFail.Error(), rpctypes.ErrTimeoutDueToConnectionLost.Error(),
		rpctypes.ErrTooManyRequests.Error():
		return true
	}
	return false
}
