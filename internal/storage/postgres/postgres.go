// Package postgres stores lock records in a single PostgreSQL table.
// Conditional writes are expressed as guarded INSERT/UPDATE/DELETE
// statements so every check-and-write is one round trip.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"

	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/doclock/internal/storage"
	"pkt.systems/doclock/internal/uuidv7"
	"pkt.systems/pslog"
)

// DefaultTable is the table used when Config.Table is empty.
const DefaultTable = "doclock_locks"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Config controls the PostgreSQL backend.
type Config struct {
	// DSN is passed to lib/pq, either a URL or a key=value string.
	DSN          string
	Table        string
	MaxOpenConns int
	// SkipSchema disables CREATE TABLE IF NOT EXISTS on startup.
	SkipSchema bool
	Logger     pslog.Logger
}

// Store implements storage.Backend on a *sql.DB.
type Store struct {
	db     *sql.DB
	table  string
	owned  bool
	logger pslog.Logger

	qGet, qUpsert, qCreate, qUpdate, qExists, qDelete, qDeleteMatch, qScan string
}

// New opens a connection pool and prepares the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres: dsn required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	store, err := NewWithDB(db, cfg.Table, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.owned = true
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if !cfg.SkipSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewWithDB wraps an existing pool. The caller keeps ownership of db.
func NewWithDB(db *sql.DB, table string, logger pslog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres: db required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("postgres: invalid table name %q", table)
	}
	t := pq.QuoteIdentifier(table)
	return &Store{
		db:     db,
		table:  t,
		logger: loggingutil.WithSubsystem(logger, "storage.postgres"),

		qGet: fmt.Sprintf(`SELECT value, etag FROM %s WHERE key = $1`, t),
		qUpsert: fmt.Sprintf(`INSERT INTO %s (key, value, etag, updated_at) VALUES ($1, $2, $3, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, etag = EXCLUDED.etag, updated_at = EXCLUDED.updated_at`, t),
		qCreate:      fmt.Sprintf(`INSERT INTO %s (key, value, etag, updated_at) VALUES ($1, $2, $3, now()) ON CONFLICT (key) DO NOTHING`, t),
		qUpdate:      fmt.Sprintf(`UPDATE %s SET value = $2, etag = $3, updated_at = now() WHERE key = $1 AND etag = $4`, t),
		qExists:      fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE key = $1)`, t),
		qDelete:      fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, t),
		qDeleteMatch: fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND etag = $2`, t),
		qScan: fmt.Sprintf(`SELECT key FROM %s WHERE key LIKE $1 ESCAPE '\' AND key COLLATE "C" > $2
ORDER BY key COLLATE "C" LIMIT $3`, t),
	}, nil
}

// EnsureSchema creates the lock table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	value BYTEA NOT NULL,
	etag TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return wrapError(err, "postgres: ensure schema")
	}
	return nil
}

// Close releases the pool when the store opened it.
func (s *Store) Close() error {
	if s.owned {
		return s.db.Close()
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

// Get reads one row.
func (s *Store) Get(ctx context.Context, key string) (storage.GetResult, error) {
	var res storage.GetResult
	err := s.db.QueryRowContext(ctx, s.qGet, key).Scan(&res.Value, &res.ETag)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.GetResult{}, storage.ErrNotFound
	}
	if err != nil {
		s.log(ctx).Debug("postgres.get.error", "key", key, "error", err)
		return storage.GetResult{}, wrapError(err, "postgres: get")
	}
	return res, nil
}

// Set writes one row, guarded by the requested condition.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts storage.SetOptions) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	etag := uuidv7.Compact()
	var (
		res sql.Result
		err error
	)
	switch {
	case opts.IfNotExists:
		res, err = s.db.ExecContext(ctx, s.qCreate, key, value, etag)
	case opts.IfMatch != "":
		res, err = s.db.ExecContext(ctx, s.qUpdate, key, value, etag, opts.IfMatch)
	default:
		res, err = s.db.ExecContext(ctx, s.qUpsert, key, value, etag)
	}
	if err != nil {
		s.log(ctx).Debug("postgres.set.error", "key", key, "error", err)
		return "", wrapError(err, "postgres: set")
	}
	if !opts.Conditional() {
		return etag, nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", wrapError(err, "postgres: rows affected")
	}
	if n == 1 {
		return etag, nil
	}
	if opts.IfNotExists {
		return "", storage.ErrCASMismatch
	}
	return "", s.conditionFailure(ctx, key)
}

// Delete removes one row.
func (s *Store) Delete(ctx context.Context, key string, opts storage.DeleteOptions) (int, error) {
	var (
		res sql.Result
		err error
	)
	if opts.IfMatch != "" {
		res, err = s.db.ExecContext(ctx, s.qDeleteMatch, key, opts.IfMatch)
	} else {
		res, err = s.db.ExecContext(ctx, s.qDelete, key)
	}
	if err != nil {
		s.log(ctx).Debug("postgres.delete.error", "key", key, "error", err)
		return 0, wrapError(err, "postgres: delete")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapError(err, "postgres: rows affected")
	}
	if n == 0 && opts.IfMatch != "" {
		return 0, s.conditionFailure(ctx, key)
	}
	return int(n), nil
}

// conditionFailure distinguishes a stale etag from a missing row after a
// guarded statement touched nothing.
func (s *Store) conditionFailure(ctx context.Context, key string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, s.qExists, key).Scan(&exists); err != nil {
		return wrapError(err, "postgres: exists")
	}
	if exists {
		return storage.ErrCASMismatch
	}
	return storage.ErrNotFound
}

// ScanPrefix pages through keys in byte order. The cursor is the last key
// returned.
func (s *Store) ScanPrefix(ctx context.Context, opts storage.ScanOptions) (*storage.ScanResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultScanLimit
	}
	rows, err := s.db.QueryContext(ctx, s.qScan, likePrefix(opts.Prefix), opts.Cursor, limit+1)
	if err != nil {
		return nil, wrapError(err, "postgres: scan")
	}
	defer rows.Close()
	keys := make([]string, 0, limit+1)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, wrapError(err, "postgres: scan row")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "postgres: scan rows")
	}
	if len(keys) > limit {
		return &storage.ScanResult{Keys: keys[:limit], Cursor: keys[limit-1]}, nil
	}
	return &storage.ScanResult{Keys: keys, Done: true}, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isTransient(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08":
			return true
		case pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code == "57P01", pqErr.Code == "53300":
			return true
		}
	}
	return false
}
