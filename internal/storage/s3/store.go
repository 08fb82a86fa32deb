// Package s3 stores lock records as objects in an S3-compatible bucket via
// the MinIO client. Conditional writes map onto If-Match and If-None-Match.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/doclock/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	// ServerSideEnc selects "AES256" (SSE-S3) or "aws:kms" with KMSKeyID.
	ServerSideEnc string
	KMSKeyID      string
	CustomCreds   *credentials.Credentials
	Transport     http.RoundTripper
	Logger        pslog.Logger
}

// Store implements storage.Backend backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
	logger pslog.Logger
	hooks  storeHooks
}

// storeHooks let tests interleave writes with a conditional delete.
type storeHooks struct {
	beforeMarker func()
	afterMarker  func()
	now          func() time.Time
}

const (
	contentTypeDeleteMarker = "application/x-doclock-deleted"
	// deleteMarkerStaleAfter is how long a leftover delete marker blocks
	// creates before it may be replaced.
	deleteMarkerStaleAfter = 30 * time.Second
)

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{
		client: client,
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(cfg.Logger, "storage.s3"),
	}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 256
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Capabilities reports conditional write support.
func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{ConditionalWrites: true}
}

// Client exposes the underlying MinIO client for diagnostics.
func (s *Store) Client() *minio.Client { return s.client }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

func (s *Store) log(ctx context.Context) pslog.Logger {
	return loggingutil.FromContext(ctx, s.logger)
}

// Get downloads the object for key.
func (s *Store) Get(ctx context.Context, key string) (storage.GetResult, error) {
	logger := s.log(ctx)
	object := s.objectKey(key)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.GetResult{}, storage.ErrNotFound
		}
		return storage.GetResult{}, s.wrapError(err, "s3: get object")
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return storage.GetResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.get.stat_error", "key", key, "object", object, "error", err)
		return storage.GetResult{}, s.wrapError(err, "s3: stat object")
	}
	if isDeleteMarker(info.Size) {
		return storage.GetResult{}, storage.ErrNotFound
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return storage.GetResult{}, storage.ErrNotFound
		}
		return storage.GetResult{}, s.wrapError(err, "s3: read object")
	}
	return storage.GetResult{Value: data, ETag: stripETag(info.ETag)}, nil
}

// Set uploads value as a single-part object.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts storage.SetOptions) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	logger := s.log(ctx)
	object := s.objectKey(key)
	options := minio.PutObjectOptions{ContentType: storage.ContentTypeJSON}
	s.applySSE(&options)
	switch {
	case opts.IfMatch != "":
		options.SetMatchETag(opts.IfMatch)
	case opts.IfNotExists:
		options.SetMatchETagExcept("*")
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(value), int64(len(value)), options)
	if err != nil {
		if isPreconditionFailed(err) {
			if opts.IfNotExists {
				return s.replaceStaleMarker(ctx, object, value)
			}
			logger.Debug("s3.set.cas_mismatch", "key", key, "object", object, "expected_etag", opts.IfMatch)
			return "", storage.ErrCASMismatch
		}
		if opts.IfMatch != "" && isNotFound(err) {
			return "", storage.ErrNotFound
		}
		logger.Debug("s3.set.put_error", "key", key, "object", object, "error", err)
		return "", s.wrapError(err, "s3: put object")
	}
	return stripETag(info.ETag), nil
}

// Delete removes the object. A conditional delete first overwrites the
// record with an empty delete marker under If-Match, which is the atomic
// step; the marker is then removed. Markers read as absent everywhere.
func (s *Store) Delete(ctx context.Context, key string, opts storage.DeleteOptions) (int, error) {
	logger := s.log(ctx)
	object := s.objectKey(key)
	if opts.IfMatch != "" {
		return s.deleteIfMatch(ctx, key, object, opts.IfMatch)
	}
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		logger.Debug("s3.delete.stat_error", "key", key, "object", object, "error", err)
		return 0, s.wrapError(err, "s3: stat object")
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		logger.Debug("s3.delete.remove_error", "key", key, "object", object, "error", err)
		return 0, s.wrapError(err, "s3: remove object")
	}
	if isDeleteMarker(info.Size) {
		return 0, nil
	}
	return 1, nil
}

func (s *Store) deleteIfMatch(ctx context.Context, key, object, etag string) (int, error) {
	logger := s.log(ctx)
	if s.hooks.beforeMarker != nil {
		s.hooks.beforeMarker()
	}
	options := minio.PutObjectOptions{ContentType: contentTypeDeleteMarker}
	s.applySSE(&options)
	options.SetMatchETag(etag)
	if _, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(nil), 0, options); err != nil {
		if isNotFound(err) {
			return 0, storage.ErrNotFound
		}
		if isPreconditionFailed(err) {
			// Some servers answer 412 rather than 404 for a missing object.
			if s.absent(ctx, object) {
				return 0, storage.ErrNotFound
			}
			logger.Debug("s3.delete.cas_mismatch", "key", key, "object", object, "expected_etag", etag)
			return 0, storage.ErrCASMismatch
		}
		logger.Debug("s3.delete.marker_error", "key", key, "object", object, "error", err)
		return 0, s.wrapError(err, "s3: write delete marker")
	}
	if s.hooks.afterMarker != nil {
		s.hooks.afterMarker()
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		// The record is already gone as far as readers are concerned; a
		// create replaces the marker once it is stale.
		logger.Warn("s3.delete.marker_left", "key", key, "object", object, "error", err)
	}
	return 1, nil
}

// absent reports whether object is missing or only a delete marker.
func (s *Store) absent(ctx context.Context, object string) bool {
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		return isNotFound(err)
	}
	return isDeleteMarker(info.Size)
}

// replaceStaleMarker lets a create through when the only thing in the way is
// a delete marker whose removal never happened.
func (s *Store) replaceStaleMarker(ctx context.Context, object string, value []byte) (string, error) {
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return "", storage.ErrCASMismatch
		}
		return "", s.wrapError(err, "s3: stat object")
	}
	if !isDeleteMarker(info.Size) || s.now().Sub(info.LastModified) < deleteMarkerStaleAfter {
		return "", storage.ErrCASMismatch
	}
	options := minio.PutObjectOptions{ContentType: storage.ContentTypeJSON}
	s.applySSE(&options)
	options.SetMatchETag(stripETag(info.ETag))
	out, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(value), int64(len(value)), options)
	if err != nil {
		if isPreconditionFailed(err) || isNotFound(err) {
			return "", storage.ErrCASMismatch
		}
		return "", s.wrapError(err, "s3: replace delete marker")
	}
	return stripETag(out.ETag), nil
}

func (s *Store) now() time.Time {
	if s.hooks.now != nil {
		return s.hooks.now()
	}
	return time.Now()
}

// Lock records are never empty, so a zero-length object is a delete marker.
func isDeleteMarker(size int64) bool {
	return size == 0
}

// ScanPrefix lists keys in lexical order starting after the cursor.
func (s *Store) ScanPrefix(ctx context.Context, opts storage.ScanOptions) (*storage.ScanResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultScanLimit
	}
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	listOpts := minio.ListObjectsOptions{
		Prefix:    s.objectKey(opts.Prefix),
		Recursive: true,
		MaxKeys:   limit + 1,
	}
	if opts.Cursor != "" {
		listOpts.StartAfter = s.objectKey(opts.Cursor)
	}
	result := &storage.ScanResult{}
	for object := range s.client.ListObjects(listCtx, s.cfg.Bucket, listOpts) {
		if object.Err != nil {
			s.log(ctx).Debug("s3.scan.error", "prefix", opts.Prefix, "error", object.Err)
			return nil, s.wrapError(object.Err, "s3: list objects")
		}
		key := s.keyFromObject(object.Key)
		if key == "" || strings.HasSuffix(key, "/") || isDeleteMarker(object.Size) {
			continue
		}
		if opts.Cursor != "" && key <= opts.Cursor {
			continue
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

func (s *Store) objectKey(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return s.cfg.Prefix + "/" + key
}

func (s *Store) keyFromObject(object string) string {
	if s.cfg.Prefix == "" {
		return object
	}
	return strings.TrimPrefix(object, s.cfg.Prefix+"/")
}

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToLower(strings.TrimSpace(s.cfg.ServerSideEnc)) {
	case "aes256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "aws:kms":
		if sse, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
			opts.ServerSideEncryption = sse
		}
	}
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if !errors.As(err, &errResp) {
		return false
	}
	if errResp.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	if errResp.StatusCode == http.StatusConflict {
		switch errResp.Code {
		case "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isNetworkConnectionError(opErr.Err)
	}
	return false
}
