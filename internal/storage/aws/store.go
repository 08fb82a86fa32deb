// Package aws stores lock records in Amazon S3 through the AWS SDK. It
// relies on S3 conditional writes (If-Match / If-None-Match) for
// compare-and-swap.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/doclock/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	Logger         pslog.Logger
}

// Store implements storage.Backend backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
	logger pslog.Logger
}

const (
	awsOpTimeout   = 5 * time.Minute
	maxRecordBytes = 1 << 20
)

// New loads the default AWS credential chain and builds an S3 client.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Store{
		client: client,
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(cfg.Logger, "storage.aws"),
	}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
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
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Capabilities reports conditional write support.
func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{ConditionalWrites: true}
}

// Client exposes the underlying AWS client for diagnostics.
func (s *Store) Client() *s3.Client { return s.client }

func (s *Store) log(ctx context.Context) pslog.Logger {
	return loggingutil.FromContext(ctx, s.logger)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= awsOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// BucketExists returns whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get downloads the object for key.
func (s *Store) Get(ctx context.Context, key string) (storage.GetResult, error) {
	logger := s.log(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.objectKey(key)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.GetResult{}, storage.ErrNotFound
		}
		logger.Debug("aws.get.error", "key", key, "object", object, "error", err)
		return storage.GetResult{}, s.wrapError(err, "aws: get object")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordBytes))
	if err != nil {
		return storage.GetResult{}, s.wrapError(err, "aws: read object")
	}
	return storage.GetResult{Value: payload, ETag: stripETag(aws.ToString(resp.ETag))}, nil
}

// Set uploads value with the requested preconditions.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts storage.SetOptions) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	logger := s.log(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.objectKey(key)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(value),
		ContentType:   aws.String(storage.ContentTypeJSON),
		ContentLength: aws.Int64(int64(len(value))),
	}
	switch {
	case opts.IfMatch != "":
		input.IfMatch = aws.String(opts.IfMatch)
	case opts.IfNotExists:
		input.IfNoneMatch = aws.String("*")
	}
	applySSEToPut(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			logger.Debug("aws.set.cas_mismatch", "key", key, "object", object, "expected_etag", opts.IfMatch)
			return "", storage.ErrCASMismatch
		}
		if opts.IfMatch != "" && isNotFound(err) {
			return "", storage.ErrNotFound
		}
		logger.Debug("aws.set.put_error", "key", key, "object", object, "error", err)
		return "", s.wrapError(err, "aws: put object")
	}
	if etag := stripETag(aws.ToString(out.ETag)); etag != "" {
		return etag, nil
	}
	stat, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		return "", s.wrapError(err, "aws: head object")
	}
	return stripETag(aws.ToString(stat.ETag)), nil
}

// Delete removes the object, checking IfMatch with a HEAD request first.
func (s *Store) Delete(ctx context.Context, key string, opts storage.DeleteOptions) (int, error) {
	logger := s.log(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.objectKey(key)
	stat, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		if isNotFound(err) {
			if opts.IfMatch != "" {
				return 0, storage.ErrNotFound
			}
			return 0, nil
		}
		logger.Debug("aws.delete.stat_error", "key", key, "object", object, "error", err)
		return 0, s.wrapError(err, "aws: head object")
	}
	current := stripETag(aws.ToString(stat.ETag))
	if opts.IfMatch != "" && current != opts.IfMatch {
		logger.Debug("aws.delete.cas_mismatch", "key", key, "object", object, "expected_etag", opts.IfMatch, "current_etag", current)
		return 0, storage.ErrCASMismatch
	}
	input := &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}
	if opts.IfMatch != "" {
		input.IfMatch = aws.String(opts.IfMatch)
	}
	if _, err := s.client.DeleteObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			return 0, storage.ErrCASMismatch
		}
		logger.Debug("aws.delete.remove_error", "key", key, "object", object, "error", err)
		return 0, s.wrapError(err, "aws: delete object")
	}
	return 1, nil
}

// ScanPrefix lists one page of keys using StartAfter as the cursor.
func (s *Store) ScanPrefix(ctx context.Context, opts storage.ScanOptions) (*storage.ScanResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultScanLimit
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.cfg.Bucket),
		Prefix:  aws.String(s.objectKey(opts.Prefix)),
		MaxKeys: aws.Int32(int32(limit + 1)),
	}
	if opts.Cursor != "" {
		input.StartAfter = aws.String(s.objectKey(opts.Cursor))
	}
	resp, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		s.log(ctx).Debug("aws.scan.error", "prefix", opts.Prefix, "error", err)
		return nil, s.wrapError(err, "aws: list objects")
	}
	keys := make([]string, 0, len(resp.Contents))
	for _, object := range resp.Contents {
		key := s.keyFromObject(aws.ToString(object.Key))
		if key == "" || strings.HasSuffix(key, "/") {
			continue
		}
		keys = append(keys, key)
	}
	return pageKeys(keys, limit, aws.ToBool(resp.IsTruncated)), nil
}

// pageKeys trims a listing that was requested with limit+1 entries.
func pageKeys(keys []string, limit int, truncated bool) *storage.ScanResult {
	if len(keys) > limit {
		return &storage.ScanResult{Keys: keys[:limit], Cursor: keys[limit-1]}
	}
	if truncated && len(keys) > 0 {
		return &storage.ScanResult{Keys: keys, Cursor: keys[len(keys)-1]}
	}
	return &storage.ScanResult{Keys: keys, Done: true}
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

func applySSEToPut(input *s3.PutObjectInput, mode, keyID string) {
	switch strings.ToUpper(mode) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if keyID != "" {
			input.SSEKMSKeyId = aws.String(keyID)
		}
	}
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
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
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError {
			return true
		}
		switch status {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return true
		}
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

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusPreconditionFailed || status == http.StatusConflict
	}
	return false
}
