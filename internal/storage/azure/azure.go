// Package azure stores lock records as block blobs in an Azure Storage
// container, using blob ETags for conditional writes.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/doclock/internal/storage"
	"pkt.systems/pslog"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
	Logger     pslog.Logger
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	container string
	prefix    string
	logger    pslog.Logger
}

// New constructs a Store and ensures the container exists.
func New(cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{
		client:    client,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		logger:    loggingutil.WithSubsystem(cfg.Logger, "storage.azure"),
	}, nil
}

func (cfg Config) validate() error {
	if cfg.Account == "" {
		return fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return fmt.Errorf("azure: container is required")
	}
	if cfg.SASToken == "" && cfg.AccountKey == "" {
		return fmt.Errorf("azure: account key or SAS token required")
	}
	return nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(),
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

// Close satisfies storage.Backend (no-op for Azure).
func (s *Store) Close() error { return nil }

// Capabilities reports conditional write support.
func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{ConditionalWrites: true}
}

// Client exposes the underlying Azure Blob client for diagnostics.
func (s *Store) Client() *azblob.Client { return s.client }

func (s *Store) log(ctx context.Context) pslog.Logger {
	return loggingutil.FromContext(ctx, s.logger)
}

// blobName escapes key into a single path segment so document ids with
// slashes do not create virtual directories.
func (s *Store) blobName(key string) string {
	name := url.PathEscape(key)
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *Store) keyFromBlob(name string) (string, error) {
	if s.prefix != "" {
		name = strings.TrimPrefix(name, s.prefix+"/")
	}
	return url.PathUnescape(name)
}

// Get downloads the blob for key.
func (s *Store) Get(ctx context.Context, key string) (storage.GetResult, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.blobName(key), nil)
	if err != nil {
		if isNotFound(err) {
			return storage.GetResult{}, storage.ErrNotFound
		}
		s.log(ctx).Debug("azure.get.error", "key", key, "error", err)
		return storage.GetResult{}, wrapError(err, "azure: download blob")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.GetResult{}, wrapError(err, "azure: read blob")
	}
	etag := ""
	if resp.ETag != nil {
		etag = string(*resp.ETag)
	}
	return storage.GetResult{Value: payload, ETag: etag}, nil
}

// Set uploads value with If-Match or If-None-Match access conditions.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts storage.SetOptions) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	upload := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(storage.ContentTypeJSON)},
	}
	switch {
	case opts.IfMatch != "":
		upload.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(opts.IfMatch))},
		}
	case opts.IfNotExists:
		upload.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETag("*"))},
		}
	}
	resp, err := s.client.UploadStream(ctx, s.container, s.blobName(key), bytes.NewReader(value), upload)
	if err != nil {
		if isPreconditionFailed(err) {
			s.log(ctx).Debug("azure.set.cas_mismatch", "key", key, "expected_etag", opts.IfMatch)
			return "", storage.ErrCASMismatch
		}
		if opts.IfMatch != "" && isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", wrapError(err, "azure: upload blob")
	}
	if resp.ETag == nil {
		return "", fmt.Errorf("azure: upload blob: missing etag")
	}
	return string(*resp.ETag), nil
}

// Delete removes the blob; IfMatch is enforced server side.
func (s *Store) Delete(ctx context.Context, key string, opts storage.DeleteOptions) (int, error) {
	var del *azblob.DeleteBlobOptions
	if opts.IfMatch != "" {
		del = &azblob.DeleteBlobOptions{
			AccessConditions: &blob.AccessConditions{
				ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(opts.IfMatch))},
			},
		}
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, s.blobName(key), del); err != nil {
		switch {
		case isNotFound(err) && opts.IfMatch != "":
			return 0, storage.ErrNotFound
		case isNotFound(err):
			return 0, nil
		case isPreconditionFailed(err):
			return 0, storage.ErrCASMismatch
		}
		s.log(ctx).Debug("azure.delete.error", "key", key, "error", err)
		return 0, wrapError(err, "azure: delete blob")
	}
	return 1, nil
}

// ScanPrefix walks the flat blob listing. The cursor is the last blob name
// returned, which keeps ordering consistent with the service listing.
func (s *Store) ScanPrefix(ctx context.Context, opts storage.ScanOptions) (*storage.ScanResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultScanLimit
	}
	prefix := s.blobName(opts.Prefix)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix:     &prefix,
		MaxResults: to.Ptr(int32(limit + 1)),
	})
	result := &storage.ScanResult{}
	lastBlob := ""
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list blobs")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			name := *item.Name
			if opts.Cursor != "" && name <= opts.Cursor {
				continue
			}
			key, err := s.keyFromBlob(name)
			if err != nil {
				s.log(ctx).Debug("azure.scan.decode_error", "blob", name, "error", err)
				continue
			}
			if len(result.Keys) == limit {
				result.Cursor = lastBlob
				return result, nil
			}
			result.Keys = append(result.Keys, key)
			lastBlob = name
		}
	}
	result.Done = true
	return result, nil
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode >= http.StatusInternalServerError || respErr.StatusCode == http.StatusTooManyRequests {
			return storage.NewTransientError(wrapped)
		}
		return wrapped
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusPreconditionFailed || respErr.StatusCode == http.StatusConflict
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
