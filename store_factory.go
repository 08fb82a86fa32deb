package doclock

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/doclock/internal/pathutil"
	"pkt.systems/doclock/internal/storage"
	awsstore "pkt.systems/doclock/internal/storage/aws"
	azurestore "pkt.systems/doclock/internal/storage/azure"
	"pkt.systems/doclock/internal/storage/disk"
	etcdstore "pkt.systems/doclock/internal/storage/etcd"
	"pkt.systems/doclock/internal/storage/memory"
	pgstore "pkt.systems/doclock/internal/storage/postgres"
	redisstore "pkt.systems/doclock/internal/storage/redis"
	"pkt.systems/doclock/internal/storage/s3"
	"pkt.systems/pslog"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// S3ConfigResult pairs a generic S3 backend config with its credential summary.
type S3ConfigResult struct {
	Config      s3.Config
	Credentials CredentialSummary
}

// parseStoreURL validates the store URL and normalises its scheme.
func parseStoreURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("store URL required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	switch u.Scheme {
	case "mem", "memory":
	case "disk":
		if strings.Trim(u.Host+u.Path, "/") == "" {
			return nil, fmt.Errorf("disk store path required (e.g. disk:///var/lib/doclock)")
		}
	case "s3":
		if u.Host == "" || strings.Trim(u.Path, "/") == "" {
			return nil, fmt.Errorf("s3 store requires host and bucket (s3://host[:port]/bucket[/prefix])")
		}
	case "aws":
		if u.Host == "" {
			return nil, fmt.Errorf("aws store missing bucket (aws://bucket[/prefix])")
		}
	case "azure":
		if strings.Trim(u.Path, "/") == "" {
			return nil, fmt.Errorf("azure store missing container (azure://account/container[/prefix])")
		}
	case "postgres", "postgresql":
		if u.Host == "" {
			return nil, fmt.Errorf("postgres store missing host")
		}
	case "redis", "rediss":
		if u.Host == "" {
			return nil, fmt.Errorf("redis store missing host")
		}
	case "etcd":
		if u.Host == "" {
			return nil, fmt.Errorf("etcd store missing endpoints (etcd://host:2379[,host2:2379]/prefix)")
		}
	case "":
		return nil, fmt.Errorf("store URL %q has no scheme", raw)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	return u, nil
}

func openBackend(ctx context.Context, cfg Config, logger pslog.Logger) (storage.Backend, error) {
	u, err := parseStoreURL(cfg.Store)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "mem", "memory":
		disableConditional := false
		if v := u.Query().Get("conditional"); v != "" {
			if on, err := strconv.ParseBool(v); err == nil {
				disableConditional = !on
			}
		}
		return memory.NewWithConfig(memory.Config{DisableConditional: disableConditional}), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		diskCfg.Logger = logger
		return disk.New(diskCfg)
	case "s3":
		result, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		result.Config.Logger = logger
		logger.Info("storage.s3.credentials", "source", result.Credentials.Source, "access_key", result.Credentials.AccessKey)
		backend, err := s3.New(result.Config)
		if err != nil {
			return nil, err
		}
		if err := ensureBucketReady(ctx, backend.BucketExists, result.Config.Bucket); err != nil {
			return nil, err
		}
		return backend, nil
	case "aws":
		awsCfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		awsCfg.Logger = logger
		backend, err := awsstore.New(awsCfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucketReady(ctx, backend.BucketExists, awsCfg.Bucket); err != nil {
			return nil, err
		}
		return backend, nil
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		azureCfg.Logger = logger
		return azurestore.New(azureCfg)
	case "postgres", "postgresql":
		pgCfg, err := BuildPostgresConfig(cfg)
		if err != nil {
			return nil, err
		}
		pgCfg.Logger = logger
		return pgstore.New(ctx, pgCfg)
	case "redis", "rediss":
		redisCfg, err := BuildRedisConfig(cfg)
		if err != nil {
			return nil, err
		}
		redisCfg.Logger = logger
		return redisstore.New(ctx, redisCfg)
	case "etcd":
		etcdCfg, err := BuildEtcdConfig(cfg)
		if err != nil {
			return nil, err
		}
		etcdCfg.Logger = logger
		return etcdstore.New(etcdCfg)
	}
	return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
}

func ensureBucketReady(ctx context.Context, exists func(context.Context) (bool, error), bucket string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ok, err := exists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := parseStoreURL(cfg.Store)
	if err != nil {
		return disk.Config{}, err
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q is not disk", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	switch host := strings.TrimSpace(u.Host); host {
	case "":
	case "~":
		// disk://~/locks
		pathPart = "~/" + strings.TrimPrefix(pathPart, "/")
	default:
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" {
		return disk.Config{}, fmt.Errorf("disk store requires a path")
	}
	root, err := pathutil.Abs(pathPart)
	if err != nil {
		return disk.Config{}, fmt.Errorf("resolve disk root %q: %w", pathPart, err)
	}
	return disk.Config{Root: root}, nil
}

// BuildGenericS3Config parses s3:// URLs that target S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (S3ConfigResult, error) {
	u, err := parseStoreURL(cfg.Store)
	if err != nil {
		return S3ConfigResult{}, err
	}
	if u.Scheme != "s3" {
		return S3ConfigResult{}, fmt.Errorf("store scheme %q is not s3", u.Scheme)
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return S3ConfigResult{}, fmt.Errorf("s3 store missing bucket name")
	}
	query := u.Query()
	insecure := cfg.S3Insecure
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	if strings.EqualFold(query.Get("scheme"), "http") {
		insecure = true
	}
	forcePath := cfg.S3ForcePathStyle
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	region := cfg.S3Region
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	creds, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return S3ConfigResult{Credentials: summary}, err
	}
	return S3ConfigResult{
		Config: s3.Config{
			Endpoint:       u.Host,
			Region:         region,
			Bucket:         bucket,
			Prefix:         prefix,
			Insecure:       insecure,
			ForcePathStyle: forcePath,
			ServerSideEnc:  cfg.S3SSE,
			KMSKeyID:       kmsKey,
			CustomCreds:    creds,
		},
		Credentials: summary,
	}, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs. Credentials come from
// the default AWS chain.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := parseStoreURL(cfg.Store)
	if err != nil {
		return awsstore.Config{}, err
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q is not aws", u.Scheme)
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or DOCLOCK_AWS_REGION)")
	}
	endpoint := strings.TrimSpace(cfg.AWSEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		insecure, _ = strconv.ParseBool(v)
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		forcePath, _ = strconv.ParseBool(v)
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return awsstore.Config{
		Endpoint:       endpoint,
		Region:         region,
		Bucket:         u.Host,
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       insecure,
		ForcePathStyle: forcePath,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
	}, nil
}

// BuildAzureConfig derives the Azure backend configuration.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := parseStoreURL(cfg.Store)
	if err != nil {
		return azurestore.Config{}, err
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q is not azure", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf(DefaultAzureEndpointPattern, account)
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("DOCLOCK_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("DOCLOCK_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildPostgresConfig turns a postgres:// URL into a lib/pq DSN. The
// doclock-only "table" query parameter is stripped before the DSN is handed
// to the driver.
func BuildPostgresConfig(cfg Config) (pgstore.Config, error) {
	u, err := parseStoreURL(cfg.Store)
	if err != nil {
		return pgstore.Config{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return pgstore.Config{}, fmt.Errorf("store scheme %q is not postgres", u.Scheme)
	}
	query := u.Query()
	table := cfg.PostgresTable
	if v := strings.TrimSpace(query.Get("table")); v != "" {
		table = v
	}
	query.Del("table")
	u.RawQuery = query.Encode()
	if table == "" {
		table = DefaultPostgresTable
	}
	return pgstore.Config{
		DSN:          u.String(),
		Table:        table,
		MaxOpenConns: cfg.PostgresMaxOpenConns,
	}, nil
}

// BuildRedisConfig prepares a redis:// or rediss:// URL for go-redis. The
// "prefix" query parameter overrides RedisKeyPrefix.
func BuildRedisConfig(cfg Config) (redisstore.Config, error) {
	u, err := parseStoreURL(cfg.Store)
	if err != nil {
		return redisstore.Config{}, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return redisstore.Config{}, fmt.Errorf("store scheme %q is not redis", u.Scheme)
	}
	query := u.Query()
	prefix := cfg.RedisKeyPrefix
	if query.Has("prefix") {
		prefix = query.Get("prefix")
	}
	query.Del("prefix")
	u.RawQuery = query.Encode()
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return redisstore.Config{URL: u.String(), Prefix: prefix}, nil
}

// BuildEtcdConfig parses etcd://user:pass@h1:2379,h2:2379/prefix?tls=true.
func BuildEtcdConfig(cfg Config) (etcdstore.Config, error) {
	u, err := parseStoreURL(cfg.Store)
	if err != nil {
		return etcdstore.Config{}, err
	}
	if u.Scheme != "etcd" {
		return etcdstore.Config{}, fmt.Errorf("store scheme %q is not etcd", u.Scheme)
	}
	scheme := "http://"
	if v := u.Query().Get("tls"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil && on {
			scheme = "https://"
		}
	}
	var endpoints []string
	for _, host := range strings.Split(u.Host, ",") {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		endpoints = append(endpoints, scheme+host)
	}
	if len(endpoints) == 0 {
		return etcdstore.Config{}, fmt.Errorf("etcd store missing endpoints")
	}
	out := etcdstore.Config{
		Endpoints:   endpoints,
		DialTimeout: cfg.EtcdDialTimeout,
	}
	if prefix := strings.Trim(u.Path, "/"); prefix != "" {
		out.Prefix = "/" + prefix + "/"
	}
	if u.User != nil {
		out.Username = u.User.Username()
		out.Password, _ = u.User.Password()
	}
	return out, nil
}

func splitBucketPath(path string) (bucket, prefix string) {
	path = strings.Trim(path, "/")
	bucket, prefix, _ = strings.Cut(path, "/")
	return strings.TrimSpace(bucket), strings.Trim(prefix, "/")
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("DOCLOCK_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("DOCLOCK_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("DOCLOCK_S3_SESSION_TOKEN")
		source = "env:DOCLOCK_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		// Fall through to the backend's env/file/IAM chain.
		summary.Source = "chain"
		return nil, summary, nil
	}
	summary.AccessKey = accessKey
	summary.HasSecret = secretKey != ""
	summary.Source = source
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
