package doclock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pkt.systems/doclock/internal/core"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9341"
	// DefaultListenProto controls the network used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultLeaseTTL is how long a lease survives without a heartbeat.
	DefaultLeaseTTL = core.DefaultLeaseTTL
	// DefaultMaxCASAttempts bounds the re-read loop after a lost conditional write.
	DefaultMaxCASAttempts = core.DefaultMaxCASAttempts
	// DefaultJSONMaxBytes bounds incoming JSON payloads. Lock requests are tiny.
	DefaultJSONMaxBytes = 64 * 1024
	// DefaultReapSchedule is the cron spec driving the expired-lock reaper.
	DefaultReapSchedule = "@every 1m"
	// DefaultDrainGrace is how long new acquisitions are refused before HTTP shutdown begins.
	DefaultDrainGrace = 10 * time.Second
	// DefaultShutdownTimeout caps the total shutdown time (drain + HTTP server).
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultMaxConcurrentStreams sets the HTTP/2 MaxConcurrentStreams when not explicitly configured.
	DefaultMaxConcurrentStreams = 1024
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultPostgresTable names the lock table for postgres:// stores.
	DefaultPostgresTable = "doclock_kv"
	// DefaultRedisKeyPrefix namespaces keys for redis:// stores.
	DefaultRedisKeyPrefix = "doclock:"
	// DefaultEtcdDialTimeout bounds the initial etcd connection.
	DefaultEtcdDialTimeout = 5 * time.Second
	// DefaultAzureEndpointPattern expands Azure account names into their HTTPS endpoint.
	DefaultAzureEndpointPattern = "https://%s.blob.core.windows.net"
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

const (
	// DefaultQRFMemorySoftLimitPercent soft-arms the guard when host memory usage crosses this percentage.
	DefaultQRFMemorySoftLimitPercent = 75.0
	// DefaultQRFMemoryHardLimitPercent engages the guard when host memory usage crosses this percentage.
	DefaultQRFMemoryHardLimitPercent = 85.0
	// DefaultQRFCPUPercentSoftLimit soft-arms the guard when CPU utilisation crosses this percentage.
	DefaultQRFCPUPercentSoftLimit = 70.0
	// DefaultQRFCPUPercentHardLimit engages the guard when CPU utilisation crosses this percentage.
	DefaultQRFCPUPercentHardLimit = 85.0
	// DefaultQRFLoadSoftLimitMultiplier is the load-average multiplier that soft-arms the guard.
	DefaultQRFLoadSoftLimitMultiplier = 4.0
	// DefaultQRFLoadHardLimitMultiplier is the load-average multiplier that engages the guard.
	DefaultQRFLoadHardLimitMultiplier = 8.0
	// DefaultQRFRecoverySamples controls how many consecutive healthy samples are required before disengaging.
	DefaultQRFRecoverySamples = 5
	// DefaultQRFEngagedRetryAfter is the Retry-After hint returned while the guard is engaged.
	DefaultQRFEngagedRetryAfter = 5 * time.Second
	// DefaultQRFRecoveryRetryAfter is the Retry-After hint returned while the guard recovers.
	DefaultQRFRecoveryRetryAfter = 2 * time.Second
	// DefaultLSFSampleInterval configures how frequently host pressure is sampled.
	DefaultLSFSampleInterval = 500 * time.Millisecond
	// DefaultLSFLogInterval controls how often the sampler emits lsf.sample logs.
	DefaultLSFLogInterval = 30 * time.Second
)

// Config captures the tunables for a doclock.Server instance.
type Config struct {
	// Listen is the server bind address (for example ":9341") or a unix socket path.
	Listen string
	// ListenProto selects listener type ("tcp" or "unix").
	ListenProto string
	// Store is the backend URL (mem://, disk://, s3://, aws://, azure://, postgres://, redis://, etcd://).
	Store string

	// LeaseTTL is how long a lease survives without a heartbeat.
	LeaseTTL time.Duration
	// MaxCASAttempts bounds the re-read loop after a lost conditional write.
	MaxCASAttempts int
	// DisableConditionalWrites forces plain read-then-write even on backends with CAS support.
	DisableConditionalWrites bool
	// AdminToken gates POST /v1/admin/clear-locks. Empty disables the endpoint.
	AdminToken string
	// JSONMaxBytes caps incoming JSON payload size.
	JSONMaxBytes int64
	// ReapSchedule is a cron spec for the expired-lock reaper. Empty disables it.
	ReapSchedule string
	// ReapScheduleSet reports whether ReapSchedule was explicitly set, so an empty value disables the reaper.
	ReapScheduleSet bool

	// DrainGrace is how long new acquisitions are refused before HTTP shutdown begins.
	DrainGrace time.Duration
	// DrainGraceSet reports whether DrainGrace was explicitly set.
	DrainGraceSet bool
	// ShutdownTimeout caps total graceful shutdown duration (drain + HTTP shutdown).
	ShutdownTimeout time.Duration
	// HTTP2MaxConcurrentStreams sets the cleartext HTTP/2 stream limit; 0 uses the default.
	HTTP2MaxConcurrentStreams int

	// StorageRetryMaxAttempts caps transient backend retry attempts.
	StorageRetryMaxAttempts int
	// StorageRetryBaseDelay is the exponential retry base delay for backend operations.
	StorageRetryBaseDelay time.Duration
	// StorageRetryMaxDelay caps backend retry backoff.
	StorageRetryMaxDelay time.Duration
	// StorageRetryMultiplier is the exponential growth factor for backend retries.
	StorageRetryMultiplier float64

	// S3Region sets the region for s3:// stores.
	S3Region string
	// S3Insecure disables TLS for s3:// endpoints.
	S3Insecure bool
	// S3ForcePathStyle selects path-style bucket addressing for s3:// stores.
	S3ForcePathStyle bool
	// S3SSE controls server-side encryption for object writes (AES256 or aws:kms).
	S3SSE string
	// S3KMSKeyID is the KMS key used when S3SSE is aws:kms.
	S3KMSKeyID string
	// S3AccessKeyID sets a static S3 access key credential.
	S3AccessKeyID string
	// S3SecretAccessKey sets the static S3 secret credential.
	S3SecretAccessKey string
	// S3SessionToken sets an optional session token for temporary credentials.
	S3SessionToken string
	// AWSRegion sets the region for aws:// stores.
	AWSRegion string
	// AWSEndpoint overrides the AWS S3 endpoint (for S3-compatible gateways).
	AWSEndpoint string

	// AzureAccount is the Azure storage account name.
	AzureAccount string
	// AzureAccountKey is the shared-key credential for Azure Blob.
	AzureAccountKey string
	// AzureEndpoint overrides the Azure Blob endpoint URL.
	AzureEndpoint string
	// AzureSASToken configures SAS-token auth for Azure Blob.
	AzureSASToken string

	// PostgresTable names the table used by postgres:// stores.
	PostgresTable string
	// PostgresMaxOpenConns caps the connection pool; 0 leaves database/sql's default.
	PostgresMaxOpenConns int
	// RedisKeyPrefix namespaces keys for redis:// stores.
	RedisKeyPrefix string
	// EtcdDialTimeout bounds the initial etcd connection.
	EtcdDialTimeout time.Duration

	// QRFDisabled turns off the host pressure guard.
	QRFDisabled bool
	// QRFAcquireSoftLimit soft-arms the guard when in-flight acquisitions exceed this count.
	QRFAcquireSoftLimit int64
	// QRFAcquireHardLimit engages the guard when in-flight acquisitions exceed this count.
	QRFAcquireHardLimit int64
	// QRFMemorySoftLimitPercent soft-arms the guard above this host memory percentage.
	QRFMemorySoftLimitPercent float64
	// QRFMemoryHardLimitPercent engages the guard above this host memory percentage.
	QRFMemoryHardLimitPercent float64
	// QRFSwapSoftLimitPercent soft-arms the guard above this swap percentage (0 disables).
	QRFSwapSoftLimitPercent float64
	// QRFSwapHardLimitPercent engages the guard above this swap percentage (0 disables).
	QRFSwapHardLimitPercent float64
	// QRFCPUPercentSoftLimit soft-arms the guard above this CPU percentage.
	QRFCPUPercentSoftLimit float64
	// QRFCPUPercentHardLimit engages the guard above this CPU percentage.
	QRFCPUPercentHardLimit float64
	// QRFLoadSoftLimitMultiplier soft-arms the guard when load1 exceeds baseline times this value.
	QRFLoadSoftLimitMultiplier float64
	// QRFLoadHardLimitMultiplier engages the guard when load1 exceeds baseline times this value.
	QRFLoadHardLimitMultiplier float64
	// QRFRecoverySamples is the number of healthy samples required to disengage.
	QRFRecoverySamples int
	// QRFEngagedRetryAfter is the Retry-After hint while engaged.
	QRFEngagedRetryAfter time.Duration
	// QRFRecoveryRetryAfter is the Retry-After hint while recovering.
	QRFRecoveryRetryAfter time.Duration
	// LSFSampleInterval controls the host pressure sample cadence.
	LSFSampleInterval time.Duration
	// LSFLogInterval controls the cadence of lsf.sample logs; 0 disables them.
	LSFLogInterval time.Duration

	// OTLPEndpoint enables OTLP trace export to the given collector endpoint.
	OTLPEndpoint string
	// MetricsListen is the Prometheus scrape bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// DisableHTTPTracing disables OpenTelemetry spans for HTTP handlers.
	DisableHTTPTracing bool
}

// QRFEnabled reports whether the host pressure guard is active.
func (c Config) QRFEnabled() bool {
	return !c.QRFDisabled
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: listen proto %q must be tcp, tcp4, tcp6 or unix", c.ListenProto)
	}
	if c.Listen == "" {
		if c.ListenProto == "unix" {
			return fmt.Errorf("config: unix listener requires a socket path")
		}
		c.Listen = DefaultListen
	}
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := parseStoreURL(c.Store); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.LeaseTTL < 0 {
		return fmt.Errorf("config: lease ttl must be >= 0")
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.MaxCASAttempts < 0 {
		return fmt.Errorf("config: max cas attempts must be >= 0")
	}
	if c.MaxCASAttempts == 0 {
		c.MaxCASAttempts = DefaultMaxCASAttempts
	}
	c.AdminToken = strings.TrimSpace(c.AdminToken)
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	c.ReapSchedule = strings.TrimSpace(c.ReapSchedule)
	if c.ReapSchedule == "" && !c.ReapScheduleSet {
		c.ReapSchedule = DefaultReapSchedule
	}
	if c.ReapSchedule != "" {
		if _, err := cron.ParseStandard(c.ReapSchedule); err != nil {
			return fmt.Errorf("config: reap schedule %q: %w", c.ReapSchedule, err)
		}
	}
	if c.DrainGrace < 0 {
		return fmt.Errorf("config: drain grace must be >= 0")
	}
	if c.DrainGrace == 0 && !c.DrainGraceSet {
		c.DrainGrace = DefaultDrainGrace
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.DrainGrace > c.ShutdownTimeout {
		c.DrainGrace = c.ShutdownTimeout
	}
	if c.HTTP2MaxConcurrentStreams < 0 {
		return fmt.Errorf("config: http2 max concurrent streams must be >= 0")
	}
	if c.HTTP2MaxConcurrentStreams == 0 {
		c.HTTP2MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.PostgresTable == "" {
		c.PostgresTable = DefaultPostgresTable
	}
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = DefaultRedisKeyPrefix
	}
	if c.EtcdDialTimeout <= 0 {
		c.EtcdDialTimeout = DefaultEtcdDialTimeout
	}
	c.applyQRFDefaults()

	storeLower := strings.ToLower(c.Store)
	if strings.HasPrefix(storeLower, "aws://") && c.AWSRegion == "" && !strings.Contains(storeLower, "region=") {
		return fmt.Errorf("config: aws region must be provided for store %q", c.Store)
	}
	if strings.HasPrefix(storeLower, "s3://") || strings.HasPrefix(storeLower, "aws://") || strings.HasPrefix(storeLower, "azure://") {
		// Object stores see more throttling; give them a longer runway.
		if c.StorageRetryMaxAttempts <= 0 {
			c.StorageRetryMaxAttempts = 10
		}
		if c.StorageRetryMaxDelay <= 0 {
			c.StorageRetryMaxDelay = 5 * time.Second
		}
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	return nil
}

func (c *Config) applyQRFDefaults() {
	if c.QRFMemorySoftLimitPercent <= 0 {
		c.QRFMemorySoftLimitPercent = DefaultQRFMemorySoftLimitPercent
	}
	if c.QRFMemoryHardLimitPercent <= 0 {
		c.QRFMemoryHardLimitPercent = DefaultQRFMemoryHardLimitPercent
	}
	if c.QRFMemorySoftLimitPercent > c.QRFMemoryHardLimitPercent {
		c.QRFMemorySoftLimitPercent = c.QRFMemoryHardLimitPercent
	}
	if c.QRFCPUPercentSoftLimit <= 0 {
		c.QRFCPUPercentSoftLimit = DefaultQRFCPUPercentSoftLimit
	}
	if c.QRFCPUPercentHardLimit <= 0 {
		c.QRFCPUPercentHardLimit = DefaultQRFCPUPercentHardLimit
	}
	if c.QRFCPUPercentSoftLimit > c.QRFCPUPercentHardLimit {
		c.QRFCPUPercentSoftLimit = c.QRFCPUPercentHardLimit
	}
	if c.QRFLoadSoftLimitMultiplier <= 0 {
		c.QRFLoadSoftLimitMultiplier = DefaultQRFLoadSoftLimitMultiplier
	}
	if c.QRFLoadHardLimitMultiplier <= 0 {
		c.QRFLoadHardLimitMultiplier = DefaultQRFLoadHardLimitMultiplier
	}
	if c.QRFLoadSoftLimitMultiplier > c.QRFLoadHardLimitMultiplier {
		c.QRFLoadSoftLimitMultiplier = c.QRFLoadHardLimitMultiplier
	}
	if c.QRFSwapSoftLimitPercent < 0 {
		c.QRFSwapSoftLimitPercent = 0
	}
	if c.QRFSwapHardLimitPercent < 0 {
		c.QRFSwapHardLimitPercent = 0
	}
	if c.QRFSwapHardLimitPercent > 0 && (c.QRFSwapSoftLimitPercent == 0 || c.QRFSwapSoftLimitPercent > c.QRFSwapHardLimitPercent) {
		c.QRFSwapSoftLimitPercent = c.QRFSwapHardLimitPercent
	}
	if c.QRFAcquireHardLimit > 0 && (c.QRFAcquireSoftLimit == 0 || c.QRFAcquireSoftLimit > c.QRFAcquireHardLimit) {
		c.QRFAcquireSoftLimit = c.QRFAcquireHardLimit
	}
	if c.QRFRecoverySamples <= 0 {
		c.QRFRecoverySamples = DefaultQRFRecoverySamples
	}
	if c.QRFEngagedRetryAfter <= 0 {
		c.QRFEngagedRetryAfter = DefaultQRFEngagedRetryAfter
	}
	if c.QRFRecoveryRetryAfter <= 0 {
		c.QRFRecoveryRetryAfter = DefaultQRFRecoveryRetryAfter
	}
	if c.LSFSampleInterval <= 0 {
		c.LSFSampleInterval = DefaultLSFSampleInterval
	}
	if c.LSFLogInterval < 0 {
		c.LSFLogInterval = 0
	}
}

// DefaultConfigDir returns the default configuration directory ($HOME/.doclock).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("DOCLOCK_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".doclock"), nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
