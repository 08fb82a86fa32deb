package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/doclock"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage doclock configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.doclock/" + doclock.DefaultConfigFileName
	if path, err := doclock.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default doclock configuration file",
		Long: `gen writes every server setting with its default value. Keys match the
command-line flags. Credentials (admin token, S3 and Azure keys) are left out;
supply them through DOCLOCK_* environment variables instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				path, err := doclock.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                     string  `yaml:"listen"`
	ListenProto                string  `yaml:"listen-proto"`
	Store                      string  `yaml:"store"`
	LeaseTTL                   string  `yaml:"lease-ttl"`
	MaxCASAttempts             int     `yaml:"max-cas-attempts"`
	DisableConditionalWrites   bool    `yaml:"disable-conditional-writes"`
	JSONMax                    string  `yaml:"json-max"`
	ReapSchedule               string  `yaml:"reap-schedule"`
	DrainGrace                 string  `yaml:"drain-grace"`
	ShutdownTimeout            string  `yaml:"shutdown-timeout"`
	HTTP2MaxConcurrentStreams  int     `yaml:"http2-max-concurrent-streams"`
	StorageRetryMaxAttempts    int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay      string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay       string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier     float64 `yaml:"storage-retry-multiplier"`
	S3Region                   string  `yaml:"s3-region"`
	S3Insecure                 bool    `yaml:"s3-insecure"`
	S3PathStyle                bool    `yaml:"s3-path-style"`
	S3SSE                      string  `yaml:"s3-sse"`
	S3KMSKeyID                 string  `yaml:"s3-kms-key-id"`
	AWSRegion                  string  `yaml:"aws-region"`
	AWSEndpoint                string  `yaml:"aws-endpoint"`
	AzureAccount               string  `yaml:"azure-account"`
	AzureEndpoint              string  `yaml:"azure-endpoint"`
	PostgresTable              string  `yaml:"postgres-table"`
	PostgresMaxOpenConns       int     `yaml:"postgres-max-open-conns"`
	RedisPrefix                string  `yaml:"redis-prefix"`
	EtcdDialTimeout            string  `yaml:"etcd-dial-timeout"`
	QRFDisabled                bool    `yaml:"qrf-disabled"`
	QRFAcquireSoftLimit        int64   `yaml:"qrf-acquire-soft-limit"`
	QRFAcquireHardLimit        int64   `yaml:"qrf-acquire-hard-limit"`
	QRFMemorySoftLimitPercent  float64 `yaml:"qrf-memory-soft-limit-percent"`
	QRFMemoryHardLimitPercent  float64 `yaml:"qrf-memory-hard-limit-percent"`
	QRFSwapSoftLimitPercent    float64 `yaml:"qrf-swap-soft-limit-percent"`
	QRFSwapHardLimitPercent    float64 `yaml:"qrf-swap-hard-limit-percent"`
	QRFCPUSoftLimit            float64 `yaml:"qrf-cpu-soft-limit"`
	QRFCPUHardLimit            float64 `yaml:"qrf-cpu-hard-limit"`
	QRFLoadSoftLimitMultiplier float64 `yaml:"qrf-load-soft-limit-multiplier"`
	QRFLoadHardLimitMultiplier float64 `yaml:"qrf-load-hard-limit-multiplier"`
	QRFRecoverySamples         int     `yaml:"qrf-recovery-samples"`
	QRFEngagedRetryAfter       string  `yaml:"qrf-engaged-retry-after"`
	QRFRecoveryRetryAfter      string  `yaml:"qrf-recovery-retry-after"`
	LSFSampleInterval          string  `yaml:"lsf-sample-interval"`
	LSFLogInterval             string  `yaml:"lsf-log-interval"`
	OTLPEndpoint               string  `yaml:"otlp-endpoint"`
	MetricsListen              string  `yaml:"metrics-listen"`
	PprofListen                string  `yaml:"pprof-listen"`
	EnableProfilingMetrics     bool    `yaml:"enable-profiling-metrics"`
	DisableHTTPTracing         bool    `yaml:"disable-http-tracing"`
	LogLevel                   string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                     doclock.DefaultListen,
		ListenProto:                doclock.DefaultListenProto,
		Store:                      doclock.DefaultStore,
		LeaseTTL:                   doclock.DefaultLeaseTTL.String(),
		MaxCASAttempts:             doclock.DefaultMaxCASAttempts,
		JSONMax:                    humanizeBytes(doclock.DefaultJSONMaxBytes),
		ReapSchedule:               doclock.DefaultReapSchedule,
		DrainGrace:                 doclock.DefaultDrainGrace.String(),
		ShutdownTimeout:            doclock.DefaultShutdownTimeout.String(),
		HTTP2MaxConcurrentStreams:  doclock.DefaultMaxConcurrentStreams,
		StorageRetryMaxAttempts:    doclock.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:      doclock.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:       doclock.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:     doclock.DefaultStorageRetryMultiplier,
		PostgresTable:              doclock.DefaultPostgresTable,
		RedisPrefix:                doclock.DefaultRedisKeyPrefix,
		EtcdDialTimeout:            doclock.DefaultEtcdDialTimeout.String(),
		QRFMemorySoftLimitPercent:  doclock.DefaultQRFMemorySoftLimitPercent,
		QRFMemoryHardLimitPercent:  doclock.DefaultQRFMemoryHardLimitPercent,
		QRFCPUSoftLimit:            doclock.DefaultQRFCPUPercentSoftLimit,
		QRFCPUHardLimit:            doclock.DefaultQRFCPUPercentHardLimit,
		QRFLoadSoftLimitMultiplier: doclock.DefaultQRFLoadSoftLimitMultiplier,
		QRFLoadHardLimitMultiplier: doclock.DefaultQRFLoadHardLimitMultiplier,
		QRFRecoverySamples:         doclock.DefaultQRFRecoverySamples,
		QRFEngagedRetryAfter:       doclock.DefaultQRFEngagedRetryAfter.String(),
		QRFRecoveryRetryAfter:      doclock.DefaultQRFRecoveryRetryAfter.String(),
		LSFSampleInterval:          doclock.DefaultLSFSampleInterval.String(),
		LSFLogInterval:             doclock.DefaultLSFLogInterval.String(),
		MetricsListen:              doclock.DefaultMetricsListen,
		PprofListen:                doclock.DefaultPprofListen,
		LogLevel:                   "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
