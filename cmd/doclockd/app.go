package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/doclock"
	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/doclock/internal/pathutil"
	"pkt.systems/doclock/internal/version"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("DOCLOCK_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "doclock")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server (the root
// command) rather than a subcommand, so root failures are logged structurally
// and subcommand failures are printed plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := doclock.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	return pathutil.Abs(p)
}

func parseLogLevel(raw string) (pslog.Level, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return pslog.InfoLevel, nil
	}
	level, ok := pslog.ParseLevel(raw)
	if !ok {
		return pslog.InfoLevel, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

// watchLogLevel re-reads the log level whenever the config file changes.
// Other settings need a restart.
func watchLogLevel(gate *loggingutil.LevelGate, logger pslog.Logger) {
	viper.OnConfigChange(func(ev fsnotify.Event) {
		level, err := parseLogLevel(viper.GetString("log-level"))
		if err != nil {
			logger.Warn("config.reload.invalid_log_level", "path", ev.Name, "error", err)
			return
		}
		if level == gate.Level() {
			return
		}
		gate.Set(level)
		logger.Info("config.reload.log_level", "path", ev.Name, "level", viper.GetString("log-level"))
	})
	viper.WatchConfig()
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg doclock.Config

	cmd := &cobra.Command{
		Use:           "doclockd",
		Short:         "doclockd is a document locking service with heartbeat-renewed leases",
		SilenceErrors: true,
		Example: `
  # In-memory storage (tests/dev only)
  doclockd --store mem://

  # Locks on local disk
  doclockd --store disk:///var/lib/doclock

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  DOCLOCK_STORE=s3://localhost:9000/doclock?insecure=1 DOCLOCK_S3_ACCESS_KEY_ID=minioadmin DOCLOCK_S3_SECRET_ACCESS_KEY=minioadmin doclockd

  # PostgreSQL table with an operator token for clear-locks
  DOCLOCK_ADMIN_TOKEN=s3cret doclockd --store postgres://doclock@db/doclock?sslmode=disable
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			level, err := parseLogLevel(viper.GetString("log-level"))
			if err != nil {
				return err
			}
			gate := loggingutil.NewLevelGate(level)
			logger := gate.Wrap(baseLogger)
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to doclock",
				"version", version.Current(),
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
				watchLogLevel(gate, loggingutil.WithSubsystem(logger, "cli.config"))
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}
			cfg.ReapScheduleSet = viper.IsSet("reap-schedule")
			cfg.DrainGraceSet = viper.IsSet("drain-grace")

			server, err := doclock.NewServer(cfg, doclock.WithLogger(logger), doclock.WithVersion(version.Current()))
			if err != nil {
				return err
			}

			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = doclock.DefaultShutdownTimeout
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.doclock/"+doclock.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", doclock.DefaultListen, "listen address (socket path when --listen-proto=unix)")
	flags.String("listen-proto", doclock.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("store", doclock.DefaultStore, "storage backend URL (mem://, disk:///path, s3://host/bucket, aws://bucket, azure://account/container, postgres://, redis://, etcd://)")
	flags.Duration("lease-ttl", doclock.DefaultLeaseTTL, "lease timeout; a lock not renewed within this window is expired")
	flags.Int("max-cas-attempts", doclock.DefaultMaxCASAttempts, "conditional write retries per operation before reporting a conflict")
	flags.Bool("disable-conditional-writes", false, "use read-check-write even when the backend supports conditional writes")
	flags.String("admin-token", "", "bearer token required by clear-locks (empty disables the endpoint)")
	flags.String("json-max", humanizeBytes(doclock.DefaultJSONMaxBytes), "maximum JSON request body size")
	flags.String("reap-schedule", doclock.DefaultReapSchedule, "cron spec for the expired-lock reaper (empty disables)")
	flags.Duration("drain-grace", doclock.DefaultDrainGrace, "time to refuse new acquisitions before HTTP shutdown (set 0 to disable)")
	flags.Duration("shutdown-timeout", doclock.DefaultShutdownTimeout, "overall shutdown timeout")
	flags.Int("http2-max-concurrent-streams", doclock.DefaultMaxConcurrentStreams, "maximum concurrent HTTP/2 streams per connection")
	flags.Int("storage-retry-attempts", doclock.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", doclock.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", doclock.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", doclock.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.String("s3-region", "", "region for s3:// backends")
	flags.Bool("s3-insecure", false, "use plain HTTP for s3:// backends")
	flags.Bool("s3-path-style", false, "force path-style bucket addressing for s3:// backends")
	flags.String("s3-sse", "", "server-side encryption mode for S3 objects")
	flags.String("s3-kms-key-id", "", "KMS key ID for S3 server-side encryption")
	flags.String("s3-access-key-id", "", "access key for s3:// backends (or DOCLOCK_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "secret key for s3:// backends")
	flags.String("s3-session-token", "", "session token for s3:// backends")
	flags.String("aws-region", "", "AWS region for aws:// backends")
	flags.String("aws-endpoint", "", "custom endpoint for aws:// backends")
	flags.String("azure-account", "", "Azure Storage account (defaults to the store URL host)")
	flags.String("azure-key", "", "Azure Storage account key (or use DOCLOCK_AZURE_ACCOUNT_KEY)")
	flags.String("azure-endpoint", "", fmt.Sprintf("Azure Blob service endpoint (defaults to %s)", doclock.DefaultAzureEndpointPattern))
	flags.String("azure-sas-token", "", "Azure SAS token (optional alternative to account key)")
	flags.String("postgres-table", doclock.DefaultPostgresTable, "table holding lock records for postgres:// backends")
	flags.Int("postgres-max-open-conns", 0, "connection pool size for postgres:// backends (0 uses the driver default)")
	flags.String("redis-prefix", doclock.DefaultRedisKeyPrefix, "key prefix for redis:// backends")
	flags.Duration("etcd-dial-timeout", doclock.DefaultEtcdDialTimeout, "dial timeout for etcd:// backends")
	flags.Bool("qrf-disabled", false, "disable the host pressure guard")
	flags.Int64("qrf-acquire-soft-limit", 0, "in-flight acquisitions that soft-arm the guard (0 disables)")
	flags.Int64("qrf-acquire-hard-limit", 0, "in-flight acquisitions that engage the guard (0 disables)")
	flags.Float64("qrf-memory-soft-limit-percent", doclock.DefaultQRFMemorySoftLimitPercent, "system memory usage percentage that soft-arms the guard")
	flags.Float64("qrf-memory-hard-limit-percent", doclock.DefaultQRFMemoryHardLimitPercent, "system memory usage percentage that engages the guard")
	flags.Float64("qrf-swap-soft-limit-percent", 0, "swap usage percentage that soft-arms the guard (0 disables)")
	flags.Float64("qrf-swap-hard-limit-percent", 0, "swap usage percentage that engages the guard (0 disables)")
	flags.Float64("qrf-cpu-soft-limit", doclock.DefaultQRFCPUPercentSoftLimit, "system CPU percentage that soft-arms the guard")
	flags.Float64("qrf-cpu-hard-limit", doclock.DefaultQRFCPUPercentHardLimit, "system CPU percentage that engages the guard")
	flags.Float64("qrf-load-soft-limit-multiplier", doclock.DefaultQRFLoadSoftLimitMultiplier, "load average multiplier (relative to the startup baseline) that soft-arms the guard")
	flags.Float64("qrf-load-hard-limit-multiplier", doclock.DefaultQRFLoadHardLimitMultiplier, "load average multiplier that engages the guard")
	flags.Int("qrf-recovery-samples", doclock.DefaultQRFRecoverySamples, "consecutive healthy samples before the guard steps down")
	flags.Duration("qrf-engaged-retry-after", doclock.DefaultQRFEngagedRetryAfter, "Retry-After hint while the guard is engaged")
	flags.Duration("qrf-recovery-retry-after", doclock.DefaultQRFRecoveryRetryAfter, "Retry-After hint while the guard is recovering")
	flags.Duration("lsf-sample-interval", doclock.DefaultLSFSampleInterval, "host sampling interval for the pressure guard")
	flags.Duration("lsf-log-interval", doclock.DefaultLSFLogInterval, "interval between host sample logs (set 0 to disable)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", doclock.DefaultMetricsListen, "Prometheus scrape listen address (empty disables)")
	flags.String("pprof-listen", doclock.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	flags.Bool("disable-http-tracing", false, "disable OpenTelemetry spans for HTTP handlers")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error|disabled); hot-reloaded from the config file")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("DOCLOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{"config"}
	flags.VisitAll(func(f *pflag.Flag) {
		names = append(names, f.Name)
	})
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newLocksCommand())
	cmd.AddCommand(newAdminCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *doclock.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.Store = viper.GetString("store")
	cfg.LeaseTTL = viper.GetDuration("lease-ttl")
	cfg.MaxCASAttempts = viper.GetInt("max-cas-attempts")
	cfg.DisableConditionalWrites = viper.GetBool("disable-conditional-writes")
	cfg.AdminToken = viper.GetString("admin-token")
	if raw := strings.TrimSpace(viper.GetString("json-max")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	cfg.ReapSchedule = viper.GetString("reap-schedule")
	cfg.DrainGrace = viper.GetDuration("drain-grace")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.HTTP2MaxConcurrentStreams = viper.GetInt("http2-max-concurrent-streams")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.S3Region = viper.GetString("s3-region")
	cfg.S3Insecure = viper.GetBool("s3-insecure")
	cfg.S3ForcePathStyle = viper.GetBool("s3-path-style")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AWSEndpoint = viper.GetString("aws-endpoint")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.PostgresTable = viper.GetString("postgres-table")
	cfg.PostgresMaxOpenConns = viper.GetInt("postgres-max-open-conns")
	cfg.RedisKeyPrefix = viper.GetString("redis-prefix")
	cfg.EtcdDialTimeout = viper.GetDuration("etcd-dial-timeout")
	cfg.QRFDisabled = viper.GetBool("qrf-disabled")
	cfg.QRFAcquireSoftLimit = viper.GetInt64("qrf-acquire-soft-limit")
	cfg.QRFAcquireHardLimit = viper.GetInt64("qrf-acquire-hard-limit")
	cfg.QRFMemorySoftLimitPercent = viper.GetFloat64("qrf-memory-soft-limit-percent")
	cfg.QRFMemoryHardLimitPercent = viper.GetFloat64("qrf-memory-hard-limit-percent")
	cfg.QRFSwapSoftLimitPercent = viper.GetFloat64("qrf-swap-soft-limit-percent")
	cfg.QRFSwapHardLimitPercent = viper.GetFloat64("qrf-swap-hard-limit-percent")
	cfg.QRFCPUPercentSoftLimit = viper.GetFloat64("qrf-cpu-soft-limit")
	cfg.QRFCPUPercentHardLimit = viper.GetFloat64("qrf-cpu-hard-limit")
	cfg.QRFLoadSoftLimitMultiplier = viper.GetFloat64("qrf-load-soft-limit-multiplier")
	cfg.QRFLoadHardLimitMultiplier = viper.GetFloat64("qrf-load-hard-limit-multiplier")
	cfg.QRFRecoverySamples = viper.GetInt("qrf-recovery-samples")
	cfg.QRFEngagedRetryAfter = viper.GetDuration("qrf-engaged-retry-after")
	cfg.QRFRecoveryRetryAfter = viper.GetDuration("qrf-recovery-retry-after")
	cfg.LSFSampleInterval = viper.GetDuration("lsf-sample-interval")
	cfg.LSFLogInterval = viper.GetDuration("lsf-log-interval")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
