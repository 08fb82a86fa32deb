package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	doclockclient "pkt.systems/doclock/client"
	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/pslog"
)

const (
	clientServerKey       = "client.server"
	clientTimeoutKey      = "client.timeout"
	clientCloseTimeoutKey = "client.close_timeout"
	clientAdminTokenKey   = "client.admin_token"
	clientLogLevelKey     = "client.log_level"

	envServerURL   = "DOCLOCK_CLIENT_SERVER"
	envSession     = "DOCLOCK_CLIENT_SESSION"
	envDocument    = "DOCLOCK_CLIENT_DOCUMENT"
	envUserName    = "DOCLOCK_CLIENT_USER"
	envCorrelation = "DOCLOCK_CLIENT_CORRELATION_ID"

	defaultClientServer = "http://127.0.0.1:9341"
)

func newClientCommand() *cobra.Command {
	cfg := &clientCLIConfig{}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interact with a running doclock server",
	}

	addClientConnectionFlags(cmd)

	cmd.AddCommand(
		newClientInspectCommand(cfg),
		newClientAcquireCommand(cfg),
		newClientRenewCommand(cfg),
		newClientReleaseCommand(cfg),
		newClientHoldCommand(cfg),
	)
	return cmd
}

// addClientConnectionFlags registers the flags shared by every command that
// talks to a server. The client, locks and admin trees share viper keys, so the
// binding happens when a command runs rather than at construction.
func addClientConnectionFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("server", defaultClientServer, "doclock server base URL (http://, https:// or unix:///path.sock)")
	flags.Duration("timeout", doclockclient.DefaultHTTPTimeout, "HTTP client timeout")
	flags.Duration("close-timeout", doclockclient.DefaultCloseTimeout, "timeout for the background release issued by hold on exit")
	flags.String("admin-token", "", "bearer token for admin operations")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")

	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		bindClientConnectionFlags(cmd.Flags())
	}
}

func bindClientConnectionFlags(flags *pflag.FlagSet) {
	mustBindFlag(clientServerKey, envServerURL, flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "DOCLOCK_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientCloseTimeoutKey, "DOCLOCK_CLIENT_CLOSE_TIMEOUT", flags.Lookup("close-timeout"))
	mustBindFlag(clientAdminTokenKey, "DOCLOCK_CLIENT_ADMIN_TOKEN", flags.Lookup("admin-token"))
	mustBindFlag(clientLogLevelKey, "DOCLOCK_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

type clientCLIConfig struct {
	loaded       bool
	server       string
	timeout      time.Duration
	closeTimeout time.Duration
	adminToken   string
	logLevel     string
	logger       pslog.Logger
}

func (c *clientCLIConfig) load() error {
	if c.loaded {
		return nil
	}
	c.server = strings.TrimSpace(viper.GetString(clientServerKey))
	if c.server == "" {
		c.server = defaultClientServer
	}
	c.timeout = viper.GetDuration(clientTimeoutKey)
	if c.timeout <= 0 {
		c.timeout = doclockclient.DefaultHTTPTimeout
	}
	c.closeTimeout = viper.GetDuration(clientCloseTimeoutKey)
	if c.closeTimeout <= 0 {
		c.closeTimeout = doclockclient.DefaultCloseTimeout
	}
	c.adminToken = strings.TrimSpace(viper.GetString(clientAdminTokenKey))
	c.logLevel = strings.TrimSpace(viper.GetString(clientLogLevelKey))
	if err := c.setupLogger(); err != nil {
		return err
	}
	c.loaded = true
	return nil
}

func (c *clientCLIConfig) setupLogger() error {
	levelStr := strings.TrimSpace(strings.ToLower(c.logLevel))
	if levelStr == "" || levelStr == "none" || levelStr == "disabled" || levelStr == "off" {
		c.logger = nil
		return nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return fmt.Errorf("invalid client log level %q", c.logLevel)
	}
	if level == pslog.NoLevel || level == pslog.Disabled {
		c.logger = nil
		return nil
	}
	c.logger = loggingutil.WithSubsystem(pslog.NewStructured(os.Stderr), "client.cli").LogLevel(level)
	return nil
}

func (c *clientCLIConfig) cleanup() {
	c.logger = nil
	c.loaded = false
}

func (c *clientCLIConfig) client() (*doclockclient.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	opts := []doclockclient.Option{
		doclockclient.WithHTTPTimeout(c.timeout),
		doclockclient.WithCloseTimeout(c.closeTimeout),
	}
	if c.adminToken != "" {
		opts = append(opts, doclockclient.WithAdminToken(c.adminToken))
	}
	if c.logger != nil {
		opts = append(opts, doclockclient.WithLogger(c.logger))
	}
	return doclockclient.New(c.server, opts...)
}

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

func validateOutput(raw string) (outputMode, error) {
	switch mode := outputMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "", outputText:
		return outputText, nil
	case outputJSON:
		return outputJSON, nil
	default:
		return "", fmt.Errorf("unsupported output %q (want text or json)", raw)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeExports(out io.Writer, exports []struct{ name, value string }) {
	for _, ex := range exports {
		fmt.Fprintf(out, "export %s=%q\n", ex.name, ex.value)
	}
}

func resolveCorrelationID() string {
	if id, ok := doclockclient.NormalizeCorrelationID(os.Getenv(envCorrelation)); ok {
		return id
	}
	return doclockclient.GenerateCorrelationID()
}

func commandContextWithCorrelation(cmd *cobra.Command) (context.Context, string) {
	id := resolveCorrelationID()
	ctx := doclockclient.WithCorrelationID(cmd.Context(), id)
	return ctx, id
}

func resolveDocument(flagValue string) (string, error) {
	doc := strings.TrimSpace(flagValue)
	if doc != "" {
		return doc, nil
	}
	doc = strings.TrimSpace(os.Getenv(envDocument))
	if doc == "" {
		return "", fmt.Errorf("document required (specify --document/-d or export %s)", envDocument)
	}
	return doc, nil
}

// resolveSession parses the session from the flag or environment. When
// allowNew is set and neither is present a fresh identity is minted.
func resolveSession(flagValue string, allowNew bool) (doclockclient.SessionIdentity, error) {
	raw := strings.TrimSpace(flagValue)
	if raw == "" {
		raw = strings.TrimSpace(os.Getenv(envSession))
	}
	if raw == "" {
		if allowNew {
			return doclockclient.NewSessionIdentity(), nil
		}
		return doclockclient.SessionIdentity{}, fmt.Errorf("session required (specify --session or export %s)", envSession)
	}
	return doclockclient.ParseSessionIdentity(raw)
}

func resolveUserName(flagValue string) string {
	if name := strings.TrimSpace(flagValue); name != "" {
		return name
	}
	if name := strings.TrimSpace(os.Getenv(envUserName)); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "doclock"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func newClientInspectCommand(cfg *clientCLIConfig) *cobra.Command {
	var document string
	var output string
	cmd := &cobra.Command{
		Use:           "inspect",
		Short:         "Show whether a document is locked and by whom",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := validateOutput(output)
			if err != nil {
				return err
			}
			doc, err := resolveDocument(document)
			if err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, _ := commandContextWithCorrelation(cmd)
			res, err := cli.Inspect(ctx, doc)
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			if !res.Locked {
				fmt.Fprintf(out, "document=%s locked=false expired_record_removed=%t\n", doc, res.WasExpired)
				return nil
			}
			fmt.Fprintf(out, "document=%s locked=true user=%q since=%s last_heartbeat=%s\n", doc, res.UserName, res.Timestamp, res.LastHeartbeat)
			return nil
		},
	}
	cmd.Flags().StringVarP(&document, "document", "d", "", "document id (or export "+envDocument+")")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newClientAcquireCommand(cfg *clientCLIConfig) *cobra.Command {
	var document string
	var userName string
	var session string
	var output string
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Acquire the edit lock for a document",
		Example: `  # Acquire a lock and export the session for later renew/release calls
  eval "$(doclockd client acquire --server http://127.0.0.1:9341 -d reports/q3.docx -u ana)"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := validateOutput(output)
			if err != nil {
				return err
			}
			doc, err := resolveDocument(document)
			if err != nil {
				return err
			}
			sess, err := resolveSession(session, true)
			if err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, correlationID := commandContextWithCorrelation(cmd)
			res, err := cli.Acquire(ctx, doc, resolveUserName(userName), sess)
			if err != nil {
				return describeLockedError(err)
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			writeExports(cmd.OutOrStdout(), []struct{ name, value string }{
				{name: envDocument, value: res.Lock.DocumentID},
				{name: envSession, value: sess.String()},
				{name: envUserName, value: res.Lock.UserName},
				{name: envServerURL, value: cfg.server},
				{name: envCorrelation, value: correlationID},
			})
			return nil
		},
	}
	cmd.Flags().StringVarP(&document, "document", "d", "", "document id (or export "+envDocument+")")
	cmd.Flags().StringVarP(&userName, "user", "u", "", "display name shown to other editors (defaults to the OS user)")
	cmd.Flags().StringVar(&session, "session", "", "session identity to reuse (defaults to "+envSession+" or a new one)")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newClientRenewCommand(cfg *clientCLIConfig) *cobra.Command {
	var document string
	var session string
	var output string
	cmd := &cobra.Command{
		Use:           "renew",
		Short:         "Send one heartbeat for a held lock",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := validateOutput(output)
			if err != nil {
				return err
			}
			doc, err := resolveDocument(document)
			if err != nil {
				return err
			}
			sess, err := resolveSession(session, false)
			if err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, _ := commandContextWithCorrelation(cmd)
			res, err := cli.Renew(ctx, doc, sess)
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "document=%s renewed=true last_heartbeat=%s\n", res.Lock.DocumentID, res.Lock.LastHeartbeat)
			return nil
		},
	}
	cmd.Flags().StringVarP(&document, "document", "d", "", "document id (or export "+envDocument+")")
	cmd.Flags().StringVar(&session, "session", "", "session identity (or export "+envSession+")")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newClientReleaseCommand(cfg *clientCLIConfig) *cobra.Command {
	var document string
	var session string
	var output string
	cmd := &cobra.Command{
		Use:           "release",
		Short:         "Release a held lock",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := validateOutput(output)
			if err != nil {
				return err
			}
			doc, err := resolveDocument(document)
			if err != nil {
				return err
			}
			sess, err := resolveSession(session, false)
			if err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, _ := commandContextWithCorrelation(cmd)
			res, err := cli.Release(ctx, doc, sess)
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "document=%s released=%t\n", doc, res.Released)
			return nil
		},
	}
	cmd.Flags().StringVarP(&document, "document", "d", "", "document id (or export "+envDocument+")")
	cmd.Flags().StringVar(&session, "session", "", "session identity (or export "+envSession+")")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newClientHoldCommand(cfg *clientCLIConfig) *cobra.Command {
	var document string
	var userName string
	var session string
	var period time.Duration
	var keep bool
	cmd := &cobra.Command{
		Use:   "hold",
		Short: "Acquire a document and keep the lock alive until interrupted",
		Long: `hold acquires the document (resuming the lease when the session already
owns it) and sends heartbeats until SIGINT/SIGTERM. On exit the lock is
released unless --keep is set. A heartbeat failure ends the command with an
error; the lock is never re-acquired behind the holder's back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := resolveDocument(document)
			if err != nil {
				return err
			}
			sess, err := resolveSession(session, true)
			if err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, _ := commandContextWithCorrelation(cmd)
			hb, err := doclockclient.Hold(ctx, cli, doc, resolveUserName(userName), sess, doclockclient.HeartbeatOptions{
				Period: period,
				Logger: cfg.logger,
			})
			if err != nil {
				return describeLockedError(err)
			}
			out := cmd.OutOrStdout()
			lock := hb.LastLock()
			fmt.Fprintf(out, "holding document=%s user=%q session=%s\n", lock.DocumentID, lock.UserName, sess.String())

			select {
			case lostErr := <-hb.Lost():
				<-hb.Done()
				return fmt.Errorf("lock on %s lost: %w", doc, lostErr)
			case <-ctx.Done():
			}
			hb.Stop()
			<-hb.Done()
			if keep {
				fmt.Fprintf(out, "stopped heartbeat; lock on %s kept until it expires\n", doc)
				return nil
			}
			// ctx is already cancelled by the signal.
			releaseCtx, cancel := context.WithTimeout(context.Background(), cfg.closeTimeout)
			defer cancel()
			res, err := cli.Release(releaseCtx, doc, sess)
			if err != nil {
				return fmt.Errorf("release %s: %w", doc, err)
			}
			fmt.Fprintf(out, "document=%s released=%t\n", doc, res.Released)
			return nil
		},
	}
	cmd.Flags().StringVarP(&document, "document", "d", "", "document id (or export "+envDocument+")")
	cmd.Flags().StringVarP(&userName, "user", "u", "", "display name shown to other editors (defaults to the OS user)")
	cmd.Flags().StringVar(&session, "session", "", "session identity to reuse (defaults to "+envSession+" or a new one)")
	cmd.Flags().DurationVar(&period, "period", doclockclient.DefaultHeartbeatPeriod, "heartbeat period")
	cmd.Flags().BoolVar(&keep, "keep", false, "leave the lock in place on exit instead of releasing it")
	return cmd
}

// describeLockedError adds the current holder to locked conflicts.
func describeLockedError(err error) error {
	var locked *doclockclient.LockedError
	if !errors.As(err, &locked) {
		return err
	}
	if locked.SameSession {
		return fmt.Errorf("document already held by this session: %w", err)
	}
	return fmt.Errorf("document is being edited by %s (last heartbeat %s): %w",
		locked.UserName, formatTime(locked.LastHeartbeat), err)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
}

