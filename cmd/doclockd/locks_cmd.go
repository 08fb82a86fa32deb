package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/doclock/api"
)

func newLocksCommand() *cobra.Command {
	cfg := &clientCLIConfig{}
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect the locks held on a running doclock server",
	}
	addClientConnectionFlags(cmd)
	cmd.AddCommand(newLocksListCommand(cfg))
	return cmd
}

func newLocksListCommand(cfg *clientCLIConfig) *cobra.Command {
	var output string
	var liveOnly bool
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List lock records, including expired ones the reaper has not removed yet",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := validateOutput(output)
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
			res, err := cli.ListLocks(ctx)
			if err != nil {
				return err
			}
			if liveOnly {
				res = filterLive(res)
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			return writeLocksTable(cmd.OutOrStdout(), res, time.Now())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	cmd.Flags().BoolVar(&liveOnly, "live", false, "only show locks whose lease has not expired")
	return cmd
}

func filterLive(res *api.ListLocksResponse) *api.ListLocksResponse {
	out := &api.ListLocksResponse{Locks: make([]api.LockEntry, 0, len(res.Locks))}
	for _, entry := range res.Locks {
		if entry.Live {
			out.Locks = append(out.Locks, entry)
		}
	}
	out.Count = len(out.Locks)
	return out
}

func writeLocksTable(out io.Writer, res *api.ListLocksResponse, now time.Time) error {
	if res.Count == 0 {
		_, err := fmt.Fprintln(out, "no locks")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOCUMENT\tUSER\tACQUIRED\tLAST HEARTBEAT\tSTATE")
	for _, entry := range res.Locks {
		state := "live"
		if !entry.Live {
			state = "expired"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			entry.DocumentID,
			entry.UserName,
			relativeTime(entry.Timestamp, now),
			relativeTime(entry.LastHeartbeat, now),
			state,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%d lock(s)\n", res.Count)
	return err
}

func relativeTime(raw string, now time.Time) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "-"
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return raw
	}
	return humanize.RelTime(ts, now, "ago", "from now")
}

func newAdminCommand() *cobra.Command {
	cfg := &clientCLIConfig{}
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator commands guarded by the admin token",
	}
	addClientConnectionFlags(cmd)
	cmd.AddCommand(newAdminClearLocksCommand(cfg))
	return cmd
}

func newAdminClearLocksCommand(cfg *clientCLIConfig) *cobra.Command {
	var output string
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear-locks",
		Short: "Remove every lock record, live or expired",
		Example: `  # Emergency reset after a stuck editor fleet
  DOCLOCK_CLIENT_ADMIN_TOKEN=s3cret doclockd admin clear-locks --yes`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := validateOutput(output)
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("clear-locks removes every lock including live ones; rerun with --yes")
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			if cfg.adminToken == "" {
				return fmt.Errorf("admin token required (specify --admin-token or export DOCLOCK_CLIENT_ADMIN_TOKEN)")
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			res, err := cli.ClearLocks(ctx)
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "removed %d lock(s)\n", res.LocksRemoved)
			if len(res.FailedKeys) > 0 {
				fmt.Fprintf(out, "failed to remove %d key(s): %s\n", len(res.FailedKeys), strings.Join(res.FailedKeys, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm removal of all locks")
	return cmd
}
