package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"pkt.systems/doclock"
	"pkt.systems/doclock/internal/version"
	"pkt.systems/pslog"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	resetViper(t)
	root := newRootCommand(pslog.NewStructured(io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--store", "mem://"}, want: true},
		{name: "root bool flag", args: []string{"--qrf-disabled", "--store", "mem://"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "subcommand", args: []string{"client", "inspect"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "locks", "list"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown long before subcommand", args: []string{"--bogus", "admin", "clear-locks"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	resetViper(t)
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestBindConfigFromFlags(t *testing.T) {
	resetViper(t)
	root := newRootCommand(pslog.NewStructured(io.Discard))
	err := root.ParseFlags([]string{
		"--store", "disk:///var/lib/doclock",
		"--lease-ttl", "90s",
		"--json-max", "1MiB",
		"--reap-schedule", "*/5 * * * *",
		"--drain-grace", "0s",
		"--postgres-table", "editor_locks",
		"--qrf-acquire-hard-limit", "500",
		"--lsf-log-interval", "0s",
	})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var cfg doclock.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Store != "disk:///var/lib/doclock" {
		t.Fatalf("store = %q", cfg.Store)
	}
	if cfg.LeaseTTL != 90*time.Second {
		t.Fatalf("lease ttl = %s", cfg.LeaseTTL)
	}
	if cfg.JSONMaxBytes != 1<<20 {
		t.Fatalf("json max = %d", cfg.JSONMaxBytes)
	}
	if cfg.ReapSchedule != "*/5 * * * *" || cfg.DrainGrace != 0 {
		t.Fatalf("unexpected reap/drain: %q %s", cfg.ReapSchedule, cfg.DrainGrace)
	}
	if !viper.IsSet("drain-grace") {
		t.Fatalf("expected drain-grace to count as explicitly set")
	}
	if cfg.PostgresTable != "editor_locks" || cfg.QRFAcquireHardLimit != 500 {
		t.Fatalf("unexpected backend/qrf settings: %+v", cfg)
	}
	if cfg.LSFLogInterval != 0 {
		t.Fatalf("expected lsf log interval 0, got %s", cfg.LSFLogInterval)
	}
	if cfg.ListenProto != doclock.DefaultListenProto || cfg.MaxCASAttempts != doclock.DefaultMaxCASAttempts {
		t.Fatalf("expected defaults for unset flags, got %+v", cfg)
	}
}

func TestBindConfigRejectsBadJSONMax(t *testing.T) {
	resetViper(t)
	root := newRootCommand(pslog.NewStructured(io.Discard))
	if err := root.ParseFlags([]string{"--json-max", "lots"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var cfg doclock.Config
	if err := bindConfig(&cfg); err == nil || !strings.Contains(err.Error(), "json-max") {
		t.Fatalf("expected json-max error, got %v", err)
	}
}

func TestBindConfigFromEnv(t *testing.T) {
	resetViper(t)
	t.Setenv("DOCLOCK_STORE", "redis://localhost:6379/0")
	t.Setenv("DOCLOCK_ADMIN_TOKEN", "env-secret")
	t.Setenv("DOCLOCK_REDIS_PREFIX", "editors:")
	newRootCommand(pslog.NewStructured(io.Discard))
	var cfg doclock.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Store != "redis://localhost:6379/0" || cfg.AdminToken != "env-secret" || cfg.RedisKeyPrefix != "editors:" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestLoadConfigFileExplicit(t *testing.T) {
	resetViper(t)
	t.Setenv("DOCLOCK_CONFIG_DIR", t.TempDir())
	newRootCommand(pslog.NewStructured(io.Discard))
	path := filepath.Join(t.TempDir(), "doclock.yaml")
	data := []byte("store: disk:///srv/locks\nlease-ttl: 2m\nlog-level: debug\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	viper.Set("config", path)
	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if loaded != path {
		t.Fatalf("loaded %q want %q", loaded, path)
	}
	var cfg doclock.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Store != "disk:///srv/locks" || cfg.LeaseTTL != 2*time.Minute {
		t.Fatalf("config file not applied: %+v", cfg)
	}
	if viper.GetString("log-level") != "debug" {
		t.Fatalf("log-level = %q", viper.GetString("log-level"))
	}
}

func TestLoadConfigFileMissingExplicitFails(t *testing.T) {
	resetViper(t)
	newRootCommand(pslog.NewStructured(io.Discard))
	viper.Set("config", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := loadConfigFile(); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadConfigFileDefaultLocationOptional(t *testing.T) {
	resetViper(t)
	t.Setenv("DOCLOCK_CONFIG_DIR", t.TempDir())
	newRootCommand(pslog.NewStructured(io.Discard))
	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if loaded != "" {
		t.Fatalf("expected no config file, got %q", loaded)
	}
}

func TestParseLogLevel(t *testing.T) {
	if level, err := parseLogLevel(""); err != nil || level != pslog.InfoLevel {
		t.Fatalf("empty: %v %v", level, err)
	}
	if level, err := parseLogLevel(" Debug "); err != nil || level != pslog.DebugLevel {
		t.Fatalf("debug: %v %v", level, err)
	}
	if _, err := parseLogLevel("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestExpandPathHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err := expandPath("~/cfg/doclock.yaml")
	if err != nil {
		t.Fatalf("expandPath: %v", err)
	}
	if got != filepath.Join(home, "cfg", "doclock.yaml") {
		t.Fatalf("expandPath = %q", got)
	}
}
