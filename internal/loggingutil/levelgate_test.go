package loggingutil

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestLevelGateFiltersAndReloads(t *testing.T) {
	var buf bytes.Buffer
	gate := NewLevelGate(pslog.InfoLevel)
	logger := WithSubsystem(gate.Wrap(pslog.NewStructured(&buf)), "test.gate")

	logger.Debug("hidden.debug")
	logger.Info("shown.info")
	if out := buf.String(); strings.Contains(out, "hidden.debug") || !strings.Contains(out, "shown.info") {
		t.Fatalf("unexpected output at info: %s", out)
	}

	buf.Reset()
	gate.Set(pslog.DebugLevel)
	logger.Debug("shown.debug")
	if !strings.Contains(buf.String(), "shown.debug") {
		t.Fatalf("expected debug after lowering the gate, got %s", buf.String())
	}
	if gate.Level() != pslog.DebugLevel {
		t.Fatalf("expected debug level, got %v", gate.Level())
	}

	buf.Reset()
	gate.Set(pslog.ErrorLevel)
	logger.Warn("hidden.warn")
	logger.Error("shown.error")
	if out := buf.String(); strings.Contains(out, "hidden.warn") || !strings.Contains(out, "shown.error") {
		t.Fatalf("unexpected output at error: %s", out)
	}

	buf.Reset()
	gate.Set(pslog.Disabled)
	logger.Error("hidden.error")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing when disabled, got %s", buf.String())
	}
}
