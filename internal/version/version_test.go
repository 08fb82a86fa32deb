package version

import (
	"runtime/debug"
	"testing"
)

func TestPseudoVersion(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2024-03-01T10:20:30Z"},
		{Key: "vcs.modified", Value: "true"},
	}
	if got := pseudoVersion(settings); got != "v0.0.0-20240301102030-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if got := pseudoVersion(nil); got != "" {
		t.Fatalf("expected empty pseudo version, got %q", got)
	}
}

func TestCurrentPrefersBuildVersion(t *testing.T) {
	prev := buildVersion
	buildVersion = "v1.2.3"
	t.Cleanup(func() { buildVersion = prev })
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("expected v1.2.3, got %q", got)
	}
}
