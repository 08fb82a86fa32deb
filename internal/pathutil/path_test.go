package pathutil

import (
	"path/filepath"
	"testing"
)

func TestExpandUserAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("DOCLOCK_TEST_DIR", "/srv/doclock")

	cases := map[string]string{
		"":                         "",
		"~":                        home,
		"~/locks":                  filepath.Join(home, "locks"),
		"$DOCLOCK_TEST_DIR/data":   "/srv/doclock/data",
		"${DOCLOCK_TEST_DIR}/data": "/srv/doclock/data",
		"~other/locks":             "~other/locks",
		"relative/dir":             "relative/dir",
	}
	for in, want := range cases {
		got, err := ExpandUserAndEnv(in)
		if err != nil {
			t.Fatalf("ExpandUserAndEnv(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ExpandUserAndEnv(%q) = %q want %q", in, got, want)
		}
	}
}

func TestAbs(t *testing.T) {
	got, err := Abs("relative/dir")
	if err != nil {
		t.Fatalf("Abs: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Fatalf("expected absolute path, got %q", got)
	}
	if got, err := Abs(""); err != nil || got != "" {
		t.Fatalf("Abs(\"\") = %q, %v", got, err)
	}
}
