// Package pathutil resolves user-supplied filesystem paths such as --config
// and disk:// store roots.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserAndEnv expands $VAR/${VAR} tokens and a leading "~/" in p. The
// result is not made absolute.
func ExpandUserAndEnv(p string) (string, error) {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p == "" || p[0] != '~' {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch {
	case p == "~":
		return home, nil
	case p[1] == '/' || p[1] == '\\':
		return filepath.Join(home, p[2:]), nil
	default:
		// ~user forms are left alone.
		return p, nil
	}
}

// Abs expands p like ExpandUserAndEnv and returns it as a cleaned absolute
// path. An empty p stays empty.
func Abs(p string) (string, error) {
	expanded, err := ExpandUserAndEnv(p)
	if err != nil || expanded == "" {
		return expanded, err
	}
	return filepath.Abs(expanded)
}
