package client

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
)

// SessionIdentity identifies one editing session. It proves continuity for
// ownership checks only; it is not a credential.
type SessionIdentity struct {
	token string
}

// NewSessionIdentity mints a fresh identity of the form
// "<unix-millis base36>-<xid>".
func NewSessionIdentity() SessionIdentity {
	return newSessionIdentityAt(time.Now())
}

func newSessionIdentityAt(now time.Time) SessionIdentity {
	stamp := strconv.FormatInt(now.UnixMilli(), 36)
	return SessionIdentity{token: stamp + "-" + xid.New().String()}
}

// ParseSessionIdentity validates a token persisted by an earlier session.
func ParseSessionIdentity(raw string) (SessionIdentity, error) {
	raw = strings.TrimSpace(raw)
	stamp, suffix, ok := strings.Cut(raw, "-")
	if !ok || stamp == "" || suffix == "" {
		return SessionIdentity{}, fmt.Errorf("doclock: malformed session identity %q", raw)
	}
	if _, err := strconv.ParseInt(stamp, 36, 64); err != nil {
		return SessionIdentity{}, fmt.Errorf("doclock: session identity timestamp %q: %w", stamp, err)
	}
	if _, err := xid.FromString(suffix); err != nil {
		return SessionIdentity{}, fmt.Errorf("doclock: session identity suffix %q: %w", suffix, err)
	}
	return SessionIdentity{token: raw}, nil
}

// String returns the wire token.
func (s SessionIdentity) String() string {
	return s.token
}

// IsZero reports whether s was never minted.
func (s SessionIdentity) IsZero() bool {
	return s.token == ""
}

// CreatedAt returns the mint time encoded in the token.
func (s SessionIdentity) CreatedAt() time.Time {
	stamp, _, ok := strings.Cut(s.token, "-")
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(stamp, 36, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
