// Package correlation carries caller-supplied correlation identifiers from
// the HTTP edge through the lock service into storage logs.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"pkt.systems/doclock/internal/uuidv7"
)

// Header is the HTTP header used to propagate correlation identifiers.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Set stores a normalized id on ctx. Invalid ids leave ctx untouched.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the correlation id stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation id.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new correlation identifier.
func Generate() string {
	return uuidv7.NewString()
}

// FromRequest returns ctx carrying the request's correlation id, or a
// freshly generated one when the header is missing or invalid.
func FromRequest(ctx context.Context, r *http.Request) context.Context {
	if r != nil {
		if id, ok := Normalize(r.Header.Get(Header)); ok {
			return Set(ctx, id)
		}
	}
	return Set(ctx, Generate())
}

// Inject copies the correlation id from ctx onto an outbound request.
func Inject(ctx context.Context, r *http.Request) {
	if r == nil {
		return
	}
	if id := ID(ctx); id != "" {
		r.Header.Set(Header, id)
	}
}
