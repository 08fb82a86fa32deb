// Package uuidv7 mints time-ordered identifiers for request IDs, correlation
// IDs and backend etags.
package uuidv7

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a UUIDv7 value or panics if the random source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns the canonical string form of a fresh UUIDv7.
func NewString() string {
	return New().String()
}

// Compact returns a UUIDv7 without hyphens, suitable for object metadata
// and etag values.
func Compact() string {
	return strings.ReplaceAll(NewString(), "-", "")
}
