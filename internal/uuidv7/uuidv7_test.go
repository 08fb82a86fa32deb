package uuidv7_test

import (
	"testing"

	"github.com/google/uuid"

	"pkt.systems/doclock/internal/uuidv7"
)

func TestNewReturnsUUIDv7(t *testing.T) {
	t.Parallel()

	id := uuidv7.New()
	if id.Version() != 7 {
		t.Fatalf("expected version 7 UUID, got %d", id.Version())
	}
	if other := uuidv7.New(); id == other {
		t.Fatal("expected unique UUIDs on subsequent calls")
	}
}

func TestNewStringParses(t *testing.T) {
	t.Parallel()

	parsed, err := uuid.Parse(uuidv7.NewString())
	if err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7 from string, got %d", parsed.Version())
	}
}

func TestCompactIsHex(t *testing.T) {
	t.Parallel()

	raw := uuidv7.Compact()
	if len(raw) != 32 {
		t.Fatalf("expected 32 characters, got %d (%q)", len(raw), raw)
	}
	if _, err := uuid.Parse(raw); err != nil {
		t.Fatalf("compact form should still parse: %v", err)
	}
}
