package httpapi

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDecodeJSONBody(t *testing.T) {
	var dst struct {
		DocumentID string `json:"documentId"`
	}
	if err := decodeJSONBody(strings.NewReader(`{"documentId":"d"}`), &dst, jsonDecodeOptions{disallowUnknowns: true}); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dst.DocumentID != "d" {
		t.Fatalf("unexpected value %q", dst.DocumentID)
	}
	if err := decodeJSONBody(strings.NewReader(`{"documentId":"d"} {"x":1}`), &dst, jsonDecodeOptions{}); err == nil {
		t.Fatalf("expected trailing JSON to be rejected")
	}
	if err := decodeJSONBody(strings.NewReader(`{"other":1}`), &dst, jsonDecodeOptions{disallowUnknowns: true}); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
	if err := decodeJSONBody(strings.NewReader(""), &dst, jsonDecodeOptions{allowEmpty: true}); err != nil {
		t.Fatalf("expected empty body to be allowed: %v", err)
	}
	if err := decodeJSONBody(nil, &dst, jsonDecodeOptions{}); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF for nil body, got %v", err)
	}
}
