package transport

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"pkt.systems/doclock/internal/core"
)

func TestToHTTPWrappedFailure(t *testing.T) {
	failure := core.Failure{Code: core.CodeThrottled, RetryAfter: 3, HTTPStatus: http.StatusServiceUnavailable}
	httpErr, ok := ToHTTP(fmt.Errorf("acquire: %w", failure))
	if !ok {
		t.Fatalf("expected failure to map")
	}
	if httpErr.Status != http.StatusServiceUnavailable || httpErr.Code != core.CodeThrottled || httpErr.RetryAfter != 3 {
		t.Fatalf("unexpected mapping %+v", httpErr)
	}
}

func TestToHTTPDefaultsToBadRequest(t *testing.T) {
	httpErr, ok := ToHTTP(core.Failure{Code: "odd"})
	if !ok || httpErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 default, got %+v", httpErr)
	}
}

func TestToHTTPIgnoresPlainErrors(t *testing.T) {
	if _, ok := ToHTTP(errors.New("boom")); ok {
		t.Fatalf("plain errors must not map")
	}
}
