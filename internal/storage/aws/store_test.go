package aws

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	smithy "github.com/aws/smithy-go"

	"pkt.systems/doclock/internal/storage"
)

type statusErr struct{ code int }

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) HTTPStatusCode() int { return e.code }

func TestErrorClassification(t *testing.T) {
	notFound := &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}
	if !isNotFound(notFound) {
		t.Fatal("NoSuchKey should classify as not found")
	}
	if !isNotFound(statusErr{code: 404}) {
		t.Fatal("404 should classify as not found")
	}
	if !isPreconditionFailed(&smithy.GenericAPIError{Code: "PreconditionFailed"}) {
		t.Fatal("PreconditionFailed should classify as cas mismatch")
	}
	if !isPreconditionFailed(statusErr{code: 412}) {
		t.Fatal("412 should classify as cas mismatch")
	}
	if isPreconditionFailed(errors.New("boom")) {
		t.Fatal("plain errors are not precondition failures")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.DeadlineExceeded, true},
		{syscall.ECONNREFUSED, true},
		{statusErr{code: 503}, true},
		{statusErr{code: 429}, true},
		{statusErr{code: 403}, false},
		{errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.err); got != tc.want {
			t.Fatalf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
	store := &Store{}
	if err := store.wrapError(statusErr{code: 500}, "aws: put"); !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestPageKeys(t *testing.T) {
	page := pageKeys([]string{"lock:a", "lock:b", "lock:c"}, 2, true)
	if page.Done || page.Cursor != "lock:b" || len(page.Keys) != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
	last := pageKeys([]string{"lock:c"}, 2, false)
	if !last.Done || len(last.Keys) != 1 {
		t.Fatalf("unexpected final page %+v", last)
	}
}

func TestObjectKeyPrefix(t *testing.T) {
	store := &Store{cfg: Config{Prefix: "locks"}}
	if got := store.objectKey("lock:doc"); got != "locks/lock:doc" {
		t.Fatalf("unexpected object key %q", got)
	}
	if got := store.keyFromObject("locks/lock:doc"); got != "lock:doc" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{Region: "us-east-1"}); err == nil {
		t.Fatal("expected bucket error")
	}
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatal("expected region error")
	}
}
