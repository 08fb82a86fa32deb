package azure

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/doclock/internal/storage"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"missing account", Config{Container: "c", AccountKey: "k"}, false},
		{"missing container", Config{Account: "a", AccountKey: "k"}, false},
		{"missing credentials", Config{Account: "a", Container: "c"}, false},
		{"shared key", Config{Account: "a", Container: "c", AccountKey: "k"}, true},
		{"sas", Config{Account: "a", Container: "c", SASToken: "sv=1"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=2024&sig=abc")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=2024&sig=abc" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	got, err = appendSASToken("https://acct.blob.core.windows.net/?comp=list", "sv=2024")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net/?comp=list&sv=2024" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestBlobNameRoundTrip(t *testing.T) {
	store := &Store{prefix: "tenant"}
	name := store.blobName("lock:reports/q3")
	if name != "tenant/lock:reports%2Fq3" {
		t.Fatalf("unexpected blob name %q", name)
	}
	key, err := store.keyFromBlob(name)
	if err != nil || key != "lock:reports/q3" {
		t.Fatalf("unexpected key %q (%v)", key, err)
	}
}

func TestErrorClassification(t *testing.T) {
	if !isNotFound(&azcore.ResponseError{StatusCode: http.StatusNotFound}) {
		t.Fatal("404 should be not found")
	}
	if !isPreconditionFailed(&azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}) {
		t.Fatal("412 should be a precondition failure")
	}
	if !isContainerExists(&azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}) {
		t.Fatal("expected container exists")
	}
	if isPreconditionFailed(errors.New("boom")) {
		t.Fatal("plain errors are not precondition failures")
	}
	if err := wrapError(&azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}, "azure: upload"); !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if err := wrapError(context.DeadlineExceeded, "azure: upload"); !storage.IsTransient(err) {
		t.Fatalf("expected transient deadline, got %v", err)
	}
	if err := wrapError(&azcore.ResponseError{StatusCode: http.StatusForbidden}, "azure: upload"); storage.IsTransient(err) {
		t.Fatalf("403 must not be transient")
	}
}
