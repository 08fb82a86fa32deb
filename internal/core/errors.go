package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds
	Holder     *Holder
	HTTPStatus int // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Failure codes returned by the lock service.
const (
	CodeLocked            = "locked"
	CodeForbidden         = "forbidden"
	CodeNoLock            = "no_lock"
	CodeMissingDocumentID = "missing_document_id"
	CodeMissingUserName   = "missing_user_name"
	CodeMissingSessionID  = "missing_session_id"
	CodeInvalidAction     = "invalid_action"
	CodeInvalidBody       = "invalid_body"
	CodeThrottled         = "throttled"
	CodeShutdownDraining  = "shutdown_draining"
	CodeCASMismatch       = "cas_mismatch"
	CodeInternal          = "internal_error"
)

// IsCode reports whether err is a Failure carrying code.
func IsCode(err error, code string) bool {
	var failure Failure
	if !errors.As(err, &failure) {
		return false
	}
	return failure.Code == code
}

func validationFailure(code, detail string) Failure {
	return Failure{Code: code, Detail: detail, HTTPStatus: http.StatusBadRequest}
}

func lockedFailure(holder *Holder) Failure {
	return Failure{
		Code:       CodeLocked,
		Detail:     "document is locked by another session",
		Holder:     holder,
		HTTPStatus: http.StatusConflict,
	}
}

func forbiddenFailure(detail string) Failure {
	return Failure{Code: CodeForbidden, Detail: detail, HTTPStatus: http.StatusForbidden}
}

func noLockFailure(detail string) Failure {
	return Failure{Code: CodeNoLock, Detail: detail, HTTPStatus: http.StatusNotFound}
}

func casFailure(attempts int) Failure {
	return Failure{
		Code:       CodeCASMismatch,
		Detail:     fmt.Sprintf("lock record changed concurrently %d times", attempts),
		HTTPStatus: http.StatusConflict,
	}
}
