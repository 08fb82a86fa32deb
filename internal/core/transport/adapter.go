// Package transport maps core failures onto protocol-level error fields.
package transport

import (
	"errors"
	"net/http"

	"pkt.systems/doclock/internal/core"
)

// HTTPError carries the HTTP view of a core.Failure.
type HTTPError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
	Holder     *core.Holder
}

// ToHTTP maps a core error into HTTP-friendly fields. It reports false for
// errors that are not domain failures.
func ToHTTP(err error) (*HTTPError, bool) {
	var failure core.Failure
	if !errors.As(err, &failure) {
		return nil, false
	}
	status := failure.HTTPStatus
	if status == 0 {
		status = http.StatusBadRequest
	}
	return &HTTPError{
		Status:     status,
		Code:       failure.Code,
		Detail:     failure.Detail,
		RetryAfter: failure.RetryAfter,
		Holder:     failure.Holder,
	}, true
}
