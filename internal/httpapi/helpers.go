package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"pkt.systems/doclock/internal/core"
)

type jsonDecodeOptions struct {
	allowEmpty       bool
	disallowUnknowns bool
}

func decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	if body == nil {
		if opts.allowEmpty {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(body)
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

// readJSON decodes a bounded request body into dst, reporting malformed or
// oversized payloads as invalid_body.
func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	defer body.Close()
	if err := decodeJSONBody(body, dst, jsonDecodeOptions{disallowUnknowns: true}); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return httpError{
				Status: http.StatusRequestEntityTooLarge,
				Code:   core.CodeInvalidBody,
				Detail: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}
		case errors.Is(err, io.EOF):
			return httpError{Status: http.StatusBadRequest, Code: core.CodeInvalidBody, Detail: "request body required"}
		default:
			return httpError{Status: http.StatusBadRequest, Code: core.CodeInvalidBody, Detail: fmt.Sprintf("invalid body: %v", err)}
		}
	}
	return nil
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) error {
	if r.Method == method {
		return nil
	}
	w.Header().Set("Allow", method)
	return httpError{
		Status: http.StatusMethodNotAllowed,
		Code:   "method_not_allowed",
		Detail: "supported method: " + method,
	}
}
