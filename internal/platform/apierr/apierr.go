// Package apierr defines the error taxonomy shared by the transport layer and
// the workflow services. Every error that crosses a package boundary is an
// *Error with a Kind, so callers can branch on the category with the Is*
// predicates instead of string matching.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Kind categorises an API error.
type Kind int

const (
	// KindTransport covers network failures and unexpected upstream responses.
	KindTransport Kind = iota
	// KindAuth covers bad credentials and expired/invalid tokens.
	KindAuth
	// KindValidation covers malformed input, caught locally or upstream.
	KindValidation
	// KindUpload covers rejected archives and submission failures.
	KindUpload
	// KindShare covers invalid state transitions on share requests/records.
	KindShare
	// KindConfirmation covers extraction confirmation on a job that is not
	// ready for it.
	KindConfirmation
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindUpload:
		return "upload"
	case KindShare:
		return "share"
	case KindConfirmation:
		return "confirmation"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried across the gateway.
type Error struct {
	Kind    Kind
	Message string
	// StatusCode is the upstream HTTP status when the error originated from a
	// backend response; zero otherwise.
	StatusCode int
	err        error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// New creates an *Error with the given kind and message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error wrapping a cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), err: cause}
}

func is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func IsTransport(err error) bool    { return is(err, KindTransport) }
func IsAuth(err error) bool         { return is(err, KindAuth) }
func IsValidation(err error) bool   { return is(err, KindValidation) }
func IsUpload(err error) bool       { return is(err, KindUpload) }
func IsShare(err error) bool        { return is(err, KindShare) }
func IsConfirmation(err error) bool { return is(err, KindConfirmation) }

// detailBody is the upstream error envelope ({"detail": "..."}).
type detailBody struct {
	Detail string `json:"detail"`
}

// FromResponse maps a non-2xx upstream response to an *Error, surfacing the
// "detail" message verbatim when the body carries one.
func FromResponse(resp *http.Response) *Error {
	msg := http.StatusText(resp.StatusCode)
	if body, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil && len(body) > 0 {
		var d detailBody
		if err := json.Unmarshal(body, &d); err == nil && d.Detail != "" {
			msg = d.Detail
		} else {
			msg = string(body)
		}
	}

	kind := KindTransport
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindAuth
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		kind = KindValidation
	}
	return &Error{Kind: kind, Message: msg, StatusCode: resp.StatusCode}
}

// HTTPStatus maps an error to the status code the gateway surface should
// answer with. Unknown errors map to 502 because the gateway's own failures
// are almost always upstream failures.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusBadGateway
	}
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return e.StatusCode
	}
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindShare, KindConfirmation, KindUpload:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
