// Package apperr defines the error taxonomy shared by the vault services.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error class.
type Code string

const (
	CodeNotFound        Code = "NOT_FOUND"
	CodeForbidden       Code = "FORBIDDEN"
	CodeConflict        Code = "CONFLICT"
	CodeGone            Code = "GONE"
	CodeExpired         Code = "EXPIRED"
	CodeUpstreamFailure Code = "UPSTREAM_FAILURE"
	CodePaymentFailed   Code = "PAYMENT_FAILED"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeInternal        Code = "INTERNAL"
)

// HTTPStatus maps the code onto a response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeConflict:
		return http.StatusConflict
	case CodeGone, CodeExpired:
		return http.StatusGone
	case CodeUpstreamFailure:
		return http.StatusBadGateway
	case CodePaymentFailed:
		return http.StatusPaymentRequired
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a code, an optional finer-grained reason and metadata for
// clients (for example which signer an out-of-order attempt is waiting on).
type Error struct {
	Code     Code
	Reason   string
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on code, and on reason when the target names one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Code != t.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

func New(code Code, reason, message string) *Error {
	return &Error{Code: code, Reason: reason, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// With returns a copy of e carrying a new message and metadata. Sentinels stay
// untouched so errors.Is keeps working against them.
func (e *Error) With(message string, metadata map[string]string) *Error {
	out := *e
	if message != "" {
		out.Message = message
	}
	out.Metadata = metadata
	return &out
}

// Sentinels by code only; useful as errors.Is targets.
var (
	NotFound        = &Error{Code: CodeNotFound}
	Forbidden       = &Error{Code: CodeForbidden}
	Conflict        = &Error{Code: CodeConflict}
	Gone            = &Error{Code: CodeGone}
	Expired         = &Error{Code: CodeExpired}
	UpstreamFailure = &Error{Code: CodeUpstreamFailure}
	PaymentFailed   = &Error{Code: CodePaymentFailed}
	InvalidArgument = &Error{Code: CodeInvalidArgument}
	Unauthorized    = &Error{Code: CodeUnauthorized}
)

// CodeOf extracts the code of the first *Error in the chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func Invalid(message string) *Error {
	return &Error{Code: CodeInvalidArgument, Message: message}
}
