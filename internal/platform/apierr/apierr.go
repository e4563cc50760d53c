package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// -------------- Error model & mapping --------------

type Code string

const (
	CodeInvalidArgument            Code = "INVALID_ARGUMENT"
	CodeUnknownBorrower            Code = "UNKNOWN_BORROWER"
	CodeInvalidDateRange           Code = "INVALID_DATE_RANGE"
	CodeEmptyRequest               Code = "EMPTY_REQUEST"
	CodeNotFound                   Code = "NOT_FOUND"
	CodeConflict                   Code = "CONFLICT"
	CodeInsufficientAvailability   Code = "INSUFFICIENT_AVAILABILITY"
	CodeVerificationAlreadyPending Code = "VERIFICATION_ALREADY_PENDING"
	CodeInvalidState               Code = "INVALID_STATE"
	CodeConsistencyViolation       Code = "CONSISTENCY_VIOLATION"
	CodeUnauthorized               Code = "UNAUTHORIZED"
	CodeForbidden                  Code = "FORBIDDEN"
	CodeRateLimited                Code = "RATE_LIMITED"
	CodeInternal                   Code = "INTERNAL"
)

type APIError struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *APIError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// APIError lets *APIError satisfy Coder.
func (e *APIError) APIError() *APIError { return e }

// WithDetail returns a copy carrying one more detail entry.
func (e *APIError) WithDetail(key string, v any) *APIError {
	out := &APIError{Code: e.Code, Message: e.Message, Details: make(map[string]any, len(e.Details)+1)}
	for k, dv := range e.Details {
		out.Details[k] = dv
	}
	out.Details[key] = v
	return out
}

// Coder is implemented by domain errors that render as an API error.
type Coder interface {
	APIError() *APIError
}

func New(code Code, msg string) *APIError { return &APIError{Code: code, Message: msg} }

func ErrInvalid(msg string) *APIError      { return New(CodeInvalidArgument, msg) }
func ErrNotFound(msg string) *APIError     { return New(CodeNotFound, msg) }
func ErrConflict(msg string) *APIError     { return New(CodeConflict, msg) }
func ErrInvalidState(msg string) *APIError { return New(CodeInvalidState, msg) }
func ErrInternal(msg string) *APIError     { return New(CodeInternal, msg) }

// From extracts the API error carried by err, if any.
func From(err error) (*APIError, bool) {
	var c Coder
	if errors.As(err, &c) {
		return c.APIError(), true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	ae, ok := From(err)
	return ok && ae.Code == code
}

func ToHTTPStatus(err error) int {
	ae, ok := From(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ae.Code {
	case CodeInvalidArgument, CodeInvalidDateRange, CodeEmptyRequest:
		return http.StatusBadRequest
	case CodeUnknownBorrower:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeInsufficientAvailability, CodeVerificationAlreadyPending, CodeInvalidState:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
