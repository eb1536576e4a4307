package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for the HTTP layer.
type Kind string

const (
	KindInvalidArgument    Kind = "INVALID_ARGUMENT"
	KindNotFound           Kind = "NOT_FOUND"
	KindFailedPrecondition Kind = "FAILED_PRECONDITION"
	KindUnavailable        Kind = "UNAVAILABLE"
	KindDeadlineExceeded   Kind = "DEADLINE_EXCEEDED"
	KindCancelled          Kind = "CANCELLED"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindInternal           Kind = "INTERNAL"
)

// Error is the base error type carried across all protocol surfaces.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NewInvalidArgument(format string, args ...any) *Error {
	return New(KindInvalidArgument, fmt.Sprintf(format, args...))
}

func NewNotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func NewFailedPrecondition(format string, args ...any) *Error {
	return New(KindFailedPrecondition, fmt.Sprintf(format, args...))
}

func NewUnavailable(format string, args ...any) *Error {
	return New(KindUnavailable, fmt.Sprintf(format, args...))
}

func NewDeadlineExceeded(format string, args ...any) *Error {
	return New(KindDeadlineExceeded, fmt.Sprintf(format, args...))
}

func NewCancelled(format string, args ...any) *Error {
	return New(KindCancelled, fmt.Sprintf(format, args...))
}

func NewUnauthorized(format string, args ...any) *Error {
	return New(KindUnauthorized, fmt.Sprintf(format, args...))
}

func NewInternal(format string, args ...any) *Error {
	return New(KindInternal, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Ensure converts an arbitrary error into an *Error.
func Ensure(err error) *Error {
	if err == nil {
		return NewInternal("unknown error")
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(KindInternal, "internal error", err)
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindFailedPrecondition:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case KindCancelled:
		// 499 is the de-facto "client closed request" status.
		return 499
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Body is the serialized error payload.
type Body struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// ErrorBody returns the payload written by the HTTP layer.
func (e *Error) ErrorBody() Body {
	return Body{Kind: e.Kind, Message: e.Message}
}
