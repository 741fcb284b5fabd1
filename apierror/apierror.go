// Package apierror defines the error-kind vocabulary shared between the
// Streamer library API and the HTTP surface's status-code mapping.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the outcomes a public API call can report.
type Kind string

const (
	Success              Kind = "success"
	InvalidArgument      Kind = "invalid_argument"
	AlreadyDone          Kind = "already_done"
	AlreadyExists        Kind = "already_exists"
	NotFound             Kind = "not_found"
	NotReady             Kind = "not_ready"
	NotSupported         Kind = "not_supported"
	Busy                 Kind = "busy"
	BadState             Kind = "bad_state"
	Timeout              Kind = "timeout"
	Stalled              Kind = "stalled"
	AuthenticationFailed Kind = "authentication_failed"
	Unknown              Kind = "unknown"
)

// HTTPStatus maps a Kind onto the status code the HTTP surface returns.
func (k Kind) HTTPStatus() int {
	switch k {
	case Success:
		return http.StatusOK
	case AuthenticationFailed:
		return http.StatusUnauthorized
	case NotReady:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

// Error pairs a Kind with a human-readable message.
type Error struct {
	Kind    Kind
	Message string
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string { return e.Message }

// KindOf unwraps err looking for an *Error, defaulting to Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Success
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return Unknown
}
