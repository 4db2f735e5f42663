// Package apperr defines the error taxonomy surfaced by every ledger
// operation. Callers classify with errors.Is against the Err* kinds.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthentication: credential missing or invalid. Re-authenticate.
	ErrAuthentication = errors.New("authentication required")

	// ErrAuthorization: authenticated, but role or ownership does not allow
	// the operation.
	ErrAuthorization = errors.New("not authorized")

	// ErrValidation: malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound: the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState: the entity exists but its state forbids the transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnavailable: transient infrastructure failure. Safe to retry with
	// backoff.
	ErrUnavailable = errors.New("service unavailable")
)

// Error carries an actionable, caller-safe message and its kind.
type Error struct {
	Kind    error
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.cause}
}

func newf(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Authentication(format string, args ...any) error {
	return newf(ErrAuthentication, format, args...)
}

func Authorization(format string, args ...any) error {
	return newf(ErrAuthorization, format, args...)
}

func Validation(format string, args ...any) error {
	return newf(ErrValidation, format, args...)
}

func NotFound(format string, args ...any) error {
	return newf(ErrNotFound, format, args...)
}

func InvalidState(format string, args ...any) error {
	return newf(ErrInvalidState, format, args...)
}

// Unavailable wraps an infrastructure failure. The cause stays reachable via
// errors.Is but is not part of the caller-facing message.
func Unavailable(op string, cause error) error {
	msg := op + " temporarily unavailable, retry later"
	if errors.Is(cause, context.DeadlineExceeded) {
		msg = op + " timed out, retry later"
	}
	return &Error{Kind: ErrUnavailable, Message: msg, cause: cause}
}

// Kind returns the machine-readable kind name used on the wire.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return "AuthenticationError"
	case errors.Is(err, ErrAuthorization):
		return "AuthorizationError"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrNotFound):
		return "NotFoundError"
	case errors.Is(err, ErrInvalidState):
		return "InvalidStateError"
	case errors.Is(err, ErrUnavailable):
		return "UnavailableError"
	}
	return "InternalError"
}

// HTTPStatus maps an error to its HTTP status code family.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Message returns the caller-facing text for err. Unclassified errors are
// reduced to a generic message so internal details do not leak.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
