// Package errs defines the error kinds recognized at the protocol and HTTP
// boundaries and their mapping to status codes.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	// KindInvalidState marks an operation that is illegal in the current
	// lifecycle state (join after joined, pipe mode with a single worker).
	KindInvalidState Kind = "InvalidStateError"

	// KindUnsupported marks a capabilities rejection.
	KindUnsupported Kind = "UnsupportedError"

	// KindForbidden marks origin mismatches and throttle-secret failures.
	KindForbidden Kind = "ForbiddenError"

	// KindNotFound marks a missing room/peer/transport/producer/consumer.
	KindNotFound Kind = "NotFoundError"

	// KindBadRequest marks a malformed request payload.
	KindBadRequest Kind = "TypeError"

	// KindInternal is everything else, including unclassified engine failures.
	KindInternal Kind = "ServerError"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func InvalidState(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func Unsupported(format string, args ...any) *Error {
	return &Error{Kind: KindUnsupported, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func NotFound(resource, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s with id %q not found", resource, id)}
}

func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// Wrap attaches a kind to an underlying error, preserving the chain.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the boundary kind of any error. Errors without a kind are
// reported as KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the HTTP surface responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidState, KindUnsupported:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
