// Package service holds the business rules: the task lifecycle engine, the
// token protocol, authentication, notifications and chat.  Handlers call
// into services and translate the returned *Error kinds to HTTP statuses.
package service

import (
	"errors"
	"fmt"
)

// Error kinds.  Match them with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrBadRequest   = errors.New("bad request")
)

// Error is a classified failure with a message safe to show to clients.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Error { return newError(ErrNotFound, format, args...) }

func forbidden(format string, args ...any) *Error { return newError(ErrForbidden, format, args...) }

func unauthorized(format string, args ...any) *Error {
	return newError(ErrUnauthorized, format, args...)
}

func conflict(format string, args ...any) *Error { return newError(ErrConflict, format, args...) }

func badRequest(format string, args ...any) *Error { return newError(ErrBadRequest, format, args...) }

// outcome labels err for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	}
	return "error"
}
