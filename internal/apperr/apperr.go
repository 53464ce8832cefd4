// Package apperr holds the error kinds shared by the engine and its boundary.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrInvariantViolation = errors.New("invariant violation")
)

// Error carries a message on top of one of the kinds above.
type Error struct {
	Kind  error
	Field string
	Msg   string
}

func (e *Error) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s on field '%s': %s", e.Kind, e.Field, e.Msg)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() error { return e.Kind }

func Validation(field, msg string) error {
	return &Error{Kind: ErrValidation, Field: field, Msg: msg}
}

func Unauthorized(format string, args ...any) error {
	return &Error{Kind: ErrUnauthorized, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Msg: fmt.Sprintf(format, args...)}
}

func CapacityExceeded(format string, args ...any) error {
	return &Error{Kind: ErrCapacityExceeded, Msg: fmt.Sprintf(format, args...)}
}

func Invariant(format string, args ...any) error {
	return &Error{Kind: ErrInvariantViolation, Msg: fmt.Sprintf(format, args...)}
}

// Code returns a stable short name for the kind of err, or "internal".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	}
	return "internal"
}
