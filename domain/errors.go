package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the task store matches exactly one of
// these through errors.Is.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrNotFound            = errors.New("not found")
	ErrStorageFailure      = errors.New("storage failure")
)

// Error describes a failed task operation.
type Error struct {
	Kind  error
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is matches the error kind so callers can use errors.Is(err, ErrNotFound).
func (e *Error) Is(target error) bool {
	return e != nil && e.Kind == target
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the caller-facing description without the wrapped cause.
func (e *Error) Message() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Kind.Error()
}

// InvalidField reports a caller input problem on one field.
func InvalidField(field, msg string) error {
	return &Error{Kind: ErrInvalidArgument, Field: field, Msg: msg}
}

// Invalid reports a caller input problem not tied to a single field.
func Invalid(msg string) error {
	return &Error{Kind: ErrInvalidArgument, Msg: msg}
}

// NotFound reports a missing task.
func NotFound(id int64) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf("task %d not found", id)}
}

// Conflict reports a uniqueness conflict on field.
func Conflict(field, msg string, cause error) error {
	return &Error{Kind: ErrConstraintViolation, Field: field, Msg: msg, Err: cause}
}

// StorageFailure wraps an unexpected persistence error. op names the failed
// operation for logs.
func StorageFailure(op string, cause error) error {
	return &Error{Kind: ErrStorageFailure, Msg: op + " failed", Err: cause}
}

// Canonical messages shared by the store and the request layer.
const (
	MsgNameInUse       = "name already in use"
	MsgInvalidPosition = "invalid target position"
	MsgAlreadyFirst    = "task is already first"
	MsgAlreadyLast     = "task is already last"
)
