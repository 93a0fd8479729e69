package engine

import (
	"errors"
	"fmt"
)

// Error is a failure decided by the engine itself rather than returned by
// the remote store. Remote failures reach op handles unchanged.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// ID is the record the operation targeted.
	ID string

	// Err is the underlying cause, when there is one.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeNotFound: update or delete of an id absent from the cache.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeFilterChanged: the mutation was queued but never dispatched
	// before the binder switched to another filter.
	ErrCodeFilterChanged ErrorCode = "FILTER_CHANGED"

	// ErrCodeStopped: the engine shut down before the mutation settled.
	ErrCodeStopped ErrorCode = "STOPPED"

	// ErrCodeCreateFailed: the mutation targeted a record whose create
	// failed, so there is nothing to update.
	ErrCodeCreateFailed ErrorCode = "CREATE_FAILED"

	// ErrCodeSuperseded: an earlier update to the same record failed and the
	// record was rolled back, discarding this queued patch with it.
	ErrCodeSuperseded ErrorCode = "SUPERSEDED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.ID != "" {
		msg += fmt.Sprintf(" (id=%s)", e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, id, message string, cause error) *Error {
	return &Error{Code: code, Message: message, ID: id, Err: cause}
}

// CodeOf returns the engine error code in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err is an engine NOT_FOUND error.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsFilterChanged reports whether err is a FILTER_CHANGED error.
func IsFilterChanged(err error) bool { return CodeOf(err) == ErrCodeFilterChanged }

// IsStopped reports whether err is a STOPPED error.
func IsStopped(err error) bool { return CodeOf(err) == ErrCodeStopped }

// IsCreateFailed reports whether err is a CREATE_FAILED error.
func IsCreateFailed(err error) bool { return CodeOf(err) == ErrCodeCreateFailed }

// IsSuperseded reports whether err is a SUPERSEDED error.
func IsSuperseded(err error) bool { return CodeOf(err) == ErrCodeSuperseded }
