// Package apierr defines the error taxonomy shared by the task
// pipeline: validation errors that go straight back to a caller with a
// stable code, task-setup errors raised before a worker starts running,
// and in-task data errors accumulated while a worker processes rows.
// Transient errors are any of the above additionally marked retryable.
package apierr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies the class of an API-facing error. Codes are part of
// the contract with callers and must not be renumbered once shipped.
type Code string

const (
	// CodeValidation marks a request the caller can fix by changing
	// its input: malformed options, an unknown feed id, conflicting
	// flags. Surfaced directly, never wrapped in a task row.
	CodeValidation Code = "validation_error"

	// CodeTaskSetup marks a failure before a worker began running a
	// job body: the dispatcher rejected it, required infrastructure
	// (container runtime, queue) was unavailable.
	CodeTaskSetup Code = "task_setup_error"

	// CodeDataError marks a problem found while processing a single
	// row or file of a feed: a malformed date, an unresolvable
	// foreign key. Collected and summarized rather than aborting the
	// whole run unless StopOnError is set.
	CodeDataError Code = "data_error"

	// CodeTransient marks a failure the same input may succeed on if
	// retried: a dropped connection, a timed-out HTTP call.
	CodeTransient Code = "transient_error"
)

// Error is the common shape for every typed error this package
// produces. Retryable mirrors into AsyncTask.ResultData["can_retry"]
// by orchestrator.Fail's retryable argument; callers that build an
// Error themselves should pass Retryable() through to Fail directly.
type Error struct {
	code      Code
	message   string
	retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Code() string { return string(e.code) }

func (e *Error) Retryable() bool { return e.retryable }

// Validation wraps msg as a CodeValidation error, never retryable.
func Validation(format string, args ...interface{}) *Error {
	return &Error{code: CodeValidation, message: fmt.Sprintf(format, args...)}
}

// TaskSetup wraps cause as a CodeTaskSetup error. Setup failures are
// retryable by default: the dispatcher or container runtime being
// briefly unavailable is the common case.
func TaskSetup(cause error, format string, args ...interface{}) *Error {
	return &Error{
		code:      CodeTaskSetup,
		message:   fmt.Sprintf(format, args...),
		cause:     errors.WithStack(cause),
		retryable: true,
	}
}

// DataError wraps cause as a CodeDataError error, never retryable: the
// same malformed row will fail again without a fixed input file.
func DataError(cause error, format string, args ...interface{}) *Error {
	return &Error{
		code:    CodeDataError,
		message: fmt.Sprintf(format, args...),
		cause:   errors.WithStack(cause),
	}
}

// Transient wraps cause as a CodeTransient error, always retryable.
func Transient(cause error, format string, args ...interface{}) *Error {
	return &Error{
		code:      CodeTransient,
		message:   fmt.Sprintf(format, args...),
		cause:     errors.WithStack(cause),
		retryable: true,
	}
}

// Retryable reports whether err (or something it wraps) is an *Error
// marked retryable. Non-Error errors are treated as non-retryable:
// callers that want retry semantics must produce a typed Error.
func Retryable(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.retryable
	}
	return false
}

// StackTrace renders a traceback for an error produced by this
// package, suitable for AsyncTask.ErrorTraceback. Errors not built
// with github.com/pkg/errors (e.g. a plain fmt.Errorf from outside
// this package) yield an empty string.
func StackTrace(err error) string {
	type stackTracer interface {
		StackTrace() errors.StackTrace
	}
	var st stackTracer
	if errors.As(err, &st) {
		return fmt.Sprintf("%+v", st.StackTrace())
	}
	return ""
}
