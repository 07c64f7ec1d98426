// Package structerr gives errors raised by the bitmap lifecycle subsystem a
// classification that the rest of the program (and, eventually, an
// RPC-fronted caller) can branch on, instead of string-matching messages.
// It mirrors the shape of Gitaly's internal/structerr package: a wrapped
// error carrying a grpc/codes.Code and optional metadata fields.
package structerr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Error is a classified, metadata-bearing error.
type Error struct {
	code    codes.Code
	message string
	cause   error
	meta    map[string]interface{}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Code returns the grpc/codes.Code classification of err, or codes.Unknown
// if err was not raised through this package.
func Code(err error) codes.Code {
	var se *Error
	if errors.As(err, &se) {
		return se.code
	}
	return codes.Unknown
}

// Metadata returns the structured metadata attached to err, if any.
func Metadata(err error) map[string]interface{} {
	var se *Error
	if errors.As(err, &se) {
		return se.meta
	}
	return nil
}

// WithMetadata returns a copy of e with key/value recorded as metadata,
// mirroring Gitaly's fluent structerr.New(...).WithMetadata(...) builder.
func (e *Error) WithMetadata(key string, value interface{}) *Error {
	cp := *e
	cp.meta = make(map[string]interface{}, len(e.meta)+1)
	for k, v := range e.meta {
		cp.meta[k] = v
	}
	cp.meta[key] = value
	return &cp
}

func newf(code codes.Code, format string, args ...interface{}) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

// New builds a new classified error with the given grpc code.
func New(code codes.Code, format string, args ...interface{}) *Error {
	return newf(code, format, args...)
}

// Wrap classifies an existing error under code, preserving it as the cause.
func Wrap(code codes.Code, cause error, format string, args ...interface{}) *Error {
	e := newf(code, format, args...)
	e.cause = cause
	return e
}

// The taxonomy named in the bitmap lifecycle error handling design.
var (
	// ErrCorruptLog: the log file size is not a multiple of 20, or EOF was
	// hit mid-record.
	ErrCorruptLog = codes.DataLoss
	// ErrIO: any underlying filesystem failure.
	ErrIO = codes.Unavailable
	// ErrBitmapAlreadyOngoing: the GC PID lock is held by another process
	// while C2 was about to run.
	ErrBitmapAlreadyOngoing = codes.AlreadyExists
	// ErrGCLockHeld: C3/C4 could not acquire the PID lock.
	ErrGCLockHeld = codes.Aborted
	// ErrCancelled: an external progress monitor requested cancellation.
	ErrCancelled = codes.Canceled
	// ErrConfigParse: gc.prunePackExpire is present but unparseable.
	ErrConfigParse = codes.InvalidArgument
)

// CorruptLog builds a classified CorruptLog error.
func CorruptLog(format string, args ...interface{}) *Error {
	return newf(ErrCorruptLog, format, args...)
}

// IOError classifies an underlying filesystem failure.
func IOError(cause error, format string, args ...interface{}) *Error {
	return Wrap(ErrIO, cause, format, args...)
}

// Cancelled builds a classified Cancelled error.
func Cancelled(format string, args ...interface{}) *Error {
	return newf(ErrCancelled, format, args...)
}

// IsCorruptLog reports whether err was classified as a corrupt log.
func IsCorruptLog(err error) bool { return Code(err) == ErrCorruptLog }

// IsCancelled reports whether err was classified as a cancellation.
func IsCancelled(err error) bool { return Code(err) == ErrCancelled }
