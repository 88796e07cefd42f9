// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package status defines the error taxonomy of the interpreter.
//
// Errors carry a Code and a stack trace (from github.com/pkg/errors), so printing them with "%+v"
// shows where they were created. Errors returned by op kernels are not classified: CodeOf returns
// Unknown for them, and errors.Cause returns the kernel's original error.
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies the interpreter errors.
type Code int

const (
	// Unknown is the code of errors not created by this package, e.g.: returned by an op kernel.
	Unknown Code = iota

	// InvalidArgument is used for malformed graphs: bad indices, shape mismatches,
	// resizing immutable tensors.
	InvalidArgument

	// ApplicationError is used when the interpreter is used out of order, e.g.: Invoke before AllocateTensors.
	ApplicationError

	// ResourceExhausted is used when the arena size overflows.
	ResourceExhausted
)

// String implements fmt.Stringer.
func (c Code) String() string {
	switch c {
	case InvalidArgument:
		return "InvalidArgument"
	case ApplicationError:
		return "ApplicationError"
	case ResourceExhausted:
		return "ResourceExhausted"
	default:
		return "Unknown"
	}
}

// Error is an error with a Code.
type Error struct {
	Code Code
	err  error
}

// Error implements the error interface.
func (e *Error) Error() string { return e.err.Error() }

// Unwrap returns the wrapped error, which holds the stack trace.
func (e *Error) Unwrap() error { return e.err }

// Cause implements the github.com/pkg/errors causer interface.
func (e *Error) Cause() error { return errors.Cause(e.err) }

// Format implements fmt.Formatter, so "%+v" includes the stack trace.
func (e *Error) Format(s fmt.State, verb rune) {
	if f, ok := e.err.(fmt.Formatter); ok {
		f.Format(s, verb)
		return
	}
	_, _ = fmt.Fprint(s, e.err.Error())
}

// Errorf creates a new error with the given code and a stack trace.
func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, err: errors.Errorf(format, args...)}
}

// Wrapf annotates err with a message and classifies it with code.
// If err is nil, it returns nil.
func Wrapf(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, err: errors.Wrapf(err, format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or Unknown.
func CodeOf(err error) Code {
	var statusErr *Error
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return Unknown
}

// IsInvalidArgument returns whether err is classified as InvalidArgument.
func IsInvalidArgument(err error) bool { return CodeOf(err) == InvalidArgument }

// IsApplicationError returns whether err is classified as ApplicationError.
func IsApplicationError(err error) bool { return CodeOf(err) == ApplicationError }

// IsResourceExhausted returns whether err is classified as ResourceExhausted.
func IsResourceExhausted(err error) bool { return CodeOf(err) == ResourceExhausted }
