// Package errors provides the error handling used throughout strata. It wraps
// github.com/pkg/errors so that call sites only need a single import, and adds
// the Fatal error class used to distinguish unrecoverable conditions from
// errors that merely fail a single item.
package errors

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// New creates a new error based on message. Wrapped so that this package does
// not appear in the stack trace.
var New = pkgerrors.New

// Errorf creates an error based on a format string and values. Wrapped so that
// this package does not appear in the stack trace.
var Errorf = pkgerrors.Errorf

// Wrap wraps an error retrieved from outside of strata. Wrapped so that this
// package does not appear in the stack trace.
var Wrap = pkgerrors.Wrap

// Wrapf returns an error annotating err with the format specifier. If err is
// nil, Wrapf returns nil.
var Wrapf = pkgerrors.Wrapf

// WithStack annotates err with a stack trace at the point WithStack was
// called. If err is nil, WithStack returns nil.
var WithStack = pkgerrors.WithStack

// Go 1.13-style error handling.

// As finds the first error in err's tree that matches target, and if one is
// found, sets target to that error value and returns true.
func As(err error, tgt interface{}) bool { return errors.As(err, tgt) }

// Is reports whether any error in err's tree matches target.
func Is(x, y error) bool { return errors.Is(x, y) }

// Join returns an error that wraps the given errors.
func Join(errs ...error) error { return errors.Join(errs...) }

// Unwrap returns the result of calling the Unwrap method on err, if err's type
// contains an Unwrap method returning error. Otherwise, Unwrap returns nil.
func Unwrap(err error) error { return errors.Unwrap(err) }
