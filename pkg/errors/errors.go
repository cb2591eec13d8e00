// Package errors provides stack-carrying errors and the sentinels shared by
// the coordination services.
package errors

import (
	stderrors "errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a session, node, key or record is unknown.
	ErrNotFound = stderrors.New("not found")
	// ErrInvalidArgument is returned when an input fails validation.
	ErrInvalidArgument = stderrors.New("invalid argument")
	// ErrUnreachable is returned when a peer did not answer in time.
	ErrUnreachable = stderrors.New("peer unreachable")
)

// New returns an error with the given message and the current stack.
func New(msg string) error {
	return goerrors.Wrap(stderrors.New(msg), 1)
}

// Errorf formats an error and records the stack. %w is honoured.
func Errorf(format string, args ...interface{}) error {
	return goerrors.Wrap(fmt.Errorf(format, args...), 1)
}

// Wrap annotates err with msg. A nil err stays nil.
func Wrap(err error, msg string) error {
	return pkgerrors.Wrap(err, msg)
}

// Wrapf annotates err with a formatted message. A nil err stays nil.
func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

// NotFound builds an ErrNotFound describing the missing entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Invalid builds an ErrInvalidArgument with a reason.
func Invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidArgument)
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return Is(err, ErrNotFound)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Stack returns the recorded stack trace of err, if any.
func Stack(err error) string {
	var ge *goerrors.Error
	if stderrors.As(err, &ge) {
		return string(ge.Stack())
	}
	return ""
}
