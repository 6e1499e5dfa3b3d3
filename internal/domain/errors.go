package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation          ErrorKind = "validation_error"
	KindUnauthenticated     ErrorKind = "unauthenticated"
	KindNotFound            ErrorKind = "not_found"
	KindUpstream            ErrorKind = "upstream_unavailable"
	KindVerificationTimeout ErrorKind = "verification_timeout"
	KindNotYetVerified      ErrorKind = "not_yet_verified"
)

// Error is the error type threaded through every backend call.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindUpstream for errors that did not
// come from this package.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUpstream
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Absorbable reports whether a failure during polling should only extend the
// backoff instead of reaching the user.
func Absorbable(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindNotYetVerified, KindNotFound:
		return true
	}
	return false
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
