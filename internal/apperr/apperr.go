// Package apperr defines the user-visible failure kinds shared by the scan
// pipeline and its HTTP surface.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable failure category.
type Kind string

const (
	KindAuthStateMismatch      Kind = "AuthStateMismatch"
	KindAuthProviderError      Kind = "AuthProviderError"
	KindAuthExpired            Kind = "AuthExpired"
	KindProviderRateLimited    Kind = "ProviderRateLimited"
	KindProviderUnavailable    Kind = "ProviderUnavailable"
	KindClassificationDegraded Kind = "ClassificationDegraded"
	KindScanInProgress         Kind = "ScanInProgress"
	KindScanError              Kind = "ScanError"
	KindInvalidRequest         Kind = "InvalidRequest"
)

// Error carries a kind and a human-readable reason. Reason must never
// contain credential material; Err may, and is not rendered to users.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap attaches a kind and reason to err.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindScanError for anything unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindScanError
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Reason returns the user-safe reason for err.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return "unexpected failure"
}
