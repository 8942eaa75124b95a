// Package acmeerr defines the typed error kinds shared across the engine.
package acmeerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure. It is a closed set: new values are
// added here, never invented ad hoc at call sites.
type Kind string

const (
	TermsNotAccepted      Kind = "TermsNotAccepted"
	InvalidEmail          Kind = "InvalidEmail"
	Malformed             Kind = "Malformed"
	Unauthorized          Kind = "Unauthorized"
	BadNonce              Kind = "BadNonce"
	NoNonce               Kind = "NoNonce"
	DirectoryFetchFailed  Kind = "DirectoryFetchFailed"
	ChallengeNotPending   Kind = "ChallengeNotPending"
	ChallengeInvalid      Kind = "ChallengeInvalid"
	ChallengeTimeout      Kind = "ChallengeTimeout"
	LockHeld              Kind = "LockHeld"
	LockUnwritable        Kind = "LockUnwritable"
	KeystoreOperationFailed Kind = "KeystoreOperationFailed"
	CertNotFound          Kind = "CertNotFound"
	IssuerUnreachable     Kind = "IssuerUnreachable"

	// Unknown carries problem-document "type" suffixes the engine does not
	// otherwise recognize; the raw string is kept in Detail.
	Unknown Kind = "Unknown"
)

// Error is the single error type produced by this module. Kind is matched
// with errors.As; Op records the operation that raised it ("account.create",
// "transport.signed", …) and Detail carries the CA's problem-document detail
// string or a local explanation.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no wrapped cause.
func New(op string, kind Kind, detail string) *Error {
	return &Error{Op: op, Kind: kind, Detail: detail}
}

// Wrap builds an Error around an existing error.
func Wrap(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
