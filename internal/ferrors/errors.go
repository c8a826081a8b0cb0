// Package ferrors defines the runtime's error taxonomy: a small closed set
// of semantic kinds (not type names) that every subsystem reports through,
// following the reason-code/child-error shape used by the blueprint
// deployment engine this runtime was bootstrapped from.
package ferrors

import "fmt"

// Kind is the semantic classification of a runtime error, per §7.
type Kind string

const (
	KindIO         Kind = "io"
	KindTimeout    Kind = "timeout"
	KindNotFound   Kind = "not_found"
	KindProtocol   Kind = "protocol"
	KindDatabase   Kind = "database"
	KindService    Kind = "service"
	KindConfig     Kind = "config"
	KindActor      Kind = "actor"
	KindValidation Kind = "validation"
)

// Error is the runtime's structured error: a kind, a message, an optional
// wrapped cause, and for KindValidation a list of individual violations.
type Error struct {
	Kind       Kind
	Msg        string
	Cause      error
	Violations []string
}

func (e *Error) Error() string {
	if len(e.Violations) > 0 {
		return fmt.Sprintf("%s: %s (%d violations)", e.Kind, e.Msg, len(e.Violations))
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

func Validation(msg string, violations ...string) *Error {
	return &Error{Kind: KindValidation, Msg: msg, Violations: violations}
}

// Is reports whether err is a *Error of the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			return fe.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
