// api/schemas/errors.go
package schemas

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by a session.
type ErrorKind string

const (
	KindCreation      ErrorKind = "CreationError"
	KindNavigation    ErrorKind = "NavigationError"
	KindInjection     ErrorKind = "InjectionError"
	KindEvaluation    ErrorKind = "EvaluationError"
	KindResolution    ErrorKind = "ResolutionError"
	KindSessionClosed ErrorKind = "SessionClosed"
)

// Sentinels for errors.Is checks against a session error of the same kind.
var (
	ErrCreation      = &Error{Kind: KindCreation}
	ErrNavigation    = &Error{Kind: KindNavigation}
	ErrInjection     = &Error{Kind: KindInjection}
	ErrEvaluation    = &Error{Kind: KindEvaluation}
	ErrResolution    = &Error{Kind: KindResolution}
	ErrSessionClosed = &Error{Kind: KindSessionClosed}
)

// Error is the single error type returned across the bridge.
type Error struct {
	Kind ErrorKind
	// Op is the session operation that failed, e.g. "visit" or "fill".
	Op  string
	Err error
}

// NewError wraps err with a kind and operation name.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error from a format string.
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, which makes the sentinels usable with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// AsKind returns err unchanged when it already carries a kind, and wraps it
// with the given kind otherwise.
func AsKind(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			return &Error{Kind: e.Kind, Op: op, Err: e.Err}
		}
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
