package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the subject does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates validation or bad input outside the rule table.
	ErrInvalidInput = errors.New("invalid input")

	// errVersionConflict is returned by a Tx when a compare-and-swap lost a race.
	errVersionConflict = errors.New("version conflict")
)

// ErrorKind is the machine-readable category of a pipeline error.
type ErrorKind string

const (
	KindInvalidTransition      ErrorKind = "invalid_transition"
	KindTerminalState          ErrorKind = "terminal_state"
	KindMissingField           ErrorKind = "missing_field"
	KindNoHistory              ErrorKind = "no_history"
	KindConcurrentModification ErrorKind = "concurrent_modification"
	KindPermissionDenied       ErrorKind = "permission_denied"
	KindOutOfOrder             ErrorKind = "out_of_order"
	KindTransitionCommit       ErrorKind = "transition_commit"
)

// Fault reports whether the kind signals a system fault rather than a
// caller-recoverable outcome.
func (k ErrorKind) Fault() bool {
	switch k {
	case KindOutOfOrder, KindTransitionCommit, KindConcurrentModification:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrInvalidTransition      = &Error{Kind: KindInvalidTransition}
	ErrTerminalState          = &Error{Kind: KindTerminalState}
	ErrMissingField           = &Error{Kind: KindMissingField}
	ErrNoHistory              = &Error{Kind: KindNoHistory}
	ErrConcurrentModification = &Error{Kind: KindConcurrentModification}
	ErrPermissionDenied       = &Error{Kind: KindPermissionDenied}
	ErrOutOfOrder             = &Error{Kind: KindOutOfOrder}
	ErrTransitionCommit       = &Error{Kind: KindTransitionCommit}
)

// Error is the typed error returned by the transition core.
type Error struct {
	Kind      ErrorKind
	SubjectID string
	From      Phase
	To        Phase
	Field     string
	Reason    string
	Err       error

	// precondition marks a caller-supplied expectation that no longer held.
	precondition bool
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.SubjectID != "" {
		msg += " (subject " + e.SubjectID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can test against the
// package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of a pipeline error, or "" when err is not one.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func invalidTransition(from, to Phase, reason string) *Error {
	return &Error{Kind: KindInvalidTransition, From: from, To: to, Reason: reason}
}

func terminalState(from, to Phase) *Error {
	return &Error{
		Kind:   KindTerminalState,
		From:   from,
		To:     to,
		Reason: fmt.Sprintf("phase %q is terminal", from),
	}
}

func missingField(from, to Phase, field string) *Error {
	return &Error{
		Kind:   KindMissingField,
		From:   from,
		To:     to,
		Field:  field,
		Reason: fmt.Sprintf("%s is required for %s -> %s", field, from, to),
	}
}

func permissionDenied(subjectID, actorRef string) *Error {
	return &Error{
		Kind:      KindPermissionDenied,
		SubjectID: subjectID,
		Reason:    fmt.Sprintf("actor %q is not owner, assignee or privileged", actorRef),
	}
}
