package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestration and aggregation failures.
type ErrorKind string

const (
	KindCyclicDependency     ErrorKind = "CYCLIC_DEPENDENCY"
	KindInvalidPlan          ErrorKind = "INVALID_PLAN"
	KindSchedulerUnavailable ErrorKind = "SCHEDULER_UNAVAILABLE"
	KindSubmissionError      ErrorKind = "SUBMISSION_ERROR"
	KindJobFailed            ErrorKind = "JOB_FAILED"
	KindTimeout              ErrorKind = "TIMEOUT"
	KindNotRunning           ErrorKind = "NOT_RUNNING"
	KindMalformedRecord      ErrorKind = "MALFORMED_RECORD"
	KindInvalidSampleCount   ErrorKind = "INVALID_SAMPLE_COUNT"
	KindAmbiguousTool        ErrorKind = "AMBIGUOUS_TOOL"
	KindToolNotFound         ErrorKind = "TOOL_NOT_FOUND"
)

// Sentinels for errors.Is matching against an *Error of the same kind.
var (
	ErrCyclicDependency     = &Error{Kind: KindCyclicDependency}
	ErrInvalidPlan          = &Error{Kind: KindInvalidPlan}
	ErrSchedulerUnavailable = &Error{Kind: KindSchedulerUnavailable}
	ErrSubmission           = &Error{Kind: KindSubmissionError}
	ErrJobFailed            = &Error{Kind: KindJobFailed}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrNotRunning           = &Error{Kind: KindNotRunning}
	ErrMalformedRecord      = &Error{Kind: KindMalformedRecord}
	ErrInvalidSampleCount   = &Error{Kind: KindInvalidSampleCount}
	ErrAmbiguousTool        = &Error{Kind: KindAmbiguousTool}
	ErrToolNotFound         = &Error{Kind: KindToolNotFound}
)

// Error is a classified failure. Subject names what failed (a unit ID, a
// file:line, a tool name) and Err carries the underlying cause, if any.
type Error struct {
	Kind    ErrorKind
	Subject string
	Message string
	Err     error
}

// NewError builds an *Error with a formatted message.
func NewError(kind ErrorKind, subject, format string, args ...any) *Error {
	return &Error{Kind: kind, Subject: subject, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error around cause.
func WrapError(kind ErrorKind, subject string, cause error) *Error {
	return &Error{Kind: kind, Subject: subject, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	switch {
	case e.Subject != "" && msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Subject, msg)
	case e.Subject != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Subject)
	case msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}
