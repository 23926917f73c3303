package search

import (
	"errors"
	"fmt"
)

// ErrorKind classifies search failures.
type ErrorKind int

const (
	KindParse ErrorKind = iota + 1
	KindUnsupportedParameter
	KindCompile
	KindChainExhausted
	KindCompositeArity
	KindStore
)

func (k ErrorKind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindUnsupportedParameter:
		return "unsupported-parameter"
	case KindCompile:
		return "compile"
	case KindChainExhausted:
		return "chain-exhausted"
	case KindCompositeArity:
		return "composite-arity"
	case KindStore:
		return "store"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is a search failure attributed to one parameter.
type Error struct {
	Kind  ErrorKind
	Param string
	Err   error
}

func (e *Error) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Param, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, param string, format string, args ...any) *Error {
	return &Error{Kind: kind, Param: param, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of a search error, or 0.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// Severity of a reported issue.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is a problem reported alongside results. Warnings do not stop the
// search.
type Issue struct {
	Severity    Severity
	Kind        ErrorKind
	Param       string
	Diagnostics string
}

func warning(err *Error) Issue {
	return Issue{Severity: SeverityWarning, Kind: err.Kind, Param: err.Param, Diagnostics: err.Err.Error()}
}

func errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
