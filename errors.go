// Package fsw provides the root API of the flight-software runtime: the
// kernel that wires together the scheduler, clips, and the shared fault
// taxonomy used throughout internal/*.
package fsw

import (
	"errors"
	"fmt"
)

// Code classifies an Error into the fault taxonomy of spec.md §7.
type Code string

const (
	// CodeMiscompare: voting disagreement among TMR replicas.
	CodeMiscompare Code = "miscompare"
	// CodeMalfunction: a timing/protocol violation (slot overrun, tick
	// desync, a duct peer that did not complete its phase in time).
	CodeMalfunction Code = "malfunction"
	// CodeAssertion: an invariant was violated inside a clip.
	CodeAssertion Code = "assertion"
	// CodeFatal: recursive exception, kernel-context exception,
	// init-stage failure, or stack overflow. Always triggers abort().
	CodeFatal Code = "fatal"
	// CodeRemote: an RMAP reply carried a nonzero remote status.
	CodeRemote Code = "remote"
	// CodeLink: bad framing, bad CRC, or a missed keep-alive.
	CodeLink Code = "link"
	// CodeFlowDenied: the switch or a duct declined to accept a message
	// because it is at capacity for the cycle.
	CodeFlowDenied Code = "flow_denied"
)

// Error is a structured fault carrying the operation, the clip (if any),
// the fault category, and an optional wrapped cause.
type Error struct {
	Op    string // operation that failed, e.g. "duct.send_message"
	Clip  string // clip label, "" if not applicable
	Code  Code
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Clip != "" {
		parts = append(parts, fmt.Sprintf("clip=%s", e.Clip))
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("fsw: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("fsw: %s", msg)
}

// Unwrap returns the wrapped cause for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports comparison by Code, matching either another *Error or a
// codeError holding the same Code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	var ce codeError
	if errors.As(target, &ce) {
		return e.Code == Code(ce)
	}
	return false
}

// codeError is the error form of a bare Code, letting code in this
// package write `errors.Is(err, codeError(CodeMiscompare))`-style checks
// without constructing a full *Error.
type codeError Code

func (c codeError) Error() string { return string(c) }

// NewError creates a structured error for the named operation.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewClipError creates a structured error attributed to a specific clip.
func NewClipError(op, clip string, code Code, msg string) *Error {
	return &Error{Op: op, Clip: clip, Code: code, Msg: msg}
}

// WrapError wraps an existing error with a flight-software operation
// name, preserving its code if it is already a structured *Error.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var fe *Error
	if errors.As(inner, &fe) {
		return &Error{Op: op, Clip: fe.Clip, Code: fe.Code, Msg: fe.Msg, Inner: fe.Inner}
	}
	return &Error{Op: op, Code: CodeFatal, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether the first *Error in err's chain carries the
// given Code; *Error values nested deeper in that chain are not checked.
func IsCode(err error, code Code) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}
