// Package apperr defines the typed failures returned by the dealerboard core.
// Every failure unwraps to one of the sentinel kinds so callers can branch
// with errors.Is while still rendering the line, call and state context.
package apperr

import (
	"errors"
	"strings"
)

// Failure kinds.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrInvalidState   = errors.New("invalid state")
	ErrInvalid        = errors.New("invalid argument")
	ErrGatewayFailure = errors.New("gateway failure")
	ErrTimeout        = errors.New("timeout")
)

// Error carries a failure kind plus the context a console needs to render
// a precise message.
type Error struct {
	Kind     error
	Op       string
	BankID   string
	LineID   string
	CallID   string
	UserID   string
	Current  string
	Expected string
	Reason   string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("error")
	}

	var attrs []string
	add := func(k, v string) {
		if v != "" {
			attrs = append(attrs, k+"="+v)
		}
	}
	add("bank", e.BankID)
	add("line", e.LineID)
	add("call", e.CallID)
	add("user", e.UserID)
	add("current", e.Current)
	add("expected", e.Expected)
	if len(attrs) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(attrs, " "))
		b.WriteString(")")
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// Unwrap returns the failure kind.
func (e *Error) Unwrap() error {
	return e.Kind
}

// NotFound returns an ErrNotFound failure for op.
func NotFound(op, reason string) *Error {
	return &Error{Kind: ErrNotFound, Op: op, Reason: reason}
}

// Invalid returns an ErrInvalid failure for op.
func Invalid(op, reason string) *Error {
	return &Error{Kind: ErrInvalid, Op: op, Reason: reason}
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
