// Package chaterr defines the error kinds surfaced by the chat core.
//
// Callers classify failures with errors.Is against the package sentinels:
//
//	if errors.Is(err, chaterr.ErrTimeout) { ... }
package chaterr

import (
	"errors"
	"fmt"
)

// Kind classifies a chat core failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindFetch
	KindSend
	KindTimeout
	KindNotReady
	KindMalformedFrame
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection error"
	case KindFetch:
		return "fetch error"
	case KindSend:
		return "send error"
	case KindTimeout:
		return "timeout"
	case KindNotReady:
		return "not ready"
	case KindMalformedFrame:
		return "malformed frame"
	default:
		return "unknown error"
	}
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Sentinels for errors.Is. They only compare by Kind.
var (
	ErrConnection     = &Error{Kind: KindConnection}
	ErrFetch          = &Error{Kind: KindFetch}
	ErrSend           = &Error{Kind: KindSend}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrNotReady       = &Error{Kind: KindNotReady}
	ErrMalformedFrame = &Error{Kind: KindMalformedFrame}
)

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error for op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Connection(op string, err error) error { return New(KindConnection, op, err) }
func Fetch(op string, err error) error      { return New(KindFetch, op, err) }
func Send(op string, err error) error       { return New(KindSend, op, err) }
func Timeout(op string, err error) error    { return New(KindTimeout, op, err) }
func Malformed(op string, err error) error  { return New(KindMalformedFrame, op, err) }

// NotReady reports an operation invoked without its preconditions.
func NotReady(op, reason string) error {
	return New(KindNotReady, op, errors.New(reason))
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}
