package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies every failure the client can report.
type Kind int

const (
	KindInvalidIdentity Kind = iota + 1
	KindInvalidConfiguration
	KindProtocolViolation
	KindConnectionRejected
	KindSubscriptionRejected
	KindTransportFailure
	KindLimitExceeded
	KindOperatorStop
)

var (
	ErrInvalidIdentity      = errors.New("invalid identity")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrProtocolViolation    = errors.New("protocol violation")
	ErrConnectionRejected   = errors.New("connection rejected")
	ErrSubscriptionRejected = errors.New("subscription rejected")
	ErrTransportFailure     = errors.New("transport failure")
	ErrLimitExceeded        = errors.New("limit exceeded")
	ErrOperatorStop         = errors.New("stopped by operator")
)

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidIdentity:
		return ErrInvalidIdentity
	case KindInvalidConfiguration:
		return ErrInvalidConfiguration
	case KindProtocolViolation:
		return ErrProtocolViolation
	case KindConnectionRejected:
		return ErrConnectionRejected
	case KindSubscriptionRejected:
		return ErrSubscriptionRejected
	case KindTransportFailure:
		return ErrTransportFailure
	case KindLimitExceeded:
		return ErrLimitExceeded
	case KindOperatorStop:
		return ErrOperatorStop
	default:
		return nil
	}
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the typed outcome carried from any layer up to the session driver.
// Code is the peer's result code for rejections and is zero otherwise.
type Error struct {
	Kind   Kind
	Op     string
	Code   int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind, so callers can use
// errors.Is(err, protocol.ErrLimitExceeded) without knowing the op.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Errorf builds an Error whose reason is a formatted message.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and op to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the Kind of err, or zero when err carries none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}
