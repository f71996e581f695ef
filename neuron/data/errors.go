package data

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so that transports can map it onto status codes
// and callers can decide whether to retry.
type Kind int

const (
	KindUnknown Kind = iota
	KindMalformedMessage
	KindUnauthenticated
	KindReplayDetected
	KindContractViolation
	KindComputeFailed
	KindBusy
	KindTimeout
	KindUnreachable
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindMalformedMessage:  "malformed_message",
	KindUnauthenticated:   "unauthenticated",
	KindReplayDetected:    "replay_detected",
	KindContractViolation: "contract_violation",
	KindComputeFailed:     "compute_failed",
	KindBusy:              "busy",
	KindTimeout:           "timeout",
	KindUnreachable:       "unreachable",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the error type shared by every neuron subsystem.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports kind equality so that errors.Is(err, ErrBusy) holds for any
// Busy error regardless of its reason.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Reason == "" && t.Cause == nil
}

// Sentinel errors, one per kind.
var (
	ErrMalformedMessage  = &Error{Kind: KindMalformedMessage}
	ErrUnauthenticated   = &Error{Kind: KindUnauthenticated}
	ErrReplayDetected    = &Error{Kind: KindReplayDetected}
	ErrContractViolation = &Error{Kind: KindContractViolation}
	ErrComputeFailed     = &Error{Kind: KindComputeFailed}
	ErrBusy              = &Error{Kind: KindBusy}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrUnreachable       = &Error{Kind: KindUnreachable}
)

// NewError builds an Error of the given kind.
func NewError(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// Errorf builds an Error of the given kind with a formatted reason.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func malformed(format string, args ...interface{}) error {
	return Errorf(KindMalformedMessage, format, args...)
}
