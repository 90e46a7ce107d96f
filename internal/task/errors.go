package task

import (
	"errors"
	"strings"
)

// ErrorKind categorizes task failures for retry decisions.
type ErrorKind string

const (
	// Caller errors, always surfaced, never retried.
	ErrorKindInvalidPayload    ErrorKind = "INVALID_PAYLOAD"
	ErrorKindInvalidTransition ErrorKind = "INVALID_TRANSITION"

	// Provider-side failures, retriable per policy.
	ErrorKindTimeout     ErrorKind = "TIMEOUT"
	ErrorKindRateLimited ErrorKind = "RATE_LIMITED"
	ErrorKindUnavailable ErrorKind = "UNAVAILABLE"
	ErrorKindAuth        ErrorKind = "AUTH_ERROR"

	// Actuator-side failures, retriable with a reduced ceiling since they may
	// indicate environment drift rather than transience.
	ErrorKindTargetUnavailable  ErrorKind = "TARGET_UNAVAILABLE"
	ErrorKindVerificationFailed ErrorKind = "VERIFICATION_FAILED"

	// User-initiated, terminal.
	ErrorKindCancelled ErrorKind = "CANCELLED"

	ErrorKindUnknown ErrorKind = "UNKNOWN"
)

// Retriable reports whether failures of this kind may loop back to pending.
func (k ErrorKind) Retriable() bool {
	switch k {
	case ErrorKindTimeout, ErrorKindRateLimited, ErrorKindUnavailable,
		ErrorKindTargetUnavailable, ErrorKindVerificationFailed, ErrorKindUnknown:
		return true
	}
	return false
}

// ActuatorKind reports whether the kind originates from the actuator and is
// therefore subject to the reduced retry ceiling.
func (k ErrorKind) ActuatorKind() bool {
	return k == ErrorKindTargetUnavailable || k == ErrorKindVerificationFailed
}

// Error pairs an ErrorKind with an underlying cause. It is the error type
// returned by providers, the actuator, and the orchestrator itself.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return string(e.Kind) + ": " + e.Msg + ": " + e.Err.Error()
	case e.Err != nil:
		return string(e.Kind) + ": " + e.Err.Error()
	default:
		return string(e.Kind) + ": " + e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError classifies an existing error.
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Classify extracts the ErrorKind from err. Classified errors report their
// own kind; anything else falls back to message inspection the way provider
// SDK errors tend to surface (status codes and phrases in the text).
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "permission denied") {
		return ErrorKindAuth
	}

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ErrorKindRateLimited
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorKindTimeout
	}

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "502") {
		return ErrorKindUnavailable
	}

	if strings.Contains(msg, "context canceled") {
		return ErrorKindCancelled
	}

	return ErrorKindUnknown
}
