// Package errors implements the worker's error taxonomy: a small set of
// kinds that drive the dispatcher's retry/ack/shutdown policy, independent
// of whatever concrete error a client library returned.
package errors

import "fmt"

// Kind classifies a failure for the purposes of the dispatcher's policy
// decisions (ack, retry, poison, shut down).
type Kind string

const (
	// BadInput means the job message or the audio it references is
	// structurally invalid. Poison-ack and move on.
	BadInput Kind = "bad_input"
	// EngineError means the transcription engine reported a deterministic
	// internal failure. Poison-ack and move on, same as BadInput.
	EngineError Kind = "engine_error"
	// ResourceExhausted means the worker ran out of memory or the
	// accelerator became unavailable mid-job. Do not ack; shut down.
	ResourceExhausted Kind = "resource_exhausted"
	// Transient means a retryable blip: network error, throttling, a 5xx
	// from the cloud provider.
	Transient Kind = "transient"
	// Expired means the in-flight visibility lease lapsed before the job
	// finished. Abandon without acking.
	Expired Kind = "expired"
	// Fatal means startup configuration, auth, or DNS failed. Exit 1.
	Fatal Kind = "fatal"
)

// Error wraps an underlying cause with a Kind so the dispatcher can switch
// on it without string-matching.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the classification used by dispatcher policy switches.
func (e *Error) Kind() Kind { return e.kind }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{kind: kind, msg: msg, cause: cause}
}

// New constructs a kind-tagged error with no wrapped cause.
func New(kind Kind, msg string) *Error { return newErr(kind, msg, nil) }

// Wrap constructs a kind-tagged error wrapping an underlying cause. If err
// is nil, Wrap returns nil.
func Wrap(kind Kind, msg string, err error) *Error {
	if err == nil {
		return nil
	}
	return newErr(kind, msg, err)
}

func NewBadInput(msg string, cause error) *Error { return newErr(BadInput, msg, cause) }
func NewEngineError(msg string, cause error) *Error { return newErr(EngineError, msg, cause) }
func NewResourceExhausted(msg string, cause error) *Error {
	return newErr(ResourceExhausted, msg, cause)
}
func NewTransient(msg string, cause error) *Error { return newErr(Transient, msg, cause) }
func NewExpired(msg string, cause error) *Error   { return newErr(Expired, msg, cause) }
func NewFatal(msg string, cause error) *Error     { return newErr(Fatal, msg, cause) }

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, otherwise reports false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if asError(err, &e) {
		return e.kind, true
	}
	return "", false
}

// asError is a tiny local errors.As to avoid importing the standard
// library "errors" package under a shadowed name inside this package.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsRetryable reports whether the dispatcher's bounded-backoff retry loop
// (SPEC_FULL §4.E) applies to this error.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == Transient
}

// IsPoison reports whether the message should be deleted without being
// reprocessed (BadInput, EngineError).
func IsPoison(err error) bool {
	kind, ok := KindOf(err)
	return ok && (kind == BadInput || kind == EngineError)
}
