package events

import (
	"errors"
	"fmt"
)

// ReasonCode is the machine readable reason an input was not accepted.
type ReasonCode string

// Validation reasons.
const (
	ReasonMissingField           ReasonCode = "MISSING_FIELD"
	ReasonUnknownAction          ReasonCode = "UNKNOWN_ACTION"
	ReasonMovementBoundsExceeded ReasonCode = "MOVEMENT_BOUNDS_EXCEEDED"
	ReasonValueOutOfRange        ReasonCode = "VALUE_OUT_OF_RANGE"
	ReasonNegativeMagnitude      ReasonCode = "NEGATIVE_MAGNITUDE"
	ReasonTimestampSkew          ReasonCode = "TIMESTAMP_SKEW"
	ReasonRateLimited            ReasonCode = "RATE_LIMITED"
	ReasonSequenceReplayed       ReasonCode = "SEQUENCE_REPLAYED"
)

// Scheduling and resolution reasons.
const (
	ReasonTooLate           ReasonCode = "TOO_LATE"
	ReasonTooEarly          ReasonCode = "TOO_EARLY"
	ReasonNotOwner          ReasonCode = "NOT_OWNER"
	ReasonUnknownEntity     ReasonCode = "UNKNOWN_ENTITY"
	ReasonAlreadyExists     ReasonCode = "ALREADY_EXISTS"
	ReasonInvalidTarget     ReasonCode = "INVALID_TARGET"
	ReasonInvalidTransition ReasonCode = "INVALID_TRANSITION"
	ReasonSessionClosed     ReasonCode = "SESSION_CLOSED"
	ReasonQueueFull         ReasonCode = "QUEUE_FULL"
	ReasonStaleWrite        ReasonCode = "STALE_WRITE"
	ReasonNotAuthority      ReasonCode = "NOT_AUTHORITY"
	ReasonOutbid            ReasonCode = "OUTBID"
)

var (
	// ErrStaleWrite marks a proposal whose version is not newer than the stored one.
	ErrStaleWrite = errors.New("stale write rejected")
	// ErrSequenceGap is observed downstream when a delta seq is skipped.
	ErrSequenceGap = errors.New("sequence gap detected")
	// ErrTransport is wrapped by every transport failure.
	ErrTransport = errors.New("transport failure")
	// ErrSessionCorruption is fatal for the session's current baseline.
	ErrSessionCorruption = errors.New("session corruption")
	// ErrInputTooLate marks an input targeting a tick outside the late window.
	ErrInputTooLate = errors.New("input too late")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned once a session is finished.
	ErrSessionClosed = errors.New("session closed")
	// ErrOversizedPath marks a single path whose encoded value exceeds the payload limit.
	ErrOversizedPath = errors.New("path exceeds max payload size")
)

// ValidationError is a local, non-fatal rejection of a single input.
type ValidationError struct {
	Code   ReasonCode
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("validation failed: %s (%s): %s", e.Code, e.Field, e.Detail)
	}
	return fmt.Sprintf("validation failed: %s (%s)", e.Code, e.Field)
}

// Invalid is a shorthand for building a ValidationError.
func Invalid(code ReasonCode, field, detail string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Detail: detail}
}

// RejectedError is returned when the session refuses an input for reasons
// other than validation.
type RejectedError struct {
	Code   ReasonCode
	Detail string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("input rejected: %s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("input rejected: %s", e.Code)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// SequenceGapError reports the seq a consumer expected and the one it got.
type SequenceGapError struct {
	Expected uint64
	Got      uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap: expected %d, got %d", e.Expected, e.Got)
}

func (e *SequenceGapError) Is(target error) bool { return target == ErrSequenceGap }

// TransportError wraps a failed hand-off to the external transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// CorruptionError describes a version or path inconsistency in a store.
type CorruptionError struct {
	Path   string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("session corruption at %s: %s", e.Path, e.Reason)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrSessionCorruption }

// AsRejection converts an input error into the wire rejection payload.
func AsRejection(err error, seq uint64) (Rejection, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return Rejection{Code: ve.Code, Field: ve.Field, Seq: seq, Detail: ve.Detail}, true
	}
	var re *RejectedError
	if errors.As(err, &re) {
		return Rejection{Code: re.Code, Seq: seq, Detail: re.Detail}, true
	}
	return Rejection{}, false
}
