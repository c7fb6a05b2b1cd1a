// Package apperr defines the error kinds produced by the intake flow.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a stable identifier used in logs, metrics and API responses.
type ErrorCode string

const (
	CodeMissingRequired ErrorCode = "MISSING_REQUIRED"
	CodeInvalidFormat   ErrorCode = "INVALID_FORMAT"
	CodeInvalidValue    ErrorCode = "INVALID_VALUE"
	CodeBelowMinimum    ErrorCode = "BELOW_MINIMUM"
	CodeAboveMaximum    ErrorCode = "ABOVE_MAXIMUM"

	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeServiceTimeout     ErrorCode = "SERVICE_TIMEOUT"
	CodeOffline            ErrorCode = "OFFLINE"
	CodeServiceRejected    ErrorCode = "SERVICE_REJECTED"
	CodeQueueStalled       ErrorCode = "QUEUE_STALLED"
	CodeInvalidTransition  ErrorCode = "INVALID_TRANSITION"
)

// Kind groups errors by how the flow recovers from them.
type Kind string

const (
	KindValidation Kind = "validation"
	KindTransient  Kind = "transient"
	KindPermanent  Kind = "permanent"
	KindQueueStall Kind = "queue_stall"
	KindTransition Kind = "transition"
	KindUnknown    Kind = "unknown"
)

// ValidationError is a single field constraint violation.
type ValidationError struct {
	Field   string    `json:"field"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every failing field of one input.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

// Field returns the first error reported for field.
func (v ValidationErrors) Field(field string) (ValidationError, bool) {
	for _, e := range v {
		if e.Field == field {
			return e, true
		}
	}
	return ValidationError{}, false
}

// NewValidation returns a single-field validation error list.
func NewValidation(field string, code ErrorCode, format string, args ...any) ValidationErrors {
	return ValidationErrors{{Field: field, Code: code, Message: fmt.Sprintf(format, args...)}}
}

// TransientServiceError covers network failures and timeouts on external calls.
type TransientServiceError struct {
	Op      string
	Code    ErrorCode
	Offline bool
	Err     error
}

func (e *TransientServiceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: transient failure", e.Op)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

// PermanentServiceError is an explicit rejection by an external service.
type PermanentServiceError struct {
	Op     string
	Reason string
	Err    error
}

func (e *PermanentServiceError) Error() string {
	if e.Reason == "" && e.Err != nil {
		return fmt.Sprintf("%s: rejected: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: rejected: %s", e.Op, e.Reason)
}

func (e *PermanentServiceError) Unwrap() error { return e.Err }

// QueueStallError reports an artifact whose upload exhausted its retry budget.
type QueueStallError struct {
	ArtifactID string
	Attempts   int
	LastError  string
}

func (e *QueueStallError) Error() string {
	return fmt.Sprintf("upload of %s stalled after %d attempts: %s", e.ArtifactID, e.Attempts, e.LastError)
}

// RejectedError is returned when a transition is refused. The flow stays where it was.
type RejectedError struct {
	State string
	Event string
	Err   error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected in state %s: %v", e.Event, e.State, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// ErrInvalidTransition marks events that are not legal in the current state.
var ErrInvalidTransition = errors.New("invalid transition")

// Transient wraps err as a TransientServiceError.
func Transient(op string, err error) error {
	return &TransientServiceError{Op: op, Code: CodeServiceUnavailable, Err: err}
}

// Timeout reports an external call that did not answer in time.
func Timeout(op string) error {
	return &TransientServiceError{Op: op, Code: CodeServiceTimeout, Err: errors.New("call timed out")}
}

// Offline reports a network step attempted without connectivity.
func Offline(op string) error {
	return &TransientServiceError{Op: op, Code: CodeOffline, Offline: true, Err: errors.New("device is offline")}
}

// Permanent wraps a rejection reason as a PermanentServiceError.
func Permanent(op, reason string) error {
	return &PermanentServiceError{Op: op, Reason: reason}
}

// Reject wraps err as the refusal of event in state.
func Reject(state, event string, err error) error {
	return &RejectedError{State: state, Event: event, Err: err}
}

// KindOf classifies err.
func KindOf(err error) Kind {
	var ve ValidationErrors
	var single ValidationError
	var te *TransientServiceError
	var pe *PermanentServiceError
	var qe *QueueStallError
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &ve), errors.As(err, &single):
		return KindValidation
	case errors.As(err, &qe):
		return KindQueueStall
	case errors.As(err, &te):
		return KindTransient
	case errors.As(err, &pe):
		return KindPermanent
	case errors.Is(err, ErrInvalidTransition):
		return KindTransition
	default:
		return KindUnknown
	}
}

// CodeOf returns the stable code for err.
func CodeOf(err error) ErrorCode {
	var ve ValidationErrors
	var te *TransientServiceError
	switch KindOf(err) {
	case KindValidation:
		if errors.As(err, &ve) && len(ve) > 0 {
			return ve[0].Code
		}
		return CodeInvalidValue
	case KindTransient:
		if errors.As(err, &te) && te.Code != "" {
			return te.Code
		}
		return CodeServiceUnavailable
	case KindPermanent:
		return CodeServiceRejected
	case KindQueueStall:
		return CodeQueueStalled
	case KindTransition:
		return CodeInvalidTransition
	default:
		return ""
	}
}

// IsRetryable reports whether automatic retry is allowed for err.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsOffline reports whether err was caused by missing connectivity.
func IsOffline(err error) bool {
	var te *TransientServiceError
	return errors.As(err, &te) && te.Offline
}
