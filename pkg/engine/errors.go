package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for the retry loops of the repair engine.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on the next cycle.
	// Examples: peer unreachable, state collection timed out.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates contention on a shared resource such as an operator lock.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error for the current request.
	// Examples: malformed path, stale goal version, unknown action.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with repair context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Operator is the operator name involved, if any.
	Operator string `json:"operator,omitempty"`

	// Agent is the peer agent involved, if any.
	Agent string `json:"agent,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Operator != "" {
		msg += fmt.Sprintf(" (operator=%s)", e.Operator)
	}
	if e.Agent != "" {
		msg += fmt.Sprintf(" (agent=%s)", e.Agent)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithCode adds an error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithOperator adds operator context.
func (e *EngineError) WithOperator(name string) *EngineError {
	e.Operator = name
	return e
}

// WithAgent adds peer agent context.
func (e *EngineError) WithAgent(agent string) *EngineError {
	e.Agent = agent
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// HasCode reports whether err carries the given engine error code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Common error codes.
const (
	ErrCodeInvalidPath      = "INVALID_PATH"
	ErrCodeStateUnavailable = "STATE_UNAVAILABLE"
	ErrCodeNoRepairModel    = "NO_REPAIR_MODEL"
	ErrCodeStaleGoal        = "STALE_GOAL"
	ErrCodeUnknownAgent     = "UNKNOWN_AGENT"
	ErrCodeActionFailed     = "ACTION_FAILED"
	ErrCodeDelegation       = "DELEGATION_FAILED"
	ErrCodeBootstrap        = "BOOTSTRAP_FAILED"
	ErrCodeRegistry         = "REGISTRY_FAILED"
	ErrCodeThrottle         = "THROTTLE_FAILED"
	ErrCodeLock             = "LOCK_FAILED"
	ErrCodeDisabled         = "ENGINE_DISABLED"
)

// Sentinel errors.
var (
	// ErrInvalidPath is returned when a reference does not have the form $.<agent>[.<attr>...].
	ErrInvalidPath = errors.New("invalid path")

	// ErrNoAddress is returned when a provisioned peer has no resolvable address yet.
	ErrNoAddress = errors.New("peer address not available")
)
