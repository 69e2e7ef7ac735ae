package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: executor timeouts, an unreachable task store.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion at a cloud provider.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates contention on a shared resource.
	// Examples: a held deployment lease, a task claimed by another worker.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: an illegal state transition, an unplannable intent.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the deployment, task or resource identifier involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches on class and code so that the sentinel errors below work with errors.Is.
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

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return classOf(err) == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return classOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// CodeOf returns the error code of the first EngineError in the chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeLockBusy          = "LOCK_BUSY"
	ErrCodeLockLost          = "LOCK_LOST"
	ErrCodePlanningFailed    = "PLANNING_FAILED"
	ErrCodeExecutorFailed    = "EXECUTOR_FAILED"
	ErrCodeExecutorTimeout   = "EXECUTOR_TIMEOUT"
	ErrCodeClaimConflict     = "CLAIM_CONFLICT"
	ErrCodePolicyDenied      = "POLICY_DENIED"
)

// Sentinel errors for errors.Is. They compare by class and code only.
var (
	ErrNotFound          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound, Message: "not found"}
	ErrAlreadyExists     = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeAlreadyExists, Message: "already exists"}
	ErrInvalidTransition = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidTransition, Message: "invalid transition"}
	ErrLockBusy          = &EngineError{Class: ErrorClassConflict, Code: ErrCodeLockBusy, Message: "lock busy"}
	ErrLockLost          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeLockLost, Message: "lock lost"}
	ErrPlanning          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePlanningFailed, Message: "planning failed"}
	ErrExecutor          = &EngineError{Class: ErrorClassTransient, Code: ErrCodeExecutorFailed, Message: "executor failed"}
	ErrExecutorTimeout   = &EngineError{Class: ErrorClassTransient, Code: ErrCodeExecutorTimeout, Message: "executor timed out"}
	ErrClaimConflict     = &EngineError{Class: ErrorClassConflict, Code: ErrCodeClaimConflict, Message: "claim conflict"}
)

// TransitionError is returned when a state machine refuses a transition.
// It matches ErrInvalidTransition with errors.Is.
type TransitionError struct {
	Aggregate string
	ID        string
	From      string
	To        string
	Reason    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s (id=%s): %s", e.Aggregate, e.From, e.To, e.ID, e.Reason)
}

// Is reports whether target is ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == ErrCodeInvalidTransition
}

// NewNotFoundError creates a not-found error for the given kind and id.
func NewNotFoundError(kind, id string) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s not found", kind), nil).
		WithCode(ErrCodeNotFound).
		WithResource(id)
}

// NewPlanningError creates a permanent planning error.
func NewPlanningError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodePlanningFailed)
}

// NewValidationError creates a permanent validation error.
func NewValidationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeValidation)
}
