package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a failure for retry and escalation logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, rate limits, flaky tests.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassStructural indicates a failure that retrying cannot fix.
	// Examples: missing configuration file, invalid credentials, corrupted environment.
	ErrorClassStructural ErrorClass = "structural"

	// ErrorClassCritical indicates a failure that must stop the workflow immediately.
	// Examples: critical security findings.
	ErrorClassCritical ErrorClass = "critical"
)

// Validate checks if the error class is valid.
func (c ErrorClass) Validate() error {
	switch c {
	case ErrorClassTransient, ErrorClassStructural, ErrorClassCritical:
		return nil
	default:
		return fmt.Errorf("invalid error class: %s", c)
	}
}

// Sentinel errors shared by the engine components.
var (
	// ErrEventStoreUnavailable is returned when the event store cannot be reached.
	ErrEventStoreUnavailable = errors.New("event store unavailable")

	// ErrEventBufferFailed is returned when an event could neither be stored nor buffered.
	ErrEventBufferFailed = errors.New("event buffer write failed")

	// ErrNotificationDelivery is returned when no notification channel accepted an alert.
	ErrNotificationDelivery = errors.New("notification delivery failed")

	// ErrInvalidTransition is returned when a state machine rejects a trigger.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrIssueLocked is returned when an issue already has an active workflow instance.
	ErrIssueLocked = errors.New("issue already has an active workflow")

	// ErrNotFound is returned when a workflow instance or escalation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyResolved is returned when resolving an escalation with different notes.
	ErrAlreadyResolved = errors.New("escalation already resolved")

	// ErrConcurrencyLimit is returned when the orchestrator is at capacity.
	ErrConcurrencyLimit = errors.New("maximum concurrent workflows reached")
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

	// Action is the action type that produced the error, if applicable.
	Action ActionType `json:"action,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("[%s] %s (action=%s): %s",
			e.Class, e.Message, e.Action, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewStructuralError creates a new structural error.
func NewStructuralError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassStructural,
		Message: message,
		Err:     err,
	}
}

// NewCriticalError creates a new critical error.
func NewCriticalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCritical,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a structural error for rejected input.
func NewValidationError(message string, err error) *EngineError {
	return NewStructuralError(message, err).WithCode(ErrCodeValidation)
}

// IsValidation reports whether err is a rejected-input error.
func IsValidation(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Code == ErrCodeValidation
}

// WithAction adds action context to an error.
func (e *EngineError) WithAction(action ActionType) *EngineError {
	e.Action = action
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

// ClassOf returns the class of a classified error and whether one was found.
func ClassOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ErrorClassTransient
}

// IsStructural returns true if the error is classified as structural.
func IsStructural(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ErrorClassStructural
}

// IsCritical returns true if the error is classified as critical.
func IsCritical(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ErrorClassCritical
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeInvalidCreds     = "INVALID_CREDENTIALS"
	ErrCodeMissingConfig    = "MISSING_CONFIG"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeCollaborator     = "COLLABORATOR_FAILED"
	ErrCodeSecurityFinding  = "SECURITY_FINDING"
	ErrCodeCorruptedEnv     = "CORRUPTED_ENVIRONMENT"
	ErrCodeConnection       = "CONNECTION_FAILED"
	ErrCodeExitStatus       = "NON_ZERO_EXIT"
	ErrCodePolicyViolation  = "POLICY_VIOLATION"
)
