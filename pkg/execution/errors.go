package execution

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the controller and resource managers.
var (
	// ErrReschedule is returned (or wrapped) by a lifecycle hook whose
	// preconditions do not hold yet. The action is retried after the
	// reschedule delay; it is never treated as a failure.
	ErrReschedule = errors.New("resource not ready, reschedule")

	// ErrUnknownResource is returned for guids not registered with the controller.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrUnknownType is returned when a resource type is not in the registry.
	ErrUnknownType = errors.New("unknown resource type")

	// ErrInvalidConnection is returned when either peer rejects a connection.
	ErrInvalidConnection = errors.New("invalid connection")

	// ErrUnknownAttribute is returned for attributes the resource type does not declare.
	ErrUnknownAttribute = errors.New("unknown attribute")

	// ErrAttributeFlag is returned when a write violates an attribute flag.
	ErrAttributeFlag = errors.New("attribute flag violation")

	// ErrAttributeType is returned when a value cannot be coerced to the attribute type.
	ErrAttributeType = errors.New("attribute type mismatch")

	// ErrInvalidTransition is returned when the state machine refuses a transition.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrControllerShutdown is returned by operations that need a live scheduler.
	ErrControllerShutdown = errors.New("experiment controller is shut down")
)

// ErrorClass represents the classification of an error for retry and reporting.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeHookFailed     = "HOOK_FAILED"
	ErrCodeHookPanicked   = "HOOK_PANICKED"
	ErrCodeRequiredAttr   = "REQUIRED_ATTRIBUTE"
	ErrCodeControllerFail = "CONTROLLER_FAILURE"
	ErrCodeTimeout        = "TIMEOUT"
)

// ExecutionError is a classified error raised while driving a resource.
type ExecutionError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Guid is the resource that failed, zero for controller-level errors.
	Guid Guid `json:"guid,omitempty"`

	// RType is the type of the failing resource.
	RType string `json:"rtype,omitempty"`

	// Action is the lifecycle action being attempted.
	Action string `json:"action,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	prefix := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Guid != 0 {
		prefix = fmt.Sprintf("%s (guid=%d, rtype=%s, action=%s)", prefix, e.Guid, e.RType, e.Action)
	}
	if e.Err != nil {
		return prefix + ": " + e.Err.Error()
	}
	return prefix
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is matches another ExecutionError by class and code.
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *ExecutionError {
	return &ExecutionError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *ExecutionError {
	return &ExecutionError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithCode adds an error code.
func (e *ExecutionError) WithCode(code string) *ExecutionError {
	e.Code = code
	return e
}

// WithResource adds resource context.
func (e *ExecutionError) WithResource(guid Guid, rtype string) *ExecutionError {
	e.Guid = guid
	e.RType = rtype
	return e
}

// WithAction adds the lifecycle action being attempted.
func (e *ExecutionError) WithAction(action ResourceAction) *ExecutionError {
	e.Action = action.String()
	return e
}

// IsReschedule reports whether err asks for the action to be retried later.
func IsReschedule(err error) bool {
	return errors.Is(err, ErrReschedule)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *ExecutionError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *ExecutionError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}
