package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeUnauthorized      ErrorType = "unauthorized"
	ErrorTypePermissionDenied  ErrorType = "permission_denied"
	ErrorTypeInvalidTransition ErrorType = "invalid_transition"
	ErrorTypeExpired           ErrorType = "expired"
	ErrorTypeExecutorFailure   ErrorType = "executor_failure"
	ErrorTypeConflict          ErrorType = "conflict"
	ErrorTypeInternal          ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Detailed returns a fresh copy of a domain error so callers can attach
// details without mutating the shared sentinel
func Detailed(err *DomainError) *DomainError {
	return NewDomainError(err.Type, err.Message, err.Err)
}

// Domain error variables

var (
	// Not Found Errors
	ErrManifestNotFound = NewDomainError(ErrorTypeNotFound, "manifest not found", nil)
	ErrPolicyNotFound   = NewDomainError(ErrorTypeNotFound, "construct policy not found", nil)
	ErrJobNotFound      = NewDomainError(ErrorTypeNotFound, "spooled job not found", nil)

	// Validation Errors
	ErrInvalidInput     = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrUnknownScope     = NewDomainError(ErrorTypeValidation, "unknown scope", nil)
	ErrUnknownAction    = NewDomainError(ErrorTypeValidation, "unknown action type", nil)
	ErrUnknownRiskLevel = NewDomainError(ErrorTypeValidation, "unknown risk level", nil)
	ErrMissingState     = NewDomainError(ErrorTypeValidation, "proposed state is required", nil)

	// Authorization Errors
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)

	// Permission Errors
	ErrScopeNotPermitted = NewDomainError(ErrorTypePermissionDenied, "scope not permitted for construct", nil)
	ErrApprovalRequired  = NewDomainError(ErrorTypePermissionDenied, "approval required before execution", nil)
	ErrPreviewRequired   = NewDomainError(ErrorTypePermissionDenied, "preview required before execution", nil)
	ErrSelfApproval      = NewDomainError(ErrorTypePermissionDenied, "proposer cannot approve their own manifest", nil)

	// Transition Errors
	ErrInvalidTransition = NewDomainError(ErrorTypeInvalidTransition, "invalid manifest state transition", nil)
	ErrAlreadyFinalized  = NewDomainError(ErrorTypeInvalidTransition, "manifest already finalized", nil)
	ErrAlreadyRolledBack = NewDomainError(ErrorTypeInvalidTransition, "manifest already rolled back", nil)

	// Expiry Errors
	ErrManifestExpired = NewDomainError(ErrorTypeExpired, "manifest expired", nil)

	// Executor Errors
	ErrExecutorFailed    = NewDomainError(ErrorTypeExecutorFailure, "capability execution failed", nil)
	ErrRollbackFailed    = NewDomainError(ErrorTypeExecutorFailure, "capability rollback failed", nil)
	ErrCapabilityMissing = NewDomainError(ErrorTypeExecutorFailure, "no capability registered for scope", nil)

	// Conflict Errors
	ErrConcurrentUpdate = NewDomainError(ErrorTypeConflict, "concurrent update detected", nil)
	ErrJobAlreadyActive = NewDomainError(ErrorTypeConflict, "job already reported by a runner", nil)

	// Internal Errors
	ErrInternal          = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError     = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrTransactionFailed = NewDomainError(ErrorTypeInternal, "transaction failed", nil)
	ErrSpoolUnavailable  = NewDomainError(ErrorTypeInternal, "job spool unavailable", nil)
)

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeNotFound
	}
	return false
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeValidation
	}
	return false
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeUnauthorized
	}
	return false
}

// IsPermissionDeniedError checks if an error is a permission denied error
func IsPermissionDeniedError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypePermissionDenied
	}
	return false
}

// IsInvalidTransitionError checks if an error is an invalid transition error
func IsInvalidTransitionError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeInvalidTransition
	}
	return false
}

// IsExpiredError checks if an error is an expiry error
func IsExpiredError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeExpired
	}
	return false
}

// IsExecutorFailureError checks if an error is an executor failure error
func IsExecutorFailureError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeExecutorFailure
	}
	return false
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeConflict
	}
	return false
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeInternal
	}
	return false
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapExecutor wraps an error as an executor failure
func WrapExecutor(message string, err error) error {
	return NewDomainError(ErrorTypeExecutorFailure, message, err)
}
