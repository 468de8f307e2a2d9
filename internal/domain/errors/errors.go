package errors

import (
	"errors"
	"fmt"
)

var (
	// Configuration errors
	ErrConfigMissing = errors.New("required configuration missing")

	// Credential errors
	ErrAuthFailure       = errors.New("could not obtain provider access token")
	ErrKeyFetchFailure   = errors.New("could not obtain provider signing key")
	ErrSigningFailure    = errors.New("could not sign payload")
	ErrSignatureMismatch = errors.New("signature mismatch")

	// Lock errors
	ErrLockTimeout = errors.New("timed out waiting for lock")
	ErrLockNotHeld = errors.New("lock not held")

	// Delivery errors
	ErrDeliveryFailure = errors.New("payment result delivery failed")

	// Callback errors
	ErrUnknownTransactionStatus = errors.New("unknown transaction status")
	ErrInvalidContentType       = errors.New("invalid content type")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrForbidden                = errors.New("forbidden")

	// Provider errors
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrProviderRejected    = errors.New("request rejected by provider")

	// Idempotency errors
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// Unwrap lets callers match any validation error with errors.Is(err, ErrValidationFailed).
func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// Missing reports a configuration setting that is required but empty.
func Missing(setting string) error {
	return fmt.Errorf("%w: %s", ErrConfigMissing, setting)
}
