// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")
	ErrInvalidEntity = errors.New("invalid entity")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	// State errors
	ErrInvalidState     = errors.New("invalid state")
	ErrAlreadyProcessed = errors.New("already processed")
	ErrBusy             = errors.New("operation already in flight")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Persistence and external service errors
	ErrPersistence        = errors.New("persistence error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "challenge", "companion", "evolution"
	Op      string // Operation that failed, e.g., "RecordProgress"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Companion domain errors
var (
	ErrUnknownCompanion         = NewDomainError("companion", "Parse", ErrValidation, "unknown companion type")
	ErrUnknownStage             = NewDomainError("companion", "ParseStage", ErrValidation, "unknown growth stage")
	ErrEmptyUserID              = NewDomainError("companion", "Validate", ErrEmptyValue, "user id is required")
	ErrCompanionProgressMissing = NewDomainError("companion", "Find", ErrNotFound, "companion progress not found")
)

// Challenge domain errors
var (
	ErrChallengeNotFound          = NewDomainError("challenge", "Find", ErrNotFound, "challenge not found")
	ErrChallengeCompanionMismatch = NewDomainError("challenge", "Find", ErrNotFound, "challenge does not belong to companion")
	ErrNonPositiveAmount          = NewDomainError("challenge", "RecordProgress", ErrValidation, "amount must be positive")
	ErrUnknownPeriod              = NewDomainError("challenge", "ParsePeriod", ErrValidation, "unknown reset period")
	ErrInvalidDefinition          = NewDomainError("challenge", "Validate", ErrInvalidEntity, "invalid challenge definition")
	ErrDuplicateChallenge         = NewDomainError("challenge", "Load", ErrAlreadyExists, "duplicate challenge id")
)

// Evolution domain errors
var (
	ErrInvalidEconomy = NewDomainError("evolution", "Validate", ErrValidation, "invalid evolution economy")
)

// Session errors
var (
	ErrStepInFlight         = NewDomainError("session", "Begin", ErrBusy, "a step for this challenge is already in flight")
	ErrEvolutionNotFound    = NewDomainError("session", "Acknowledge", ErrNotFound, "evolution event not found")
	ErrRemoteStoreUnhealthy = NewDomainError("persistence", "Write", ErrServiceUnavailable, "remote store unavailable")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsBusy reports whether the error signals an outstanding operation.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrPersistence)
}
