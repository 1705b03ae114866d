// Package shared contains domain error kinds and the DomainError type used by
// every domain package. It has no dependencies outside the standard library.
package shared

import (
	"errors"
	"fmt"
)

// Base error kinds, matched with errors.Is().
var (
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidID       = errors.New("invalid ID")
	ErrValueOutOfRange = errors.New("value out of range")

	// ErrUnknownCriterion signals a catalogue/engine version mismatch.
	ErrUnknownCriterion = errors.New("unknown criterion")

	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrStore              = errors.New("store error")
)

// DomainError carries the domain, operation and kind of a failure.
type DomainError struct {
	Domain  string // "attendance", "badge", "engine"
	Op      string
	Kind    error // base kind for errors.Is()
	Message string
	Err     error // underlying cause, optional
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the cause, or the kind when there is no cause.
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is matches against both the kind and the cause.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	return e.Err != nil && errors.Is(e.Err, target)
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: err}
}

// Attendance domain errors
var (
	ErrStudentNotFound = NewDomainError("attendance", "FindStudent", ErrNotFound, "student not found")
	ErrSubjectNotFound = NewDomainError("attendance", "FindSubject", ErrNotFound, "subject not found")
	ErrEmptyStudentID  = NewDomainError("attendance", "Validate", ErrInvalidID, "student ID is required")
)

// Badge domain errors
var (
	ErrBadgeNotFound       = NewDomainError("badge", "Find", ErrNotFound, "badge definition not found")
	ErrEmptyBadgeCode      = NewDomainError("badge", "Validate", ErrInvalidID, "badge code is required")
	ErrInvalidThreshold    = NewDomainError("badge", "Validate", ErrValueOutOfRange, "criterion threshold out of range")
	ErrEventLogUnavailable = NewDomainError("badge", "HasEvent", ErrServiceUnavailable, "event log unavailable")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsUnknownCriterion checks if the error comes from an unrecognised criterion tag.
func IsUnknownCriterion(err error) bool {
	return errors.Is(err, ErrUnknownCriterion)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}
