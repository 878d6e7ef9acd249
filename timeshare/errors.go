/*
errors.go - Centralized error taxonomy for the transaction engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Services wrap these with context; the API layer maps them to HTTP status.

ERROR CATEGORIES:
  NotFound            entity missing or not owned by the caller
  InvalidState        transition attempted from a state that forbids it
  Conflict            the conflict checker reports an overlap
  PeakRestricted      date range intersects a configured peak window
  InsufficientBalance night-credit shortfall
  Forbidden           caller is not requester/responder/assigned staff
  ExternalFailure     PMS or payment gateway failed or timed out
  NoActiveStaff       swap creation with nobody to arbitrate it
  InvalidInput        malformed request data

USAGE:
  if errors.Is(err, timeshare.ErrInvalidState) { ... }

  var conflict *timeshare.ConflictError
  if errors.As(err, &conflict) { fmt.Println(conflict.Bookings) }

SEE ALSO:
  - api/handlers.go: HTTP status mapping
*/
package timeshare

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrConflict            = errors.New("conflict")
	ErrPeakRestricted      = errors.New("peak period restricted")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrForbidden           = errors.New("forbidden")
	ErrExternalFailure     = errors.New("external system failure")
	ErrNoActiveStaff       = errors.New("no active staff for property")
	ErrInvalidInput        = errors.New("invalid input")

	// ErrDuplicateIdempotencyKey is returned by stores when a booking with the
	// same idempotency key already exists. Expected when retries race.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound is shorthand for &NotFoundError{...}.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// InvalidStateError reports the current status so the caller can act on it.
type InvalidStateError struct {
	Entity    string
	ID        string
	Current   string
	Attempted string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s: current status %q", e.Attempted, e.Entity, e.ID, e.Current)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ConflictError carries the conflict counts for the checked range.
type ConflictError struct {
	PropertyID string
	Range      DateRange
	Conflicts  ConflictCounts
	Reason     string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("conflict at property %s for %s: %s", e.PropertyID, e.Range, e.Reason)
	}
	return fmt.Sprintf("conflict at property %s for %s: %d bookings, %d weeks, %d swaps",
		e.PropertyID, e.Range, e.Conflicts.Bookings, e.Conflicts.Weeks, e.Conflicts.Swaps)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InsufficientBalanceError provides details about a credit shortfall.
type InsufficientBalanceError struct {
	CreditID  string
	Remaining int
	Requested int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on credit %s: remaining %d nights, requested %d",
		e.CreditID, e.Remaining, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// ExternalFailureError wraps an error from the PMS or the payment gateway.
// The wrapped error stays reachable with errors.Is (e.g. context.DeadlineExceeded).
type ExternalFailureError struct {
	System    string // "pms", "payment"
	Operation string
	Err       error
}

func (e *ExternalFailureError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.System, e.Operation, e.Err)
}

func (e *ExternalFailureError) Unwrap() []error { return []error{ErrExternalFailure, e.Err} }

// InvalidInputf formats an ErrInvalidInput with detail.
func InvalidInputf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// PeakRestricted reports a range that intersects the peak calendar.
func PeakRestricted(r DateRange) error {
	return fmt.Errorf("%w: %s intersects a peak period", ErrPeakRestricted, r)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the caller can fix the request and retry.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrPeakRestricted) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNoActiveStaff) ||
		errors.Is(err, ErrInvalidInput)
}
