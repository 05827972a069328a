/*
errors.go - Error taxonomy for the TOIL ledger

PURPOSE:
  All client-actionable error conditions in one place. Handlers map these to
  HTTP status codes with errors.Is / errors.As; anything else is treated as an
  opaque server failure.

ERROR CATEGORIES:
  1. ErrValidation        - malformed or out-of-range input (field level)
  2. ErrNotFound          - nothing matches under the caller's scope
  3. ErrForbidden         - authenticated but not privileged enough
  4. ErrInvalidTransition - status already resolved
  5. ErrEditWindowExpired - owner mutation after the allowed day

SEE ALSO:
  - api/handlers.go: statusForError
*/
package toil

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when input fails a field constraint.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when no resource matches within the caller's
	// scope. Ownership mismatches use it too, so existence never leaks.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the caller lacks the required role.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidTransition is returned when an event has already left PENDING.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrEditWindowExpired is returned when the owner mutates an event that
	// was not created today (UTC).
	ErrEditWindowExpired = errors.New("edit window expired")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// TransitionError records a rejected status change.
type TransitionError struct {
	EventID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %s is %s, cannot move to %s", e.EventID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// EditWindowError records when the event was created relative to the request.
type EditWindowError struct {
	EventID   string
	CreatedAt time.Time
	Now       time.Time
}

func (e *EditWindowError) Error() string {
	return fmt.Sprintf("event %s was created on %s; only events created today (%s) can be changed",
		e.EventID, e.CreatedAt.UTC().Format(dayFormat), e.Now.UTC().Format(dayFormat))
}

func (e *EditWindowError) Unwrap() error {
	return ErrEditWindowExpired
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the caller can fix the error by changing the
// request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrEditWindowExpired)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
