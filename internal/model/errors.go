package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the scheduling engine.
var (
	// ErrInvalidEvent indicates bad subject, time or recurrence parameters.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrConflictingEvent indicates an overlap was detected in strict mode.
	ErrConflictingEvent = errors.New("conflicting event")

	// ErrEventNotFound indicates a lookup by subject and start missed.
	ErrEventNotFound = errors.New("event not found")

	// ErrCalendarNotFound indicates an unknown calendar name.
	ErrCalendarNotFound = errors.New("calendar not found")

	// ErrDuplicateCalendar indicates a calendar name is already taken.
	ErrDuplicateCalendar = errors.New("duplicate calendar")

	// ErrInvalidTimezone indicates an unrecognized IANA zone id.
	ErrInvalidTimezone = errors.New("invalid timezone")
)

// ValidationError describes which field of an event failed validation.
type ValidationError struct {
	// Field is the offending field ("subject", "end", "weekdays", ...).
	Field string
	// Reason is a short human readable explanation.
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrInvalidEvent for errors.Is support.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidEvent
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConflictError reports the stored event a candidate collided with.
type ConflictError struct {
	// Candidate is the event that was being added or edited.
	Candidate Event
	// Existing is the stored event or occurrence it overlaps.
	Existing Event
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting event: %q (%s) overlaps %q (%s)",
		e.Candidate.Subject, e.Candidate.Start.Format("2006-01-02T15:04:05Z07:00"),
		e.Existing.Subject, e.Existing.Start.Format("2006-01-02T15:04:05Z07:00"))
}

// Unwrap returns ErrConflictingEvent for errors.Is support.
func (e *ConflictError) Unwrap() error {
	return ErrConflictingEvent
}
