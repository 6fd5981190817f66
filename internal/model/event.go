// Package model holds the scheduling engine's value types: events, recurring
// rules and the conflict rule every other package relies on.
package model

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxSubjectLength is the longest subject accepted, in runes.
const MaxSubjectLength = 100

// Visibility controls whether an event is shown to other people.
type Visibility int

const (
	Public Visibility = iota
	Private
)

func (v Visibility) String() string {
	if v == Private {
		return "private"
	}
	return "public"
}

// ParseVisibility accepts "public"/"private" as well as the boolean
// spellings older collaborators send for an is-public flag.
func ParseVisibility(s string) (Visibility, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public", "true", "yes":
		return Public, nil
	case "private", "false", "no":
		return Private, nil
	}
	return Public, invalid("visibility", "unknown value %q", s)
}

// Event is a time-bounded calendar entry. Start and End are always stored in
// UTC. A non-nil Rule turns the event into a recurring series definition;
// occurrences expanded from a series carry the SeriesID but no Rule.
//
// Events are values: copy them freely, mutate only through the setters so the
// invariants are re-checked.
type Event struct {
	ID          string
	Subject     string
	Start       time.Time
	End         time.Time
	Description string
	Location    string
	Visibility  Visibility
	AllDay      bool

	// SeriesID links an occurrence (or a detached occurrence) to its series.
	SeriesID string
	// Rule is set only on recurring series definitions.
	Rule *RecurringRule
}

// Option customises an event at construction time.
type Option func(*Event)

func WithDescription(d string) Option { return func(e *Event) { e.Description = d } }

func WithLocation(l string) Option { return func(e *Event) { e.Location = l } }

func WithVisibility(v Visibility) Option { return func(e *Event) { e.Visibility = v } }

// WithID overrides the generated id. Importers use it to keep external UIDs.
func WithID(id string) Option { return func(e *Event) { e.ID = id } }

// NewEvent validates and builds a standalone event spanning [start, end].
func NewEvent(subject string, start, end time.Time, opts ...Option) (Event, error) {
	ev := Event{
		ID:      uuid.NewString(),
		Subject: strings.TrimSpace(subject),
		Start:   start.UTC(),
		End:     end.UTC(),
	}
	for _, opt := range opts {
		opt(&ev)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// NewAllDayEvent builds an event whose end is omitted: it runs from start to
// 23:59:59 of start's calendar date, in start's own location.
func NewAllDayEvent(subject string, start time.Time, opts ...Option) (Event, error) {
	ev, err := NewEvent(subject, start, EndOfDay(start), opts...)
	if err != nil {
		return Event{}, err
	}
	ev.AllDay = true
	return ev, nil
}

// EndOfDay returns 23:59:59 of t's date in t's location. This is the single
// end-of-day convention used for all-day events.
func EndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}

// StartOfDay returns midnight of t's date in t's location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Validate checks every invariant of the event, including its rule.
func (e Event) Validate() error {
	if err := validateSubject(e.Subject); err != nil {
		return err
	}
	if e.Start.IsZero() {
		return invalid("start", "start time is required")
	}
	if e.End.Before(e.Start) {
		return invalid("end", "end %s is before start %s",
			e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
	}
	if e.Rule != nil {
		return e.Rule.validate(e.Start)
	}
	return nil
}

func validateSubject(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return invalid("subject", "subject must not be empty")
	}
	if utf8.RuneCountInString(s) > MaxSubjectLength {
		return invalid("subject", "subject longer than %d characters", MaxSubjectLength)
	}
	return nil
}

func (e *Event) SetSubject(s string) error {
	if err := validateSubject(s); err != nil {
		return err
	}
	e.Subject = strings.TrimSpace(s)
	return nil
}

// SetStart moves the start; it fails if the new start is after the current end.
func (e *Event) SetStart(t time.Time) error {
	return e.SetSpan(t, e.End)
}

// SetEnd moves the end; it fails if the new end is before the current start.
func (e *Event) SetEnd(t time.Time) error {
	return e.SetSpan(e.Start, t)
}

// SetSpan replaces both instants at once.
func (e *Event) SetSpan(start, end time.Time) error {
	if end.Before(start) {
		return invalid("end", "end %s is before start %s",
			end.UTC().Format(time.RFC3339), start.UTC().Format(time.RFC3339))
	}
	if e.Rule != nil {
		if err := e.Rule.validate(start.UTC()); err != nil {
			return err
		}
	}
	e.Start = start.UTC()
	e.End = end.UTC()
	return nil
}

func (e *Event) SetDescription(d string) { e.Description = d }

func (e *Event) SetLocation(l string) { e.Location = l }

func (e *Event) SetVisibility(v Visibility) { e.Visibility = v }

// Duration is End minus Start.
func (e Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// IsRecurring reports whether e is a series definition.
func (e Event) IsRecurring() bool {
	return e.Rule != nil
}

// IsOccurrence reports whether e was materialised from (or detached from) a series.
func (e Event) IsOccurrence() bool {
	return e.Rule == nil && e.SeriesID != ""
}

// Contains reports whether t falls inside the closed interval [Start, End].
func (e Event) Contains(t time.Time) bool {
	return !t.Before(e.Start) && !t.After(e.End)
}

// ConflictsWith reports whether the closed intervals of e and other share at
// least one instant. Touching endpoints conflict. A zero-duration event
// conflicts when its instant lies within the other's interval, so two
// zero-duration events conflict only when their instants are equal.
func (e Event) ConflictsWith(other Event) bool {
	return !(e.End.Before(other.Start) || e.Start.After(other.End))
}

// Clone returns a deep copy; the rule (and its exception set) is not shared.
func (e Event) Clone() Event {
	if e.Rule != nil {
		r := e.Rule.clone()
		e.Rule = &r
	}
	return e
}
