// Package calendar holds the event stores and the registry that owns them.
//
// A Calendar keeps standalone events and recurring series definitions and
// guarantees that no two stored events or occurrences overlap. A Manager
// names calendars, tracks the active one and copies events between them.
//
// Nothing here is safe for concurrent use; callers serialise access.
package calendar

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"tzcal/internal/eventiter"
	appLog "tzcal/internal/log"
	"tzcal/internal/model"
)

// Calendar is a named, zoned collection of conflict-free events.
type Calendar struct {
	name string
	loc  *time.Location

	// events holds standalone events, including detached occurrences.
	events []model.Event
	// series holds recurring definitions (Rule != nil).
	series []model.Event
}

func newCalendar(name string, loc *time.Location) *Calendar {
	return &Calendar{name: name, loc: loc}
}

func (c *Calendar) Name() string { return c.name }

// Location is the zone used to interpret dates and wall-clock inputs.
func (c *Calendar) Location() *time.Location { return c.loc }

// AddEvent stores ev if it does not overlap any stored event or occurrence.
// A recurring ev is handed to AddRecurringEvent.
//
// On conflict it returns a *model.ConflictError when autoDecline is set and
// (false, nil) otherwise.
func (c *Calendar) AddEvent(ev model.Event, autoDecline bool) (bool, error) {
	if ev.IsRecurring() {
		return c.AddRecurringEvent(ev, autoDecline)
	}
	ev = ev.Clone()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := ev.Validate(); err != nil {
		return false, err
	}
	if c.HasEvent(ev.ID) {
		return false, &model.ValidationError{Field: "id", Reason: fmt.Sprintf("id %s is already stored", ev.ID)}
	}
	if existing, found := c.findConflict(ev, "", ""); found {
		return c.decline(ev, existing, autoDecline)
	}

	c.events = append(c.events, ev)
	appLog.Debug("event added", "calendar", c.name, "subject", ev.Subject, "start", ev.Start)
	return true, nil
}

// AddRecurringEvent stores a series when none of its occurrences overlap a
// stored event, an occurrence of another series, or each other. A single
// collision blocks the whole series.
func (c *Calendar) AddRecurringEvent(series model.Event, autoDecline bool) (bool, error) {
	if !series.IsRecurring() {
		return false, &model.ValidationError{Field: "rule", Reason: "event has no recurring rule"}
	}
	series = series.Clone()
	if series.Rule.Location == nil {
		series.Rule.Location = c.loc
	}
	if series.Rule.SeriesID == "" {
		series.Rule.SeriesID = uuid.NewString()
	}
	series.ID = series.Rule.SeriesID
	series.SeriesID = series.Rule.SeriesID
	if err := series.Validate(); err != nil {
		return false, err
	}
	if c.HasEvent(series.ID) {
		return false, &model.ValidationError{Field: "id", Reason: fmt.Sprintf("id %s is already stored", series.ID)}
	}

	occs, err := expandSeries(series)
	if err != nil {
		return false, err
	}
	for _, occ := range occs {
		if existing, found := c.findConflict(occ, "", ""); found {
			return c.decline(occ, existing, autoDecline)
		}
	}

	c.series = append(c.series, series)
	appLog.Debug("series added", "calendar", c.name, "subject", series.Subject,
		"weekdays", series.Rule.Weekdays.String(), "occurrences", len(occs))
	return true, nil
}

// expandSeries returns every occurrence of series and rejects series that
// expand past model.MaxOccurrences or whose occurrences overlap one another.
func expandSeries(series model.Event) ([]model.Event, error) {
	occs, err := series.ExpandOccurrences()
	if err != nil {
		return nil, err
	}
	if len(occs) == 0 {
		return nil, &model.ValidationError{Field: "occurrences", Reason: "series produces no occurrences"}
	}
	for i := 1; i < len(occs); i++ {
		if occs[i].ConflictsWith(occs[i-1]) {
			return nil, &model.ValidationError{
				Field:  "span",
				Reason: fmt.Sprintf("occurrences on %s and %s overlap", occs[i-1].Start.Format(time.DateOnly), occs[i].Start.Format(time.DateOnly)),
			}
		}
	}
	return occs, nil
}

func (c *Calendar) decline(candidate, existing model.Event, autoDecline bool) (bool, error) {
	appLog.Debug("event declined", "calendar", c.name, "subject", candidate.Subject,
		"start", candidate.Start, "conflicts_with", existing.Subject)
	if autoDecline {
		return false, &model.ConflictError{Candidate: candidate, Existing: existing}
	}
	return false, nil
}

// findConflict returns the first stored event or occurrence overlapping
// candidate. skipID excludes one stored event or occurrence; skipSeries
// excludes every occurrence generated by that series.
func (c *Calendar) findConflict(candidate model.Event, skipID, skipSeries string) (model.Event, bool) {
	series := c.series
	if skipSeries != "" {
		series = make([]model.Event, 0, len(c.series))
		for _, s := range c.series {
			if s.ID != skipSeries {
				series = append(series, s)
			}
		}
	}
	it := eventiter.Filter(
		eventiter.Composite(
			eventiter.FromSlice(c.events),
			eventiter.RecurringOverlapping(series, candidate.Start, candidate.End),
		),
		func(ev model.Event) bool { return ev.ID != skipID && ev.ConflictsWith(candidate) },
	)
	if !it.HasNext() {
		return model.Event{}, false
	}
	ev, err := it.Next()
	return ev, err == nil
}

// CreateRecurringEvent builds and adds a series of count occurrences. start
// and end are read as wall clock in the calendar zone.
func (c *Calendar) CreateRecurringEvent(subject string, start, end time.Time, weekdays model.WeekdaySet, count int, autoDecline bool, opts ...model.Option) (model.Event, bool, error) {
	return c.createSeries(subject, c.wallClock(start), c.wallClock(end), false, weekdays, model.AfterCount(count), autoDecline, opts)
}

// CreateRecurringEventUntil builds and adds a series repeating through until,
// a calendar date.
func (c *Calendar) CreateRecurringEventUntil(subject string, start, end time.Time, weekdays model.WeekdaySet, until time.Time, autoDecline bool, opts ...model.Option) (model.Event, bool, error) {
	return c.createSeries(subject, c.wallClock(start), c.wallClock(end), false, weekdays, model.UntilDate(until), autoDecline, opts)
}

// CreateAllDayRecurringEvent adds a series of count all-day occurrences
// beginning on date.
func (c *Calendar) CreateAllDayRecurringEvent(subject string, date time.Time, weekdays model.WeekdaySet, count int, autoDecline bool, opts ...model.Option) (model.Event, bool, error) {
	start := c.dayStart(date)
	return c.createSeries(subject, start, model.EndOfDay(start), true, weekdays, model.AfterCount(count), autoDecline, opts)
}

// CreateAllDayRecurringEventUntil adds all-day occurrences from date through until.
func (c *Calendar) CreateAllDayRecurringEventUntil(subject string, date time.Time, weekdays model.WeekdaySet, until time.Time, autoDecline bool, opts ...model.Option) (model.Event, bool, error) {
	start := c.dayStart(date)
	return c.createSeries(subject, start, model.EndOfDay(start), true, weekdays, model.UntilDate(until), autoDecline, opts)
}

func (c *Calendar) createSeries(subject string, start, end time.Time, allDay bool, weekdays model.WeekdaySet, term model.Termination, autoDecline bool, opts []model.Option) (model.Event, bool, error) {
	base, err := model.NewEvent(subject, start, end, opts...)
	if err != nil {
		return model.Event{}, false, err
	}
	base.AllDay = allDay
	series, err := model.NewRecurringEvent(base, weekdays, term, model.WithAnchor(c.loc))
	if err != nil {
		return model.Event{}, false, err
	}
	added, err := c.AddRecurringEvent(series, autoDecline)
	if err != nil || !added {
		return model.Event{}, added, err
	}
	return series, true, nil
}

// wallClock re-reads t's clock reading in the calendar zone.
func (c *Calendar) wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), c.loc)
}

// dayStart is midnight of t's calendar date in the calendar zone.
func (c *Calendar) dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
}

// dayEnd is the last instant of t's calendar date in the calendar zone.
func (c *Calendar) dayEnd(t time.Time) time.Time {
	return c.dayStart(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}
