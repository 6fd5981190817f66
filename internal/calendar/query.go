package calendar

import (
	"fmt"
	"sort"
	"time"

	"tzcal/internal/eventiter"
	"tzcal/internal/model"
)

// EventsOnDate returns events and occurrences starting on date's calendar day
// in the calendar zone.
func (c *Calendar) EventsOnDate(date time.Time) []model.Event {
	from, to := c.dayStart(date), c.dayEnd(date)
	return collectSorted(eventiter.Composite(
		eventiter.Filter(eventiter.FromSlice(c.events), startsWithin(from, to)),
		eventiter.Recurring(c.series, from, to),
	))
}

// EventsInRange returns events and occurrences overlapping [start, end].
func (c *Calendar) EventsInRange(start, end time.Time) []model.Event {
	if end.Before(start) {
		return []model.Event{}
	}
	return collectSorted(eventiter.Composite(
		eventiter.Filter(eventiter.FromSlice(c.events), eventiter.Overlapping(start, end)),
		eventiter.RecurringOverlapping(c.series, start, end),
	))
}

// IsBusy reports whether any event or occurrence covers t.
func (c *Calendar) IsBusy(t time.Time) bool {
	it := eventiter.Composite(
		eventiter.Filter(eventiter.FromSlice(c.events), func(ev model.Event) bool { return ev.Contains(t) }),
		eventiter.RecurringOverlapping(c.series, t, t),
	)
	return it.HasNext()
}

// FindEvent locates the standalone event or occurrence with this subject
// starting exactly at start.
func (c *Calendar) FindEvent(subject string, start time.Time) (model.Event, error) {
	match := eventiter.All(eventiter.BySubject(subject), func(ev model.Event) bool { return ev.Start.Equal(start) })
	it := eventiter.Filter(eventiter.Composite(
		eventiter.FromSlice(c.events),
		eventiter.Recurring(c.series, start, start),
	), match)
	if it.HasNext() {
		return it.Next()
	}
	return model.Event{}, fmt.Errorf("%w: %q at %s", model.ErrEventNotFound, subject, start.In(c.loc).Format(time.RFC3339))
}

// AllEvents returns every standalone event and every occurrence.
func (c *Calendar) AllEvents() []model.Event {
	sources := []eventiter.Iterator{eventiter.FromSlice(c.events)}
	for _, s := range c.series {
		sources = append(sources, eventiter.FromSlice(s.AllOccurrences()))
	}
	return collectSorted(eventiter.Composite(sources...))
}

// AllRecurringEvents returns copies of the series definitions.
func (c *Calendar) AllRecurringEvents() []model.Event {
	return cloneAll(c.series)
}

// StandaloneEvents returns copies of the non-recurring events, detached
// occurrences included.
func (c *Calendar) StandaloneEvents() []model.Event {
	return cloneAll(c.events)
}

// HasEvent reports whether a standalone event or series definition has id.
// Generated occurrence ids are not tracked.
func (c *Calendar) HasEvent(id string) bool {
	return indexOf(c.events, id) >= 0 || indexOf(c.series, id) >= 0
}

func indexOf(events []model.Event, id string) int {
	for i, ev := range events {
		if ev.ID == id {
			return i
		}
	}
	return -1
}

func startsWithin(from, to time.Time) eventiter.Predicate {
	return func(ev model.Event) bool { return !ev.Start.Before(from) && !ev.Start.After(to) }
}

func cloneAll(events []model.Event) []model.Event {
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Clone())
	}
	sortEvents(out)
	return out
}

func collectSorted(it eventiter.Iterator) []model.Event {
	out := eventiter.Dedup(eventiter.Collect(it))
	sortEvents(out)
	return out
}

// sortEvents orders by start, then subject, then id.
func sortEvents(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		return a.ID < b.ID
	})
}
