// Package eventiter provides uniform traversal over stored events, recurring
// expansions, filtered views and concatenations of those.
//
// Iterators are single-goroutine values. They are composable rather than
// strictly lazy: the recurring iterator expands one series at a time, the
// others never copy their sources.
package eventiter

import (
	"errors"
	"iter"
	"time"

	"tzcal/internal/model"
)

// ErrExhausted is returned by Next when no element is left.
var ErrExhausted = errors.New("iterator exhausted")

// Iterator walks a sequence of events.
type Iterator interface {
	HasNext() bool
	Next() (model.Event, error)
	// Reset rewinds the iterator to its first element.
	Reset()
}

// sliceIterator walks a plain list.
type sliceIterator struct {
	events []model.Event
	pos    int
}

// FromSlice iterates over events in order. The slice is not copied.
func FromSlice(events []model.Event) Iterator {
	return &sliceIterator{events: events}
}

func (it *sliceIterator) HasNext() bool { return it.pos < len(it.events) }

func (it *sliceIterator) Next() (model.Event, error) {
	if !it.HasNext() {
		return model.Event{}, ErrExhausted
	}
	ev := it.events[it.pos]
	it.pos++
	return ev, nil
}

func (it *sliceIterator) Reset() { it.pos = 0 }

// recurringIterator expands each series inside a window, one series at a
// time, yielding occurrences series by series.
type recurringIterator struct {
	series     []model.Event
	start, end time.Time
	overlap    bool

	idx     int
	current []model.Event
	pos     int
}

// Recurring yields the occurrences of every series whose start lies in the
// closed window [start, end].
func Recurring(series []model.Event, start, end time.Time) Iterator {
	return &recurringIterator{series: series, start: start, end: end}
}

// RecurringOverlapping yields the occurrences of every series whose span
// intersects the closed window [start, end].
func RecurringOverlapping(series []model.Event, start, end time.Time) Iterator {
	return &recurringIterator{series: series, start: start, end: end, overlap: true}
}

func (it *recurringIterator) fill() {
	for it.pos >= len(it.current) && it.idx < len(it.series) {
		s := it.series[it.idx]
		it.idx++
		if it.overlap {
			it.current = s.OccurrencesOverlapping(it.start, it.end)
		} else {
			it.current = s.OccurrencesBetween(it.start, it.end)
		}
		it.pos = 0
	}
}

func (it *recurringIterator) HasNext() bool {
	it.fill()
	return it.pos < len(it.current)
}

func (it *recurringIterator) Next() (model.Event, error) {
	if !it.HasNext() {
		return model.Event{}, ErrExhausted
	}
	ev := it.current[it.pos]
	it.pos++
	return ev, nil
}

func (it *recurringIterator) Reset() {
	it.idx = 0
	it.current = nil
	it.pos = 0
}

// Predicate selects events for Filter.
type Predicate func(model.Event) bool

// filterIterator yields only elements of inner satisfying pred.
type filterIterator struct {
	inner   Iterator
	pred    Predicate
	pending *model.Event
}

// Filter wraps inner, skipping events for which pred is false.
func Filter(inner Iterator, pred Predicate) Iterator {
	return &filterIterator{inner: inner, pred: pred}
}

func (it *filterIterator) HasNext() bool {
	for it.pending == nil && it.inner.HasNext() {
		ev, err := it.inner.Next()
		if err != nil {
			return false
		}
		if it.pred(ev) {
			it.pending = &ev
		}
	}
	return it.pending != nil
}

func (it *filterIterator) Next() (model.Event, error) {
	if !it.HasNext() {
		return model.Event{}, ErrExhausted
	}
	ev := *it.pending
	it.pending = nil
	return ev, nil
}

func (it *filterIterator) Reset() {
	it.inner.Reset()
	it.pending = nil
}

// compositeIterator concatenates its sources.
type compositeIterator struct {
	sources []Iterator
	idx     int
}

// Composite yields every element of each source in order, moving to the next
// source only once the current one is exhausted. Duplicates across sources
// are passed through; see Dedup.
func Composite(sources ...Iterator) Iterator {
	return &compositeIterator{sources: sources}
}

func (it *compositeIterator) HasNext() bool {
	for it.idx < len(it.sources) {
		if it.sources[it.idx].HasNext() {
			return true
		}
		it.idx++
	}
	return false
}

func (it *compositeIterator) Next() (model.Event, error) {
	if !it.HasNext() {
		return model.Event{}, ErrExhausted
	}
	return it.sources[it.idx].Next()
}

func (it *compositeIterator) Reset() {
	for _, s := range it.sources {
		s.Reset()
	}
	it.idx = 0
}

// Collect drains it into a slice.
func Collect(it Iterator) []model.Event {
	out := make([]model.Event, 0)
	for it.HasNext() {
		ev, err := it.Next()
		if err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}

// Seq adapts it for range-over-func loops.
func Seq(it Iterator) iter.Seq[model.Event] {
	return func(yield func(model.Event) bool) {
		for it.HasNext() {
			ev, err := it.Next()
			if err != nil || !yield(ev) {
				return
			}
		}
	}
}

// Dedup keeps the first event seen for each id, preserving order.
func Dedup(events []model.Event) []model.Event {
	seen := make(map[string]struct{}, len(events))
	out := events[:0:0]
	for _, ev := range events {
		if _, ok := seen[ev.ID]; ok {
			continue
		}
		seen[ev.ID] = struct{}{}
		out = append(out, ev)
	}
	return out
}

// BySubject matches events with exactly this subject.
func BySubject(subject string) Predicate {
	return func(ev model.Event) bool { return ev.Subject == subject }
}

// StartingOnOrAfter matches events starting at or after t.
func StartingOnOrAfter(t time.Time) Predicate {
	return func(ev model.Event) bool { return !ev.Start.Before(t) }
}

// Overlapping matches events whose span intersects [start, end].
func Overlapping(start, end time.Time) Predicate {
	return func(ev model.Event) bool { return !(ev.End.Before(start) || ev.Start.After(end)) }
}

// Not inverts p.
func Not(p Predicate) Predicate {
	return func(ev model.Event) bool { return !p(ev) }
}

// All combines predicates with a logical and.
func All(ps ...Predicate) Predicate {
	return func(ev model.Event) bool {
		for _, p := range ps {
			if !p(ev) {
				return false
			}
		}
		return true
	}
}
