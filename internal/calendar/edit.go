package calendar

import (
	"errors"
	"fmt"
	"time"

	"tzcal/internal/eventiter"
	appLog "tzcal/internal/log"
	"tzcal/internal/model"
)

// ItemResult is the outcome of one edit in a batch. On success Event is the
// stored result; on failure it is the event the edit targeted.
type ItemResult struct {
	Event model.Event
	Err   error
}

// BatchResult collects independent per-event outcomes. Failed items are not
// rolled back and do not undo successful ones.
type BatchResult struct {
	Items []ItemResult
}

func (r *BatchResult) add(ev model.Event, err error) {
	r.Items = append(r.Items, ItemResult{Event: ev, Err: err})
}

func (r BatchResult) Total() int { return len(r.Items) }

func (r BatchResult) Succeeded() int {
	n := 0
	for _, it := range r.Items {
		if it.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the items whose edit was rejected.
func (r BatchResult) Failed() []ItemResult {
	var out []ItemResult
	for _, it := range r.Items {
		if it.Err != nil {
			out = append(out, it)
		}
	}
	return out
}

func (r BatchResult) AllSucceeded() bool { return r.Succeeded() == len(r.Items) }

func (r BatchResult) NoneSucceeded() bool { return r.Succeeded() == 0 }

// Err joins the failures, or returns nil when every item succeeded.
func (r BatchResult) Err() error {
	var errs []error
	for _, it := range r.Failed() {
		errs = append(errs, it.Err)
	}
	return errors.Join(errs...)
}

// EditSingleEvent applies edit to the event or occurrence with this subject
// starting at start. Editing an occurrence detaches it from its series.
func (c *Calendar) EditSingleEvent(subject string, start time.Time, edit model.Edit) (model.Event, error) {
	target, err := c.FindEvent(subject, start)
	if err != nil {
		return model.Event{}, err
	}
	return c.applyEdit(target, edit)
}

// EditEventsFromDate edits every event with this subject starting at or
// after from. A series starting at or after from is edited as a whole; a
// series already running at from has its remaining occurrences detached.
func (c *Calendar) EditEventsFromDate(subject string, from time.Time, edit model.Edit) BatchResult {
	return c.editMatching(subject, &from, edit)
}

// EditAllEvents edits every event and series with this subject.
func (c *Calendar) EditAllEvents(subject string, edit model.Edit) BatchResult {
	return c.editMatching(subject, nil, edit)
}

func (c *Calendar) editMatching(subject string, from *time.Time, edit model.Edit) BatchResult {
	sel := eventiter.BySubject(subject)
	if from != nil {
		sel = eventiter.All(sel, eventiter.StartingOnOrAfter(*from))
	}

	targets := eventiter.Collect(eventiter.Filter(eventiter.FromSlice(c.events), sel))
	var whole []model.Event
	for _, s := range c.series {
		if s.Subject != subject {
			continue
		}
		if from == nil || !s.Start.Before(*from) {
			whole = append(whole, s.Clone())
			continue
		}
		remaining := s.OccurrencesBetween(*from, s.LastOccurrenceEnd())
		targets = append(targets, eventiter.Collect(eventiter.Filter(eventiter.FromSlice(remaining), sel))...)
	}
	sortEvents(targets)

	var res BatchResult
	for _, s := range whole {
		edited, err := c.editSeries(s, edit)
		if err != nil {
			res.add(s, err)
			continue
		}
		res.add(edited, nil)
	}
	for _, t := range targets {
		edited, err := c.applyEdit(t, edit)
		if err != nil {
			res.add(t, err)
			continue
		}
		res.add(edited, nil)
	}
	appLog.Debug("batch edit", "calendar", c.name, "subject", subject,
		"total", res.Total(), "succeeded", res.Succeeded())
	return res
}

// applyEdit edits a standalone event in place, or detaches a generated
// occurrence: its series gains an exception and the edited copy is stored
// standalone under the occurrence id.
func (c *Calendar) applyEdit(target model.Event, edit model.Edit) (model.Event, error) {
	edited := target.Clone()
	if err := edit(&edited); err != nil {
		return model.Event{}, err
	}
	if err := edited.Validate(); err != nil {
		return model.Event{}, err
	}
	if existing, found := c.findConflict(edited, target.ID, ""); found {
		return model.Event{}, &model.ConflictError{Candidate: edited, Existing: existing}
	}

	if i := indexOf(c.events, target.ID); i >= 0 {
		c.events[i] = edited
		return edited, nil
	}
	j := indexOf(c.series, target.SeriesID)
	if j < 0 {
		return model.Event{}, fmt.Errorf("%w: series %s", model.ErrEventNotFound, target.SeriesID)
	}
	rule := c.series[j].Rule
	rule.Except(model.CivilDate(target.Start.In(rule.Anchor())))
	c.events = append(c.events, edited)
	appLog.Debug("occurrence detached", "calendar", c.name, "series", target.SeriesID, "start", target.Start)
	return edited, nil
}

// editSeries edits a series definition, re-checking every occurrence.
func (c *Calendar) editSeries(series model.Event, edit model.Edit) (model.Event, error) {
	edited := series.Clone()
	if err := edit(&edited); err != nil {
		return model.Event{}, err
	}
	if err := edited.Validate(); err != nil {
		return model.Event{}, err
	}
	occs, err := expandSeries(edited)
	if err != nil {
		return model.Event{}, err
	}
	for _, occ := range occs {
		if existing, found := c.findConflict(occ, "", series.ID); found {
			return model.Event{}, &model.ConflictError{Candidate: occ, Existing: existing}
		}
	}

	j := indexOf(c.series, series.ID)
	if j < 0 {
		return model.Event{}, fmt.Errorf("%w: series %s", model.ErrEventNotFound, series.ID)
	}
	c.series[j] = edited
	return edited.Clone(), nil
}
