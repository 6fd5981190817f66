package ics

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"tzcal/internal/calendar"
	appLog "tzcal/internal/log"
	"tzcal/internal/model"
)

// ErrUnsupportedRule marks RRULEs that are not a bounded weekly rule.
var ErrUnsupportedRule = errors.New("unsupported recurrence rule")

// SkippedEvent records a VEVENT that was not imported.
type SkippedEvent struct {
	UID     string
	Summary string
	Reason  error
}

// ImportReport summarises one import run.
type ImportReport struct {
	Added int
	// Existing counts UIDs already present in the calendar.
	Existing int
	// Declined lists UIDs that overlapped stored events.
	Declined []string
	// Overrides counts RECURRENCE-ID instances applied to imported series.
	Overrides int
	Skipped   []SkippedEvent
}

// ImportICS parses body and imports it into cal.
func ImportICS(cal *calendar.Calendar, src Source, body []byte) (ImportReport, error) {
	events, err := ParseICS(src, body)
	if err != nil {
		return ImportReport{}, err
	}
	return Import(cal, events), nil
}

// Import adds parsed events to cal without failing on conflicts. Events whose
// UID is already stored are left alone, so importing the same feed twice is
// a no-op. Overrides are applied as single-occurrence edits of the series
// imported in the same run.
func Import(cal *calendar.Calendar, events []ParsedEvent) ImportReport {
	var report ImportReport
	skip := func(pe ParsedEvent, err error) {
		report.Skipped = append(report.Skipped, SkippedEvent{UID: pe.UID, Summary: pe.Summary, Reason: err})
	}

	imported := make(map[string]model.Event)
	var overrides []ParsedEvent
	for _, pe := range events {
		if pe.IsOverride() {
			overrides = append(overrides, pe)
			continue
		}
		if cal.HasEvent(pe.UID) {
			report.Existing++
			continue
		}
		ev, err := toModel(pe, cal.Location())
		if err != nil {
			skip(pe, err)
			continue
		}
		added, err := cal.AddEvent(ev, false)
		switch {
		case err != nil:
			skip(pe, err)
		case !added:
			report.Declined = append(report.Declined, pe.UID)
		default:
			report.Added++
			imported[pe.UID] = ev
		}
	}

	for _, ov := range overrides {
		series, ok := imported[ov.UID]
		if !ok || !series.IsRecurring() {
			continue
		}
		replacement, err := toModel(ov, cal.Location())
		if err != nil {
			skip(ov, err)
			continue
		}
		rid := *ov.Recurrence
		if ov.Floating {
			rid = rezone(rid, cal.Location())
		}
		_, err = cal.EditSingleEvent(series.Subject, rid, overrideEdit(replacement))
		if err != nil {
			skip(ov, err)
			continue
		}
		report.Overrides++
	}

	appLog.Info("ics import completed", "calendar", cal.Name(), "added", report.Added,
		"existing", report.Existing, "declined", len(report.Declined), "skipped", len(report.Skipped))
	return report
}

// overrideEdit copies the replacement's fields onto a detached occurrence.
func overrideEdit(r model.Event) model.Edit {
	return func(e *model.Event) error {
		if err := e.SetSubject(r.Subject); err != nil {
			return err
		}
		if err := e.SetSpan(r.Start, r.End); err != nil {
			return err
		}
		e.SetDescription(r.Description)
		e.SetLocation(r.Location)
		e.SetVisibility(r.Visibility)
		return nil
	}
}

// toModel converts a parsed VEVENT. Floating and all-day times are read in loc.
func toModel(pe ParsedEvent, loc *time.Location) (model.Event, error) {
	start, end := pe.Start, pe.End
	if pe.Floating {
		start = rezone(start, loc)
		if !end.IsZero() {
			end = rezone(end, loc)
		}
	}

	opts := []model.Option{
		model.WithID(pe.UID),
		model.WithDescription(pe.Description),
		model.WithLocation(pe.Location),
	}
	if pe.Private {
		opts = append(opts, model.WithVisibility(model.Private))
	}

	var (
		ev  model.Event
		err error
	)
	if pe.AllDay {
		day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
		last := day
		// DTEND of an all-day event is the exclusive next date.
		if !end.IsZero() {
			if excl := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc); excl.After(day) {
				last = excl.AddDate(0, 0, -1)
			}
		}
		ev, err = model.NewEvent(pe.Summary, day, model.EndOfDay(last), opts...)
	} else {
		if end.IsZero() {
			end = start
		}
		ev, err = model.NewEvent(pe.Summary, start, end, opts...)
	}
	if err != nil {
		return model.Event{}, err
	}
	ev.AllDay = pe.AllDay
	if pe.RawRRule == "" {
		return ev, nil
	}

	anchor := start.Location()
	if pe.AllDay {
		anchor = loc
	}
	days, term, err := weeklyRule(pe.RawRRule, ev.Start.In(anchor))
	if err != nil {
		return model.Event{}, err
	}
	series, err := model.NewRecurringEvent(ev, days, term, model.WithSeriesID(pe.UID), model.WithAnchor(anchor))
	if err != nil {
		return model.Event{}, err
	}
	for _, ex := range pe.ExDates {
		if pe.Floating {
			ex = rezone(ex, anchor)
		}
		series.Rule.Except(model.CivilDate(ex.In(anchor)))
	}
	return series, nil
}

// weeklyRule maps a bounded FREQ=WEEKLY rule onto weekdays and a
// termination. Anything rrule-go can express beyond that is rejected.
func weeklyRule(raw string, start time.Time) (model.WeekdaySet, model.Termination, error) {
	opt, err := rrule.StrToROptionInLocation(raw, start.Location())
	if err != nil {
		return 0, model.Termination{}, fmt.Errorf("%w: %v", ErrUnsupportedRule, err)
	}
	if opt.Freq != rrule.WEEKLY {
		return 0, model.Termination{}, fmt.Errorf("%w: FREQ=%v", ErrUnsupportedRule, opt.Freq)
	}
	if opt.Interval > 1 {
		return 0, model.Termination{}, fmt.Errorf("%w: INTERVAL=%d", ErrUnsupportedRule, opt.Interval)
	}
	if len(opt.Bysetpos)+len(opt.Bymonth)+len(opt.Bymonthday)+len(opt.Byyearday)+len(opt.Byweekno)+
		len(opt.Byhour)+len(opt.Byminute)+len(opt.Bysecond)+len(opt.Byeaster) > 0 {
		return 0, model.Termination{}, fmt.Errorf("%w: only BYDAY is supported", ErrUnsupportedRule)
	}

	days := model.NewWeekdaySet(start.Weekday())
	if len(opt.Byweekday) > 0 {
		if days, err = model.WeekdaySetFromRRule(opt.Byweekday); err != nil {
			return 0, model.Termination{}, fmt.Errorf("%w: %v", ErrUnsupportedRule, err)
		}
	}

	switch {
	case opt.Count > 0:
		return days, model.AfterCount(opt.Count), nil
	case !opt.Until.IsZero():
		return days, model.UntilDate(opt.Until.In(start.Location())), nil
	}
	return 0, model.Termination{}, fmt.Errorf("%w: unbounded rule", ErrUnsupportedRule)
}

// rezone keeps t's wall clock but moves it to loc.
func rezone(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}
