package ics

import (
	"io"
	"time"

	ical "github.com/arran4/golang-ical"

	"tzcal/internal/calendar"
	"tzcal/internal/model"
)

const (
	productService  = "tzcal"
	icalLocalLayout = "20060102T150405"
	icalDateLayout  = "20060102"
)

// Export renders cal as an iCalendar document. Standalone events (detached
// occurrences included) become plain VEVENTs; each series becomes one VEVENT
// with an RRULE and EXDATEs for its removed dates.
func Export(cal *calendar.Calendar) *ical.Calendar {
	out := ical.NewCalendarFor(productService)
	out.SetMethod(ical.MethodPublish)
	out.SetXWRCalName(cal.Name())
	out.SetXWRTimezone(cal.Location().String())

	stamp := time.Now().UTC()
	for _, ev := range cal.StandaloneEvents() {
		ve := out.AddEvent(ev.ID)
		writeCommon(ve, ev, stamp)
		if ev.AllDay {
			writeAllDaySpan(ve, ev, cal.Location())
		} else {
			ve.SetStartAt(ev.Start)
			ve.SetEndAt(ev.End)
		}
	}

	for _, s := range cal.AllRecurringEvents() {
		ve := out.AddEvent(s.ID)
		writeCommon(ve, s, stamp)
		anchor := s.Rule.Anchor()
		if s.AllDay {
			writeAllDaySpan(ve, s, anchor)
		} else {
			setZoned(ve, ical.ComponentPropertyDtStart, s.Start, anchor)
			setZoned(ve, ical.ComponentPropertyDtEnd, s.End, anchor)
		}

		opt := s.Rule.ROption(s.Start)
		ve.AddRrule(opt.RRuleString())

		clock := s.Start.In(anchor)
		for _, d := range s.Rule.Exceptions() {
			if s.AllDay {
				ve.AddExdate(d.Format(icalDateLayout), ical.WithValue(string(ical.ValueDataTypeDate)))
				continue
			}
			at := time.Date(d.Year(), d.Month(), d.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, anchor)
			if anchor == time.UTC {
				ve.AddExdate(at.UTC().Format(icalLocalLayout + "Z"))
			} else {
				ve.AddExdate(at.Format(icalLocalLayout), ical.WithTZID(anchor.String()))
			}
		}
	}
	return out
}

// WriteCalendar serialises cal to w.
func WriteCalendar(w io.Writer, cal *calendar.Calendar) error {
	return Export(cal).SerializeTo(w)
}

func writeCommon(ve *ical.VEvent, ev model.Event, stamp time.Time) {
	ve.SetDtStampTime(stamp)
	ve.SetSummary(ev.Subject)
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}
	if ev.Location != "" {
		ve.SetLocation(ev.Location)
	}
	if ev.Visibility == model.Private {
		ve.SetClass(ical.ClassificationPrivate)
	} else {
		ve.SetClass(ical.ClassificationPublic)
	}
}

// writeAllDaySpan writes VALUE=DATE bounds; DTEND is the exclusive next date.
func writeAllDaySpan(ve *ical.VEvent, ev model.Event, loc *time.Location) {
	start := ev.Start.In(loc)
	last := ev.End.In(loc)
	ve.SetAllDayStartAt(start)
	ve.SetAllDayEndAt(time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1))
}

// setZoned writes t as local time with a TZID so consumers keep the wall
// clock across DST, or in UTC form for UTC-anchored series.
func setZoned(ve *ical.VEvent, prop ical.ComponentProperty, t time.Time, loc *time.Location) {
	if loc == time.UTC {
		ve.SetProperty(prop, t.UTC().Format(icalLocalLayout+"Z"))
		return
	}
	ve.SetProperty(prop, t.In(loc).Format(icalLocalLayout), ical.WithTZID(loc.String()))
}
