package calendar

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	appLog "tzcal/internal/log"
	"tzcal/internal/model"
)

type CopyStatus int

const (
	Copied CopyStatus = iota
	// Conflict means the copy overlapped an event in the target and was declined.
	Conflict
	// Failed means the copy could not be built, e.g. it became invalid.
	Failed
)

func (s CopyStatus) String() string {
	switch s {
	case Copied:
		return "copied"
	case Conflict:
		return "conflict"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("CopyStatus(%d)", int(s))
}

// CopyItem is the outcome for one source event. Copy is the event as stored
// (or as it would have been stored) in the target calendar.
type CopyItem struct {
	Source model.Event
	Copy   model.Event
	Status CopyStatus
	Err    error
}

// CopyReport lists per-event outcomes of a copy. Copies that succeeded stay
// in the target even when others failed.
type CopyReport struct {
	Target string
	Items  []CopyItem
}

func (r CopyReport) Total() int { return len(r.Items) }

func (r CopyReport) Succeeded() int {
	n := 0
	for _, it := range r.Items {
		if it.Status == Copied {
			n++
		}
	}
	return n
}

func (r CopyReport) AllSucceeded() bool { return r.Succeeded() == len(r.Items) }

func (r CopyReport) NoneSucceeded() bool { return r.Succeeded() == 0 }

// copyPair resolves the active source and the named target.
func (m *Manager) copyPair(target string) (*Calendar, *Calendar, error) {
	src, err := m.ActiveCalendar()
	if err != nil {
		return nil, nil, err
	}
	dst, err := m.Calendar(target)
	if err != nil {
		return nil, nil, err
	}
	return src, dst, nil
}

// CopyEvent copies one event of the active calendar into target at the same
// instant, so its local time in the target is the source time converted.
// All-day events keep their date and span that whole day in the target zone.
func (m *Manager) CopyEvent(subject string, sourceStart time.Time, target string) (CopyReport, error) {
	src, dst, err := m.copyPair(target)
	if err != nil {
		return CopyReport{}, err
	}
	ev, err := src.FindEvent(subject, sourceStart)
	if err != nil {
		return CopyReport{}, err
	}
	report := CopyReport{Target: dst.name}
	report.Items = append(report.Items, copyInto(dst, ev, copyStart(src, dst, ev, 0)))
	return report, nil
}

// CopyEventTo copies one event into target starting at targetStart's wall
// clock read in the target zone.
func (m *Manager) CopyEventTo(subject string, sourceStart time.Time, target string, targetStart time.Time) (CopyReport, error) {
	src, dst, err := m.copyPair(target)
	if err != nil {
		return CopyReport{}, err
	}
	ev, err := src.FindEvent(subject, sourceStart)
	if err != nil {
		return CopyReport{}, err
	}
	start := dst.wallClock(targetStart)
	if ev.AllDay {
		start = dst.dayStart(targetStart)
	}
	report := CopyReport{Target: dst.name}
	report.Items = append(report.Items, copyInto(dst, ev, start))
	return report, nil
}

// CopyEventsOnDate copies every event starting on sourceDate (active
// calendar zone) to targetDate, keeping each time of day as seen in the
// target zone.
func (m *Manager) CopyEventsOnDate(sourceDate time.Time, target string, targetDate time.Time) (CopyReport, error) {
	src, dst, err := m.copyPair(target)
	if err != nil {
		return CopyReport{}, err
	}
	return copyShifted(src, dst, src.EventsOnDate(sourceDate), dayOffset(sourceDate, targetDate)), nil
}

// CopyEventsInRange copies every event overlapping the dates sourceStart
// through sourceEnd, keeping each event's day offset from sourceStart
// relative to targetStart.
func (m *Manager) CopyEventsInRange(sourceStart, sourceEnd time.Time, target string, targetStart time.Time) (CopyReport, error) {
	src, dst, err := m.copyPair(target)
	if err != nil {
		return CopyReport{}, err
	}
	if src.dayStart(sourceEnd).Before(src.dayStart(sourceStart)) {
		return CopyReport{}, &model.ValidationError{Field: "range", Reason: "range end is before its start"}
	}
	events := src.EventsInRange(src.dayStart(sourceStart), src.dayEnd(sourceEnd))
	return copyShifted(src, dst, events, dayOffset(sourceStart, targetStart)), nil
}

func copyShifted(src, dst *Calendar, events []model.Event, days int) CopyReport {
	report := CopyReport{Target: dst.name, Items: make([]CopyItem, 0, len(events))}
	for _, ev := range events {
		report.Items = append(report.Items, copyInto(dst, ev, copyStart(src, dst, ev, days)))
	}
	appLog.Debug("events copied", "target", dst.name, "total", report.Total(), "succeeded", report.Succeeded())
	return report
}

// copyStart is where the copy of ev shifted by days begins in dst. Timed
// events keep their instant; all-day events keep their date as seen in src.
func copyStart(src, dst *Calendar, ev model.Event, days int) time.Time {
	if ev.AllDay {
		return dst.dayStart(ev.Start.In(src.loc).AddDate(0, 0, days))
	}
	return ev.Start.In(dst.loc).AddDate(0, 0, days)
}

// copyInto adds a fresh standalone copy of ev to dst starting at start with
// ev's duration. An all-day copy runs to the end of start's day in dst.
func copyInto(dst *Calendar, ev model.Event, start time.Time) CopyItem {
	dup := ev.Clone()
	dup.ID = uuid.NewString()
	dup.SeriesID = ""
	dup.Rule = nil
	item := CopyItem{Source: ev, Status: Failed}

	end := start.Add(ev.Duration())
	if ev.AllDay {
		end = model.EndOfDay(start.In(dst.loc))
	}
	if err := dup.SetSpan(start.UTC(), end.UTC()); err != nil {
		item.Copy, item.Err = dup, err
		return item
	}
	item.Copy = dup
	added, err := dst.AddEvent(dup, false)
	switch {
	case err != nil:
		item.Err = err
	case !added:
		item.Status = Conflict
		item.Err = fmt.Errorf("%w: %q at %s in %q", model.ErrConflictingEvent, dup.Subject, start.Format(time.RFC3339), dst.name)
	default:
		item.Status = Copied
	}
	return item
}

// dayOffset is the number of calendar days from a's date to b's date.
func dayOffset(a, b time.Time) int {
	da := model.CivilDate(a)
	db := model.CivilDate(b)
	return int(db.Sub(da).Hours() / 24)
}
