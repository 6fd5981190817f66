package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"
)

// MaxOccurrences is the largest number of occurrences a stored series may
// expand to.
const MaxOccurrences = 5000

const dateLayout = "2006-01-02"

// WeekdaySet is a bit set of time.Weekday values.
type WeekdaySet uint8

// NewWeekdaySet builds a set from the given days.
func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s |= 1 << uint(d)
	}
	return s
}

// weekdayLetters maps the single-letter day codes (M T W R F S U) used by
// text collaborators, in Monday-first order.
var weekdayLetters = []struct {
	letter byte
	day    time.Weekday
}{
	{'M', time.Monday},
	{'T', time.Tuesday},
	{'W', time.Wednesday},
	{'R', time.Thursday},
	{'F', time.Friday},
	{'S', time.Saturday},
	{'U', time.Sunday},
}

// ParseWeekdays parses a string such as "MWF" or "TR".
func ParseWeekdays(s string) (WeekdaySet, error) {
	var set WeekdaySet
	for i := 0; i < len(s); i++ {
		c := s[i] &^ 0x20 // upper-case ASCII
		found := false
		for _, wl := range weekdayLetters {
			if wl.letter == c {
				set |= NewWeekdaySet(wl.day)
				found = true
				break
			}
		}
		if !found {
			return 0, invalid("weekdays", "unknown weekday code %q in %q", s[i], s)
		}
	}
	if set == 0 {
		return 0, invalid("weekdays", "no weekdays given")
	}
	return set, nil
}

func (s WeekdaySet) Has(d time.Weekday) bool { return s&(1<<uint(d)) != 0 }

func (s WeekdaySet) Len() int {
	n := 0
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			n++
		}
	}
	return n
}

// Days returns the members Monday first.
func (s WeekdaySet) Days() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for _, wl := range weekdayLetters {
		if s.Has(wl.day) {
			out = append(out, wl.day)
		}
	}
	return out
}

// String renders the set in the letter form accepted by ParseWeekdays.
func (s WeekdaySet) String() string {
	var b strings.Builder
	for _, wl := range weekdayLetters {
		if s.Has(wl.day) {
			b.WriteByte(wl.letter)
		}
	}
	return b.String()
}

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

// RRuleWeekdays converts the set for use with rrule-go.
func (s WeekdaySet) RRuleWeekdays() []rrule.Weekday {
	days := s.Days()
	out := make([]rrule.Weekday, 0, len(days))
	for _, d := range days {
		out = append(out, rruleWeekdays[d])
	}
	return out
}

// WeekdaySetFromRRule converts rrule-go weekdays back into a set.
// Weekdays with an ordinal (e.g. 2MO) are rejected.
func WeekdaySetFromRRule(days []rrule.Weekday) (WeekdaySet, error) {
	var set WeekdaySet
	for _, d := range days {
		if d.N() != 0 {
			return 0, invalid("weekdays", "ordinal weekday %s is not supported", d)
		}
		// rrule-go numbers Monday as 0.
		set |= NewWeekdaySet(time.Weekday((d.Day() + 1) % 7))
	}
	return set, nil
}

// TerminationKind tells which end condition a series uses.
type TerminationKind int

const (
	terminationUnset TerminationKind = iota
	TerminateAfterCount
	TerminateUntil
)

// Termination is exactly one of: stop after N occurrences, or stop after a
// calendar date. The zero value is invalid.
type Termination struct {
	kind  TerminationKind
	count int
	until time.Time
}

// AfterCount ends a series after n occurrences.
func AfterCount(n int) Termination {
	return Termination{kind: TerminateAfterCount, count: n}
}

// UntilDate ends a series on the calendar date of d (inclusive). Only the
// year, month and day of d in its own location are kept.
func UntilDate(d time.Time) Termination {
	return Termination{kind: TerminateUntil, until: time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)}
}

func (t Termination) Kind() TerminationKind { return t.kind }

// Count returns the occurrence count when the series is count-terminated.
func (t Termination) Count() (int, bool) {
	return t.count, t.kind == TerminateAfterCount
}

// Until returns the until date (midnight UTC carrying the civil date).
func (t Termination) Until() (time.Time, bool) {
	return t.until, t.kind == TerminateUntil
}

func (t Termination) String() string {
	switch t.kind {
	case TerminateAfterCount:
		return fmt.Sprintf("count=%d", t.count)
	case TerminateUntil:
		return "until=" + t.until.Format(dateLayout)
	}
	return "unset"
}

// RecurringRule turns an Event into a weekly series.
type RecurringRule struct {
	Weekdays    WeekdaySet
	Termination Termination
	SeriesID    string
	// Location anchors the series' wall-clock time of day. Nil means UTC.
	Location *time.Location

	exceptions map[string]struct{}
}

// RuleOption customises a rule at construction time.
type RuleOption func(*RecurringRule)

// WithSeriesID fixes the series id instead of generating one.
func WithSeriesID(id string) RuleOption { return func(r *RecurringRule) { r.SeriesID = id } }

// WithAnchor sets the zone whose wall clock the series follows.
func WithAnchor(loc *time.Location) RuleOption { return func(r *RecurringRule) { r.Location = loc } }

// NewRecurringEvent attaches a weekly rule to base. The returned event is a
// series definition whose ID equals its series id.
func NewRecurringEvent(base Event, weekdays WeekdaySet, term Termination, opts ...RuleOption) (Event, error) {
	rule := RecurringRule{
		Weekdays:    weekdays,
		Termination: term,
	}
	for _, opt := range opts {
		opt(&rule)
	}
	if rule.SeriesID == "" {
		rule.SeriesID = uuid.NewString()
	}

	ev := base.Clone()
	ev.Rule = &rule
	ev.ID = rule.SeriesID
	ev.SeriesID = rule.SeriesID
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Anchor returns the zone occurrences are generated in.
func (r *RecurringRule) Anchor() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

func (r *RecurringRule) validate(start time.Time) error {
	if r.Weekdays == 0 {
		return invalid("weekdays", "a recurring event needs at least one weekday")
	}
	switch r.Termination.kind {
	case TerminateAfterCount:
		if r.Termination.count <= 0 {
			return invalid("occurrences", "occurrence count must be positive, got %d", r.Termination.count)
		}
	case TerminateUntil:
		first := civilDate(start.In(r.Anchor()))
		if !r.Termination.until.After(first) {
			return invalid("until", "until date %s must be after the first start date %s",
				r.Termination.until.Format(dateLayout), first.Format(dateLayout))
		}
	default:
		return invalid("termination", "either an occurrence count or an until date is required")
	}
	if r.SeriesID == "" {
		return invalid("series", "series id is required")
	}
	return nil
}

// Except removes the occurrence on date (in the anchor zone's calendar).
func (r *RecurringRule) Except(date time.Time) {
	if r.exceptions == nil {
		r.exceptions = make(map[string]struct{})
	}
	r.exceptions[date.Format(dateLayout)] = struct{}{}
}

// IsExcepted reports whether the occurrence on date was removed.
func (r *RecurringRule) IsExcepted(date time.Time) bool {
	_, ok := r.exceptions[date.Format(dateLayout)]
	return ok
}

// Exceptions lists the removed dates in ascending order as midnight UTC values.
func (r *RecurringRule) Exceptions() []time.Time {
	out := make([]time.Time, 0, len(r.exceptions))
	for k := range r.exceptions {
		if t, err := time.Parse(dateLayout, k); err == nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (r RecurringRule) clone() RecurringRule {
	if r.exceptions != nil {
		ex := make(map[string]struct{}, len(r.exceptions))
		for k := range r.exceptions {
			ex[k] = struct{}{}
		}
		r.exceptions = ex
	}
	return r
}

// ROption renders the rule as rrule-go options anchored at dtstart.
func (r *RecurringRule) ROption(dtstart time.Time) rrule.ROption {
	loc := r.Anchor()
	opt := rrule.ROption{
		Freq:      rrule.WEEKLY,
		Dtstart:   dtstart.In(loc),
		Byweekday: r.Weekdays.RRuleWeekdays(),
	}
	switch r.Termination.kind {
	case TerminateAfterCount:
		opt.Count = r.Termination.count
	case TerminateUntil:
		u := r.Termination.until
		opt.Until = time.Date(u.Year(), u.Month(), u.Day(), 23, 59, 59, 0, loc)
	}
	return opt
}

// occurrenceNamespace scopes the name-based UUIDs of occurrences.
var occurrenceNamespace = uuid.MustParse("7d0c6b8e-2f4a-5c1e-9b3d-4a6e8f0c2b1d")

// OccurrenceID derives the id of a series' occurrence on date. It is a pure
// function of its inputs, so re-expanding a series never changes identities.
func OccurrenceID(seriesID string, date time.Time) string {
	return uuid.NewSHA1(occurrenceNamespace, []byte(seriesID+"/"+date.Format(dateLayout))).String()
}

// NewOccurrence materialises the occurrence of series starting at start with
// an explicit id. Timed occurrences keep the series' duration; all-day ones
// end at 23:59:59 of their own date in the anchor zone, however long that
// day is.
func NewOccurrence(series Event, id string, start time.Time) Event {
	end := start.Add(series.Duration())
	if series.AllDay {
		loc := start.Location()
		if series.Rule != nil {
			loc = series.Rule.Anchor()
		}
		end = EndOfDay(start.In(loc))
	}
	return Event{
		ID:          id,
		Subject:     series.Subject,
		Start:       start.UTC(),
		End:         end.UTC(),
		Description: series.Description,
		Location:    series.Location,
		Visibility:  series.Visibility,
		AllDay:      series.AllDay,
		SeriesID:    series.SeriesID,
	}
}

var errNotRecurring = errors.New("event has no recurring rule")

func (e Event) rrule() (*rrule.RRule, error) {
	if e.Rule == nil {
		return nil, errNotRecurring
	}
	return rrule.NewRRule(e.Rule.ROption(e.Start))
}

// materialise turns an rrule-go occurrence time into an Event. rrule-go works
// at second precision, so the series' sub-second offset is added back.
func (e Event) materialise(t time.Time) (Event, bool) {
	loc := e.Rule.Anchor()
	start := t.Add(time.Duration(e.Start.In(loc).Nanosecond()))
	date := civilDate(start.In(loc))
	if e.Rule.IsExcepted(date) {
		return Event{}, false
	}
	return NewOccurrence(e, OccurrenceID(e.SeriesID, date), start), true
}

// OccurrencesBetween returns the occurrences whose start lies in the closed
// window [rangeStart, rangeEnd], in chronological order. A count-terminated
// series is always counted from its first start. For a non-recurring event it
// returns the event itself when its start is inside the window.
func (e Event) OccurrencesBetween(rangeStart, rangeEnd time.Time) []Event {
	if rangeEnd.Before(rangeStart) {
		return nil
	}
	if e.Rule == nil {
		if e.Start.Before(rangeStart) || e.Start.After(rangeEnd) {
			return nil
		}
		return []Event{e}
	}

	r, err := e.rrule()
	if err != nil {
		return nil
	}
	loc := e.Rule.Anchor()
	// Widen by a second for the truncated sub-second part, then filter exactly.
	times := r.Between(rangeStart.Add(-time.Second).In(loc), rangeEnd.In(loc), true)

	out := make([]Event, 0, len(times))
	for _, t := range times {
		occ, ok := e.materialise(t)
		if !ok {
			continue
		}
		if occ.Start.Before(rangeStart) || occ.Start.After(rangeEnd) {
			continue
		}
		out = append(out, occ)
	}
	return out
}

// OccurrencesOverlapping returns the occurrences whose span intersects the
// closed window [start, end].
func (e Event) OccurrencesOverlapping(start, end time.Time) []Event {
	candidates := e.OccurrencesBetween(start.Add(-e.maxSpan()), end)
	out := candidates[:0]
	for _, occ := range candidates {
		if !occ.End.Before(start) {
			out = append(out, occ)
		}
	}
	return out
}

// maxSpan bounds the length of any single occurrence. An all-day
// occurrence grows by the DST shift on a fall-back day.
func (e Event) maxSpan() time.Duration {
	if e.AllDay {
		return e.Duration() + 2*time.Hour
	}
	return e.Duration()
}

// AllOccurrences expands the whole series, up to MaxOccurrences.
func (e Event) AllOccurrences() []Event {
	occs, _ := e.expand(MaxOccurrences)
	return occs
}

// ExpandOccurrences expands the whole series and fails when it has more
// than MaxOccurrences occurrences, so every occurrence a stored series can
// produce is known up front.
func (e Event) ExpandOccurrences() ([]Event, error) {
	occs, truncated := e.expand(MaxOccurrences)
	if truncated {
		return nil, invalid("occurrences", "series expands to more than %d occurrences", MaxOccurrences)
	}
	return occs, nil
}

// expand returns up to limit occurrences and whether more remain.
func (e Event) expand(limit int) ([]Event, bool) {
	if e.Rule == nil {
		return []Event{e}, false
	}
	r, err := e.rrule()
	if err != nil {
		return nil, false
	}
	next := r.Iterator()
	out := make([]Event, 0)
	for {
		t, ok := next()
		if !ok {
			return out, false
		}
		occ, ok := e.materialise(t)
		if !ok {
			continue
		}
		if len(out) == limit {
			return out, true
		}
		out = append(out, occ)
	}
}

// LastOccurrenceEnd returns the end of the final occurrence, used to bound
// searches over a series.
func (e Event) LastOccurrenceEnd() time.Time {
	if e.Rule == nil {
		return e.End
	}
	occs := e.AllOccurrences()
	if len(occs) == 0 {
		return e.End
	}
	return occs[len(occs)-1].End
}

// civilDate strips the clock and zone, keeping the date t shows on a wall calendar.
func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CivilDate is civilDate for callers outside the package.
func CivilDate(t time.Time) time.Time { return civilDate(t) }
