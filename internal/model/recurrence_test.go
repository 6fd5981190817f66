package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mwf = NewWeekdaySet(time.Monday, time.Wednesday, time.Friday)

func mustSeries(t *testing.T, start, end time.Time, days WeekdaySet, term Termination, opts ...RuleOption) Event {
	t.Helper()
	base := mustEvent(t, "Class", start, end)
	ev, err := NewRecurringEvent(base, days, term, opts...)
	require.NoError(t, err)
	return ev
}

func dates(events []Event, loc *time.Location) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Start.In(loc).Format("2006-01-02"))
	}
	return out
}

func TestRecurring_CountOnMonWedFri(t *testing.T) {
	series := mustSeries(t, at(0, 9, 0), at(0, 10, 0), mwf, AfterCount(3))

	occs := series.AllOccurrences()
	require.Len(t, occs, 3)
	assert.Equal(t, []string{"2024-01-01", "2024-01-03", "2024-01-05"}, dates(occs, time.UTC))
	for _, occ := range occs {
		assert.Equal(t, 9, occ.Start.Hour())
		assert.Equal(t, time.Hour, occ.Duration())
		assert.Equal(t, series.SeriesID, occ.SeriesID)
		assert.True(t, occ.IsOccurrence())
		assert.False(t, occ.IsRecurring())
	}
}

func TestRecurring_CountYieldsExactlyN(t *testing.T) {
	sets := []WeekdaySet{
		NewWeekdaySet(time.Monday),
		NewWeekdaySet(time.Tuesday, time.Thursday),
		mwf,
		NewWeekdaySet(time.Saturday, time.Sunday),
		NewWeekdaySet(time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday),
	}
	for _, set := range sets {
		for _, n := range []int{1, 2, 7, 20} {
			series := mustSeries(t, at(0, 8, 0), at(0, 8, 45), set, AfterCount(n))
			occs := series.AllOccurrences()
			require.Len(t, occs, n, "set %s count %d", set, n)
			for _, occ := range occs {
				assert.True(t, set.Has(occ.Start.Weekday()), "set %s got %s", set, occ.Start.Weekday())
			}
		}
	}
}

func TestRecurring_UntilBound(t *testing.T) {
	tueThu := NewWeekdaySet(time.Tuesday, time.Thursday)
	// 2024-01-20 is a Saturday; the last Tue/Thu on or before it is the 18th.
	series := mustSeries(t, at(1, 14, 0), at(1, 15, 0), tueThu, UntilDate(time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)))

	occs := series.AllOccurrences()
	require.NotEmpty(t, occs)
	until := time.Date(2024, 1, 20, 23, 59, 59, 0, time.UTC)
	for _, occ := range occs {
		assert.False(t, occ.Start.After(until))
	}
	assert.Equal(t, "2024-01-18", occs[len(occs)-1].Start.Format("2006-01-02"))
	assert.Len(t, occs, 6)
}

func TestRecurring_UntilDateIsInclusive(t *testing.T) {
	series := mustSeries(t, at(0, 22, 0), at(0, 23, 0), mwf, UntilDate(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)))

	occs := series.AllOccurrences()
	assert.Equal(t, []string{"2024-01-01", "2024-01-03", "2024-01-05"}, dates(occs, time.UTC))
}

func TestRecurring_StartNotOnRepeatDay(t *testing.T) {
	// Sunday start, Monday-only series: the first occurrence is the next day.
	series := mustSeries(t, at(6, 9, 0), at(6, 10, 0), NewWeekdaySet(time.Monday), AfterCount(2))

	assert.Equal(t, []string{"2024-01-08", "2024-01-15"}, dates(series.AllOccurrences(), time.UTC))
}

func TestRecurring_Validation(t *testing.T) {
	base := mustEvent(t, "Class", at(0, 9, 0), at(0, 10, 0))

	tests := []struct {
		name  string
		days  WeekdaySet
		term  Termination
		field string
	}{
		{"no weekdays", 0, AfterCount(3), "weekdays"},
		{"zero count", mwf, AfterCount(0), "occurrences"},
		{"negative count", mwf, AfterCount(-2), "occurrences"},
		{"until on start date", mwf, UntilDate(at(0, 0, 0)), "until"},
		{"until before start", mwf, UntilDate(at(-3, 0, 0)), "until"},
		{"no termination", mwf, Termination{}, "termination"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRecurringEvent(base, tt.days, tt.term)
			require.ErrorIs(t, err, ErrInvalidEvent)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestRecurring_UntilComparedInAnchorZone(t *testing.T) {
	tokyo := mustLoad(t, "Asia/Tokyo")
	// 2024-01-01 20:00 UTC is already 2024-01-02 in Tokyo.
	base := mustEvent(t, "Call", at(0, 20, 0), at(0, 21, 0))

	_, err := NewRecurringEvent(base, mwf, UntilDate(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	_, err = NewRecurringEvent(base, mwf, UntilDate(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)), WithAnchor(tokyo))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestTermination_IsExclusive(t *testing.T) {
	count := AfterCount(4)
	n, ok := count.Count()
	assert.True(t, ok)
	assert.Equal(t, 4, n)
	_, ok = count.Until()
	assert.False(t, ok)

	until := UntilDate(time.Date(2024, 2, 1, 15, 0, 0, 0, time.UTC))
	_, ok = until.Count()
	assert.False(t, ok)
	d, ok := until.Until()
	assert.True(t, ok)
	assert.Equal(t, "2024-02-01", d.Format("2006-01-02"))
	assert.Equal(t, "until=2024-02-01", until.String())
}

func TestRecurring_ExpansionIsIdempotent(t *testing.T) {
	series := mustSeries(t, at(0, 9, 0), at(0, 9, 30), mwf, AfterCount(12))
	from, to := at(2, 0, 0), at(20, 0, 0)

	first := series.OccurrencesBetween(from, to)
	second := series.OccurrencesBetween(from, to)
	require.NotEmpty(t, first)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.True(t, first[i].Start.Equal(second[i].Start))
	}

	// A window expansion yields the same identities as the full expansion.
	byID := map[string]Event{}
	for _, occ := range series.AllOccurrences() {
		byID[occ.ID] = occ
	}
	for _, occ := range first {
		full, ok := byID[occ.ID]
		require.True(t, ok)
		assert.True(t, full.Start.Equal(occ.Start))
	}
}

func TestOccurrenceID(t *testing.T) {
	d1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, OccurrenceID("series-a", d1), OccurrenceID("series-a", d1))
	assert.NotEqual(t, OccurrenceID("series-a", d1), OccurrenceID("series-a", d2))
	assert.NotEqual(t, OccurrenceID("series-a", d1), OccurrenceID("series-b", d1))
}

func TestRecurring_WindowCountsFromSeriesStart(t *testing.T) {
	// Six occurrences: Jan 1, 3, 5, 8, 10, 12.
	series := mustSeries(t, at(0, 9, 0), at(0, 10, 0), mwf, AfterCount(6))

	occs := series.OccurrencesBetween(at(7, 0, 0), at(30, 0, 0))
	assert.Equal(t, []string{"2024-01-08", "2024-01-10", "2024-01-12"}, dates(occs, time.UTC))

	// Window boundaries are inclusive of occurrence starts.
	occs = series.OccurrencesBetween(at(2, 9, 0), at(4, 9, 0))
	assert.Equal(t, []string{"2024-01-03", "2024-01-05"}, dates(occs, time.UTC))

	assert.Empty(t, series.OccurrencesBetween(at(30, 0, 0), at(7, 0, 0)))
}

func TestRecurring_OccurrencesOverlapping(t *testing.T) {
	// Overnight series: 22:00 to 02:00 next day.
	series := mustSeries(t, at(0, 22, 0), at(1, 2, 0), mwf, AfterCount(3))

	occs := series.OccurrencesOverlapping(at(1, 1, 0), at(1, 1, 30))
	require.Len(t, occs, 1)
	assert.Equal(t, "2024-01-01", occs[0].Start.Format("2006-01-02"))

	assert.Empty(t, series.OccurrencesOverlapping(at(1, 2, 1), at(1, 21, 59)))
}

func TestRecurring_FollowsAnchorWallClockAcrossDST(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	// DST starts 2024-03-10 in New York.
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, ny)
	series := mustSeries(t, start, start.Add(30*time.Minute), mwf, AfterCount(6), WithAnchor(ny))

	occs := series.AllOccurrences()
	require.Len(t, occs, 6)
	for _, occ := range occs {
		local := occ.Start.In(ny)
		assert.Equal(t, 9, local.Hour(), local.String())
		assert.Equal(t, 30*time.Minute, occ.Duration())
	}
	assert.NotEqual(t, occs[0].Start.UTC().Hour(), occs[5].Start.UTC().Hour())
}

func TestRecurring_PreservesSubSecondStart(t *testing.T) {
	start := at(0, 9, 0).Add(500 * time.Millisecond)
	series := mustSeries(t, start, start.Add(time.Hour), mwf, AfterCount(2))

	occs := series.AllOccurrences()
	require.Len(t, occs, 2)
	assert.True(t, occs[0].Start.Equal(start))
	assert.Equal(t, 500*time.Millisecond, time.Duration(occs[1].Start.Nanosecond()))

	window := series.OccurrencesBetween(start, start)
	require.Len(t, window, 1)
}

func TestRecurring_Exceptions(t *testing.T) {
	series := mustSeries(t, at(0, 9, 0), at(0, 10, 0), mwf, AfterCount(3))
	series.Rule.Except(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, []string{"2024-01-01", "2024-01-05"}, dates(series.AllOccurrences(), time.UTC))
	assert.True(t, series.Rule.IsExcepted(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)))
	assert.Len(t, series.Rule.Exceptions(), 1)

	clone := series.Clone()
	clone.Rule.Except(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	assert.Len(t, series.Rule.Exceptions(), 1, "clone must not share exceptions")
	assert.Len(t, clone.Rule.Exceptions(), 2)
}

func TestRecurring_NonRecurringWindow(t *testing.T) {
	ev := mustEvent(t, "Once", at(0, 9, 0), at(0, 10, 0))

	assert.Len(t, ev.OccurrencesBetween(at(0, 0, 0), at(1, 0, 0)), 1)
	assert.Empty(t, ev.OccurrencesBetween(at(1, 0, 0), at(2, 0, 0)))
	assert.Len(t, ev.AllOccurrences(), 1)
	assert.True(t, ev.LastOccurrenceEnd().Equal(ev.End))
}

func TestParseWeekdays(t *testing.T) {
	set, err := ParseWeekdays("MWF")
	require.NoError(t, err)
	assert.Equal(t, mwf, set)
	assert.Equal(t, "MWF", set.String())

	set, err = ParseWeekdays("utr")
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Tuesday, time.Thursday, time.Sunday}, set.Days())
	assert.Equal(t, 3, set.Len())

	_, err = ParseWeekdays("MX")
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = ParseWeekdays("")
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestWeekdaySet_RRuleRoundTrip(t *testing.T) {
	set := NewWeekdaySet(time.Sunday, time.Tuesday, time.Saturday)
	back, err := WeekdaySetFromRRule(set.RRuleWeekdays())
	require.NoError(t, err)
	assert.Equal(t, set, back)
}

var everyDay = NewWeekdaySet(time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday)

func TestRecurring_AllDayAcrossDSTChange(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	// 2024-03-10 is 23 hours long in New York, 2024-11-03 is 25.
	for _, first := range []time.Time{
		time.Date(2024, 3, 8, 0, 0, 0, 0, ny),
		time.Date(2024, 11, 1, 0, 0, 0, 0, ny),
	} {
		base, err := NewAllDayEvent("Gym", first)
		require.NoError(t, err)
		series, err := NewRecurringEvent(base, everyDay, AfterCount(5), WithAnchor(ny))
		require.NoError(t, err)

		occs := series.AllOccurrences()
		require.Len(t, occs, 5)
		for i, occ := range occs {
			start, end := occ.Start.In(ny), occ.End.In(ny)
			assert.True(t, occ.AllDay)
			assert.Equal(t, [3]int{0, 0, 0}, [3]int{start.Hour(), start.Minute(), start.Second()}, "start of %s", start)
			assert.Equal(t, start.Day(), end.Day(), "end of %s", start)
			assert.Equal(t, [3]int{23, 59, 59}, [3]int{end.Hour(), end.Minute(), end.Second()}, "end of %s", start)
			if i > 0 {
				assert.False(t, occ.ConflictsWith(occs[i-1]), "%s overlaps the day before", start)
			}
		}
	}
}

func TestRecurring_AllDayOverlappingLongDay(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	base, err := NewAllDayEvent("Gym", time.Date(2024, 11, 1, 0, 0, 0, 0, ny))
	require.NoError(t, err)
	series, err := NewRecurringEvent(base, everyDay, AfterCount(5), WithAnchor(ny))
	require.NoError(t, err)

	late := time.Date(2024, 11, 3, 23, 30, 0, 0, ny)
	occs := series.OccurrencesOverlapping(late, late)
	assert.Equal(t, []string{"2024-11-03"}, dates(occs, ny))
}

func TestRecurring_ExpandOccurrencesLimit(t *testing.T) {
	series := mustSeries(t, at(0, 9, 0), at(0, 10, 0), everyDay, UntilDate(time.Date(2050, 1, 1, 0, 0, 0, 0, time.UTC)))

	_, err := series.ExpandOccurrences()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "occurrences", verr.Field)
	assert.Len(t, series.AllOccurrences(), MaxOccurrences)

	series = mustSeries(t, at(0, 9, 0), at(0, 10, 0), everyDay, AfterCount(MaxOccurrences))
	occs, err := series.ExpandOccurrences()
	require.NoError(t, err)
	assert.Len(t, occs, MaxOccurrences)
}

func TestRecurring_LastOccurrenceEnd(t *testing.T) {
	series := mustSeries(t, at(0, 9, 0), at(0, 10, 0), mwf, AfterCount(3))
	assert.True(t, series.LastOccurrenceEnd().Equal(at(4, 10, 0)))

	series.Rule.Except(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	assert.True(t, series.LastOccurrenceEnd().Equal(at(2, 10, 0)))
}
