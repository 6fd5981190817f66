package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tzcal/internal/calendar"
	"tzcal/internal/config"
)

func newTestServer(t *testing.T, cfg *config.Config) (http.Handler, *calendar.Manager) {
	t.Helper()
	m := calendar.NewManager()
	_, err := m.CreateCalendar("Work", "America/New_York")
	require.NoError(t, err)
	_, err = m.CreateCalendar("Ops", "UTC")
	require.NoError(t, err)
	_, err = m.CreateCalendar("Karachi", "Asia/Karachi")
	require.NoError(t, err)
	require.NoError(t, m.SetActiveCalendar("Work"))
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return NewServer(cfg, &sync.Mutex{}, m, nil).Handler(), m
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t, nil)
	rec := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	h, _ := newTestServer(t, cfg)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code)

	rec := do(t, h, http.MethodGet, "/api/calendars", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/calendars", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/calendars", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCalendars(t *testing.T) {
	h, m := newTestServer(t, nil)

	list := decode[[]calendarDTO](t, do(t, h, http.MethodGet, "/api/calendars", nil))
	assert.Equal(t, []calendarDTO{
		{Name: "Karachi", Timezone: "Asia/Karachi"},
		{Name: "Ops", Timezone: "UTC"},
		{Name: "Work", Timezone: "America/New_York", Active: true},
	}, list)

	rec := do(t, h, http.MethodPost, "/api/calendars", calendarRequest{Name: "Home", Timezone: "Europe/Paris", Active: true})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, calendarDTO{Name: "Home", Timezone: "Europe/Paris", Active: true}, decode[calendarDTO](t, rec))
	assert.Equal(t, "Home", m.ActiveName())

	assert.Equal(t, http.StatusConflict,
		do(t, h, http.MethodPost, "/api/calendars", calendarRequest{Name: "Home", Timezone: "UTC"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPost, "/api/calendars", calendarRequest{Name: "Mars", Timezone: "Mars/Olympus"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPost, "/api/calendars", `{"name":"x","colour":"red"}`).Code)

	// Missing zone falls back to the configured default.
	rec = do(t, h, http.MethodPost, "/api/calendars", calendarRequest{Name: "Default"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "UTC", decode[calendarDTO](t, rec).Timezone)

	rec = do(t, h, http.MethodPatch, "/api/calendars/Home", calendarPatch{Name: "House", Timezone: "Asia/Tokyo"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, calendarDTO{Name: "House", Timezone: "Asia/Tokyo", Active: true}, decode[calendarDTO](t, rec))

	rec = do(t, h, http.MethodPut, "/api/calendars/Ops/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[calendarDTO](t, rec).Active)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/calendars/House", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/calendars/House", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPut, "/api/calendars/Nope/active", nil).Code)
}

func TestEvents_AddAndConflict(t *testing.T) {
	h, _ := newTestServer(t, nil)

	rec := do(t, h, http.MethodPost, "/api/calendars/Work/events", eventRequest{
		Subject: "Standup", Start: "2024-01-01T09:00", End: "2024-01-01T09:30", Location: "Room 1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	added := decode[addResponse](t, rec)
	require.NotNil(t, added.Event)
	assert.NotEmpty(t, added.Event.ID)
	assert.Equal(t, "2024-01-01T09:00:00-05:00", added.Event.Start.Format("2006-01-02T15:04:05Z07:00"))
	assert.Equal(t, "public", added.Event.Visibility)

	overlap := eventRequest{Subject: "Sync", Start: "2024-01-01T09:15", End: "2024-01-01T09:45"}
	rec = do(t, h, http.MethodPost, "/api/calendars/Work/events", overlap)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "Standup")

	rec = do(t, h, http.MethodPost, "/api/calendars/Work/events?autodecline=false", overlap)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[addResponse](t, rec).Added)

	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPost, "/api/calendars/Work/events?autodecline=maybe", overlap).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/calendars/Work/events", eventRequest{
		Subject: "Backwards", Start: "2024-01-02T10:00", End: "2024-01-02T09:00",
	}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/calendars/Work/events", "{").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/calendars/Nope/events", overlap).Code)

	rec = do(t, h, http.MethodPost, "/api/calendars/Work/events", eventRequest{Subject: "Holiday", Date: "2024-01-05"})
	require.Equal(t, http.StatusCreated, rec.Code)
	holiday := decode[addResponse](t, rec).Event
	assert.True(t, holiday.AllDay)
	assert.Equal(t, "2024-01-05T23:59:59-05:00", holiday.End.Format("2006-01-02T15:04:05Z07:00"))

	list := decode[eventsResponse](t, do(t, h, http.MethodGet, "/api/calendars/Work/events?date=2024-01-01", nil))
	assert.Equal(t, "America/New_York", list.Timezone)
	require.Len(t, list.Events, 1)
	assert.Equal(t, "Standup", list.Events[0].Subject)

	busy := decode[map[string]bool](t, do(t, h, http.MethodGet, "/api/calendars/Work/busy?at=2024-01-01T09:10", nil))
	assert.True(t, busy["busy"])
	busy = decode[map[string]bool](t, do(t, h, http.MethodGet, "/api/calendars/Work/busy?at=2024-01-01T14:10:00Z", nil))
	assert.True(t, busy["busy"])
	busy = decode[map[string]bool](t, do(t, h, http.MethodGet, "/api/calendars/Work/busy?at=2024-01-01T10:00", nil))
	assert.False(t, busy["busy"])
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/calendars/Work/busy?at=soon", nil).Code)
}

func TestEvents_RecurringAndEdit(t *testing.T) {
	h, _ := newTestServer(t, nil)

	rec := do(t, h, http.MethodPost, "/api/calendars/Work/recurring", recurringRequest{
		eventRequest: eventRequest{Subject: "Gym", Start: "2024-01-01T07:00", End: "2024-01-01T08:00"},
		Weekdays:     "MWF",
		Count:        3,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	series := decode[addResponse](t, rec).Event
	require.NotNil(t, series.Rule)
	assert.Equal(t, "MWF", series.Rule.Weekdays)
	assert.Equal(t, 3, series.Rule.Count)
	assert.Equal(t, "America/New_York", series.Rule.Timezone)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/calendars/Work/recurring", recurringRequest{
		eventRequest: eventRequest{Subject: "Both", Start: "2024-02-01T07:00", End: "2024-02-01T08:00"},
		Weekdays:     "R", Count: 2, Until: "2024-03-01",
	}).Code)

	rec = do(t, h, http.MethodPost, "/api/calendars/Work/recurring", recurringRequest{
		eventRequest: eventRequest{Subject: "Review", Date: "2024-01-02"},
		Weekdays:     "TR",
		Until:        "2024-01-11",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "2024-01-11", decode[addResponse](t, rec).Event.Rule.Until)

	list := decode[eventsResponse](t, do(t, h, http.MethodGet, "/api/calendars/Work/events", nil))
	assert.Len(t, list.Events, 7)
	seriesList := decode[eventsResponse](t, do(t, h, http.MethodGet, "/api/calendars/Work/events?series=true", nil))
	assert.Len(t, seriesList.Events, 2)

	rec = do(t, h, http.MethodPatch, "/api/calendars/Work/events", editRequest{
		Subject: "Gym", Start: "2024-01-03T07:00", Scope: "single", Property: "subject", Value: "Swim",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	edited := decode[editResponse](t, rec)
	require.Len(t, edited.Items, 1)
	assert.Equal(t, "Swim", edited.Items[0].Event.Subject)

	rec = do(t, h, http.MethodPatch, "/api/calendars/Work/events", editRequest{
		Subject: "Gym", Scope: "all", Property: "location", Value: "Basement",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	window := decode[eventsResponse](t, do(t, h, http.MethodGet,
		"/api/calendars/Work/events?from=2024-01-01T00:00&to=2024-01-03T23:59", nil))
	subjects := make([]string, 0, len(window.Events))
	for _, ev := range window.Events {
		subjects = append(subjects, ev.Subject+"/"+ev.Location)
	}
	assert.Equal(t, []string{"Gym/Basement", "Review/", "Swim/"}, subjects)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPatch, "/api/calendars/Work/events", editRequest{
		Subject: "Nothing", Scope: "all", Property: "subject", Value: "x",
	}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPatch, "/api/calendars/Work/events", editRequest{
		Subject: "Gym", Scope: "all", Property: "colour", Value: "x",
	}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPatch, "/api/calendars/Work/events", editRequest{
		Subject: "Gym", Scope: "sometimes", Property: "subject", Value: "x",
	}).Code)
}

func TestCopy(t *testing.T) {
	h, _ := newTestServer(t, nil)

	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/calendars/Ops/events", eventRequest{
		Subject: "Deploy", Start: "2024-01-01T10:00", End: "2024-01-01T11:00",
	}).Code)

	rec := do(t, h, http.MethodPost, "/api/copy", copyRequest{
		Source: "Ops", Target: "Karachi", Mode: "event", Subject: "Deploy", Start: "2024-01-01T10:00",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[copyResponse](t, rec)
	assert.Equal(t, 1, report.Succeeded)
	require.NotNil(t, report.Items[0].Copy)
	assert.Equal(t, "2024-01-01T15:00:00+05:00", report.Items[0].Copy.Start.Format("2006-01-02T15:04:05Z07:00"))

	// Copying again lands on the same slot and is reported per item.
	rec = do(t, h, http.MethodPost, "/api/copy", copyRequest{
		Target: "Karachi", Mode: "day", Date: "2024-01-01", TargetDate: "2024-01-01",
	})
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	report = decode[copyResponse](t, rec)
	assert.Equal(t, 0, report.Succeeded)
	assert.Equal(t, "conflict", strings.ToLower(report.Items[0].Status))

	rec = do(t, h, http.MethodPost, "/api/copy", copyRequest{
		Target: "Karachi", Mode: "range", From: "2024-01-01", To: "2024-01-02", TargetDate: "2024-02-01",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report = decode[copyResponse](t, rec)
	require.Len(t, report.Items, 1)
	assert.Equal(t, "2024-02-01T15:00:00+05:00", report.Items[0].Copy.Start.Format("2006-01-02T15:04:05Z07:00"))

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/copy", copyRequest{
		Target: "Nope", Mode: "day", Date: "2024-01-01", TargetDate: "2024-01-01",
	}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/copy", copyRequest{
		Target: "Karachi", Mode: "week",
	}).Code)
}

func TestExportImport(t *testing.T) {
	h, _ := newTestServer(t, nil)

	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/calendars/Work/recurring", recurringRequest{
		eventRequest: eventRequest{Subject: "Gym", Start: "2024-01-01T07:00", End: "2024-01-01T08:00", Visibility: "private"},
		Weekdays:     "MWF",
		Count:        3,
	}).Code)

	rec := do(t, h, http.MethodGet, "/api/calendars/Work/export.ics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/calendar"))
	body := rec.Body.String()
	assert.Contains(t, body, "RRULE:FREQ=WEEKLY;COUNT=3;BYDAY=MO,WE,FR")
	assert.Contains(t, body, "CLASS:PRIVATE")

	rec = do(t, h, http.MethodPost, "/api/calendars/Ops/import", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	imported := decode[importDTO](t, rec)
	assert.Equal(t, 1, imported.Added)

	rec = do(t, h, http.MethodPost, "/api/calendars/Ops/import", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[importDTO](t, rec).Existing)

	list := decode[eventsResponse](t, do(t, h, http.MethodGet, "/api/calendars/Ops/events", nil))
	require.Len(t, list.Events, 3)
	assert.Equal(t, "2024-01-01T12:00:00Z", list.Events[0].Start.Format("2006-01-02T15:04:05Z07:00"))

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/calendars/Ops/import", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/calendars/Nope/export.ics", nil).Code)
}

func TestRefreshWithoutSubscriptions(t *testing.T) {
	h, _ := newTestServer(t, nil)
	rec := do(t, h, http.MethodPost, "/api/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
