package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tzcal/internal/calendar"
	"tzcal/internal/ics"
	appLog "tzcal/internal/log"
	"tzcal/internal/model"
)

const maxBodyBytes = 4 << 20

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// decodeJSON reads a JSON request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

// autoDecline reads ?autodecline=, defaulting to strict mode.
func autoDecline(r *http.Request) (bool, error) {
	v := r.URL.Query().Get("autodecline")
	if v == "" {
		return true, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, badRequest("autodecline: %v", err)
	}
	return b, nil
}

// calendarDTO is the JSON view of a calendar.
type calendarDTO struct {
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
	Active   bool   `json:"active"`
}

func (s *Server) calendarView(cal *calendar.Calendar) calendarDTO {
	return calendarDTO{
		Name:     cal.Name(),
		Timezone: cal.Location().String(),
		Active:   s.manager.ActiveName() == cal.Name(),
	}
}

// ruleDTO describes a series' recurrence.
type ruleDTO struct {
	Weekdays   string   `json:"weekdays"`
	Count      int      `json:"count,omitempty"`
	Until      string   `json:"until,omitempty"`
	Timezone   string   `json:"timezone"`
	Exceptions []string `json:"exceptions,omitempty"`
}

// eventDTO is the JSON view of an event; times are rendered in the
// calendar's zone.
type eventDTO struct {
	ID          string    `json:"id"`
	SeriesID    string    `json:"series_id,omitempty"`
	Subject     string    `json:"subject"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Visibility  string    `json:"visibility"`
	Rule        *ruleDTO  `json:"rule,omitempty"`
}

func toEventDTO(ev model.Event, loc *time.Location) eventDTO {
	dto := eventDTO{
		ID:          ev.ID,
		SeriesID:    ev.SeriesID,
		Subject:     ev.Subject,
		Start:       ev.Start.In(loc),
		End:         ev.End.In(loc),
		AllDay:      ev.AllDay,
		Description: ev.Description,
		Location:    ev.Location,
		Visibility:  ev.Visibility.String(),
	}
	if ev.Rule != nil {
		rule := &ruleDTO{
			Weekdays: ev.Rule.Weekdays.String(),
			Timezone: ev.Rule.Anchor().String(),
		}
		if n, ok := ev.Rule.Termination.Count(); ok {
			rule.Count = n
		}
		if d, ok := ev.Rule.Termination.Until(); ok {
			rule.Until = d.Format(time.DateOnly)
		}
		for _, d := range ev.Rule.Exceptions() {
			rule.Exceptions = append(rule.Exceptions, d.Format(time.DateOnly))
		}
		dto.Rule = rule
	}
	return dto
}

func toEventDTOs(events []model.Event, loc *time.Location) []eventDTO {
	out := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventDTO(ev, loc))
	}
	return out
}

// eventsResponse is the JSON response shape for event listings.
type eventsResponse struct {
	Calendar string     `json:"calendar"`
	Timezone string     `json:"timezone"`
	Events   []eventDTO `json:"events"`
}

// addResponse reports whether an add went through. Declined adds in lenient
// mode carry no event.
type addResponse struct {
	Added bool      `json:"added"`
	Event *eventDTO `json:"event,omitempty"`
}

func (s *Server) handleListCalendars(w http.ResponseWriter, _ *http.Request) {
	var out []calendarDTO
	_ = s.locked(func() error {
		out = make([]calendarDTO, 0, len(s.manager.Names()))
		for _, name := range s.manager.Names() {
			cal, err := s.manager.Calendar(name)
			if err != nil {
				continue
			}
			out = append(out, s.calendarView(cal))
		}
		return nil
	})
	writeJSON(w, http.StatusOK, out)
}

type calendarRequest struct {
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
	Active   bool   `json:"active"`
}

func (s *Server) handleCreateCalendar(w http.ResponseWriter, r *http.Request) {
	var req calendarRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Timezone == "" && s.cfg != nil {
		req.Timezone = s.cfg.Timezone
	}

	var out calendarDTO
	err := s.locked(func() error {
		cal, err := s.manager.CreateCalendar(req.Name, req.Timezone)
		if err != nil {
			return err
		}
		if req.Active {
			if err := s.manager.SetActiveCalendar(cal.Name()); err != nil {
				return err
			}
		}
		out = s.calendarView(cal)
		return nil
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	appLog.Info("calendar created", "calendar", out.Name, "timezone", out.Timezone)
	writeJSON(w, http.StatusCreated, out)
}

// calendarPatch renames and/or re-zones a calendar.
type calendarPatch struct {
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

func (s *Server) handleUpdateCalendar(w http.ResponseWriter, r *http.Request) {
	var req calendarPatch
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	name := r.PathValue("name")

	var out calendarDTO
	err := s.locked(func() error {
		if req.Name != "" && req.Name != name {
			if err := s.manager.EditCalendarName(name, req.Name); err != nil {
				return err
			}
			name = req.Name
		}
		if req.Timezone != "" {
			if err := s.manager.EditCalendarTimezone(name, req.Timezone); err != nil {
				return err
			}
		}
		cal, err := s.manager.Calendar(name)
		if err != nil {
			return err
		}
		out = s.calendarView(cal)
		return nil
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteCalendar(w http.ResponseWriter, r *http.Request) {
	if err := s.locked(func() error { return s.manager.DeleteCalendar(r.PathValue("name")) }); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var out calendarDTO
	err := s.locked(func() error {
		name := r.PathValue("name")
		if err := s.manager.SetActiveCalendar(name); err != nil {
			return err
		}
		cal, err := s.manager.Calendar(name)
		if err != nil {
			return err
		}
		out = s.calendarView(cal)
		return nil
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleListEvents lists events of one calendar.
//
// GET /api/calendars/{name}/events?date=2024-01-01
// GET /api/calendars/{name}/events?from=2024-01-01T00:00&to=2024-01-07T23:59
// GET /api/calendars/{name}/events?series=true
//
// Without a filter every standalone event and occurrence is returned.
// Wall-clock times without an offset are read in the calendar's zone.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var resp eventsResponse
	err := s.onCalendar(r.PathValue("name"), func(cal *calendar.Calendar) error {
		loc := cal.Location()
		resp.Calendar, resp.Timezone = cal.Name(), loc.String()

		var events []model.Event
		switch {
		case q.Get("date") != "":
			date, err := model.ParseDate(q.Get("date"), loc)
			if err != nil {
				return err
			}
			events = cal.EventsOnDate(date)
		case q.Get("from") != "" || q.Get("to") != "":
			from, err := model.ParseTime(q.Get("from"), loc)
			if err != nil {
				return err
			}
			to, err := model.ParseTime(q.Get("to"), loc)
			if err != nil {
				return err
			}
			events = cal.EventsInRange(from, to)
		case q.Get("series") == "true":
			events = cal.AllRecurringEvents()
		default:
			events = cal.AllEvents()
		}
		resp.Events = toEventDTOs(events, loc)
		return nil
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// eventRequest describes a single event. Date makes it an all-day event;
// otherwise Start and End are required.
type eventRequest struct {
	Subject     string `json:"subject"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Date        string `json:"date"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Visibility  string `json:"visibility"`
}

func (req eventRequest) options() ([]model.Option, error) {
	opts := []model.Option{
		model.WithDescription(req.Description),
		model.WithLocation(req.Location),
	}
	if req.Visibility != "" {
		v, err := model.ParseVisibility(req.Visibility)
		if err != nil {
			return nil, err
		}
		opts = append(opts, model.WithVisibility(v))
	}
	return opts, nil
}

func (req eventRequest) build(loc *time.Location) (model.Event, error) {
	opts, err := req.options()
	if err != nil {
		return model.Event{}, err
	}
	if req.Date != "" {
		day, err := model.ParseDate(req.Date, loc)
		if err != nil {
			return model.Event{}, err
		}
		return model.NewAllDayEvent(req.Subject, day, opts...)
	}
	start, err := model.ParseTime(req.Start, loc)
	if err != nil {
		return model.Event{}, err
	}
	end, err := model.ParseTime(req.End, loc)
	if err != nil {
		return model.Event{}, err
	}
	return model.NewEvent(req.Subject, start, end, opts...)
}

func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	strict, err := autoDecline(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	var resp addResponse
	err = s.onCalendar(r.PathValue("name"), func(cal *calendar.Calendar) error {
		ev, err := req.build(cal.Location())
		if err != nil {
			return err
		}
		added, err := cal.AddEvent(ev, strict)
		if err != nil || !added {
			return err
		}
		stored, err := cal.FindEvent(ev.Subject, ev.Start)
		if err != nil {
			return err
		}
		dto := toEventDTO(stored, cal.Location())
		resp = addResponse{Added: true, Event: &dto}
		return nil
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeAdd(w, resp)
}

func writeAdd(w http.ResponseWriter, resp addResponse) {
	if resp.Added {
		writeJSON(w, http.StatusCreated, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// recurringRequest describes a weekly series. Exactly one of Count and
// Until must be set.
type recurringRequest struct {
	eventRequest
	Weekdays string `json:"weekdays"`
	Count    int    `json:"count"`
	Until    string `json:"until"`
}

func (s *Server) handleAddRecurring(w http.ResponseWriter, r *http.Request) {
	strict, err := autoDecline(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req recurringRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if (req.Count > 0) == (req.Until != "") {
		writeErr(w, r, badRequest("exactly one of count and until is required"))
		return
	}
	days, err := model.ParseWeekdays(req.Weekdays)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		writeErr(w, r, err)
		return
	}

	var resp addResponse
	err = s.onCalendar(r.PathValue("name"), func(cal *calendar.Calendar) error {
		series, added, err := createSeries(cal, req, days, strict, opts)
		if err != nil || !added {
			return err
		}
		dto := toEventDTO(series, cal.Location())
		resp = addResponse{Added: true, Event: &dto}
		return nil
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeAdd(w, resp)
}

// createSeries picks the calendar constructor matching the request's shape.
func createSeries(cal *calendar.Calendar, req recurringRequest, days model.WeekdaySet, strict bool, opts []model.Option) (model.Event, bool, error) {
	loc := cal.Location()
	var until time.Time
	if req.Until != "" {
		d, err := model.ParseDate(req.Until, loc)
		if err != nil {
			return model.Event{}, false, err
		}
		until = d
	}

	if req.Date != "" {
		date, err := model.ParseDate(req.Date, loc)
		if err != nil {
			return model.Event{}, false, err
		}
		if req.Until != "" {
			return cal.CreateAllDayRecurringEventUntil(req.Subject, date, days, until, strict, opts...)
		}
		return cal.CreateAllDayRecurringEvent(req.Subject, date, days, req.Count, strict, opts...)
	}

	start, err := model.ParseTime(req.Start, loc)
	if err != nil {
		return model.Event{}, false, err
	}
	end, err := model.ParseTime(req.End, loc)
	if err != nil {
		return model.Event{}, false, err
	}
	if req.Until != "" {
		return cal.CreateRecurringEventUntil(req.Subject, start, end, days, until, strict, opts...)
	}
	return cal.CreateRecurringEvent(req.Subject, start, end, days, req.Count, strict, opts...)
}

// editRequest changes one property of the events named by subject.
// Scope is "single" (the event starting at Start), "from" (events starting
// at or after Start) or "all".
type editRequest struct {
	Subject  string `json:"subject"`
	Start    string `json:"start"`
	Scope    string `json:"scope"`
	Property string `json:"property"`
	Value    string `json:"value"`
}

type editItemDTO struct {
	Event *eventDTO `json:"event,omitempty"`
	Error string    `json:"error,omitempty"`
}

type editResponse struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Items     []editItemDTO `json:"items"`
}

func (s *Server) handleEditEvents(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	var batch calendar.BatchResult
	var loc *time.Location
	err := s.onCalendar(r.PathValue("name"), func(cal *calendar.Calendar) error {
		loc = cal.Location()
		edit, err := model.ParseEdit(req.Property, req.Value, loc)
		if err != nil {
			return err
		}
		switch strings.ToLower(req.Scope) {
		case "", "single":
			start, err := model.ParseTime(req.Start, loc)
			if err != nil {
				return err
			}
			ev, err := cal.EditSingleEvent(req.Subject, start, edit)
			batch.Items = append(batch.Items, calendar.ItemResult{Event: ev, Err: err})
		case "from":
			from, err := model.ParseTime(req.Start, loc)
			if err != nil {
				return err
			}
			batch = cal.EditEventsFromDate(req.Subject, from, edit)
		case "all":
			batch = cal.EditAllEvents(req.Subject, edit)
		default:
			return badRequest("unknown scope %q", req.Scope)
		}
		return nil
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if batch.Total() == 0 {
		writeErr(w, r, fmt.Errorf("%w: %q", model.ErrEventNotFound, req.Subject))
		return
	}

	resp := editResponse{Total: batch.Total(), Succeeded: batch.Succeeded()}
	for _, item := range batch.Items {
		if item.Err != nil {
			resp.Items = append(resp.Items, editItemDTO{Error: item.Err.Error()})
			continue
		}
		dto := toEventDTO(item.Event, loc)
		resp.Items = append(resp.Items, editItemDTO{Event: &dto})
	}
	switch {
	case batch.AllSucceeded():
		writeJSON(w, http.StatusOK, resp)
	case batch.NoneSucceeded():
		writeJSON(w, statusFor(batch.Err()), resp)
	default:
		writeJSON(w, http.StatusMultiStatus, resp)
	}
}

func (s *Server) handleBusy(w http.ResponseWriter, r *http.Request) {
	var busy bool
	err := s.onCalendar(r.PathValue("name"), func(cal *calendar.Calendar) error {
		at, err := model.ParseTime(r.URL.Query().Get("at"), cal.Location())
		if err != nil {
			return err
		}
		busy = cal.IsBusy(at)
		return nil
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"busy": busy})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := s.onCalendar(name, func(cal *calendar.Calendar) error {
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", cal.Name()+".ics"))
		if werr := ics.WriteCalendar(w, cal); werr != nil {
			appLog.Error("ics export write failed", werr, "calendar", name)
		}
		return nil
	})
	if err != nil {
		writeErr(w, r, err)
	}
}

type skippedDTO struct {
	UID     string `json:"uid"`
	Summary string `json:"summary"`
	Reason  string `json:"reason"`
}

type importDTO struct {
	Source    string       `json:"source,omitempty"`
	Calendar  string       `json:"calendar,omitempty"`
	Added     int          `json:"added"`
	Existing  int          `json:"existing"`
	Declined  []string     `json:"declined,omitempty"`
	Overrides int          `json:"overrides"`
	Skipped   []skippedDTO `json:"skipped,omitempty"`
	Error     string       `json:"error,omitempty"`
}

func toImportDTO(rep ics.ImportReport) importDTO {
	out := importDTO{
		Added:     rep.Added,
		Existing:  rep.Existing,
		Declined:  rep.Declined,
		Overrides: rep.Overrides,
	}
	for _, sk := range rep.Skipped {
		out.Skipped = append(out.Skipped, skippedDTO{UID: sk.UID, Summary: sk.Summary, Reason: sk.Reason.Error()})
	}
	return out
}

// handleImport imports an iCalendar body into a calendar. Conflicting
// events are declined and listed, not treated as failures.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeErr(w, r, badRequest("read body: %v", err))
		return
	}
	name := r.PathValue("name")

	var rep ics.ImportReport
	err = s.onCalendar(name, func(cal *calendar.Calendar) error {
		var ierr error
		rep, ierr = ics.ImportICS(cal, ics.Source{ID: "upload", Calendar: name}, body)
		if ierr != nil {
			return badRequest("parse iCalendar: %v", ierr)
		}
		return nil
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := toImportDTO(rep)
	out.Calendar = name
	writeJSON(w, http.StatusOK, out)
}

// copyRequest copies events of the source calendar (the active one unless
// Source names another, which then becomes active) into Target.
//
//	mode=event: Subject + Start, optional TargetStart (else same instant)
//	mode=day:   Date -> TargetDate
//	mode=range: From..To -> TargetDate
type copyRequest struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Mode        string `json:"mode"`
	Subject     string `json:"subject"`
	Start       string `json:"start"`
	TargetStart string `json:"target_start"`
	Date        string `json:"date"`
	From        string `json:"from"`
	To          string `json:"to"`
	TargetDate  string `json:"target_date"`
}

type copyItemDTO struct {
	Subject     string    `json:"subject"`
	SourceStart time.Time `json:"source_start"`
	Status      string    `json:"status"`
	Copy        *eventDTO `json:"copy,omitempty"`
	Error       string    `json:"error,omitempty"`
}

type copyResponse struct {
	Target    string        `json:"target"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Items     []copyItemDTO `json:"items"`
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	var req copyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	var resp copyResponse
	var report calendar.CopyReport
	err := s.locked(func() error {
		if req.Source != "" {
			if err := s.manager.SetActiveCalendar(req.Source); err != nil {
				return err
			}
		}
		src, err := s.manager.ActiveCalendar()
		if err != nil {
			return err
		}
		dst, err := s.manager.Calendar(req.Target)
		if err != nil {
			return err
		}
		report, err = runCopy(s.manager, req, src.Location(), dst.Location())
		if err != nil {
			return err
		}

		resp = copyResponse{Target: report.Target, Total: report.Total(), Succeeded: report.Succeeded(),
			Items: make([]copyItemDTO, 0, len(report.Items))}
		for _, item := range report.Items {
			dto := copyItemDTO{
				Subject:     item.Source.Subject,
				SourceStart: item.Source.Start.In(src.Location()),
				Status:      item.Status.String(),
			}
			if item.Err != nil {
				dto.Error = item.Err.Error()
			} else {
				c := toEventDTO(item.Copy, dst.Location())
				dto.Copy = &c
			}
			resp.Items = append(resp.Items, dto)
		}
		return nil
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	appLog.Info("events copied", "target", resp.Target, "total", resp.Total, "succeeded", resp.Succeeded)
	if report.AllSucceeded() {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusMultiStatus, resp)
}

func runCopy(m *calendar.Manager, req copyRequest, srcLoc, dstLoc *time.Location) (calendar.CopyReport, error) {
	switch strings.ToLower(req.Mode) {
	case "event":
		start, err := model.ParseTime(req.Start, srcLoc)
		if err != nil {
			return calendar.CopyReport{}, err
		}
		if req.TargetStart == "" {
			return m.CopyEvent(req.Subject, start, req.Target)
		}
		targetStart, err := model.ParseTime(req.TargetStart, dstLoc)
		if err != nil {
			return calendar.CopyReport{}, err
		}
		return m.CopyEventTo(req.Subject, start, req.Target, targetStart)
	case "day":
		date, err := model.ParseDate(req.Date, srcLoc)
		if err != nil {
			return calendar.CopyReport{}, err
		}
		targetDate, err := model.ParseDate(req.TargetDate, dstLoc)
		if err != nil {
			return calendar.CopyReport{}, err
		}
		return m.CopyEventsOnDate(date, req.Target, targetDate)
	case "range":
		from, err := model.ParseDate(req.From, srcLoc)
		if err != nil {
			return calendar.CopyReport{}, err
		}
		to, err := model.ParseDate(req.To, srcLoc)
		if err != nil {
			return calendar.CopyReport{}, err
		}
		targetDate, err := model.ParseDate(req.TargetDate, dstLoc)
		if err != nil {
			return calendar.CopyReport{}, err
		}
		return m.CopyEventsInRange(from, to, req.Target, targetDate)
	}
	return calendar.CopyReport{}, badRequest("unknown copy mode %q", req.Mode)
}

// handleRefresh syncs every subscription now. The syncer takes the manager
// lock itself.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	out := []importDTO{}
	if s.syncer != nil {
		for _, res := range s.syncer.SyncAll(r.Context()) {
			d := toImportDTO(res.Report)
			d.Source, d.Calendar = res.Source.ID, res.Source.Calendar
			if res.Err != nil {
				d.Error = res.Err.Error()
			}
			out = append(out, d)
		}
	}
	writeJSON(w, http.StatusOK, out)
}
