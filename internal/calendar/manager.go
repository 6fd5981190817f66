package calendar

import (
	"fmt"
	"sort"
	"strings"
	"time"

	appLog "tzcal/internal/log"
	"tzcal/internal/model"
)

// Manager is the registry of calendars keyed by unique name, with at most
// one active calendar. Copies always read from the active calendar.
type Manager struct {
	calendars map[string]*Calendar
	active    string
}

func NewManager() *Manager {
	return &Manager{calendars: make(map[string]*Calendar)}
}

// LoadLocation resolves an IANA zone id. The empty id and "Local" are
// rejected so calendars never depend on the host zone.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || tz == "Local" {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidTimezone, tz)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", model.ErrInvalidTimezone, tz, err)
	}
	return loc, nil
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &model.ValidationError{Field: "name", Reason: "calendar name must not be empty"}
	}
	return name, nil
}

// CreateCalendar registers a new empty calendar in zone tz.
func (m *Manager) CreateCalendar(name, tz string) (*Calendar, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	if _, ok := m.calendars[name]; ok {
		return nil, fmt.Errorf("%w: %q", model.ErrDuplicateCalendar, name)
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	cal := newCalendar(name, loc)
	m.calendars[name] = cal
	appLog.Debug("calendar created", "name", name, "timezone", loc.String())
	return cal, nil
}

// Calendar returns the calendar registered under name. Names are trimmed
// on lookup just as they are on creation.
func (m *Manager) Calendar(name string) (*Calendar, error) {
	cal, ok := m.calendars[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrCalendarNotFound, name)
	}
	return cal, nil
}

func (m *Manager) HasCalendar(name string) bool {
	_, ok := m.calendars[strings.TrimSpace(name)]
	return ok
}

// Names lists the registered calendars in lexical order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.calendars))
	for n := range m.calendars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) SetActiveCalendar(name string) error {
	cal, err := m.Calendar(name)
	if err != nil {
		return err
	}
	m.active = cal.name
	return nil
}

// ActiveCalendar returns the calendar copies read from.
func (m *Manager) ActiveCalendar() (*Calendar, error) {
	if m.active == "" {
		return nil, fmt.Errorf("%w: no active calendar", model.ErrCalendarNotFound)
	}
	return m.Calendar(m.active)
}

// ActiveName is the active calendar's name, or "" when none is selected.
func (m *Manager) ActiveName() string { return m.active }

// EditCalendarName renames a calendar. The active selection follows it.
func (m *Manager) EditCalendarName(oldName, newName string) error {
	cal, err := m.Calendar(oldName)
	if err != nil {
		return err
	}
	newName, err = validateName(newName)
	if err != nil {
		return err
	}
	oldName = cal.name
	if newName == oldName {
		return nil
	}
	if _, taken := m.calendars[newName]; taken {
		return fmt.Errorf("%w: %q", model.ErrDuplicateCalendar, newName)
	}
	delete(m.calendars, oldName)
	cal.name = newName
	m.calendars[newName] = cal
	if m.active == oldName {
		m.active = newName
	}
	return nil
}

// EditCalendarTimezone changes the zone used to read dates and wall-clock
// inputs. Stored instants and series anchors are left as they are.
func (m *Manager) EditCalendarTimezone(name, tz string) error {
	cal, err := m.Calendar(name)
	if err != nil {
		return err
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return err
	}
	cal.loc = loc
	return nil
}

// DeleteCalendar drops a calendar and clears the active selection if it
// pointed there.
func (m *Manager) DeleteCalendar(name string) error {
	cal, err := m.Calendar(name)
	if err != nil {
		return err
	}
	delete(m.calendars, cal.name)
	if m.active == cal.name {
		m.active = ""
	}
	return nil
}

// ExecuteOnCalendar runs fn against the named calendar.
func (m *Manager) ExecuteOnCalendar(name string, fn func(*Calendar) error) error {
	cal, err := m.Calendar(name)
	if err != nil {
		return err
	}
	return fn(cal)
}
