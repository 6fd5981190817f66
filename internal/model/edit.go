package model

import (
	"strings"
	"time"
)

// Edit is a single property change applied to a copy of an event. An edit
// that returns an error leaves the copy unusable; callers discard it.
type Edit func(*Event) error

func EditSubject(s string) Edit {
	return func(e *Event) error { return e.SetSubject(s) }
}

func EditStart(t time.Time) Edit {
	return func(e *Event) error { return e.SetStart(t) }
}

func EditEnd(t time.Time) Edit {
	return func(e *Event) error { return e.SetEnd(t) }
}

func EditDescription(d string) Edit {
	return func(e *Event) error { e.SetDescription(d); return nil }
}

func EditLocation(l string) Edit {
	return func(e *Event) error { e.SetLocation(l); return nil }
}

func EditVisibility(v Visibility) Edit {
	return func(e *Event) error { e.SetVisibility(v); return nil }
}

// timeLayouts are the wall-clock forms accepted by ParseEdit, tried in order.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseTime reads an RFC 3339 instant, or a wall-clock date-time interpreted
// in loc.
func ParseTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, invalid("time", "cannot parse %q", value)
}

// ParseDate reads a YYYY-MM-DD date as midnight in loc.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(dateLayout, strings.TrimSpace(value), loc)
	if err != nil {
		return time.Time{}, invalid("date", "cannot parse %q", value)
	}
	return t, nil
}

// ParseEdit builds an Edit from a property name and its textual value, the
// shape text and HTTP collaborators receive. Times without an offset are read
// in loc.
func ParseEdit(property, value string, loc *time.Location) (Edit, error) {
	switch strings.ToLower(strings.TrimSpace(property)) {
	case "subject", "name":
		return EditSubject(value), nil
	case "start":
		t, err := ParseTime(value, loc)
		if err != nil {
			return nil, err
		}
		return EditStart(t), nil
	case "end":
		t, err := ParseTime(value, loc)
		if err != nil {
			return nil, err
		}
		return EditEnd(t), nil
	case "description":
		return EditDescription(value), nil
	case "location":
		return EditLocation(value), nil
	case "visibility", "public", "ispublic":
		v, err := ParseVisibility(value)
		if err != nil {
			return nil, err
		}
		return EditVisibility(v), nil
	}
	return nil, invalid("property", "unknown property %q", property)
}
