package model

import (
	"strings"
	"time"
)

// Frequency is the recurrence frequency of a timeblock. It is parsed once
// from its textual form (see recurrence.ParseFrequency) and never string
// matched afterwards.
type Frequency int

const (
	FrequencyNone Frequency = iota
	FrequencyDaily
	FrequencyWeekly
	FrequencyWeekdays
)

// String returns the short token used in the database and the JSON API.
func (f Frequency) String() string {
	switch f {
	case FrequencyDaily:
		return "daily"
	case FrequencyWeekly:
		return "weekly"
	case FrequencyWeekdays:
		return "weekdays"
	default:
		return ""
	}
}

// RRule returns the iCalendar RRULE value for f, or "" for FrequencyNone.
func (f Frequency) RRule() string {
	switch f {
	case FrequencyDaily:
		return "FREQ=DAILY"
	case FrequencyWeekly:
		return "FREQ=WEEKLY"
	case FrequencyWeekdays:
		return "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR"
	default:
		return ""
	}
}

// MarshalText encodes f as its short token.
func (f Frequency) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText accepts the short tokens produced by MarshalText. Unknown
// tokens decode to FrequencyNone.
func (f *Frequency) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "daily":
		*f = FrequencyDaily
	case "weekly":
		*f = FrequencyWeekly
	case "weekdays":
		*f = FrequencyWeekdays
	default:
		*f = FrequencyNone
	}
	return nil
}

// Event is a timeblock: a scheduled calendar entry, either a base event as
// stored or one concrete occurrence produced by recurrence expansion.
type Event struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id,omitempty"`
	// SourceID is set for timeblocks imported from an ICS subscription.
	SourceID string `json:"source_id,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	AllDay bool      `json:"all_day"`

	Recurrence     Frequency   `json:"recurrence,omitempty"`
	ExceptionDates []time.Time `json:"exception_dates,omitempty"`

	// SeriesID and InstanceKey are only set on expanded occurrences.
	SeriesID    string `json:"series_id,omitempty"`
	InstanceKey string `json:"instance_key,omitempty"`
}

// Duration returns End-Start, never negative.
func (e Event) Duration() time.Duration {
	if e.End.Before(e.Start) {
		return 0
	}
	return e.End.Sub(e.Start)
}

// IsRecurring reports whether e carries a recurrence rule.
func (e Event) IsRecurring() bool {
	return e.Recurrence != FrequencyNone
}

// PositionedEvent wraps an Event with its computed placement inside a
// single-day time grid. Top and Height are pixels; Left and Width are
// fractions of the day column width.
type PositionedEvent struct {
	Event  Event   `json:"event"`
	Top    float64 `json:"top"`
	Height float64 `json:"height"`
	Left   float64 `json:"left"`
	Width  float64 `json:"width"`
	ZIndex int     `json:"z_index"`
	Column int     `json:"column"`
}

// DateRange is an inclusive [Start, End] pair.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether End is not before Start.
func (r DateRange) Valid() bool {
	return !r.End.Before(r.Start)
}

// Contains reports whether t lies inside the closed range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Overlaps reports whether the closed span [start, end] intersects r.
func (r DateRange) Overlaps(start, end time.Time) bool {
	if end.Before(r.Start) {
		return false
	}
	if r.End.Before(start) {
		return false
	}
	return true
}

// Days returns the midnight of every calendar day touched by r, in the
// location of r.Start.
func (r DateRange) Days() []time.Time {
	if !r.Valid() {
		return nil
	}
	loc := r.Start.Location()
	end := r.End.In(loc)
	d := time.Date(r.Start.Year(), r.Start.Month(), r.Start.Day(), 0, 0, 0, 0, loc)
	var out []time.Time
	for !d.After(end) {
		out = append(out, d)
		d = d.AddDate(0, 0, 1)
	}
	return out
}

// ViewMode selects the calendar view a DateRange is computed for.
type ViewMode string

const (
	ViewDay    ViewMode = "day"
	ViewWeek   ViewMode = "week"
	ViewMonth  ViewMode = "month"
	ViewAgenda ViewMode = "agenda"
)

// Normalize lower-cases and trims m.
func (m ViewMode) Normalize() ViewMode {
	return ViewMode(strings.ToLower(strings.TrimSpace(string(m))))
}
