package view

import (
	"errors"
	"fmt"
	"time"

	"asksync/internal/model"
)

// DefaultAgendaDays is how far past the anchor day the agenda view reaches.
const DefaultAgendaDays = 14

// ErrUnknownViewMode is returned by ParseViewMode for unsupported modes.
var ErrUnknownViewMode = errors.New("unknown view mode")

// ParseViewMode validates a view mode coming from a request or flag.
func ParseViewMode(s string) (model.ViewMode, error) {
	m := model.ViewMode(s).Normalize()
	switch m {
	case model.ViewDay, model.ViewWeek, model.ViewMonth, model.ViewAgenda:
		return m, nil
	case "":
		return model.ViewWeek, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownViewMode, s)
	}
}

// Selector maps a view mode and anchor date to the range a calendar view
// shows. The zero value starts weeks on Sunday and uses DefaultAgendaDays.
type Selector struct {
	WeekStart  time.Weekday
	AgendaDays int
}

// DateRangeForView uses the zero Selector.
func DateRangeForView(mode model.ViewMode, anchor time.Time) model.DateRange {
	return Selector{}.Range(mode, anchor)
}

// Range returns the closed range for mode around anchor, in anchor's
// location. Unknown modes get the day range.
func (s Selector) Range(mode model.ViewMode, anchor time.Time) model.DateRange {
	switch mode.Normalize() {
	case model.ViewWeek:
		start := s.startOfWeek(anchor)
		return model.DateRange{Start: start, End: endOfDay(start.AddDate(0, 0, 6))}

	case model.ViewMonth:
		first := time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, anchor.Location())
		last := first.AddDate(0, 1, -1)
		gridStart := s.startOfWeek(first)
		gridEnd := endOfDay(s.startOfWeek(last).AddDate(0, 0, 6))
		return model.DateRange{Start: gridStart, End: gridEnd}

	case model.ViewAgenda:
		days := s.AgendaDays
		if days <= 0 {
			days = DefaultAgendaDays
		}
		start := startOfDay(anchor)
		return model.DateRange{Start: start, End: endOfDay(start.AddDate(0, 0, days))}

	default:
		return model.DateRange{Start: startOfDay(anchor), End: endOfDay(anchor)}
	}
}

func (s Selector) startOfWeek(t time.Time) time.Time {
	d := startOfDay(t)
	diff := (int(d.Weekday()) - int(s.WeekStart) + 7) % 7
	return d.AddDate(0, 0, -diff)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), t.Location())
}
