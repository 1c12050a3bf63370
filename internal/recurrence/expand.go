package recurrence

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "asksync/internal/log"
	"asksync/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
	dateKeyLayout                 = "2006-01-02"
)

// Options controls how recurrence expansion is performed.
type Options struct {
	// MaxOccurrencesPerEvent caps the instances produced for one series.
	// If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// Result wraps expanded occurrences and the series that hit the cap.
type Result struct {
	Events          []model.Event
	TruncatedSeries []string
}

// ParseFrequency converts a stored or imported recurrence token into a
// Frequency. Accepted forms are the short tokens ("daily", "weekly",
// "weekdays") and the RRULE values emitted by Frequency.RRule, optionally
// prefixed with "RRULE:". Anything else is FrequencyNone so that bad data
// degrades to a single visible timeblock.
func ParseFrequency(token string) model.Frequency {
	t := strings.ToUpper(strings.TrimSpace(token))
	t = strings.TrimPrefix(t, "RRULE:")
	if t == "" {
		return model.FrequencyNone
	}

	switch t {
	case "DAILY":
		return model.FrequencyDaily
	case "WEEKLY":
		return model.FrequencyWeekly
	case "WEEKDAYS":
		return model.FrequencyWeekdays
	}

	parts := make(map[string]string)
	for _, p := range strings.Split(t, ";") {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return model.FrequencyNone
		}
		parts[k] = v
	}

	switch parts["FREQ"] {
	case "DAILY":
		if len(parts) == 1 {
			return model.FrequencyDaily
		}
	case "WEEKLY":
		if len(parts) == 1 {
			return model.FrequencyWeekly
		}
		if len(parts) == 2 && isWeekdaySet(parts["BYDAY"]) {
			return model.FrequencyWeekdays
		}
	}
	return model.FrequencyNone
}

func isWeekdaySet(byday string) bool {
	want := map[string]bool{"MO": true, "TU": true, "WE": true, "TH": true, "FR": true}
	days := strings.Split(byday, ",")
	if len(days) != len(want) {
		return false
	}
	for _, d := range days {
		if !want[d] {
			return false
		}
		delete(want, d)
	}
	return true
}

// Expand returns every concrete timeblock intersecting the closed range
// [rangeStart, rangeEnd]. Recurring series contribute the occurrences whose
// start lies in the range, minus any occurrence on an exception date.
// Non-recurring events are returned as-is when their span intersects the
// range. The result is sorted by start time.
func Expand(events []model.Event, rangeStart, rangeEnd time.Time) []model.Event {
	return ExpandWithOptions(events, rangeStart, rangeEnd, Options{}).Events
}

// ExpandWithOptions is Expand with a configurable per-series cap.
func ExpandWithOptions(events []model.Event, rangeStart, rangeEnd time.Time, opts Options) Result {
	var result Result

	if rangeEnd.Before(rangeStart) || len(events) == 0 {
		result.Events = []model.Event{}
		return result
	}
	if opts.MaxOccurrencesPerEvent <= 0 {
		opts.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if !ev.IsRecurring() {
			if timeRangesOverlap(ev.Start, ev.End, rangeStart, rangeEnd) {
				out = append(out, ev)
			}
			continue
		}

		occ, hitCap := expandSeries(ev, rangeStart, rangeEnd, opts.MaxOccurrencesPerEvent)
		if hitCap {
			result.TruncatedSeries = append(result.TruncatedSeries, ev.ID)
			appLog.Error("expand: truncated occurrences for series due to cap",
				errors.New("max occurrences reached"),
				"id", ev.ID,
				"cap", opts.MaxOccurrencesPerEvent,
			)
		}
		out = append(out, occ...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})

	result.Events = out
	return result
}

// expandSeries expands one recurring base event, returning occurrences and
// whether the cap was hit.
func expandSeries(ev model.Event, rangeStart, rangeEnd time.Time, limit int) ([]model.Event, bool) {
	r, err := ruleFor(ev)
	if err != nil {
		// Treat as a plain timeblock rather than dropping it.
		appLog.Error("expand: failed to build recurrence rule", err, "id", ev.ID, "recurrence", ev.Recurrence.String())
		if timeRangesOverlap(ev.Start, ev.End, rangeStart, rangeEnd) {
			return []model.Event{ev}, false
		}
		return nil, false
	}

	loc := ev.Start.Location()
	skip := exceptionKeys(ev.ExceptionDates, loc)

	// Between works in the rule's location, which is the base event's.
	occTimes := r.Between(rangeStart.In(loc), rangeEnd.In(loc), true)

	out := make([]model.Event, 0, len(occTimes))
	hitCap := false
	dur := ev.Duration()

	for _, occStart := range occTimes {
		if skip[occStart.Format(dateKeyLayout)] {
			continue
		}
		if len(out) == limit {
			hitCap = true
			break
		}
		out = append(out, makeOccurrence(ev, occStart, occStart.Add(dur)))
	}

	return out, hitCap
}

func ruleFor(ev model.Event) (*rrule.RRule, error) {
	opt := rrule.ROption{Dtstart: ev.Start}

	switch ev.Recurrence {
	case model.FrequencyDaily:
		opt.Freq = rrule.DAILY
	case model.FrequencyWeekly:
		opt.Freq = rrule.WEEKLY
	case model.FrequencyWeekdays:
		opt.Freq = rrule.WEEKLY
		opt.Byweekday = []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR}
	default:
		return nil, errors.New("unsupported frequency")
	}

	return rrule.NewRRule(opt)
}

func exceptionKeys(dates []time.Time, loc *time.Location) map[string]bool {
	keys := make(map[string]bool, len(dates))
	for _, d := range dates {
		keys[d.In(loc).Format(dateKeyLayout)] = true
	}
	return keys
}

// makeOccurrence copies the base event onto a concrete start/end.
func makeOccurrence(base model.Event, start, end time.Time) model.Event {
	occ := base
	occ.Start = start
	occ.End = end
	occ.ExceptionDates = nil
	occ.SeriesID = base.ID
	occ.InstanceKey = start.Format(time.RFC3339Nano)
	return occ
}

func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(bStart) {
		return false
	}
	if bEnd.Before(aStart) {
		return false
	}
	return true
}
