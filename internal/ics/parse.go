package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "asksync/internal/log"
	"asksync/internal/model"
	"asksync/internal/recurrence"
)

// Source identifies one ICS feed.
type Source struct {
	// ID is an internal identifier (e.g. the config subscription ID).
	ID string
	// URL is the ICS endpoint.
	URL string
	// Location interprets floating and all-day times. Nil means time.Local.
	Location *time.Location
}

func (s Source) location() *time.Location {
	if s.Location == nil {
		return time.Local
	}
	return s.Location
}

// override is a VEVENT with a RECURRENCE-ID, replacing one occurrence of
// the series sharing its UID.
type override struct {
	uid       string
	rid       time.Time
	cancelled bool
}

// Parse converts an ICS payload into timeblocks.
//
//   - RRULE values are mapped through recurrence.ParseFrequency; rules that
//     are not daily/weekly/weekdays import as a single timeblock.
//   - EXDATE values become exception dates.
//   - RECURRENCE-ID overrides become standalone timeblocks and suppress the
//     original occurrence of their series. Cancelled overrides only suppress.
//
// VEVENTs that cannot be parsed are logged and skipped.
func Parse(src Source, body []byte) ([]model.Event, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, fmt.Errorf("parse ics %s: %w", src.ID, err)
	}

	events := make([]model.Event, 0)
	overrides := make([]override, 0)
	seen := make(map[string]bool)

	for _, ve := range cal.Events() {
		ev, ov, perr := parseVEvent(src, ve)
		if perr != nil {
			appLog.Error("ics vevent parse failed", perr, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		// Timeblock IDs are primary keys; the first VEVENT for an ID wins.
		if seen[ev.ID] {
			appLog.Warn("ics duplicate vevent skipped", "id", src.ID, "uid", ev.ID)
			continue
		}
		seen[ev.ID] = true
		if ov != nil {
			overrides = append(overrides, *ov)
			if ov.cancelled {
				continue
			}
		}
		events = append(events, ev)
	}

	applyOverrides(events, overrides)

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(events))
	return events, nil
}

func applyOverrides(events []model.Event, overrides []override) {
	if len(overrides) == 0 {
		return
	}
	byUID := make(map[string]int, len(events))
	for i, ev := range events {
		if ev.IsRecurring() {
			byUID[ev.ID] = i
		}
	}
	for _, ov := range overrides {
		i, ok := byUID[ov.uid]
		if !ok {
			continue
		}
		events[i].ExceptionDates = append(events[i].ExceptionDates, ov.rid)
	}
}

func parseVEvent(src Source, ve *ical.VEvent) (model.Event, *override, error) {
	var out model.Event
	loc := src.location()

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, nil, errors.New("missing UID")
	}
	out.ID = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, nil, errors.New("missing DTSTART")
	}
	out.AllDay = isDateValue(dtStart)

	start, err := ve.GetStartAt()
	if err != nil {
		return out, nil, fmt.Errorf("DTSTART: %w", err)
	}
	end, endErr := ve.GetEndAt()

	if out.AllDay {
		start = midnight(start, loc)
		if endErr != nil || !end.After(start) {
			end = start.AddDate(0, 0, 1)
		} else {
			end = midnight(end, loc)
		}
	} else if endErr != nil || end.Before(start) {
		end = start
	}
	out.Start = start
	out.End = end

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		out.Recurrence = recurrence.ParseFrequency(p.Value)
		if !out.IsRecurring() {
			appLog.Warn("ics unsupported RRULE; importing single timeblock", "id", src.ID, "uid", out.ID, "rrule", p.Value)
		}
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, err := parseICSTime(part, propLocation(p, loc))
			if err != nil {
				appLog.Warn("ics bad EXDATE skipped", "id", src.ID, "uid", out.ID, "value", part)
				continue
			}
			out.ExceptionDates = append(out.ExceptionDates, t)
		}
	}

	ridProp := ve.GetProperty("RECURRENCE-ID")
	if ridProp == nil {
		return out, nil, nil
	}
	rid, err := parseICSTime(ridProp.Value, propLocation(ridProp, loc))
	if err != nil {
		return out, nil, fmt.Errorf("RECURRENCE-ID: %w", err)
	}

	ov := &override{uid: out.ID, rid: rid}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
		ov.cancelled = true
	}

	// The override is its own timeblock; it must not re-expand the series.
	out.ID = out.ID + "@" + rid.UTC().Format("20060102T150405Z")
	out.Recurrence = model.FrequencyNone
	out.ExceptionDates = nil
	return out, ov, nil
}

// isDateValue reports VALUE=DATE or a date-only value (no 'T').
func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func propLocation(p *ical.IANAProperty, fallback *time.Location) *time.Location {
	if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
		if loc, err := time.LoadLocation(tzs[0]); err == nil {
			return loc
		}
	}
	return fallback
}

func midnight(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// parseICSTime parses DATE, floating DATE-TIME and UTC DATE-TIME values.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
