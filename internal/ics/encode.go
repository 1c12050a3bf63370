package ics

import (
	"io"
	"time"

	ical "github.com/arran4/golang-ical"

	"asksync/internal/model"
)

const productService = "AskSync"

// Encode writes base timeblocks as a VCALENDAR feed. Recurrence and
// exception dates are preserved; expanded occurrences (SeriesID set) are
// skipped because their series already describes them.
func Encode(w io.Writer, events []model.Event) error {
	cal := ical.NewCalendarFor(productService)
	cal.SetMethod(ical.MethodPublish)

	stamp := time.Now().UTC()
	for _, ev := range events {
		if ev.SeriesID != "" {
			continue
		}

		ve := cal.AddEvent(ev.ID)
		ve.SetDtStampTime(stamp)
		ve.SetSummary(ev.Title)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}

		if ev.AllDay {
			ve.SetAllDayStartAt(ev.Start)
			ve.SetAllDayEndAt(ev.End)
		} else {
			ve.SetStartAt(ev.Start)
			ve.SetEndAt(ev.End)
		}

		if rule := ev.Recurrence.RRule(); rule != "" {
			ve.AddProperty(ical.ComponentPropertyRrule, rule)
			for _, ex := range ev.ExceptionDates {
				value, params := exdateValue(ev, ex)
				ve.AddProperty(ical.ComponentPropertyExdate, value, params...)
			}
		}
	}

	_, err := io.WriteString(w, cal.Serialize())
	return err
}

// exdateValue renders an exception as the suppressed occurrence's start so
// strict clients match it against the RRULE instance.
func exdateValue(ev model.Event, ex time.Time) (string, []ical.PropertyParameter) {
	loc := ev.Start.Location()
	d := ex.In(loc)
	if ev.AllDay {
		return d.Format("20060102"), []ical.PropertyParameter{
			&ical.KeyValues{Key: string(ical.ParameterValue), Value: []string{"DATE"}},
		}
	}
	occ := time.Date(d.Year(), d.Month(), d.Day(), ev.Start.Hour(), ev.Start.Minute(), ev.Start.Second(), 0, loc)
	return occ.UTC().Format("20060102T150405Z"), nil
}
