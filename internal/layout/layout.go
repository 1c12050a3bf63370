package layout

import (
	"sort"
	"time"

	"asksync/internal/model"
)

const (
	// DefaultHourHeight is the pixel height of one hour in the day grid.
	DefaultHourHeight = 60.0

	// Later columns are drawn narrower and shifted right so they partially
	// overlay earlier ones instead of splitting the width exactly.
	overlayWidth  = 0.9
	overlayOffset = 0.1
)

// Options controls the pixel geometry of the day grid.
type Options struct {
	// HourHeight is pixels per hour. Zero means DefaultHourHeight.
	HourHeight float64
	// MinHeight is the smallest height handed out, so very short blocks
	// stay clickable. Zero disables it.
	MinHeight float64
}

// Calculator positions timeblocks inside one day column.
type Calculator struct {
	opts Options
}

// NewCalculator returns a Calculator with defaults applied to opts.
func NewCalculator(opts Options) *Calculator {
	if opts.HourHeight <= 0 {
		opts.HourHeight = DefaultHourHeight
	}
	if opts.MinHeight < 0 {
		opts.MinHeight = 0
	}
	return &Calculator{opts: opts}
}

// CalculatePositions lays out events for day using default options.
func CalculatePositions(events []model.Event, day time.Time) []model.PositionedEvent {
	return NewCalculator(Options{}).Positions(events, day)
}

type placed struct {
	ev         model.Event
	start, end time.Time
}

// Positions assigns every timed event intersecting day a column by greedy
// first-fit and converts its clamped span into pixel offsets. All-day
// events and events outside the day are skipped. The input slice is not
// modified.
func (c *Calculator) Positions(events []model.Event, day time.Time) []model.PositionedEvent {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	items := make([]placed, 0, len(events))
	for _, ev := range events {
		if ev.AllDay {
			continue
		}
		start, end := ev.Start, ev.End
		if end.Before(start) {
			end = start
		}
		// Half-open day window; a zero-length block at midnight still counts.
		if !start.Before(dayEnd) {
			continue
		}
		if end.Before(dayStart) || (end.Equal(dayStart) && end.After(start)) {
			continue
		}
		if start.Before(dayStart) {
			start = dayStart
		}
		if end.After(dayEnd) {
			end = dayEnd
		}
		items = append(items, placed{ev: ev, start: start, end: end})
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.start.Equal(b.start) {
			return a.start.Before(b.start)
		}
		da, db := a.end.Sub(a.start), b.end.Sub(b.start)
		if da != db {
			return da > db
		}
		return a.ev.ID < b.ev.ID
	})

	// columnEnds[i] is the end of the last block placed in column i.
	var columnEnds []time.Time
	out := make([]model.PositionedEvent, 0, len(items))

	for _, it := range items {
		col := -1
		for i, lastEnd := range columnEnds {
			if !lastEnd.After(it.start) {
				col = i
				break
			}
		}
		if col == -1 {
			col = len(columnEnds)
			columnEnds = append(columnEnds, it.end)
		} else {
			columnEnds[col] = it.end
		}

		top := hoursSince(dayStart, it.start) * c.opts.HourHeight
		height := it.end.Sub(it.start).Hours() * c.opts.HourHeight
		if height < c.opts.MinHeight {
			height = c.opts.MinHeight
		}

		left, width := 0.0, 1.0
		if col > 0 {
			left = overlayOffset * float64(col)
			width = overlayWidth
		}

		out = append(out, model.PositionedEvent{
			Event:  it.ev,
			Top:    top,
			Height: height,
			Left:   left,
			Width:  width,
			ZIndex: col,
			Column: col,
		})
	}

	return out
}

// hoursSince measures wall-clock hours so DST days still map 09:00 to 9h.
func hoursSince(dayStart, t time.Time) float64 {
	t = t.In(dayStart.Location())
	if !t.Before(dayStart.AddDate(0, 0, 1)) {
		return 24
	}
	return float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600
}
