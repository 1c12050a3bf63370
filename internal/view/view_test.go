package view

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asksync/internal/model"
)

const stamp = "2006-01-02T15:04:05"

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 13, 45, 0, 0, time.UTC)
}

func TestDayRange(t *testing.T) {
	r := DateRangeForView(model.ViewDay, date(2024, 3, 15))
	assert.Equal(t, "2024-03-15T00:00:00", r.Start.Format(stamp))
	assert.Equal(t, "2024-03-15T23:59:59", r.End.Format(stamp))
	assert.True(t, r.Contains(time.Date(2024, 3, 15, 23, 59, 59, 500, time.UTC)))
	assert.False(t, r.Contains(time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)))
}

func TestWeekRange(t *testing.T) {
	// 2024-03-15 is a Friday.
	sunday := DateRangeForView(model.ViewWeek, date(2024, 3, 15))
	assert.Equal(t, "2024-03-10T00:00:00", sunday.Start.Format(stamp))
	assert.Equal(t, "2024-03-16T23:59:59", sunday.End.Format(stamp))

	monday := Selector{WeekStart: time.Monday}.Range(model.ViewWeek, date(2024, 3, 15))
	assert.Equal(t, "2024-03-11T00:00:00", monday.Start.Format(stamp))
	assert.Equal(t, "2024-03-17T23:59:59", monday.End.Format(stamp))

	// Anchor on the week start itself.
	onStart := Selector{WeekStart: time.Monday}.Range(model.ViewWeek, date(2024, 3, 11))
	assert.Equal(t, monday, onStart)
}

func TestMonthRange(t *testing.T) {
	// March 2024: 1st is a Friday, 31st is a Sunday.
	r := DateRangeForView(model.ViewMonth, date(2024, 3, 15))
	assert.Equal(t, "2024-02-25T00:00:00", r.Start.Format(stamp))
	assert.Equal(t, "2024-04-06T23:59:59", r.End.Format(stamp))
	assert.Len(t, r.Days(), 42)

	m := Selector{WeekStart: time.Monday}.Range(model.ViewMonth, date(2024, 3, 1))
	assert.Equal(t, "2024-02-26T00:00:00", m.Start.Format(stamp))
	assert.Equal(t, "2024-03-31T23:59:59", m.End.Format(stamp))
	assert.Len(t, m.Days(), 35)
}

func TestAgendaRange(t *testing.T) {
	r := DateRangeForView(model.ViewAgenda, date(2024, 3, 15))
	assert.Equal(t, "2024-03-15T00:00:00", r.Start.Format(stamp))
	assert.Equal(t, "2024-03-29T23:59:59", r.End.Format(stamp))

	short := Selector{AgendaDays: 3}.Range(model.ViewAgenda, date(2024, 3, 15))
	assert.Equal(t, "2024-03-18T23:59:59", short.End.Format(stamp))
}

func TestUnknownModeFallsBackToDay(t *testing.T) {
	got := DateRangeForView(model.ViewMode("year"), date(2024, 3, 15))
	assert.Equal(t, DateRangeForView(model.ViewDay, date(2024, 3, 15)), got)
}

func TestRangeKeepsLocation(t *testing.T) {
	loc := time.FixedZone("KST", 9*3600)
	anchor := time.Date(2024, 3, 15, 1, 0, 0, 0, loc)
	r := DateRangeForView(model.ViewDay, anchor)
	assert.Equal(t, loc, r.Start.Location())
	assert.Equal(t, 15, r.Start.Day())
}

func TestRangeDeterministic(t *testing.T) {
	for _, m := range []model.ViewMode{model.ViewDay, model.ViewWeek, model.ViewMonth, model.ViewAgenda} {
		assert.Equal(t, DateRangeForView(m, date(2024, 12, 31)), DateRangeForView(m, date(2024, 12, 31)), m)
		assert.True(t, DateRangeForView(m, date(2024, 12, 31)).Valid(), m)
	}
}

func TestParseViewMode(t *testing.T) {
	for in, want := range map[string]model.ViewMode{
		"day":    model.ViewDay,
		" Week ": model.ViewWeek,
		"MONTH":  model.ViewMonth,
		"agenda": model.ViewAgenda,
		"":       model.ViewWeek,
	} {
		got, err := ParseViewMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseViewMode("year")
	assert.ErrorIs(t, err, ErrUnknownViewMode)
}
